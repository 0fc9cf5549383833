package authz

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DenyLog records policy denials for audit. Writes are best effort:
// an audit failure never turns a decision into an error.
type DenyLog struct {
	db *sql.DB
}

// NewDenyLog creates a deny audit logger over the given connection.
func NewDenyLog(db *sql.DB) *DenyLog {
	return &DenyLog{db: db}
}

// Record writes one denial row.
func (d *DenyLog) Record(ctx context.Context, req Request, decision Decision) error {
	var identity sql.NullInt64
	if req.IdentityID != nil {
		identity = sql.NullInt64{Int64: *req.IdentityID, Valid: true}
	}

	_, err := d.db.ExecContext(ctx, `
		INSERT INTO authz_denials (identity_id, resource_type, resource_id, operation, rule, detail, denied_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		identity,
		string(req.Resource.Type),
		req.Resource.ID,
		string(req.Operation),
		decision.Rule,
		decision.Reason,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert denial: %w", err)
	}
	return nil
}

// RecentDenials lists the latest denials for one identity, newest
// first. Used by administrative tooling.
func (d *DenyLog) RecentDenials(ctx context.Context, identityID int64, limit int) ([]Denial, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.db.QueryContext(ctx, `
		SELECT id, identity_id, resource_type, resource_id, operation, rule, detail, denied_at
		FROM authz_denials
		WHERE identity_id = $1
		ORDER BY denied_at DESC
		LIMIT $2`,
		identityID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query denials: %w", err)
	}
	defer rows.Close()

	var denials []Denial
	for rows.Next() {
		var den Denial
		var identity sql.NullInt64
		if err := rows.Scan(&den.ID, &identity, &den.ResourceType, &den.ResourceID, &den.Operation, &den.Rule, &den.Detail, &den.DeniedAt); err != nil {
			return nil, fmt.Errorf("failed to scan denial: %w", err)
		}
		if identity.Valid {
			den.IdentityID = &identity.Int64
		}
		denials = append(denials, den)
	}
	return denials, rows.Err()
}

// Denial is one audited deny decision.
type Denial struct {
	ID           int64     `json:"id"`
	IdentityID   *int64    `json:"identity_id,omitempty"`
	ResourceType string    `json:"resource_type"`
	ResourceID   int64     `json:"resource_id"`
	Operation    string    `json:"operation"`
	Rule         string    `json:"rule"`
	Detail       string    `json:"detail"`
	DeniedAt     time.Time `json:"denied_at"`
}
