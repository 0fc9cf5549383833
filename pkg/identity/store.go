package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/placefolio/placefolio/pkg/catalog"
)

// Role values for users.
const (
	RoleNormal        = "normal"
	RoleAdministrator = "administrator"
)

// User is a canonical identity. The (email, account_type) pair is
// unique; profiles from external providers link to exactly one user.
type User struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	AccountType string    `json:"account_type"`
	DisplayName string    `json:"display_name,omitempty"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store persists users.
type Store struct {
	db *sql.DB
}

// NewStore creates a user store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// NormalizeEmail is the canonical form used for identity matching.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Create inserts a user. The email is normalized before storage; a
// duplicate (email, account_type) pair returns ErrConflict.
func (s *Store) Create(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	if user.Role == "" {
		user.Role = RoleNormal
	}
	user.Email = NormalizeEmail(user.Email)
	var displayName sql.NullString
	if user.DisplayName != "" {
		displayName = sql.NullString{String: user.DisplayName, Valid: true}
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, account_type, display_name, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		RETURNING id`,
		user.Email, user.AccountType, displayName, user.Role, now,
	).Scan(&user.ID)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", catalog.MapError(err))
	}
	user.CreatedAt = now
	user.UpdatedAt = now
	return nil
}

// GetByID retrieves a user.
func (s *Store) GetByID(ctx context.Context, id int64) (*User, error) {
	return s.get(ctx, `
		SELECT id, email, account_type, display_name, role, created_at, updated_at
		FROM users WHERE id = $1`, id)
}

// GetByEmail retrieves a user by normalized email and account type.
func (s *Store) GetByEmail(ctx context.Context, email, accountType string) (*User, error) {
	return s.get(ctx, `
		SELECT id, email, account_type, display_name, role, created_at, updated_at
		FROM users WHERE email = $1 AND account_type = $2`,
		NormalizeEmail(email), accountType)
}

// SetRole changes a user's role.
func (s *Store) SetRole(ctx context.Context, id int64, role string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET role = $1, updated_at = $2 WHERE id = $3`,
		role, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to set role: %w", catalog.MapError(err))
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("user %d: %w", id, catalog.ErrNotFound)
	}
	return nil
}

func (s *Store) get(ctx context.Context, query string, args ...interface{}) (*User, error) {
	var user User
	var displayName sql.NullString
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&user.ID, &user.Email, &user.AccountType, &displayName,
		&user.Role, &user.CreatedAt, &user.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("user: %w", catalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", catalog.MapError(err))
	}
	if displayName.Valid {
		user.DisplayName = displayName.String
	}
	return &user, nil
}
