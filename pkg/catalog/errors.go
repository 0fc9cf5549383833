package catalog

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Sentinel errors for the core error taxonomy. Callers classify with
// errors.Is and must not match on error strings.
var (
	// ErrUnauthorized means the policy evaluator denied the operation.
	// Retrying with the same credentials will not succeed.
	ErrUnauthorized = errors.New("not permitted")

	// ErrNotFound means the referenced resource does not exist. For
	// authorization purposes an absent resource is treated as a deny,
	// not as a distinct outcome.
	ErrNotFound = errors.New("not found")

	// ErrConflict means a uniqueness constraint rejected the write. It
	// is an expected outcome (e.g. "already voted") and callers treat
	// it as an idempotent no-op, not as a retryable failure.
	ErrConflict = errors.New("conflict")

	// ErrTransient means the store was unavailable. The failed reaction
	// may be retried; the original mutation must not be.
	ErrTransient = errors.New("transient storage error")

	// ErrInvariant means a guaranteed invariant was observed broken.
	// This indicates a programming error in a boundary layer and is
	// never silently corrected.
	ErrInvariant = errors.New("invariant violation")
)

// Postgres error classes, per the pq error code table.
const (
	pqUniqueViolation  = "23505"
	pqConnectionClass  = "08"
	pqInsufficientRsrc = "53"
)

// MapError translates driver-level errors into the core taxonomy,
// wrapping so the original error stays inspectable.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case string(pqErr.Code) == pqUniqueViolation:
			return fmt.Errorf("%w: %v", ErrConflict, err)
		case pqErr.Code.Class() == pqConnectionClass || pqErr.Code.Class() == pqInsufficientRsrc:
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}

	return err
}

// IsConflict reports whether err is a uniqueness conflict, either
// already mapped or still carrying the raw driver code.
func IsConflict(err error) bool {
	if errors.Is(err, ErrConflict) {
		return true
	}
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation
}
