package repo

import (
	"context"
	"errors"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrDuplicateRun is returned when an insert collides on run id or on the
	// (tenant, idempotency key) unique index.
	ErrDuplicateRun = errors.New("duplicate run")
)

// FieldUpdates names run columns to change in a CAS update. Keys are the
// column names accepted by the store; unknown keys are rejected.
type FieldUpdates map[string]any

// Conditions are extra predicates a CAS update must hold beyond the version
// match. A plain value means equality, nil means IS NULL, and Before means a
// strict less-than comparison.
type Conditions map[string]any

// Before is a condition value meaning "column < Value".
type Before struct {
	Value time.Time
}

// RunRepository is the authoritative log of runs. CASUpdate is the only
// mutation primitive after Create; it applies the updates and increments the
// version iff the stored version and all conditions match.
type RunRepository interface {
	Create(ctx context.Context, run domain.Run) error
	Load(ctx context.Context, runID string) (domain.Run, error)
	LoadForTenant(ctx context.Context, tenantID, runID string) (domain.Run, error)
	LoadByIdempotencyKey(ctx context.Context, tenantID, key string) (domain.Run, error)
	CASUpdate(ctx context.Context, runID string, expectedVersion int64, updates FieldUpdates, conditions Conditions) (bool, error)
	ScanStuckClaimed(ctx context.Context, olderThan time.Time, limit int) ([]domain.Run, error)
	ScanExpiredLeases(ctx context.Context, now time.Time, limit int) ([]domain.Run, error)
}

// TenantRepository manages billing principals. Tenants are created
// out-of-band and never destroyed by the core.
type TenantRepository interface {
	Create(ctx context.Context, tenant domain.Tenant) error
	Get(ctx context.Context, tenantID string) (domain.Tenant, error)
}
