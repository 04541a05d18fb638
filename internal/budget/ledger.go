// Package budget is the fast ledger: atomic reserve / settle / refund against
// a per-tenant balance. Every operation is one atomic script on the backing
// store; no partial application is ever observable.
//
// Settle is deliberately NOT idempotent. The second settle for a run returns
// ErrNoReserve, and the finalize protocol uses that as its race detector: of
// two actors racing to finalize, only the one whose settle succeeds may write
// the terminal run state.
package budget

import (
	"context"
	"errors"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
)

var (
	// ErrInsufficient means balance minus the requested amount would cross the
	// tenant's soft limit. No state changed.
	ErrInsufficient = errors.New("insufficient budget")
	// ErrDuplicateReserve means a reservation for the run already exists with a
	// different amount.
	ErrDuplicateReserve = errors.New("reservation exists with different amount")
	// ErrNoReserve means no reservation exists for the run. On the settle path
	// this is the uniqueness witness for the finalize race.
	ErrNoReserve = errors.New("no reservation for run")
)

// Reservation is temporarily locked money pending settle or refund. It
// auto-expires after its TTL if orphaned.
type Reservation struct {
	TenantID  string
	RunID     string
	Reserved  domain.Micros
	CreatedAt time.Time
}

// Result reports the money moved by a settle or refund.
type Result struct {
	Charge     domain.Micros
	Refund     domain.Micros
	NewBalance domain.Micros
}

// Ledger is the budget engine. Reserve is idempotent for identical amounts;
// Settle and Refund consume the reservation and are first-caller-wins.
type Ledger interface {
	// Reserve decrements the balance by amount and records a reservation for
	// (tenant, run), failing with ErrInsufficient when the soft limit would be
	// crossed. Re-reserving the same amount returns the current balance
	// unchanged; a different amount returns ErrDuplicateReserve.
	Reserve(ctx context.Context, tenantID, runID string, amount domain.Micros) (domain.Micros, error)

	// Settle charges min(actual, reserved), credits the difference back to the
	// balance, and deletes the reservation. ErrNoReserve when absent.
	Settle(ctx context.Context, tenantID, runID string, actual domain.Micros) (Result, error)

	// Refund is Settle with the minimum fee as the charge; it names the
	// failure path.
	Refund(ctx context.Context, tenantID, runID string, minimumFee domain.Micros) (Result, error)

	// GetReservation returns the reservation for a run, or ErrNoReserve.
	GetReservation(ctx context.Context, runID string) (Reservation, error)

	// Balance returns the tenant's current balance in micros.
	Balance(ctx context.Context, tenantID string) (domain.Micros, error)

	// SetBalance overwrites the tenant balance. Seeding and admin use only.
	SetBalance(ctx context.Context, tenantID string, balance domain.Micros) error

	// SetSoftLimit sets the tenant's negative-balance allowance (zero or
	// negative micros).
	SetSoftLimit(ctx context.Context, tenantID string, limit domain.Micros) error
}
