package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
)

// MemoryLedger mirrors the Redis ledger semantics behind a single mutex, which
// stands in for the atomic-script property. Reservations expire lazily on
// access, the same way a key TTL would make them vanish.
type MemoryLedger struct {
	mu             sync.Mutex
	balances       map[string]domain.Micros
	softLimits     map[string]domain.Micros
	reservations   map[string]memoryReservation
	reservationTTL time.Duration
	now            func() time.Time
}

type memoryReservation struct {
	tenantID  string
	reserved  domain.Micros
	createdAt time.Time
	expiresAt time.Time
}

func NewMemoryLedger(reservationTTL time.Duration) *MemoryLedger {
	if reservationTTL <= 0 {
		reservationTTL = time.Hour
	}
	return &MemoryLedger{
		balances:       make(map[string]domain.Micros),
		softLimits:     make(map[string]domain.Micros),
		reservations:   make(map[string]memoryReservation),
		reservationTTL: reservationTTL,
		now:            time.Now,
	}
}

// SetClock replaces the time source. Test use only.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLedger) liveReservation(runID string) (memoryReservation, bool) {
	res, ok := l.reservations[runID]
	if !ok {
		return memoryReservation{}, false
	}
	if !res.expiresAt.After(l.now()) {
		delete(l.reservations, runID)
		return memoryReservation{}, false
	}
	return res, true
}

func (l *MemoryLedger) Reserve(_ context.Context, tenantID, runID string, amount domain.Micros) (domain.Micros, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("reserve amount must be positive")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if res, ok := l.liveReservation(runID); ok {
		if res.reserved == amount {
			return l.balances[tenantID], nil
		}
		return 0, ErrDuplicateReserve
	}

	balance := l.balances[tenantID]
	if balance-amount < l.softLimits[tenantID] {
		return 0, ErrInsufficient
	}
	balance -= amount
	l.balances[tenantID] = balance
	now := l.now()
	l.reservations[runID] = memoryReservation{
		tenantID:  tenantID,
		reserved:  amount,
		createdAt: now,
		expiresAt: now.Add(l.reservationTTL),
	}
	return balance, nil
}

func (l *MemoryLedger) Settle(_ context.Context, tenantID, runID string, actual domain.Micros) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.liveReservation(runID)
	if !ok {
		return Result{}, ErrNoReserve
	}
	charge := domain.ClampCharge(actual, res.reserved)
	refund := res.reserved - charge
	balance := l.balances[tenantID] + refund
	l.balances[tenantID] = balance
	delete(l.reservations, runID)
	return Result{Charge: charge, Refund: refund, NewBalance: balance}, nil
}

func (l *MemoryLedger) Refund(ctx context.Context, tenantID, runID string, minimumFee domain.Micros) (Result, error) {
	return l.Settle(ctx, tenantID, runID, minimumFee)
}

func (l *MemoryLedger) GetReservation(_ context.Context, runID string) (Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.liveReservation(runID)
	if !ok {
		return Reservation{}, ErrNoReserve
	}
	return Reservation{
		TenantID:  res.tenantID,
		RunID:     runID,
		Reserved:  res.reserved,
		CreatedAt: res.createdAt,
	}, nil
}

func (l *MemoryLedger) Balance(_ context.Context, tenantID string) (domain.Micros, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[tenantID], nil
}

func (l *MemoryLedger) SetBalance(_ context.Context, tenantID string, balance domain.Micros) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[tenantID] = balance
	return nil
}

func (l *MemoryLedger) SetSoftLimit(_ context.Context, tenantID string, limit domain.Micros) error {
	if limit > 0 {
		return fmt.Errorf("soft limit must be zero or negative")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.softLimits[tenantID] = limit
	return nil
}

// OpenReservations sums outstanding reserved money per tenant. Conservation
// checks in tests use this; production code never iterates the ledger.
func (l *MemoryLedger) OpenReservations(tenantID string) domain.Micros {
	l.mu.Lock()
	defer l.mu.Unlock()
	var total domain.Micros
	for runID, res := range l.reservations {
		if res.tenantID != tenantID {
			continue
		}
		if _, ok := l.liveReservation(runID); ok {
			total += res.reserved
		}
	}
	return total
}
