package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
)

// Tunables is the one place the coupled lifecycle durations live. The
// coupling is load-bearing: the reconciler may only force-settle while the
// reservation TTL guarantees the ledger entry could not have expired on its
// own, and a claim only counts as stuck after several sweep periods have
// passed.
//
// Required ordering: SweepPeriod < StuckClaimAge < LeaseTTL <= ReservationTTL/10,
// with StuckClaimAge >= 5 * SweepPeriod.
type Tunables struct {
	ReservationTTL  time.Duration
	LeaseTTL        time.Duration
	StuckClaimAge   time.Duration
	SweepPeriod     time.Duration
	ResultRetention time.Duration
	QueueWait       time.Duration
	ScanLimit       int

	MinimumFeeFloor domain.Micros
	MinimumFeeCap   domain.Micros
	MinimumFeeBps   int
}

func DefaultTunables() Tunables {
	return Tunables{
		ReservationTTL:  time.Hour,
		LeaseTTL:        5 * time.Minute,
		StuckClaimAge:   3 * time.Minute,
		SweepPeriod:     30 * time.Second,
		ResultRetention: 30 * 24 * time.Hour,
		QueueWait:       20 * time.Second,
		ScanLimit:       100,
		MinimumFeeFloor: 5_000,
		MinimumFeeCap:   100_000,
		MinimumFeeBps:   200,
	}
}

func (t Tunables) Validate() error {
	if t.SweepPeriod <= 0 {
		return errors.New("sweep period must be positive")
	}
	if t.SweepPeriod >= t.StuckClaimAge {
		return fmt.Errorf("sweep period %s must be < stuck-claim age %s", t.SweepPeriod, t.StuckClaimAge)
	}
	if t.StuckClaimAge < 5*t.SweepPeriod {
		return fmt.Errorf("stuck-claim age %s must be >= 5x sweep period %s", t.StuckClaimAge, t.SweepPeriod)
	}
	if t.StuckClaimAge >= t.LeaseTTL {
		return fmt.Errorf("stuck-claim age %s must be < lease ttl %s", t.StuckClaimAge, t.LeaseTTL)
	}
	if t.LeaseTTL > t.ReservationTTL/10 {
		return fmt.Errorf("lease ttl %s must be <= reservation ttl / 10 (%s)", t.LeaseTTL, t.ReservationTTL/10)
	}
	if t.ResultRetention <= 0 {
		return errors.New("result retention must be positive")
	}
	if t.QueueWait <= 0 {
		return errors.New("queue wait must be positive")
	}
	if t.ScanLimit <= 0 {
		return errors.New("scan limit must be positive")
	}
	if t.MinimumFeeFloor < 0 || t.MinimumFeeCap < t.MinimumFeeFloor {
		return errors.New("minimum fee bounds are inconsistent")
	}
	if t.MinimumFeeBps < 0 || t.MinimumFeeBps > 10_000 {
		return errors.New("minimum fee rate must be within [0, 10000] bps")
	}
	return nil
}

// MinimumFee computes the failure-path charge for a reservation:
// a fraction of the reserved amount clamped to the configured bounds, and
// never above the reservation itself.
func (t Tunables) MinimumFee(reserved domain.Micros) domain.Micros {
	fee := reserved * domain.Micros(t.MinimumFeeBps) / 10_000
	if fee < t.MinimumFeeFloor {
		fee = t.MinimumFeeFloor
	}
	if fee > t.MinimumFeeCap {
		fee = t.MinimumFeeCap
	}
	if fee > reserved {
		fee = reserved
	}
	return fee
}

// IOTimeout bounds any single store call made while a lease is held.
func (t Tunables) IOTimeout() time.Duration {
	return t.LeaseTTL / 3
}
