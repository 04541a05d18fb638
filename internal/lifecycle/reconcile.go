package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/packlab-io/packlab-go/internal/budget"
	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/observability"
	"github.com/packlab-io/packlab-go/internal/repo"
	"github.com/packlab-io/packlab-go/internal/storage/results"
)

// Reconciler guarantees liveness of the finalize protocol. Sweep 1 reaps
// expired worker leases through the ordinary failure-path finalize. Sweep 2
// rescues runs stuck in CLAIMED: if the reservation survived, the prior actor
// died before settling and the protocol is rolled forward; if it is gone, the
// money already moved and only the log is advanced (force-settle).
type Reconciler struct {
	runs      repo.RunRepository
	ledger    budget.Ledger
	artifacts results.Store
	finalizer *Finalizer
	tun       Tunables
	logger    *slog.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// SweepStats summarizes one reconciler pass.
type SweepStats struct {
	ExpiredReaped  int
	ExpiredLost    int
	StuckRecovered int
	StuckLost      int
	AuditMarked    int
	Errors         int
}

func NewReconciler(runs repo.RunRepository, ledger budget.Ledger, artifacts results.Store, tun Tunables, logger *slog.Logger, metrics *observability.Metrics) *Reconciler {
	if runs == nil || ledger == nil || artifacts == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Reconciler{
		runs:      runs,
		ledger:    ledger,
		artifacts: artifacts,
		finalizer: NewFinalizer(runs, ledger, "reconciler", logger, metrics),
		tun:       tun,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// SetClock replaces the time source for the reconciler and its finalizer.
// Test use only.
func (r *Reconciler) SetClock(now func() time.Time) {
	r.now = now
	r.finalizer.SetClock(now)
}

// Run sweeps on the configured period until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.tun.SweepPeriod)
	defer ticker.Stop()
	for {
		stats := r.RunOnce(ctx)
		if stats.ExpiredReaped+stats.StuckRecovered+stats.AuditMarked > 0 || stats.Errors > 0 {
			r.logger.Info("reconciler sweep",
				"expired_reaped", stats.ExpiredReaped,
				"expired_lost", stats.ExpiredLost,
				"stuck_recovered", stats.StuckRecovered,
				"stuck_lost", stats.StuckLost,
				"audit_marked", stats.AuditMarked,
				"errors", stats.Errors)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce executes both sweeps a single time.
func (r *Reconciler) RunOnce(ctx context.Context) SweepStats {
	var stats SweepStats
	r.sweepExpiredLeases(ctx, &stats)
	r.sweepStuckClaimed(ctx, &stats)
	return stats
}

func (r *Reconciler) sweepExpiredLeases(ctx context.Context, stats *SweepStats) {
	now := r.now().UTC()
	expired, err := r.runs.ScanExpiredLeases(ctx, now, r.tun.ScanLimit)
	if err != nil {
		stats.Errors++
		r.logger.Error("scan expired leases", "error", err)
		return
	}
	for _, run := range expired {
		_, err := r.finalizer.Expire(ctx, run)
		switch {
		case err == nil:
			stats.ExpiredReaped++
			r.metrics.SweepRuns.WithLabelValues("expired_leases", "reaped").Inc()
		case errors.Is(err, ErrClaimLost), errors.Is(err, ErrAlreadySettled):
			stats.ExpiredLost++
			r.metrics.SweepRuns.WithLabelValues("expired_leases", "lost_race").Inc()
		default:
			stats.Errors++
			r.metrics.SweepRuns.WithLabelValues("expired_leases", "error").Inc()
			r.logger.Error("reap expired lease", "run_id", run.RunID, "error", err)
		}
	}
}

func (r *Reconciler) sweepStuckClaimed(ctx context.Context, stats *SweepStats) {
	now := r.now().UTC()
	cutoff := now.Add(-r.tun.StuckClaimAge)
	stuck, err := r.runs.ScanStuckClaimed(ctx, cutoff, r.tun.ScanLimit)
	if err != nil {
		stats.Errors++
		r.logger.Error("scan stuck claimed", "error", err)
		return
	}
	for _, run := range stuck {
		if _, resErr := r.ledger.GetReservation(ctx, run.RunID); resErr == nil {
			r.rollForward(ctx, run, cutoff, stats)
		} else if errors.Is(resErr, budget.ErrNoReserve) {
			r.forceSettle(ctx, run, now, stats)
		} else {
			stats.Errors++
			r.logger.Error("read reservation", "run_id", run.RunID, "error", resErr)
		}
	}
}

// rollForward handles Case A: the prior actor claimed but crashed before its
// settle landed. The claim is adopted with a fresh token (forward only, never
// back to UNCLAIMED) and the protocol resumes at Phase 2.
func (r *Reconciler) rollForward(ctx context.Context, run domain.Run, cutoff time.Time, stats *SweepStats) {
	token := uuid.NewString()
	applied, err := r.runs.CASUpdate(ctx, run.RunID, run.Version, repo.FieldUpdates{
		"finalize_token":      token,
		"finalize_claimed_at": r.now().UTC(),
	}, repo.Conditions{
		"finalize_stage":      domain.FinalizeClaimed,
		"finalize_claimed_at": repo.Before{Value: cutoff},
	})
	if err != nil {
		stats.Errors++
		r.logger.Error("adopt stuck claim", "run_id", run.RunID, "error", err)
		return
	}
	if !applied {
		stats.StuckLost++
		r.metrics.SweepRuns.WithLabelValues("stuck_claimed", "lost_race").Inc()
		return
	}
	claimedVersion := run.Version + 1

	meta, found, err := r.artifacts.Stat(ctx, results.KeyFor(run.RunID))
	if err != nil {
		stats.Errors++
		r.logger.Error("stat artifact for stuck run", "run_id", run.RunID, "error", err)
		return
	}

	var updates repo.FieldUpdates
	if found {
		charge := run.ReservationMaxCost
		if meta.CostKnown {
			charge = meta.ActualCost
		}
		settled, settleErr := r.ledger.Settle(ctx, run.TenantID, run.RunID, charge)
		if settleErr != nil {
			r.settleRaceOrError(run, settleErr, stats)
			return
		}
		updates = repo.FieldUpdates{
			"status":             domain.StatusCompleted,
			"money_state":        domain.MoneySettled,
			"actual_cost_micros": settled.Charge,
			"result_key":         results.KeyFor(run.RunID),
			"result_sha256":      meta.SHA256,
		}
	} else {
		refunded, refundErr := r.ledger.Refund(ctx, run.TenantID, run.RunID, run.MinimumFee)
		if refundErr != nil {
			r.settleRaceOrError(run, refundErr, stats)
			return
		}
		updates = repo.FieldUpdates{
			"status":                 domain.StatusFailed,
			"money_state":            domain.MoneyRefunded,
			"actual_cost_micros":     refunded.Charge,
			"last_error_reason_code": "STUCK_FINALIZE",
			"last_error_detail":      "claim abandoned before settle; rolled forward by reconciler",
		}
	}
	updates["finalize_stage"] = domain.FinalizeCommitted
	applied, err = r.runs.CASUpdate(ctx, run.RunID, claimedVersion, updates, repo.Conditions{
		"finalize_stage": domain.FinalizeClaimed,
		"finalize_token": token,
	})
	if err != nil || !applied {
		stats.Errors++
		r.logger.Error("commit rolled-forward run", "run_id", run.RunID, "applied", applied, "error", err)
		return
	}
	stats.StuckRecovered++
	r.metrics.SweepRuns.WithLabelValues("stuck_claimed", "rolled_forward").Inc()
}

// forceSettle handles Case B: the reservation is gone, so the prior actor's
// settle succeeded but its terminal commit never landed. The ledger is
// correct; only the log is advanced. The commit is scoped to the exact
// CLAIMED/RESERVED pairing so an already-committed or refunded run is never
// rewritten.
func (r *Reconciler) forceSettle(ctx context.Context, run domain.Run, now time.Time, stats *SweepStats) {
	audit := false
	if run.FinalizeClaimedAt == nil || now.Sub(*run.FinalizeClaimedAt) >= r.tun.ReservationTTL {
		// The reservation may have expired on its own rather than been
		// settled; the amount cannot be trusted.
		audit = true
	}

	meta, found, err := r.artifacts.Stat(ctx, results.KeyFor(run.RunID))
	if err != nil {
		stats.Errors++
		r.logger.Error("stat artifact for force-settle", "run_id", run.RunID, "error", err)
		return
	}

	updates := repo.FieldUpdates{
		"finalize_stage": domain.FinalizeCommitted,
	}
	switch {
	case found && meta.CostKnown:
		updates["status"] = domain.StatusCompleted
		updates["actual_cost_micros"] = meta.ActualCost
		updates["result_key"] = results.KeyFor(run.RunID)
		updates["result_sha256"] = meta.SHA256
	case found:
		// Artifact exists but carries no cost metadata; the recorded cost is
		// a conservative upper bound.
		audit = true
		updates["status"] = domain.StatusCompleted
		updates["actual_cost_micros"] = run.ReservationMaxCost
		updates["result_key"] = results.KeyFor(run.RunID)
		updates["result_sha256"] = meta.SHA256
	default:
		// No artifact: the prior actor was on the refund path. The exact fee
		// charged is unknowable from here.
		audit = true
		updates["status"] = domain.StatusFailed
		updates["actual_cost_micros"] = run.MinimumFee
		updates["last_error_reason_code"] = "FORCE_SETTLED"
		updates["last_error_detail"] = "settlement found on ledger without terminal commit"
	}
	if audit {
		updates["money_state"] = domain.MoneyAuditRequired
	} else {
		updates["money_state"] = domain.MoneySettled
	}

	applied, err := r.runs.CASUpdate(ctx, run.RunID, run.Version, updates, repo.Conditions{
		"finalize_stage": domain.FinalizeClaimed,
		"money_state":    domain.MoneyReserved,
	})
	if err != nil {
		stats.Errors++
		r.logger.Error("force-settle commit", "run_id", run.RunID, "error", err)
		return
	}
	if !applied {
		stats.StuckLost++
		r.metrics.SweepRuns.WithLabelValues("stuck_claimed", "lost_race").Inc()
		return
	}
	if audit {
		stats.AuditMarked++
		r.metrics.SweepRuns.WithLabelValues("stuck_claimed", "audit_required").Inc()
		r.logger.Warn("run force-settled with audit required", "run_id", run.RunID)
	} else {
		stats.StuckRecovered++
		r.metrics.SweepRuns.WithLabelValues("stuck_claimed", "force_settled").Inc()
	}
}

func (r *Reconciler) settleRaceOrError(run domain.Run, err error, stats *SweepStats) {
	if errors.Is(err, budget.ErrNoReserve) {
		// Raced with a recovering actor; it owns the terminal write.
		stats.StuckLost++
		r.metrics.SweepRuns.WithLabelValues("stuck_claimed", "lost_race").Inc()
		return
	}
	stats.Errors++
	r.logger.Error("settle rolled-forward run", "run_id", run.RunID, "error", err)
}

// ResolveAudit is the audit-tool hook: it flips a human-reviewed
// AUDIT_REQUIRED run to SETTLED with the confirmed cost. The only permitted
// mutation of a terminal run.
func ResolveAudit(ctx context.Context, runs repo.RunRepository, runID string, confirmedCost domain.Micros) error {
	run, err := runs.Load(ctx, runID)
	if err != nil {
		return err
	}
	if run.MoneyState != domain.MoneyAuditRequired {
		return fmt.Errorf("run %s money state is %s, expected %s", runID, run.MoneyState, domain.MoneyAuditRequired)
	}
	applied, err := runs.CASUpdate(ctx, runID, run.Version, repo.FieldUpdates{
		"money_state":        domain.MoneySettled,
		"actual_cost_micros": confirmedCost,
	}, repo.Conditions{
		"money_state": domain.MoneyAuditRequired,
	})
	if err != nil {
		return fmt.Errorf("resolve audit for run %s: %w", runID, err)
	}
	if !applied {
		return fmt.Errorf("%w: run %s", ErrClaimLost, runID)
	}
	return nil
}
