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
)

// Finalizer drives one run from PROCESSING to a terminal status exactly once.
//
// Phase 1 claims the finalize stage with a CAS; a loser aborts with no side
// effects. Phase 2 settles or refunds on the ledger — whose non-idempotent
// settle is the second race gate — then commits the terminal row under the
// claim token.
type Finalizer struct {
	runs    repo.RunRepository
	ledger  budget.Ledger
	actor   string
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// SuccessResult carries what the executor produced: the uploaded artifact
// location and the cost to settle.
type SuccessResult struct {
	ResultKey    string
	ResultSHA256 string
	ActualCost   domain.Micros
}

func NewFinalizer(runs repo.RunRepository, ledger budget.Ledger, actor string, logger *slog.Logger, metrics *observability.Metrics) *Finalizer {
	if runs == nil || ledger == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Finalizer{
		runs:    runs,
		ledger:  ledger,
		actor:   actor,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetClock replaces the time source. Test use only.
func (f *Finalizer) SetClock(now func() time.Time) { f.now = now }

// Success finalizes a completed run: settle the actual cost, commit
// COMPLETED/SETTLED with the artifact pointers. The worker's lease token is an
// extra claim condition so a run reaped out from under the worker cannot be
// double-finalized.
func (f *Finalizer) Success(ctx context.Context, run domain.Run, leaseToken string, result SuccessResult) (domain.Run, error) {
	token, claimedVersion, err := f.claim(ctx, run, repo.Conditions{"lease_token": leaseToken})
	if err != nil {
		return domain.Run{}, err
	}
	settled, err := f.ledger.Settle(ctx, run.TenantID, run.RunID, result.ActualCost)
	if err != nil {
		return domain.Run{}, f.settleFailed(run, err)
	}
	updates := repo.FieldUpdates{
		"status":             domain.StatusCompleted,
		"money_state":        domain.MoneySettled,
		"actual_cost_micros": settled.Charge,
		"result_key":         result.ResultKey,
		"result_sha256":      result.ResultSHA256,
	}
	return f.commit(ctx, run, claimedVersion, token, updates)
}

// Failure finalizes a failed execution: refund all but the minimum fee and
// commit FAILED/REFUNDED with the error recorded.
func (f *Finalizer) Failure(ctx context.Context, run domain.Run, leaseToken, reasonCode, detail string) (domain.Run, error) {
	token, claimedVersion, err := f.claim(ctx, run, repo.Conditions{"lease_token": leaseToken})
	if err != nil {
		return domain.Run{}, err
	}
	refunded, err := f.ledger.Refund(ctx, run.TenantID, run.RunID, run.MinimumFee)
	if err != nil {
		return domain.Run{}, f.settleFailed(run, err)
	}
	updates := repo.FieldUpdates{
		"status":                 domain.StatusFailed,
		"money_state":            domain.MoneyRefunded,
		"actual_cost_micros":     refunded.Charge,
		"last_error_reason_code": reasonCode,
		"last_error_detail":      truncateDetail(detail),
	}
	return f.commit(ctx, run, claimedVersion, token, updates)
}

// Expire finalizes a run whose worker lease lapsed. The reaper holds no lease
// token; the expired-lease scan pre-filters and the UNCLAIMED condition is the
// race protection.
func (f *Finalizer) Expire(ctx context.Context, run domain.Run) (domain.Run, error) {
	token, claimedVersion, err := f.claim(ctx, run, nil)
	if err != nil {
		return domain.Run{}, err
	}
	refunded, err := f.ledger.Refund(ctx, run.TenantID, run.RunID, run.MinimumFee)
	if err != nil {
		return domain.Run{}, f.settleFailed(run, err)
	}
	updates := repo.FieldUpdates{
		"status":                 domain.StatusExpired,
		"money_state":            domain.MoneyRefunded,
		"actual_cost_micros":     refunded.Charge,
		"last_error_reason_code": "WORKER_TIMEOUT",
		"last_error_detail":      "worker lease expired before finalize",
	}
	return f.commit(ctx, run, claimedVersion, token, updates)
}

func (f *Finalizer) claim(ctx context.Context, run domain.Run, extra repo.Conditions) (string, int64, error) {
	if run.Status != domain.StatusProcessing {
		f.metrics.FinalizeOutcomes.WithLabelValues(f.actor, "claim_lost").Inc()
		return "", 0, fmt.Errorf("%w: run %s status is %s", ErrClaimLost, run.RunID, run.Status)
	}
	conditions := repo.Conditions{
		"status":         domain.StatusProcessing,
		"finalize_stage": domain.FinalizeUnclaimed,
	}
	for col, v := range extra {
		conditions[col] = v
	}
	token := uuid.NewString()
	applied, err := f.runs.CASUpdate(ctx, run.RunID, run.Version, repo.FieldUpdates{
		"finalize_stage":      domain.FinalizeClaimed,
		"finalize_token":      token,
		"finalize_claimed_at": f.now().UTC(),
	}, conditions)
	if err != nil {
		return "", 0, fmt.Errorf("claim run %s: %w", run.RunID, err)
	}
	if !applied {
		f.metrics.FinalizeOutcomes.WithLabelValues(f.actor, "claim_lost").Inc()
		return "", 0, fmt.Errorf("%w: run %s", ErrClaimLost, run.RunID)
	}
	return token, run.Version + 1, nil
}

func (f *Finalizer) settleFailed(run domain.Run, err error) error {
	if errors.Is(err, budget.ErrNoReserve) {
		// Another actor consumed the reservation. The winner owns the
		// terminal write; this actor stops here.
		f.metrics.SettleRaces.Inc()
		f.metrics.FinalizeOutcomes.WithLabelValues(f.actor, "settle_raced").Inc()
		f.logger.Debug("finalize lost settle race", "run_id", run.RunID, "actor", f.actor)
		return fmt.Errorf("%w: run %s", ErrAlreadySettled, run.RunID)
	}
	f.metrics.FinalizeOutcomes.WithLabelValues(f.actor, "error").Inc()
	return fmt.Errorf("settle run %s: %w", run.RunID, err)
}

func (f *Finalizer) commit(ctx context.Context, run domain.Run, claimedVersion int64, token string, updates repo.FieldUpdates) (domain.Run, error) {
	updates["finalize_stage"] = domain.FinalizeCommitted
	applied, err := f.runs.CASUpdate(ctx, run.RunID, claimedVersion, updates, repo.Conditions{
		"finalize_stage": domain.FinalizeClaimed,
		"finalize_token": token,
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("commit run %s: %w", run.RunID, err)
	}
	if !applied {
		// Should not happen while this actor holds the claim; if it does the
		// reconciler owns the run now.
		f.metrics.FinalizeOutcomes.WithLabelValues(f.actor, "commit_failed").Inc()
		f.logger.Error("finalize commit did not apply", "run_id", run.RunID, "actor", f.actor)
		return domain.Run{}, fmt.Errorf("%w: run %s", ErrCommitFailed, run.RunID)
	}
	f.metrics.FinalizeOutcomes.WithLabelValues(f.actor, "committed").Inc()
	updated, err := f.runs.Load(ctx, run.RunID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("reload run %s: %w", run.RunID, err)
	}
	return updated, nil
}

func truncateDetail(detail string) string {
	const max = 500
	if len(detail) > max {
		return detail[:max]
	}
	return detail
}
