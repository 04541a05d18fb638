package lifecycle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/packlab-io/packlab-go/internal/budget"
	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/observability"
	"github.com/packlab-io/packlab-go/internal/queue"
	"github.com/packlab-io/packlab-go/internal/repo"
)

// SubmitRequest is the typed command the frontend hands to the core after
// validation and tenant resolution.
type SubmitRequest struct {
	TenantID       string
	PackType       string
	PackInput      domain.Metadata
	MaxCost        domain.Micros
	IdempotencyKey string
	TimeboxSec     int
}

// Submitter implements the submission path: reserve budget, create the run,
// enqueue dispatch. The reservation is taken first; every later failure
// compensates with a full refund, the only write permitted against a run that
// was never visible.
type Submitter struct {
	runs    repo.RunRepository
	ledger  budget.Ledger
	queue   queue.Queue
	tun     Tunables
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() string
}

func NewSubmitter(runs repo.RunRepository, ledger budget.Ledger, q queue.Queue, tun Tunables, logger *slog.Logger, metrics *observability.Metrics) *Submitter {
	if runs == nil || ledger == nil || q == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.Nop()
	}
	return &Submitter{
		runs:    runs,
		ledger:  ledger,
		queue:   q,
		tun:     tun,
		logger:  logger,
		metrics: metrics,
		now:     time.Now,
		newID:   uuid.NewString,
	}
}

// SetClock replaces the time source. Test use only.
func (s *Submitter) SetClock(now func() time.Time) { s.now = now }

func (req SubmitRequest) validate() error {
	if strings.TrimSpace(req.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if strings.TrimSpace(req.PackType) == "" {
		return errors.New("pack type is required")
	}
	if req.MaxCost <= 0 {
		return errors.New("max cost must be positive")
	}
	if req.MaxCost > domain.MaxRequestMicros {
		return domain.ErrMoneyTooLarge
	}
	if n := len(strings.TrimSpace(req.IdempotencyKey)); n < 8 || n > 64 {
		return errors.New("idempotency key must be 8-64 characters")
	}
	return nil
}

func (s *Submitter) Submit(ctx context.Context, req SubmitRequest) (domain.Run, error) {
	if s == nil || s.runs == nil {
		return domain.Run{}, fmt.Errorf("submitter not initialized")
	}
	if err := req.validate(); err != nil {
		return domain.Run{}, err
	}
	payloadHash := hashPayload(req)

	existing, err := s.runs.LoadByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
	switch {
	case err == nil:
		return s.replay(existing, payloadHash)
	case !errors.Is(err, repo.ErrNotFound):
		return domain.Run{}, fmt.Errorf("lookup idempotency key: %w", err)
	}

	runID := s.newID()
	if _, err := s.ledger.Reserve(ctx, req.TenantID, runID, req.MaxCost); err != nil {
		if errors.Is(err, budget.ErrInsufficient) {
			s.metrics.SubmitOutcomes.WithLabelValues("budget_exceeded").Inc()
			return domain.Run{}, fmt.Errorf("%w: requested %s", ErrBudgetExceeded, req.MaxCost)
		}
		return domain.Run{}, fmt.Errorf("reserve budget: %w", err)
	}

	now := s.now().UTC()
	timebox := req.TimeboxSec
	if timebox <= 0 {
		timebox = int(s.tun.LeaseTTL.Seconds() / 2)
	}
	run := domain.Run{
		RunID:              runID,
		TenantID:           req.TenantID,
		PackType:           req.PackType,
		PackInput:          req.PackInput.Clone(),
		Status:             domain.StatusQueued,
		MoneyState:         domain.MoneyReserved,
		FinalizeStage:      domain.FinalizeUnclaimed,
		IdempotencyKey:     strings.TrimSpace(req.IdempotencyKey),
		PayloadHash:        payloadHash,
		Version:            1,
		ReservationMaxCost: req.MaxCost,
		MinimumFee:         s.tun.MinimumFee(req.MaxCost),
		RetentionUntil:     now.Add(s.tun.ResultRetention),
		TimeboxSec:         timebox,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if err := s.runs.Create(ctx, run); err != nil {
		s.compensate(ctx, req.TenantID, runID, "create failed")
		if errors.Is(err, repo.ErrDuplicateRun) {
			// Concurrent submit with the same key won the insert.
			winner, loadErr := s.runs.LoadByIdempotencyKey(ctx, req.TenantID, req.IdempotencyKey)
			if loadErr != nil {
				return domain.Run{}, fmt.Errorf("load racing run: %w", loadErr)
			}
			return s.replay(winner, payloadHash)
		}
		return domain.Run{}, fmt.Errorf("create run: %w", err)
	}

	msg := queue.Message{
		RunID:           runID,
		TenantID:        req.TenantID,
		PackType:        req.PackType,
		PackInput:       run.PackInput,
		LeaseTTLSeconds: int(s.tun.LeaseTTL.Seconds()),
		EnqueuedAt:      now,
	}
	if _, err := s.queue.Enqueue(ctx, msg); err != nil {
		s.compensate(ctx, req.TenantID, runID, "enqueue failed")
		s.failNeverDispatched(ctx, run, "QUEUE_ENQUEUE_FAILED", err)
		return domain.Run{}, fmt.Errorf("enqueue run: %w", err)
	}

	s.metrics.SubmitOutcomes.WithLabelValues("accepted").Inc()
	s.logger.Info("run submitted", "run_id", runID, "tenant_id", req.TenantID, "pack_type", req.PackType, "reserved", req.MaxCost.String())
	return run, nil
}

func (s *Submitter) replay(existing domain.Run, payloadHash string) (domain.Run, error) {
	if existing.PayloadHash != payloadHash {
		s.metrics.SubmitOutcomes.WithLabelValues("conflict").Inc()
		return domain.Run{}, ErrIdempotencyConflict
	}
	s.metrics.SubmitOutcomes.WithLabelValues("replayed").Inc()
	return existing, nil
}

// compensate undoes the reservation after a post-reserve failure.
func (s *Submitter) compensate(ctx context.Context, tenantID, runID, cause string) {
	if _, err := s.ledger.Refund(ctx, tenantID, runID, 0); err != nil && !errors.Is(err, budget.ErrNoReserve) {
		s.logger.Error("compensating refund failed", "run_id", runID, "cause", cause, "error", err)
	}
}

// failNeverDispatched parks a created-but-never-enqueued run in a terminal
// state so it does not look submittable to pollers.
func (s *Submitter) failNeverDispatched(ctx context.Context, run domain.Run, reasonCode string, cause error) {
	applied, err := s.runs.CASUpdate(ctx, run.RunID, run.Version, repo.FieldUpdates{
		"status":                 domain.StatusFailed,
		"money_state":            domain.MoneyRefunded,
		"finalize_stage":         domain.FinalizeCommitted,
		"last_error_reason_code": reasonCode,
		"last_error_detail":      truncateDetail(cause.Error()),
	}, repo.Conditions{
		"status": domain.StatusQueued,
	})
	if err != nil || !applied {
		s.logger.Error("could not mark undispatched run failed", "run_id", run.RunID, "applied", applied, "error", err)
	}
}

// hashPayload produces the replay-detection hash over the caller-controlled
// fields. json.Marshal sorts map keys, so the encoding is canonical.
func hashPayload(req SubmitRequest) string {
	payload := map[string]any{
		"pack_type":       req.PackType,
		"pack_input":      map[string]any(req.PackInput),
		"max_cost_micros": int64(req.MaxCost),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		// Metadata came from decoded JSON; re-encoding cannot fail.
		raw = []byte(req.PackType)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
