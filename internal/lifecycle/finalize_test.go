package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/packlab-io/packlab-go/internal/budget"
	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/queue"
)

const testTenant = "tenant-1"

// harness wires the lifecycle components over in-memory collaborators with a
// controllable clock.
type harness struct {
	store     *fakeRunStore
	ledger    *budget.MemoryLedger
	artifacts *fakeArtifacts
	queue     *queue.MemoryQueue
	tun       Tunables
	submitter *Submitter
	current   time.Time
}

func newHarness(t *testing.T, balance domain.Micros) *harness {
	t.Helper()
	tun := DefaultTunables()
	if err := tun.Validate(); err != nil {
		t.Fatalf("default tunables invalid: %v", err)
	}
	h := &harness{
		store:     newFakeRunStore(),
		ledger:    budget.NewMemoryLedger(tun.ReservationTTL),
		artifacts: newFakeArtifacts(),
		queue:     queue.NewMemoryQueue(),
		tun:       tun,
		current:   time.Date(2026, 8, 5, 9, 0, 0, 0, time.UTC),
	}
	h.ledger.SetClock(h.clock())
	if err := h.ledger.SetBalance(context.Background(), testTenant, balance); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	h.submitter = NewSubmitter(h.store, h.ledger, h.queue, h.tun, slog.Default(), nil)
	if h.submitter == nil {
		t.Fatalf("expected submitter")
	}
	h.submitter.SetClock(h.clock())
	return h
}

func (h *harness) clock() func() time.Time {
	return func() time.Time { return h.current }
}

func (h *harness) advance(d time.Duration) {
	h.current = h.current.Add(d)
}

func (h *harness) finalizer(t *testing.T, actor string) *Finalizer {
	t.Helper()
	f := NewFinalizer(h.store, h.ledger, actor, slog.Default(), nil)
	if f == nil {
		t.Fatalf("expected finalizer")
	}
	f.SetClock(h.clock())
	return f
}

func (h *harness) submit(t *testing.T, maxCost domain.Micros, key string) domain.Run {
	t.Helper()
	run, err := h.submitter.Submit(context.Background(), SubmitRequest{
		TenantID:       testTenant,
		PackType:       "decision",
		PackInput:      domain.Metadata{"question": "go or no-go"},
		MaxCost:        maxCost,
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return run
}

func (h *harness) lease(t *testing.T, run domain.Run) domain.Run {
	t.Helper()
	leased, err := AcquireLease(context.Background(), h.store, run, h.tun.LeaseTTL, h.current)
	if err != nil {
		t.Fatalf("acquire lease: %v", err)
	}
	return leased
}

func (h *harness) balance(t *testing.T) domain.Micros {
	t.Helper()
	bal, err := h.ledger.Balance(context.Background(), testTenant)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal
}

func mustParse(t *testing.T, s string) domain.Micros {
	t.Helper()
	m, err := domain.ParseMoney(s)
	if err != nil {
		t.Fatalf("parse money %q: %v", s, err)
	}
	return m
}

func TestHappyPathSettlesActualCost(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, mustParse(t, "10.0000"))

	run := h.submit(t, mustParse(t, "1.5000"), "idem-key-0001")
	run = h.lease(t, run)

	final, err := h.finalizer(t, "worker").Success(ctx, run, run.LeaseToken, SuccessResult{
		ResultKey:    "res/" + run.RunID,
		ResultSHA256: "abc123",
		ActualCost:   mustParse(t, "1.0000"),
	})
	if err != nil {
		t.Fatalf("finalize success: %v", err)
	}

	if final.Status != domain.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", final.Status)
	}
	if final.MoneyState != domain.MoneySettled {
		t.Fatalf("expected SETTLED, got %s", final.MoneyState)
	}
	if final.FinalizeStage != domain.FinalizeCommitted {
		t.Fatalf("expected COMMITTED, got %s", final.FinalizeStage)
	}
	if final.ActualCost == nil || *final.ActualCost != mustParse(t, "1.0000") {
		t.Fatalf("expected actual cost 1.0000, got %v", final.ActualCost)
	}
	if got := h.balance(t); got != mustParse(t, "9.0000") {
		t.Fatalf("expected balance 9.0000, got %s", got)
	}
	if _, err := h.ledger.GetReservation(ctx, run.RunID); !errors.Is(err, budget.ErrNoReserve) {
		t.Fatalf("expected reservation consumed, got %v", err)
	}
}

func TestFailurePathRefundsAllButMinimumFee(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, mustParse(t, "10.0000"))

	run := h.submit(t, mustParse(t, "1.5000"), "idem-key-0002")
	run = h.lease(t, run)

	final, err := h.finalizer(t, "worker").Failure(ctx, run, run.LeaseToken, "PACK_EXECUTION_FAILED", "boom")
	if err != nil {
		t.Fatalf("finalize failure: %v", err)
	}
	if final.Status != domain.StatusFailed || final.MoneyState != domain.MoneyRefunded {
		t.Fatalf("expected FAILED/REFUNDED, got %s/%s", final.Status, final.MoneyState)
	}
	if final.LastErrorReasonCode != "PACK_EXECUTION_FAILED" {
		t.Fatalf("expected reason code recorded, got %q", final.LastErrorReasonCode)
	}
	wantBalance := mustParse(t, "10.0000") - run.MinimumFee
	if got := h.balance(t); got != wantBalance {
		t.Fatalf("expected balance %s, got %s", wantBalance, got)
	}
}

func TestClaimRaceHasOneWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, mustParse(t, "10.0000"))

	run := h.submit(t, mustParse(t, "1.5000"), "idem-key-0003")
	run = h.lease(t, run)

	worker := h.finalizer(t, "worker")
	reaper := h.finalizer(t, "reconciler")

	// Both actors read the run at the same version and race for the claim.
	_, workerErr := worker.Success(ctx, run, run.LeaseToken, SuccessResult{
		ResultKey:  "res/" + run.RunID,
		ActualCost: mustParse(t, "1.0000"),
	})
	_, reaperErr := reaper.Expire(ctx, run)

	if workerErr != nil {
		t.Fatalf("first claimant should win, got %v", workerErr)
	}
	if !errors.Is(reaperErr, ErrClaimLost) {
		t.Fatalf("second claimant should lose the claim, got %v", reaperErr)
	}
	if h.store.commits != 1 {
		t.Fatalf("expected exactly one terminal commit, got %d", h.store.commits)
	}
	if got := h.balance(t); got != mustParse(t, "9.0000") {
		t.Fatalf("expected winner's settle only, balance %s", got)
	}
}

func TestDoubleSettlePreventionAbortsLoser(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, mustParse(t, "10.0000"))

	run := h.submit(t, mustParse(t, "1.5000"), "idem-key-0004")
	run = h.lease(t, run)

	// Actor A is past claim and has already settled on the ledger.
	if _, err := h.ledger.Settle(ctx, testTenant, run.RunID, mustParse(t, "1.0000")); err != nil {
		t.Fatalf("first settle: %v", err)
	}

	// Actor B claims and then hits the settle gate.
	_, err := h.finalizer(t, "worker").Failure(ctx, run, run.LeaseToken, "PACK_EXECUTION_FAILED", "late")
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("expected ErrAlreadySettled, got %v", err)
	}
	if h.store.commits != 0 {
		t.Fatalf("loser must not write terminal state, got %d commits", h.store.commits)
	}
	if got := h.balance(t); got != mustParse(t, "9.0000") {
		t.Fatalf("expected single settle on ledger, balance %s", got)
	}
}

func TestFinalizeRequiresWorkerLeaseToken(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, mustParse(t, "10.0000"))

	run := h.submit(t, mustParse(t, "1.5000"), "idem-key-0005")
	run = h.lease(t, run)

	_, err := h.finalizer(t, "worker").Success(ctx, run, "stale-lease-token", SuccessResult{
		ResultKey:  "res/" + run.RunID,
		ActualCost: mustParse(t, "1.0000"),
	})
	if !errors.Is(err, ErrClaimLost) {
		t.Fatalf("expected claim rejection on stale lease token, got %v", err)
	}
}

func TestAcquireLeaseSingleWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, mustParse(t, "10.0000"))

	run := h.submit(t, mustParse(t, "1.5000"), "idem-key-0006")

	first, err := AcquireLease(ctx, h.store, run, h.tun.LeaseTTL, h.current)
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if first.Status != domain.StatusProcessing || first.LeaseToken == "" {
		t.Fatalf("expected PROCESSING with lease token")
	}

	if _, err := AcquireLease(ctx, h.store, run, h.tun.LeaseTTL, h.current); !errors.Is(err, ErrClaimLost) {
		t.Fatalf("second lease on same version should lose, got %v", err)
	}
}
