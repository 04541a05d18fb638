package worker

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/packlab-io/packlab-go/internal/budget"
	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/lifecycle"
	"github.com/packlab-io/packlab-go/internal/queue"
	"github.com/packlab-io/packlab-go/internal/repo/memory"
	"github.com/packlab-io/packlab-go/internal/storage/results"
)

// memArtifacts is an in-memory results.Store.
type memArtifacts struct {
	mu      sync.Mutex
	objects map[string]results.Meta
	putErr  error
}

func newMemArtifacts() *memArtifacts {
	return &memArtifacts{objects: make(map[string]results.Meta)}
}

func (a *memArtifacts) Put(_ context.Context, key string, body io.Reader, size int64, meta results.Meta) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.putErr != nil {
		return a.putErr
	}
	if body != nil {
		if _, err := io.Copy(io.Discard, body); err != nil {
			return err
		}
	}
	meta.Size = size
	a.objects[key] = meta
	return nil
}

func (a *memArtifacts) Stat(_ context.Context, key string) (results.Meta, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	meta, ok := a.objects[key]
	return meta, ok, nil
}

func (a *memArtifacts) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://results.example/" + key, nil
}

type loopHarness struct {
	store     *memory.RunStore
	ledger    *budget.MemoryLedger
	artifacts *memArtifacts
	queue     *queue.MemoryQueue
	tun       lifecycle.Tunables
	submitter *lifecycle.Submitter
	loop      *Loop
}

func newLoopHarness(t *testing.T, executors Registry) *loopHarness {
	t.Helper()
	tun := lifecycle.DefaultTunables()
	tun.QueueWait = 20 * time.Millisecond
	h := &loopHarness{
		store:     memory.NewRunStore(),
		ledger:    budget.NewMemoryLedger(tun.ReservationTTL),
		artifacts: newMemArtifacts(),
		queue:     queue.NewMemoryQueue(),
		tun:       tun,
	}
	if err := h.ledger.SetBalance(context.Background(), "tenant-1", 10_000_000); err != nil {
		t.Fatalf("seed balance: %v", err)
	}
	h.submitter = lifecycle.NewSubmitter(h.store, h.ledger, h.queue, tun, nil, nil)
	finalizer := lifecycle.NewFinalizer(h.store, h.ledger, "worker", nil, nil)
	h.loop = NewLoop(h.queue, h.store, h.artifacts, finalizer, executors, tun, nil)
	if h.loop == nil {
		t.Fatalf("expected loop")
	}
	return h
}

func (h *loopHarness) submit(t *testing.T, packType string, input domain.Metadata) domain.Run {
	t.Helper()
	run, err := h.submitter.Submit(context.Background(), lifecycle.SubmitRequest{
		TenantID:       "tenant-1",
		PackType:       packType,
		PackInput:      input,
		MaxCost:        1_500_000,
		IdempotencyKey: "loop-key-" + packType,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return run
}

func TestLoopCompletesDecisionRun(t *testing.T) {
	ctx := context.Background()
	h := newLoopHarness(t, nil)

	run := h.submit(t, "decision", domain.Metadata{"question": "ship it?"})
	if err := h.loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	final, err := h.store.Load(ctx, run.RunID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if final.Status != domain.StatusCompleted || final.MoneyState != domain.MoneySettled {
		t.Fatalf("expected COMPLETED/SETTLED, got %s/%s", final.Status, final.MoneyState)
	}
	if final.ResultKey != results.KeyFor(run.RunID) {
		t.Fatalf("expected result key recorded, got %q", final.ResultKey)
	}
	meta, found, err := h.artifacts.Stat(ctx, final.ResultKey)
	if err != nil || !found {
		t.Fatalf("expected uploaded artifact, found=%v err=%v", found, err)
	}
	if !meta.CostKnown || meta.ActualCost != 50_000 {
		t.Fatalf("expected cost metadata 50000, got %+v", meta)
	}
	if final.ActualCost == nil || *final.ActualCost != 50_000 {
		t.Fatalf("expected settled cost 50000, got %v", final.ActualCost)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("message must be acked")
	}
	bal, _ := h.ledger.Balance(ctx, "tenant-1")
	if bal != 10_000_000-50_000 {
		t.Fatalf("expected balance 9950000, got %d", bal)
	}
}

func TestLoopUnsupportedPackTypeFails(t *testing.T) {
	ctx := context.Background()
	h := newLoopHarness(t, Registry{"decision": NewStubDecisionExecutor()})

	run := h.submit(t, "ocr", domain.Metadata{})
	if err := h.loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	final, _ := h.store.Load(ctx, run.RunID)
	if final.Status != domain.StatusFailed || final.MoneyState != domain.MoneyRefunded {
		t.Fatalf("expected FAILED/REFUNDED, got %s/%s", final.Status, final.MoneyState)
	}
	if final.LastErrorReasonCode != "UNSUPPORTED_PACK_TYPE" {
		t.Fatalf("expected UNSUPPORTED_PACK_TYPE, got %q", final.LastErrorReasonCode)
	}
}

// erroringExecutor always fails.
type erroringExecutor struct{ err error }

func (e erroringExecutor) Execute(context.Context, domain.Run) (ExecResult, error) {
	return ExecResult{}, e.err
}

func TestLoopExecutionFailureTakesRefundPath(t *testing.T) {
	ctx := context.Background()
	h := newLoopHarness(t, Registry{"decision": erroringExecutor{err: errors.New("model exploded")}})

	run := h.submit(t, "decision", domain.Metadata{})
	if err := h.loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	final, _ := h.store.Load(ctx, run.RunID)
	if final.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", final.Status)
	}
	if final.LastErrorReasonCode != "PACK_EXECUTION_FAILED" {
		t.Fatalf("expected PACK_EXECUTION_FAILED, got %q", final.LastErrorReasonCode)
	}
	if final.ActualCost == nil || *final.ActualCost != run.MinimumFee {
		t.Fatalf("expected minimum fee charged, got %v", final.ActualCost)
	}
	bal, _ := h.ledger.Balance(ctx, "tenant-1")
	if bal != 10_000_000-run.MinimumFee {
		t.Fatalf("expected fee-only charge, balance %d", bal)
	}
}

func TestLoopUploadFailureTakesRefundPath(t *testing.T) {
	ctx := context.Background()
	h := newLoopHarness(t, nil)
	h.artifacts.putErr = errors.New("storage offline")

	run := h.submit(t, "decision", domain.Metadata{"question": "?"})
	if err := h.loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	final, _ := h.store.Load(ctx, run.RunID)
	if final.Status != domain.StatusFailed || final.LastErrorReasonCode != "RESULT_UPLOAD_FAILED" {
		t.Fatalf("expected FAILED with RESULT_UPLOAD_FAILED, got %s %q", final.Status, final.LastErrorReasonCode)
	}
}

func TestLoopIgnoresAlreadyLeasedRun(t *testing.T) {
	ctx := context.Background()
	h := newLoopHarness(t, nil)

	run := h.submit(t, "decision", domain.Metadata{"question": "?"})
	// Another worker leases first.
	if _, err := lifecycle.AcquireLease(ctx, h.store, run, h.tun.LeaseTTL, time.Now()); err != nil {
		t.Fatalf("pre-lease: %v", err)
	}

	if err := h.loop.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if h.queue.Len() != 0 {
		t.Fatalf("message for lost lease race must be acked")
	}
	current, _ := h.store.Load(ctx, run.RunID)
	if current.Status != domain.StatusProcessing {
		t.Fatalf("run must stay with the first worker, got %s", current.Status)
	}
}

func TestLoopEmptyQueueIsQuiet(t *testing.T) {
	h := newLoopHarness(t, nil)
	if err := h.loop.RunOnce(context.Background()); err != nil {
		t.Fatalf("empty receive must not error, got %v", err)
	}
}

func TestBuildEnvelopeDigestIsStable(t *testing.T) {
	run := domain.Run{RunID: "r1", TenantID: "t1", PackType: "decision", ReservationMaxCost: 1_500_000}
	result := ExecResult{Data: domain.Metadata{"answer_text": "yes"}, ActualCost: 50_000}
	at := time.Date(2026, 8, 5, 12, 0, 0, 0, time.UTC)

	body1, digest1, err := buildEnvelope(run, result, at)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	body2, digest2, err := buildEnvelope(run, result, at)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if string(body1) != string(body2) || digest1 != digest2 {
		t.Fatalf("envelope encoding must be deterministic")
	}
}
