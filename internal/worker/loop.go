package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/lifecycle"
	"github.com/packlab-io/packlab-go/internal/queue"
	"github.com/packlab-io/packlab-go/internal/repo"
	"github.com/packlab-io/packlab-go/internal/storage/results"
)

// Loop consumes dispatch messages: lease the run, execute the pack, upload
// the result, then finalize through the two-phase protocol. Race losses are
// normal outcomes; the message is acked and the winner's state stands.
type Loop struct {
	queue     queue.Queue
	runs      repo.RunRepository
	artifacts results.Store
	finalizer *lifecycle.Finalizer
	executors Registry
	tun       lifecycle.Tunables
	logger    *slog.Logger
	now       func() time.Time
}

func NewLoop(q queue.Queue, runs repo.RunRepository, artifacts results.Store, finalizer *lifecycle.Finalizer, executors Registry, tun lifecycle.Tunables, logger *slog.Logger) *Loop {
	if q == nil || runs == nil || artifacts == nil || finalizer == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if len(executors) == 0 {
		executors = DefaultRegistry()
	}
	return &Loop{
		queue:     q,
		runs:      runs,
		artifacts: artifacts,
		finalizer: finalizer,
		executors: executors,
		tun:       tun,
		logger:    logger,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Test use only.
func (l *Loop) SetClock(now func() time.Time) { l.now = now }

// Run polls until the context is cancelled. A cancelled worker finishes its
// in-flight run on the normal failure path where it can; otherwise the
// reconciler takes over at lease expiry.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			l.logger.Error("worker iteration", "error", err)
		}
	}
}

// RunOnce receives and processes at most one message.
func (l *Loop) RunOnce(ctx context.Context) error {
	msg, err := l.queue.Receive(ctx, l.tun.QueueWait)
	if err != nil {
		return fmt.Errorf("receive: %w", err)
	}
	if msg == nil {
		return nil
	}

	ack, err := l.process(ctx, msg)
	if err != nil {
		l.logger.Error("process run", "run_id", msg.RunID, "error", err)
	}
	if ack {
		if err := l.queue.Delete(ctx, msg.Receipt); err != nil && !errors.Is(err, queue.ErrReceiptNotFound) {
			return fmt.Errorf("ack message for run %s: %w", msg.RunID, err)
		}
	}
	return err
}

// process returns whether the message should be acked. Transient store
// failures leave the message unacknowledged; everything else is settled
// terminally here or owned by another actor.
func (l *Loop) process(ctx context.Context, msg *queue.Message) (bool, error) {
	run, err := l.runs.Load(ctx, msg.RunID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			l.logger.Warn("message for unknown run", "run_id", msg.RunID)
			return true, nil
		}
		return false, fmt.Errorf("load run: %w", err)
	}

	run, err = lifecycle.AcquireLease(ctx, l.runs, run, l.tun.LeaseTTL, l.now())
	if err != nil {
		if errors.Is(err, lifecycle.ErrClaimLost) {
			// Already leased or already terminal; nothing to do here.
			return true, nil
		}
		return false, fmt.Errorf("acquire lease: %w", err)
	}

	executor, ok := l.executors[run.PackType]
	if !ok {
		return l.failRun(ctx, run, "UNSUPPORTED_PACK_TYPE", fmt.Sprintf("no executor for pack type %q", run.PackType))
	}

	timebox := time.Duration(run.TimeboxSec) * time.Second
	if timebox <= 0 || timebox > l.tun.LeaseTTL {
		timebox = l.tun.LeaseTTL / 2
	}
	execCtx, cancel := context.WithTimeout(ctx, timebox)
	result, execErr := executor.Execute(execCtx, run)
	cancel()
	if execErr != nil {
		reason := "PACK_EXECUTION_FAILED"
		if errors.Is(execErr, context.DeadlineExceeded) {
			reason = "PACK_TIMEBOX_EXCEEDED"
		}
		return l.failRun(ctx, run, reason, execErr.Error())
	}

	body, digest, err := buildEnvelope(run, result, l.now())
	if err != nil {
		return l.failRun(ctx, run, "RESULT_ENCODE_FAILED", err.Error())
	}
	key := results.KeyFor(run.RunID)
	uploadCtx, cancel := context.WithTimeout(ctx, l.tun.IOTimeout())
	err = l.artifacts.Put(uploadCtx, key, bytes.NewReader(body), int64(len(body)), results.Meta{
		ActualCost:  result.ActualCost,
		CostKnown:   true,
		SHA256:      digest,
		Size:        int64(len(body)),
		ContentType: "application/json",
	})
	cancel()
	if err != nil {
		// No artifact made it to storage; charge only the minimum fee.
		return l.failRun(ctx, run, "RESULT_UPLOAD_FAILED", err.Error())
	}

	// Verify the stored object before settling; an inconsistent upload is
	// treated as execution failure.
	statCtx, cancel := context.WithTimeout(ctx, l.tun.IOTimeout())
	meta, found, statErr := l.artifacts.Stat(statCtx, key)
	cancel()
	if statErr != nil || !found || meta.Size != int64(len(body)) || (meta.SHA256 != "" && meta.SHA256 != digest) {
		detail := "stored artifact does not match upload"
		if statErr != nil {
			detail = statErr.Error()
		}
		return l.failRun(ctx, run, "RESULT_INTEGRITY", detail)
	}

	_, err = l.finalizer.Success(ctx, run, run.LeaseToken, lifecycle.SuccessResult{
		ResultKey:    key,
		ResultSHA256: digest,
		ActualCost:   result.ActualCost,
	})
	if err != nil {
		if errors.Is(err, lifecycle.ErrClaimLost) || errors.Is(err, lifecycle.ErrAlreadySettled) {
			return true, nil
		}
		return false, fmt.Errorf("finalize success: %w", err)
	}
	l.logger.Info("run completed", "run_id", run.RunID, "pack_type", run.PackType, "cost", result.ActualCost.String())
	return true, nil
}

func (l *Loop) failRun(ctx context.Context, run domain.Run, reasonCode, detail string) (bool, error) {
	_, err := l.finalizer.Failure(ctx, run, run.LeaseToken, reasonCode, detail)
	if err != nil {
		if errors.Is(err, lifecycle.ErrClaimLost) || errors.Is(err, lifecycle.ErrAlreadySettled) {
			return true, nil
		}
		return false, fmt.Errorf("finalize failure: %w", err)
	}
	l.logger.Info("run failed", "run_id", run.RunID, "reason", reasonCode)
	return true, nil
}
