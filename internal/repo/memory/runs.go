// Package memory provides an in-process RunRepository with the same CAS
// semantics as the Postgres store. Single-process deployments and tests use
// it in place of the durable log.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/repo"
)

type RunStore struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]domain.Run)}
}

func (s *RunStore) Create(_ context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.RunID]; ok {
		return repo.ErrDuplicateRun
	}
	if run.IdempotencyKey != "" {
		for _, existing := range s.runs {
			if existing.TenantID == run.TenantID && existing.IdempotencyKey == run.IdempotencyKey {
				return repo.ErrDuplicateRun
			}
		}
	}
	if run.Version == 0 {
		run.Version = 1
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	run.UpdatedAt = run.CreatedAt
	run.PackInput = run.PackInput.Clone()
	s.runs[run.RunID] = run
	return nil
}

func (s *RunStore) Load(_ context.Context, runID string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *RunStore) LoadForTenant(ctx context.Context, tenantID, runID string) (domain.Run, error) {
	run, err := s.Load(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.TenantID != tenantID {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *RunStore) LoadByIdempotencyKey(_ context.Context, tenantID, key string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.IdempotencyKey == key {
			return run, nil
		}
	}
	return domain.Run{}, repo.ErrNotFound
}

func (s *RunStore) CASUpdate(_ context.Context, runID string, expectedVersion int64, updates repo.FieldUpdates, conditions repo.Conditions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok || run.Version != expectedVersion {
		return false, nil
	}
	for col, want := range conditions {
		holds, err := conditionHolds(run, col, want)
		if err != nil {
			return false, err
		}
		if !holds {
			return false, nil
		}
	}
	for col, value := range updates {
		if err := applyField(&run, col, value); err != nil {
			return false, err
		}
	}
	run.Version++
	run.UpdatedAt = time.Now().UTC()
	s.runs[runID] = run
	return true, nil
}

func (s *RunStore) ScanStuckClaimed(_ context.Context, olderThan time.Time, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Run
	for _, run := range s.runs {
		if run.FinalizeStage == domain.FinalizeClaimed && run.FinalizeClaimedAt != nil && run.FinalizeClaimedAt.Before(olderThan) {
			out = append(out, run)
		}
	}
	return capSorted(out, limit), nil
}

func (s *RunStore) ScanExpiredLeases(_ context.Context, now time.Time, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Run
	for _, run := range s.runs {
		if run.Status == domain.StatusProcessing && run.LeaseExpired(now) {
			out = append(out, run)
		}
	}
	return capSorted(out, limit), nil
}

func capSorted(runs []domain.Run, limit int) []domain.Run {
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs
}

func conditionHolds(run domain.Run, col string, want any) (bool, error) {
	switch w := want.(type) {
	case nil:
		switch col {
		case "finalize_token":
			return run.FinalizeToken == "", nil
		case "lease_token":
			return run.LeaseToken == "", nil
		case "finalize_claimed_at":
			return run.FinalizeClaimedAt == nil, nil
		case "lease_expires_at":
			return run.LeaseExpiresAt == nil, nil
		}
		return false, fmt.Errorf("memory store: IS NULL unsupported for %q", col)
	case repo.Before:
		switch col {
		case "finalize_claimed_at":
			return run.FinalizeClaimedAt != nil && run.FinalizeClaimedAt.Before(w.Value), nil
		case "lease_expires_at":
			return run.LeaseExpiresAt != nil && run.LeaseExpiresAt.Before(w.Value), nil
		}
		return false, fmt.Errorf("memory store: comparison unsupported for %q", col)
	default:
		got, err := columnValue(run, col)
		if err != nil {
			return false, err
		}
		return got == fmt.Sprintf("%v", want), nil
	}
}

func columnValue(run domain.Run, col string) (string, error) {
	switch col {
	case "status":
		return string(run.Status), nil
	case "money_state":
		return string(run.MoneyState), nil
	case "finalize_stage":
		return string(run.FinalizeStage), nil
	case "finalize_token":
		return run.FinalizeToken, nil
	case "lease_token":
		return run.LeaseToken, nil
	}
	return "", fmt.Errorf("memory store: unknown condition column %q", col)
}

func applyField(run *domain.Run, col string, value any) error {
	switch col {
	case "status":
		run.Status = value.(domain.Status)
	case "money_state":
		run.MoneyState = value.(domain.MoneyState)
	case "finalize_stage":
		run.FinalizeStage = value.(domain.FinalizeStage)
	case "finalize_token":
		run.FinalizeToken = value.(string)
	case "finalize_claimed_at":
		t := value.(time.Time)
		run.FinalizeClaimedAt = &t
	case "lease_token":
		run.LeaseToken = value.(string)
	case "lease_expires_at":
		t := value.(time.Time)
		run.LeaseExpiresAt = &t
	case "actual_cost_micros":
		cost := value.(domain.Micros)
		run.ActualCost = &cost
	case "result_key":
		run.ResultKey = value.(string)
	case "result_sha256":
		run.ResultSHA256 = value.(string)
	case "last_error_reason_code":
		run.LastErrorReasonCode = value.(string)
	case "last_error_detail":
		run.LastErrorDetail = value.(string)
	default:
		return fmt.Errorf("memory store: unknown update column %q", col)
	}
	return nil
}
