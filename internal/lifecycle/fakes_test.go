package lifecycle

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/repo"
	"github.com/packlab-io/packlab-go/internal/storage/results"
)

// fakeRunStore is an in-memory repo.RunRepository with real CAS semantics:
// version guard, equality / IS NULL / less-than conditions, and version
// increment on apply.
type fakeRunStore struct {
	mu         sync.Mutex
	runs       map[string]domain.Run
	createErr  error
	casErr     error
	commits    int
	casApplied int
}

func newFakeRunStore() *fakeRunStore {
	return &fakeRunStore{runs: make(map[string]domain.Run)}
}

func (s *fakeRunStore) Create(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	if _, ok := s.runs[run.RunID]; ok {
		return repo.ErrDuplicateRun
	}
	for _, existing := range s.runs {
		if existing.TenantID == run.TenantID && run.IdempotencyKey != "" && existing.IdempotencyKey == run.IdempotencyKey {
			return repo.ErrDuplicateRun
		}
	}
	if run.Version == 0 {
		run.Version = 1
	}
	s.runs[run.RunID] = run
	return nil
}

func (s *fakeRunStore) Load(_ context.Context, runID string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *fakeRunStore) LoadForTenant(ctx context.Context, tenantID, runID string) (domain.Run, error) {
	run, err := s.Load(ctx, runID)
	if err != nil {
		return domain.Run{}, err
	}
	if run.TenantID != tenantID {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *fakeRunStore) LoadByIdempotencyKey(_ context.Context, tenantID, key string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.TenantID == tenantID && run.IdempotencyKey == key {
			return run, nil
		}
	}
	return domain.Run{}, repo.ErrNotFound
}

func (s *fakeRunStore) CASUpdate(_ context.Context, runID string, expectedVersion int64, updates repo.FieldUpdates, conditions repo.Conditions) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.casErr != nil {
		return false, s.casErr
	}
	run, ok := s.runs[runID]
	if !ok || run.Version != expectedVersion {
		return false, nil
	}
	for col, want := range conditions {
		if !conditionHolds(run, col, want) {
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
	s.casApplied++
	if stage, ok := updates["finalize_stage"].(domain.FinalizeStage); ok && stage == domain.FinalizeCommitted {
		s.commits++
	}
	return true, nil
}

func (s *fakeRunStore) ScanStuckClaimed(_ context.Context, olderThan time.Time, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Run
	for _, run := range s.runs {
		if run.FinalizeStage == domain.FinalizeClaimed && run.FinalizeClaimedAt != nil && run.FinalizeClaimedAt.Before(olderThan) {
			out = append(out, run)
		}
	}
	sortRuns(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeRunStore) ScanExpiredLeases(_ context.Context, now time.Time, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Run
	for _, run := range s.runs {
		if run.Status == domain.StatusProcessing && run.LeaseExpired(now) {
			out = append(out, run)
		}
	}
	sortRuns(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortRuns(runs []domain.Run) {
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunID < runs[j].RunID })
}

func conditionHolds(run domain.Run, col string, want any) bool {
	switch w := want.(type) {
	case nil:
		return columnEmpty(run, col)
	case repo.Before:
		t, ok := columnTime(run, col)
		return ok && t.Before(w.Value)
	default:
		return columnString(run, col) == conditionString(w)
	}
}

func conditionString(v any) string {
	switch t := v.(type) {
	case domain.Status:
		return string(t)
	case domain.MoneyState:
		return string(t)
	case domain.FinalizeStage:
		return string(t)
	case string:
		return t
	default:
		return fmt.Sprintf("%v", t)
	}
}

func columnString(run domain.Run, col string) string {
	switch col {
	case "status":
		return string(run.Status)
	case "money_state":
		return string(run.MoneyState)
	case "finalize_stage":
		return string(run.FinalizeStage)
	case "finalize_token":
		return run.FinalizeToken
	case "lease_token":
		return run.LeaseToken
	default:
		return ""
	}
}

func columnEmpty(run domain.Run, col string) bool {
	switch col {
	case "finalize_token":
		return run.FinalizeToken == ""
	case "lease_token":
		return run.LeaseToken == ""
	case "finalize_claimed_at":
		return run.FinalizeClaimedAt == nil
	case "lease_expires_at":
		return run.LeaseExpiresAt == nil
	default:
		return false
	}
}

func columnTime(run domain.Run, col string) (time.Time, bool) {
	switch col {
	case "finalize_claimed_at":
		if run.FinalizeClaimedAt == nil {
			return time.Time{}, false
		}
		return *run.FinalizeClaimedAt, true
	case "lease_expires_at":
		if run.LeaseExpiresAt == nil {
			return time.Time{}, false
		}
		return *run.LeaseExpiresAt, true
	default:
		return time.Time{}, false
	}
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
		return fmt.Errorf("fake store: unknown column %q", col)
	}
	return nil
}

// fakeArtifacts is an in-memory results.Store.
type fakeArtifacts struct {
	mu      sync.Mutex
	objects map[string]results.Meta
	putErr  error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string]results.Meta)}
}

func (a *fakeArtifacts) Put(_ context.Context, key string, body io.Reader, size int64, meta results.Meta) error {
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

func (a *fakeArtifacts) Stat(_ context.Context, key string) (results.Meta, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	meta, ok := a.objects[key]
	return meta, ok, nil
}

func (a *fakeArtifacts) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://results.example/" + key, nil
}
