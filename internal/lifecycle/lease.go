package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/packlab-io/packlab-go/internal/domain"
	"github.com/packlab-io/packlab-go/internal/repo"
)

// AcquireLease moves a QUEUED run to PROCESSING under a fresh lease token.
// Exactly one worker wins the CAS; the rest get ErrClaimLost and drop the
// message. Lease expiry does not preempt the worker — it only licenses the
// reconciler to take over.
func AcquireLease(ctx context.Context, runs repo.RunRepository, run domain.Run, ttl time.Duration, now time.Time) (domain.Run, error) {
	if run.Status != domain.StatusQueued {
		return domain.Run{}, fmt.Errorf("%w: run %s status is %s", ErrClaimLost, run.RunID, run.Status)
	}
	token := uuid.NewString()
	expires := now.Add(ttl).UTC()
	applied, err := runs.CASUpdate(ctx, run.RunID, run.Version, repo.FieldUpdates{
		"status":           domain.StatusProcessing,
		"lease_token":      token,
		"lease_expires_at": expires,
	}, repo.Conditions{
		"status": domain.StatusQueued,
	})
	if err != nil {
		return domain.Run{}, fmt.Errorf("acquire lease for run %s: %w", run.RunID, err)
	}
	if !applied {
		return domain.Run{}, fmt.Errorf("%w: run %s", ErrClaimLost, run.RunID)
	}
	run.Status = domain.StatusProcessing
	run.LeaseToken = token
	run.LeaseExpiresAt = &expires
	run.Version++
	return run, nil
}
