// Package results abstracts the object store holding run result artifacts.
// Artifacts are keyed by run id and carry the actual cost in object metadata
// so the reconciler can recover it when the run log lost the value.
package results

import (
	"context"
	"io"
	"time"

	"github.com/packlab-io/packlab-go/internal/domain"
)

// Meta is the artifact metadata the lifecycle depends on. CostKnown
// distinguishes "cost metadata present" from a zero cost.
type Meta struct {
	ActualCost  domain.Micros
	CostKnown   bool
	SHA256      string
	Size        int64
	ContentType string
}

// KeyFor is the canonical artifact key for a run. Every writer and reader
// derives the key from the run id so the reconciler can locate artifacts for
// runs whose result pointer was never committed.
func KeyFor(runID string) string {
	return runID + "/envelope.json"
}

type Store interface {
	// Put uploads an artifact under key with the cost and hash recorded as
	// object metadata.
	Put(ctx context.Context, key string, body io.Reader, size int64, meta Meta) error

	// Stat returns the artifact metadata. found=false when no artifact exists;
	// that is an answer, not an error.
	Stat(ctx context.Context, key string) (Meta, bool, error)

	// PresignGet returns a time-limited download URL for the artifact.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}
