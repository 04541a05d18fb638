package worker

import (
	"context"

	"github.com/packlab-io/packlab-go/internal/domain"
)

// ExecResult is what a pack executor hands back: the result payload for the
// envelope and the cost the run should settle at. The cost is advisory here;
// the ledger clamps it to the reservation.
type ExecResult struct {
	Data       domain.Metadata
	ActualCost domain.Micros
}

// PackExecutor runs one pack type. Implementations must respect ctx
// cancellation; the loop derives a deadline from the run's timebox.
type PackExecutor interface {
	Execute(ctx context.Context, run domain.Run) (ExecResult, error)
}

// Registry maps pack types to executors.
type Registry map[string]PackExecutor

// DefaultRegistry wires the built-in executors.
func DefaultRegistry() Registry {
	return Registry{
		"decision": NewStubDecisionExecutor(),
		"url":      NewURLFetchExecutor(nil),
	}
}
