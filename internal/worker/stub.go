package worker

import (
	"context"
	"fmt"

	"github.com/packlab-io/packlab-go/internal/domain"
)

// StubDecisionExecutor is the placeholder decision-pack executor: it answers
// with canned text and a flat cost capped by the reservation.
type StubDecisionExecutor struct {
	cost domain.Micros
}

func NewStubDecisionExecutor() *StubDecisionExecutor {
	return &StubDecisionExecutor{cost: 50_000}
}

func (e *StubDecisionExecutor) Execute(_ context.Context, run domain.Run) (ExecResult, error) {
	question, _ := run.PackInput["question"].(string)
	mode, _ := run.PackInput["mode"].(string)
	if mode == "" {
		mode = "brief"
	}
	answer := fmt.Sprintf("[stub] decision for: %.50s (mode=%s)", question, mode)
	if ctx, ok := run.PackInput["context"].(string); ok && ctx != "" {
		answer += fmt.Sprintf(" (context: %d chars)", len(ctx))
	}

	cost := e.cost
	if cost > run.ReservationMaxCost {
		cost = run.ReservationMaxCost
	}
	return ExecResult{
		Data: domain.Metadata{
			"answer_text": answer,
			"question":    question,
			"mode":        mode,
			"confidence":  0.85,
		},
		ActualCost: cost,
	}, nil
}
