package lifecycle

import "errors"

var (
	// ErrBudgetExceeded means the reserve was rejected against the tenant's
	// soft limit. Nothing was created.
	ErrBudgetExceeded = errors.New("budget exceeded")

	// ErrIdempotencyConflict means the idempotency key was already used with a
	// different payload.
	ErrIdempotencyConflict = errors.New("idempotency key used with different payload")

	// ErrClaimLost means another actor holds or held the finalize claim, or
	// the lease CAS found the run already taken. Expected under concurrency;
	// callers absorb it without retry or side effects.
	ErrClaimLost = errors.New("lost finalize race")

	// ErrAlreadySettled means this actor claimed but another actor had
	// already consumed the reservation. The winner writes the terminal state.
	ErrAlreadySettled = errors.New("reservation already settled by another actor")

	// ErrCommitFailed means the terminal commit CAS did not apply despite a
	// held claim. Not retried; the reconciler will drive the run forward.
	ErrCommitFailed = errors.New("finalize commit did not apply")
)
