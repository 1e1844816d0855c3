package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrNilProvider is returned when a Coordinator is built without one of
	// its required collaborators.
	ErrNilProvider = errors.New("scheduler: required provider is nil")

	// ErrDisposed is returned by operations invoked after Dispose().
	ErrDisposed = errors.New("scheduler: coordinator is disposed")

	// ErrSynthesisTimeout marks a SegmentFailed caused by the per-request
	// wall-clock timeout rather than a Synthesizer error.
	ErrSynthesisTimeout = errors.New("scheduler: synthesis timed out")

	// ErrSemaphoreReleaseWithoutAcquire is the programming-error sentinel
	// wrapped into the panic raised by DynamicSemaphore.Release when called
	// on an idle semaphore.
	ErrSemaphoreReleaseWithoutAcquire = errors.New("scheduler: release called on idle semaphore")

	// errWaiterCancelled is returned to a waiter whose acquire was failed by
	// CancelAllWaiters.
	errWaiterCancelled = errors.New("scheduler: acquire cancelled")
)

// InvariantViolation indicates a bug in the scheduler's internal
// bookkeeping, such as DynamicSemaphore.Release on an idle semaphore. It is
// never returned as an error; raiseInvariantViolation panics with it.
type InvariantViolation struct {
	Invariant string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("scheduler: invariant %s violated: %s", e.Invariant, e.Detail)
}

func raiseInvariantViolation(invariant, detail string) {
	panic(&InvariantViolation{Invariant: invariant, Detail: detail})
}
