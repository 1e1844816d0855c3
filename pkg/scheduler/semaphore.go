package scheduler

import (
	"container/list"
	"context"
	"sync"
)

// DynamicSemaphore is a counting semaphore whose capacity can change at
// runtime without being replaced. Waiters are served FIFO.
//
// Shrinking capacity never revokes permits already held: active only
// decreases via Release, and new acquisitions are blocked until it falls
// below the new capacity.
type DynamicSemaphore struct {
	mu       sync.Mutex
	capacity int
	active   int
	waiters  *list.List // of *semWaiter
}

type semWaiter struct {
	ready chan error
}

// NewDynamicSemaphore creates a semaphore with the given initial capacity.
// Capacity has a floor of 1.
func NewDynamicSemaphore(initialCapacity int) *DynamicSemaphore {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	return &DynamicSemaphore{
		capacity: initialCapacity,
		waiters:  list.New(),
	}
}

// Acquire blocks until a permit is available, ctx is cancelled, or the
// semaphore's waiters are cancelled via CancelAllWaiters.
func (s *DynamicSemaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.active < s.capacity {
		s.active++
		s.mu.Unlock()
		return nil
	}

	w := &semWaiter{ready: make(chan error, 1)}
	elem := s.waiters.PushBack(w)
	s.mu.Unlock()

	select {
	case err := <-w.ready:
		return err
	case <-ctx.Done():
		s.mu.Lock()
		// If we're still in the list, remove ourselves; otherwise a
		// concurrent Release/SetCapacity already granted us the permit and
		// we must honor it (give it back) to keep active accurate.
		stillWaiting := false
		for e := s.waiters.Front(); e != nil; e = e.Next() {
			if e == elem {
				stillWaiting = true
				break
			}
		}
		if stillWaiting {
			s.waiters.Remove(elem)
			s.mu.Unlock()
			return ctx.Err()
		}
		s.mu.Unlock()
		// Lost the race: we were already granted a permit. Drain it and
		// release it back since the caller is no longer interested.
		if err := <-w.ready; err == nil {
			s.Release()
		}
		return ctx.Err()
	}
}

// TryAcquire acquires a permit only if one is immediately available.
func (s *DynamicSemaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active < s.capacity {
		s.active++
		return true
	}
	return false
}

// Release returns a permit. Calling Release on an idle semaphore (no permits
// outstanding) is a programming error and panics.
func (s *DynamicSemaphore) Release() {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		raiseInvariantViolation("semaphore-idle-release", ErrSemaphoreReleaseWithoutAcquire.Error())
	}
	s.active--
	s.wakeNextLocked()
	s.mu.Unlock()
}

// wakeNextLocked hands the permit to the oldest waiter if capacity allows.
// Caller holds s.mu.
func (s *DynamicSemaphore) wakeNextLocked() {
	for s.active < s.capacity {
		front := s.waiters.Front()
		if front == nil {
			return
		}
		s.waiters.Remove(front)
		w := front.Value.(*semWaiter)
		s.active++
		w.ready <- nil
	}
}

// SetCapacity changes the capacity at runtime. Raising it wakes up to
// (new-old) waiters immediately; lowering it never revokes permits already
// held. Capacity has a floor of 1.
func (s *DynamicSemaphore) SetCapacity(n int) {
	if n < 1 {
		n = 1
	}
	s.mu.Lock()
	s.capacity = n
	s.wakeNextLocked()
	s.mu.Unlock()
}

// Capacity returns the current capacity.
func (s *DynamicSemaphore) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// CancelAllWaiters fails every pending Acquire with reason. Acquires made
// after this call succeed normally if capacity permits.
func (s *DynamicSemaphore) CancelAllWaiters(reason error) {
	if reason == nil {
		reason = errWaiterCancelled
	}
	s.mu.Lock()
	var woken []*semWaiter
	for e := s.waiters.Front(); e != nil; e = e.Next() {
		woken = append(woken, e.Value.(*semWaiter))
	}
	s.waiters.Init()
	s.mu.Unlock()

	for _, w := range woken {
		w.ready <- reason
	}
}

// SemaphoreStatus is a point-in-time snapshot of a DynamicSemaphore.
type SemaphoreStatus struct {
	Capacity int
	Active   int
	Waiting  int
}

// Status returns a snapshot suitable for the Governor's per-engine reporting.
func (s *DynamicSemaphore) Status() SemaphoreStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SemaphoreStatus{
		Capacity: s.capacity,
		Active:   s.active,
		Waiting:  s.waiters.Len(),
	}
}
