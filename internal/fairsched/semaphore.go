// Package fairsched implements Component B: the admission semaphore and
// the fair, priority-aware dispatch pass that turns queued tasks into
// running ones without starving either resumes or fresh work.
package fairsched

import (
	"context"
	"errors"
	"sync"
)

// ErrAcquireCanceled is returned by Semaphore.Acquire when ctx is done
// before a permit becomes available. A cancelled waiter never consumes a
// permit.
var ErrAcquireCanceled = errors.New("fairsched: acquire canceled")

// Release returns a held permit to its semaphore. Calling Release more
// than once is a no-op; it decrements inUse exactly once.
type Release func()

// Semaphore is a non-negative integer admission gate with a FIFO waiter
// queue. capacity is fixed at construction; 0 <= inUse <= capacity always
// holds.
type Semaphore struct {
	mu       sync.Mutex
	capacity int
	inUse    int
	waiters  []*waiter
}

type waiter struct {
	wake      chan struct{}
	cancelled bool
}

// NewSemaphore constructs a Semaphore with the given capacity. capacity
// must be > 0.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 1
	}
	return &Semaphore{capacity: capacity}
}

// Capacity returns the fixed permit capacity.
func (s *Semaphore) Capacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity
}

// Available returns capacity - inUse.
func (s *Semaphore) Available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capacity - s.inUse
}

// TryAcquire attempts a non-blocking acquisition. It returns a Release
// closure on success, or nil if no permit is immediately available.
func (s *Semaphore) TryAcquire() Release {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inUse >= s.capacity {
		return nil
	}
	s.inUse++
	return s.releaseOnce()
}

// Acquire blocks until a permit is available or ctx is done. On
// cancellation the waiter is removed from the FIFO before it can consume
// a permit, and ErrAcquireCanceled is returned.
func (s *Semaphore) Acquire(ctx context.Context) (Release, error) {
	s.mu.Lock()
	if s.inUse < s.capacity {
		s.inUse++
		rel := s.releaseOnce()
		s.mu.Unlock()
		return rel, nil
	}

	w := &waiter{wake: make(chan struct{})}
	s.waiters = append(s.waiters, w)
	s.mu.Unlock()

	select {
	case <-w.wake:
		return s.releaseOnce(), nil
	case <-ctx.Done():
		s.removeWaiter(w)
		select {
		case <-w.wake:
			// Woken concurrently with cancellation: hand the permit back.
			s.releaseOnce()()
		default:
		}
		return nil, ErrAcquireCanceled
	}
}

// removeWaiter drops w from the FIFO if it hasn't already been woken. A
// waiter woken concurrently with cancellation still holds the permit it
// was handed; removeWaiter only prevents a *future* wake from targeting
// an already-cancelled waiter.
func (s *Semaphore) removeWaiter(w *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.cancelled = true
	for i, other := range s.waiters {
		if other == w {
			s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
			break
		}
	}
}

// releaseOnce returns an idempotent Release closure bound to exactly one
// held permit.
func (s *Semaphore) releaseOnce() Release {
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.inUse--
			s.wakeNextLocked()
		})
	}
}

// wakeNextLocked hands the freed permit to the next non-cancelled waiter,
// if any, incrementing inUse on its behalf. Must be called with s.mu held.
func (s *Semaphore) wakeNextLocked() {
	for len(s.waiters) > 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		if w.cancelled {
			continue
		}
		s.inUse++
		close(w.wake)
		return
	}
}
