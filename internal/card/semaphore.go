package card

import (
	"context"
	"sync"
)

// Semaphore bounds how many operations of one stage class run at once.
// Release hands the permit directly to the longest-waiting acquirer, so
// waiters always wake in arrival order and no wakeup is ever lost.
type Semaphore struct {
	mu      sync.Mutex
	free    int
	waiters []chan struct{}
}

// NewSemaphore creates a semaphore with capacity permits. Capacity must be
// at least 1.
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{free: capacity}
}

// Acquire consumes a permit, blocking FIFO behind earlier acquirers until
// one is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	s.mu.Lock()
	if s.free > 0 && len(s.waiters) == 0 {
		s.free--
		s.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	s.waiters = append(s.waiters, ready)
	s.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for i, w := range s.waiters {
			if w == ready {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return ctx.Err()
			}
		}
		s.mu.Unlock()
		// Release already handed us the permit; pass it on.
		<-ready
		s.Release()
		return ctx.Err()
	}
}

// Release returns a permit, waking the longest waiter if any.
func (s *Semaphore) Release() {
	s.mu.Lock()
	if len(s.waiters) > 0 {
		ready := s.waiters[0]
		s.waiters = s.waiters[1:]
		s.mu.Unlock()
		close(ready)
		return
	}
	s.free++
	s.mu.Unlock()
}
