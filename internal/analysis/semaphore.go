package analysis

import "context"

// Semaphore bounds concurrent provider calls across all tasks. Goroutines
// blocked in Acquire are served in arrival order by the runtime's channel
// wait queue, so no task starves behind a large sibling.
type Semaphore struct {
	slots chan struct{}
}

func NewSemaphore(n int) *Semaphore {
	if n < 1 {
		n = 1
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a slot previously taken by Acquire.
func (s *Semaphore) Release() {
	<-s.slots
}

// InFlight returns the number of currently held slots.
func (s *Semaphore) InFlight() int {
	return len(s.slots)
}
