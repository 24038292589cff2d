package sched

import "sync"

// Waker is a set of entities waiting on some external event. Wake() moves
// each waiter to Runnable and clears the set.
type Waker struct {
	mu      sync.Mutex
	waiters []Entity
	sched   *Scheduler
}

// NewWaker binds a Waker to the scheduler it will move entities within.
func NewWaker(s *Scheduler) *Waker { return &Waker{sched: s} }

// Register adds e to the waiter set.
func (w *Waker) Register(e Entity) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, existing := range w.waiters {
		if existing == e {
			return
		}
	}
	w.waiters = append(w.waiters, e)
}

// Wake moves every registered waiter to Runnable and clears the set.
func (w *Waker) Wake() {
	w.mu.Lock()
	waiters := w.waiters
	w.waiters = nil
	w.mu.Unlock()

	for _, e := range waiters {
		w.sched.makeRunnable(e)
	}
}
