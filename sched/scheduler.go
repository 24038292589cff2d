package sched

import (
	"container/heap"
	"fmt"
	"sort"
	"sync"
)

// PollResult is the outcome of polling a kernel task once.
type PollResult int

const (
	Pending PollResult = iota
	Completed
)

// KernelTask is a cooperatively-scheduled kernel async task: polled once
// per dispatch.
type KernelTask interface {
	Poll() PollResult
}

type heapItem struct {
	rtc RTC
	ent Entity
}

// entityHeap is a min-heap by RTC (least recently scheduled first), giving
// fair round-robin scheduling across processes and kernel tasks alike.
type entityHeap []heapItem

func (h entityHeap) Len() int            { return len(h) }
func (h entityHeap) Less(i, j int) bool  { return h[i].rtc < h[j].rtc }
func (h entityHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entityHeap) Push(x any)         { *h = append(*h, x.(heapItem)) }
func (h *entityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (h *entityHeap) remove(e Entity) {
	for i, item := range *h {
		if item.ent == e {
			heap.Remove(h, i)
			return
		}
	}
}

// Scheduler keeps per-state min-heaps of schedulable entities, fairly
// interleaving userspace processes and kernel tasks.
type Scheduler struct {
	mu sync.Mutex

	states map[State]*entityHeap
	state  map[Entity]State

	current Entity
	hasRun  bool

	tasks map[uint64]KernelTask

	// deadlines maps a deadline (ms) to the kernel tasks waiting on it;
	// keys is kept sorted so the earliest deadline is cheap to find,
	// mirroring a BTreeMap<u64, Vec<TaskId>>.
	deadlines map[uint64][]uint64
	keys      []uint64

	nowMs func() uint64
}

// New constructs an empty scheduler. nowMs supplies the current time in
// milliseconds for deadline comparisons; tests pass a manually-advanced
// function.
func New(nowMs func() uint64) *Scheduler {
	s := &Scheduler{
		states:    map[State]*entityHeap{Runnable: {}, Running: {}, Blocked: {}},
		state:     make(map[Entity]State),
		tasks:     make(map[uint64]KernelTask),
		deadlines: make(map[uint64][]uint64),
		nowMs:     nowMs,
	}
	for _, h := range s.states {
		heap.Init(h)
	}
	return s
}

func (s *Scheduler) moveLocked(e Entity, to State, rtc RTC) {
	if from, ok := s.state[e]; ok {
		s.states[from].remove(e)
	}
	s.state[e] = to
	heap.Push(s.states[to], heapItem{rtc: rtc, ent: e})
}

// AddProcess registers a new process entity as Runnable.
func (s *Scheduler) AddProcess(pid uint64, lastScheduled RTC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveLocked(Process(pid), Runnable, lastScheduled)
}

// AddKernelTask registers t under id as Runnable.
func (s *Scheduler) AddKernelTask(id uint64, t KernelTask, lastScheduled RTC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = t
	s.moveLocked(KernelTaskEntity(id), Runnable, lastScheduled)
}

// RemoveProcess drops a process entity entirely (on exit).
func (s *Scheduler) RemoveProcess(pid uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := Process(pid)
	if from, ok := s.state[e]; ok {
		s.states[from].remove(e)
		delete(s.state, e)
	}
}

func (s *Scheduler) removeKernelTask(id uint64) {
	e := KernelTaskEntity(id)
	if from, ok := s.state[e]; ok {
		s.states[from].remove(e)
		delete(s.state, e)
	}
	delete(s.tasks, id)
}

// PrepareNextRunnable asserts nothing is Running, pops the min-RTC entity
// off Runnable, and moves it to Running.
func (s *Scheduler) PrepareNextRunnable() (Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[Running].Len() != 0 {
		panic("sched: an entity is already Running")
	}
	if s.states[Runnable].Len() == 0 {
		return Entity{}, false
	}
	item := heap.Pop(s.states[Runnable]).(heapItem)
	now := Now()
	s.state[item.ent] = Running
	heap.Push(s.states[Running], heapItem{rtc: now, ent: item.ent})
	s.current = item.ent
	s.hasRun = true
	return item.ent, true
}

// PollKernelTask polls the task named by e exactly once (must be a
// KernelTask entity currently Running), removing it on completion or
// moving it to Blocked on Pending.
func (s *Scheduler) PollKernelTask(e Entity) PollResult {
	s.mu.Lock()
	t, ok := s.tasks[e.ID]
	s.mu.Unlock()
	if !ok {
		panic(fmt.Sprintf("sched: no kernel task %d", e.ID))
	}

	result := t.Poll()

	s.mu.Lock()
	defer s.mu.Unlock()
	switch result {
	case Completed:
		s.removeKernelTask(e.ID)
	case Pending:
		s.moveLocked(e, Blocked, Now())
	}
	return result
}

// BlockCurrentOn moves e (assumed Running) to Blocked and registers it
// with w so a later Wake() returns it to Runnable.
func (s *Scheduler) BlockCurrentOn(e Entity, w *Waker) {
	s.mu.Lock()
	s.moveLocked(e, Blocked, Now())
	s.mu.Unlock()
	w.Register(e)
}

// YieldCurrent moves e (assumed Running) back to Runnable without
// involving a waker.
func (s *Scheduler) YieldCurrent(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveLocked(e, Runnable, Now())
}

// makeRunnable is called by Waker.Wake to return a blocked entity to
// Runnable.
func (s *Scheduler) makeRunnable(e Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.moveLocked(e, Runnable, Now())
}

// RegisterDeadline arranges for kernel task id to be woken at deadlineMs.
func (s *Scheduler) RegisterDeadline(deadlineMs uint64, taskID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.deadlines[deadlineMs]; !ok {
		s.keys = append(s.keys, deadlineMs)
		sort.Slice(s.keys, func(i, j int) bool { return s.keys[i] < s.keys[j] })
	}
	s.deadlines[deadlineMs] = append(s.deadlines[deadlineMs], taskID)
}

// DrainExpiredDeadlines moves every kernel task whose deadline has passed
// (per nowMs) to Runnable, and returns the next pending deadline (if any)
// so the caller can shorten the preemption timer.
func (s *Scheduler) DrainExpiredDeadlines() (nextDeadlineMs uint64, hasNext bool) {
	now := s.nowMs()

	s.mu.Lock()
	var expired []uint64
	i := 0
	for ; i < len(s.keys); i++ {
		if s.keys[i] > now {
			break
		}
		expired = append(expired, s.keys[i])
	}
	var tasks []uint64
	for _, k := range expired {
		tasks = append(tasks, s.deadlines[k]...)
		delete(s.deadlines, k)
	}
	s.keys = s.keys[i:]
	if len(s.keys) > 0 {
		nextDeadlineMs, hasNext = s.keys[0], true
	}
	s.mu.Unlock()

	for _, id := range tasks {
		s.makeRunnable(KernelTaskEntity(id))
	}
	return
}

// StateOf reports e's current scheduling state.
func (s *Scheduler) StateOf(e Entity) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.state[e]
	return st, ok
}

// Len reports how many entities are currently in state st, for tests.
func (s *Scheduler) Len(st State) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[st].Len()
}
