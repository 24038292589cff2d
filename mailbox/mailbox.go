// Package mailbox implements the bounded, coalescing event queue a process
// waits on.
package mailbox

import "sync"

// MaxEvents bounds a mailbox's queue length.
const MaxEvents = 256

// Event is one queued (handle, flags) entry.
type Event struct {
	Handle uint64
	Flags  uint32
}

// Mailbox is a single-owner bounded FIFO that coalesces same-handle
// entries. At most one entry exists per handle id at any time; posting
// flags for an already-queued handle ORs them into the existing entry
// rather than growing the queue.
type Mailbox struct {
	mu      sync.Mutex
	order   []uint64          // FIFO order of handle ids currently queued
	pending map[uint64]uint32 // handle -> OR'd flags
	masks   map[uint64]uint32 // attach() filter masks, reserved for future use
}

// New constructs an empty mailbox.
func New() *Mailbox {
	return &Mailbox{pending: make(map[uint64]uint32), masks: make(map[uint64]uint32)}
}

// Attach records a future-use filter mask for handle.
func (m *Mailbox) Attach(handle uint64, mask uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.masks[handle] = mask
}

// PostEvent enqueues flags for handle, coalescing with an existing entry
// for the same handle, or evicting the oldest entry if the queue is full
// and no entry for handle exists yet. Coalescing is always preferred over
// eviction.
func (m *Mailbox) PostEvent(handle uint64, flags uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.pending[handle]; ok {
		m.pending[handle] = existing | flags
		return
	}

	if len(m.order) >= MaxEvents {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.pending, oldest)
	}

	m.order = append(m.order, handle)
	m.pending[handle] = flags
}

// Wait pops the oldest queued entry, or reports empty.
func (m *Mailbox) Wait() (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return Event{}, false
	}
	handle := m.order[0]
	m.order = m.order[1:]
	flags := m.pending[handle]
	delete(m.pending, handle)
	return Event{Handle: handle, Flags: flags}, true
}

// HasPending reports whether the queue is non-empty.
func (m *Mailbox) HasPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order) > 0
}

// Len reports the current queue length, for tests.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// Ref is a borrowed view bound to one handle id, letting a resource post
// events without holding the mailbox itself.
type Ref struct {
	mbox   *Mailbox
	handle uint64
}

// NewRef binds a mailbox reference to handle.
func NewRef(mbox *Mailbox, handle uint64) Ref { return Ref{mbox: mbox, handle: handle} }

// Post posts flags to the bound handle on the underlying mailbox.
func (r Ref) Post(flags uint32) {
	if r.mbox == nil {
		return
	}
	r.mbox.PostEvent(r.handle, flags)
}
