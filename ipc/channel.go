// Package ipc implements channel endpoints: a pair of message queues with
// backpressure, waker/mailbox notification, and FIFO-per-direction
// delivery.
package ipc

import (
	"errors"
	"sync"

	"kestrel/handle"
	"kestrel/mailbox"
)

// MaxMessageSize bounds a single channel message.
const MaxMessageSize = 64 * 1024

// DefaultQueueCapacity is the default outgoing-queue depth per half.
const DefaultQueueCapacity = 32

var (
	ErrPeerClosed    = errors.New("ipc: peer closed")
	ErrQueueFull     = errors.New("ipc: queue full")
	ErrQueueEmpty    = errors.New("ipc: queue empty")
	ErrTooLarge      = errors.New("ipc: message too large")
	ErrBufferTooSmall = errors.New("ipc: destination buffer too small")
)

// half is one endpoint's private state: its outgoing queue, close flag,
// waker, and optional mailbox attachment.
type half struct {
	queue    [][]byte
	capacity int
	closed   bool
	waker    handle.Waker
	mbox     mailbox.Ref
	hasMbox  bool
}

// Shared is the state jointly owned by both endpoints of a channel; it is
// freed when the second endpoint drops.
type Shared struct {
	mu sync.Mutex
	a  half
	b  half
}

// NewShared creates a fresh channel with both halves open and the default
// queue capacity.
func NewShared() *Shared {
	return &Shared{
		a: half{capacity: DefaultQueueCapacity},
		b: half{capacity: DefaultQueueCapacity},
	}
}

// Side selects which of the two paired endpoints an Endpoint represents.
type Side int

const (
	SideA Side = iota
	SideB
)

// Endpoint is one side of a channel.
type Endpoint struct {
	shared *Shared
	side   Side
	closed bool
}

// NewPair returns the two endpoints of a fresh channel.
func NewPair() (*Endpoint, *Endpoint) {
	s := NewShared()
	return &Endpoint{shared: s, side: SideA}, &Endpoint{shared: s, side: SideB}
}

func (e *Endpoint) ours() *half {
	if e.side == SideA {
		return &e.shared.a
	}
	return &e.shared.b
}

func (e *Endpoint) peer() *half {
	if e.side == SideA {
		return &e.shared.b
	}
	return &e.shared.a
}

// SetWaker installs the waker woken when this endpoint's peer sends or
// when peer-writability becomes available.
func (e *Endpoint) SetWaker(w handle.Waker) {
	e.shared.mu.Lock()
	defer e.shared.mu.Unlock()
	e.ours().waker = w
}

// AttachMailbox installs a mailbox reference posted to on the same events
// as the waker.
func (e *Endpoint) AttachMailbox(ref mailbox.Ref) {
	e.shared.mu.Lock()
	defer e.shared.mu.Unlock()
	h := e.ours()
	h.mbox, h.hasMbox = ref, true
}

// Send pushes msg onto this endpoint's outgoing queue (consumed by the
// peer's Recv), waking the peer and posting CHANNEL_READABLE to its
// mailbox if attached.
func (e *Endpoint) Send(msg []byte) error {
	if len(msg) > MaxMessageSize {
		return ErrTooLarge
	}
	e.shared.mu.Lock()
	defer e.shared.mu.Unlock()

	peer := e.peer()
	if peer.closed {
		return ErrPeerClosed
	}
	ours := e.ours()
	if len(ours.queue) >= ours.capacity {
		return ErrQueueFull
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	ours.queue = append(ours.queue, cp)

	if peer.waker != nil {
		peer.waker.Wake()
	}
	if peer.hasMbox {
		peer.mbox.Post(handle.EventChannelReadable)
	}
	return nil
}

// Recv reads the oldest message sent by the peer into dst, returning the
// number of bytes written. If dst is too small the message is not
// consumed and ErrBufferTooSmall is returned.
func (e *Endpoint) Recv(dst []byte) (int, error) {
	e.shared.mu.Lock()
	defer e.shared.mu.Unlock()

	peer := e.peer()
	if len(peer.queue) == 0 {
		if peer.closed {
			return 0, ErrPeerClosed
		}
		return 0, ErrQueueEmpty
	}
	msg := peer.queue[0]
	if len(msg) > len(dst) {
		return 0, ErrBufferTooSmall
	}
	wasFull := len(peer.queue) >= peer.capacity
	peer.queue = peer.queue[1:]
	n := copy(dst, msg)

	if wasFull {
		// The sender (peer, whose queue we just drained a slot from) may
		// be blocked on QueueFull; wake them and tell their mailbox they
		// can send again.
		if peer.waker != nil {
			peer.waker.Wake()
		}
		if peer.hasMbox {
			peer.mbox.Post(handle.EventChannelWritable)
		}
	}
	return n, nil
}

// PollEvents returns the OR of READABLE (peer has a message for us),
// WRITABLE (our queue has room), and CLOSED (peer is closed).
func (e *Endpoint) PollEvents() uint32 {
	e.shared.mu.Lock()
	defer e.shared.mu.Unlock()
	var flags uint32
	peer := e.peer()
	ours := e.ours()
	if len(peer.queue) > 0 {
		flags |= handle.EventChannelReadable
	}
	if len(ours.queue) < ours.capacity {
		flags |= handle.EventChannelWritable
	}
	if peer.closed {
		flags |= handle.EventChannelClosed
	}
	return flags
}

// HandleType, SupportedEvents, and Waker let *Endpoint satisfy
// handle.Resource directly, so a channel endpoint can be installed into a
// process's handle table without a wrapper type.
func (e *Endpoint) HandleType() handle.Type { return handle.TypeChannel }

func (e *Endpoint) SupportedEvents() uint32 {
	return handle.EventChannelReadable | handle.EventChannelWritable | handle.EventChannelClosed
}

func (e *Endpoint) Waker() handle.Waker {
	e.shared.mu.Lock()
	defer e.shared.mu.Unlock()
	return e.ours().waker
}

// Close marks this endpoint's half closed and wakes/notifies the peer.
// Idempotent.
func (e *Endpoint) Close() {
	e.shared.mu.Lock()
	defer e.shared.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	ours := e.ours()
	ours.closed = true
	peer := e.peer()
	if peer.waker != nil {
		peer.waker.Wake()
	}
	if peer.hasMbox {
		peer.mbox.Post(handle.EventChannelClosed)
	}
}
