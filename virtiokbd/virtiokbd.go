// Package virtiokbd implements a virtio-input keyboard resource: a small
// ring buffer of key events fed by the device's interrupt handler and
// drained by a process through the ordinary handle/mailbox path, the same
// way any other resource reports readiness.
package virtiokbd

import (
	"kestrel/handle"
	"kestrel/mailbox"
	"kestrel/sched"
)

// ringCapacity bounds how many key events can be buffered before the
// oldest is dropped; a keyboard that nobody is draining should not grow
// without bound.
const ringCapacity = 64

// evKey is the Linux input-event-codes EV_KEY type; virtio-input devices
// report key, relative, absolute and sync events on the same queue, and
// only EV_KEY is meaningful here.
const evKey uint16 = 0x01

// InputEvent mirrors the wire shape of a virtio-input event: type, code
// (scancode), value (1 = pressed, 0 = released, 2 = autorepeat).
type InputEvent struct {
	Type  uint16
	Code  uint16
	Value int32
}

// ringBuffer is a fixed-capacity FIFO of InputEvents. Pushing past
// capacity drops the oldest entry rather than blocking the caller, since
// the caller is an interrupt handler that cannot stall.
type ringBuffer struct {
	buf   [ringCapacity]InputEvent
	head  int
	count int
}

func (r *ringBuffer) push(e InputEvent) {
	idx := (r.head + r.count) % ringCapacity
	if r.count == ringCapacity {
		r.head = (r.head + 1) % ringCapacity
	} else {
		r.count++
	}
	r.buf[idx] = e
}

func (r *ringBuffer) pop() (InputEvent, bool) {
	if r.count == 0 {
		return InputEvent{}, false
	}
	e := r.buf[r.head]
	r.head = (r.head + 1) % ringCapacity
	r.count--
	return e, true
}

func (r *ringBuffer) isEmpty() bool { return r.count == 0 }

// Source is whatever transport hands raw input events off the device (a
// virtqueue in practice). Drain returns everything currently available in
// the used ring; AckInterrupt acknowledges the device's interrupt line.
type Source interface {
	Drain() []InputEvent
	AckInterrupt()
}

// Keyboard buffers EV_KEY events from Source and satisfies
// handle.Keyboard so a process can poll, or mailbox-wait, for new key
// events the same way it waits on any other resource.
type Keyboard struct {
	source Source
	buf    ringBuffer
	waker  *sched.Waker
	mbox   mailbox.Ref
}

// New wraps source as a keyboard resource. waker is woken whenever Poll
// finds the buffer non-empty; it may be nil if nothing is blocked on
// this keyboard yet.
func New(source Source, waker *sched.Waker) *Keyboard {
	return &Keyboard{source: source, waker: waker}
}

// BindMailbox attaches the mailbox reference Poll should post
// handle.EventKeyboardKey to. Called once, after the keyboard has been
// inserted into a process's handle table.
func (k *Keyboard) BindMailbox(mbox mailbox.Ref) { k.mbox = mbox }

// Poll is the interrupt handler's entry point: drains the device's event
// queue, keeps only EV_KEY entries, acks the interrupt, and wakes
// whoever is waiting (and posts to the attached mailbox) if the buffer
// holds anything afterward.
func (k *Keyboard) Poll() {
	events := k.source.Drain()
	k.source.AckInterrupt()

	for _, e := range events {
		if e.Type != evKey {
			continue
		}
		k.buf.push(e)
	}

	if !k.buf.isEmpty() {
		if k.waker != nil {
			k.waker.Wake()
		}
		k.mbox.Post(handle.EventKeyboardKey)
	}
}

// PopKey drains the oldest buffered key event, translating it into a
// (scancode, pressed) pair. pressed is false for a release (value 0);
// autorepeat (value 2) counts as pressed.
func (k *Keyboard) PopKey() (code uint32, pressed bool, ok bool) {
	e, has := k.buf.pop()
	if !has {
		return 0, false, false
	}
	return uint32(e.Code), e.Value != 0, true
}

// HasEvents reports whether at least one key event is currently
// buffered.
func (k *Keyboard) HasEvents() bool { return !k.buf.isEmpty() }

func (k *Keyboard) HandleType() handle.Type { return handle.TypeKeyboard }

func (k *Keyboard) PollEvents() uint32 {
	if k.buf.isEmpty() {
		return 0
	}
	return handle.EventKeyboardKey
}

func (k *Keyboard) SupportedEvents() uint32 { return handle.EventKeyboardKey }

func (k *Keyboard) Waker() handle.Waker {
	if k.waker == nil {
		return nil
	}
	return k.waker
}
