package virtioblk

import (
	"errors"
	"sync"

	"kestrel/klog"
	"kestrel/sched"
)

// Token names one in-flight descriptor chain. It is only meaningful
// relative to the Virtqueue that issued it.
type Token uint16

// ErrQueueFull is returned by Virtqueue.Submit when no descriptors are
// free; the caller's Future parks itself until the next completion frees
// one.
var ErrQueueFull = errors.New("virtioblk: queue full")

// ErrIO reports a device-side failure (a non-OK request status byte, or a
// transport error surfaced during Complete).
var ErrIO = errors.New("virtioblk: device reported an error")

type op uint8

const (
	opRead op = iota
	opWrite
)

// pendingRequest is a request already submitted to the virtqueue, keyed
// by its token until the used ring reports it done.
type pendingRequest struct {
	op     op
	buf    []byte // DMA buffer: read destination staging or write source
	waiter *sched.Waker
}

// cancelledRequest is a submitted request whose Future was abandoned
// (Cancel called) before completion. The DMA buffer must stay reachable
// by token until the device actually finishes with it, so
// ProcessCompletions can still retire it cleanly instead of the buffer
// being reclaimed out from under in-flight DMA.
type cancelledRequest struct {
	op  op
	buf []byte
}

// Device is a virtio-blk device's async I/O state: the request virtqueue
// plus the token -> waiter bookkeeping a completion interrupt consults.
// All mutable state is guarded by mu.
type Device struct {
	mu sync.Mutex

	vq              Virtqueue
	capacitySectors uint64
	sectorSize      uint32

	pending   map[Token]*pendingRequest
	cancelled map[Token]*cancelledRequest
	completed map[Token]bool

	// queueFullWaiters holds the wakers of Futures that tried to submit
	// while the ring was full; a completion drains and wakes all of
	// them so each can retry submission from scratch.
	queueFullWaiters []*sched.Waker
}

// New wraps vq as a block device of the given capacity. sectorSz is
// whatever VIRTIO_BLK_F_BLK_SIZE negotiation (or the 512-byte default)
// settled on.
func New(vq Virtqueue, capacitySectors uint64, sectorSz uint32) *Device {
	return &Device{
		vq:              vq,
		capacitySectors: capacitySectors,
		sectorSize:      sectorSz,
		pending:         make(map[Token]*pendingRequest),
		cancelled:       make(map[Token]*cancelledRequest),
		completed:       make(map[Token]bool),
	}
}

// SectorSize returns the device's logical block size in bytes.
func (d *Device) SectorSize() uint32 { return d.sectorSize }

// SizeBytes returns the device's total addressable size.
func (d *Device) SizeBytes() uint64 { return d.capacitySectors * uint64(d.sectorSize) }

// submit tries to hand a request straight to the virtqueue, registering
// waiter against the result so a later completion or full-queue drain
// can wake the calling Future. ok is false only on ErrQueueFull; any
// other submission error is logged and reported as if queue-full, since
// a virtio-blk device has no way to reject a well-formed request outside
// a full ring.
func (d *Device) submit(sector uint64, o op, buf []byte, waiter *sched.Waker) (tok Token, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	t, err := d.vq.Submit(sector, buf, o == opWrite)
	if err != nil {
		if !errors.Is(err, ErrQueueFull) {
			klog.Logf(klog.Error, "virtioblk: submit failed: %v", err)
		}
		d.queueFullWaiters = append(d.queueFullWaiters, waiter)
		return 0, false
	}

	if done, ready := d.vq.PeekUsed(); ready && done == t {
		d.completed[t] = true
		return t, true
	}
	d.pending[t] = &pendingRequest{op: o, buf: buf, waiter: waiter}
	return t, true
}

// checkCompleted reports whether token has a completion ready, consuming
// the flag if so.
func (d *Device) checkCompleted(tok Token) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.completed[tok] {
		delete(d.completed, tok)
		return true
	}
	return false
}

// finish retires token's request against the virtqueue, copying device
// output into buf for a read.
func (d *Device) finish(tok Token, o op, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, tok)
	status, err := d.vq.Complete(tok, buf, o == opWrite)
	if err != nil || status != blkStatusOK {
		return ErrIO
	}
	return nil
}

// registerCancelled moves a submitted-but-abandoned request's DMA buffer
// into the cancelled set.
func (d *Device) registerCancelled(tok Token, o op, buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, tok)
	delete(d.completed, tok)
	d.cancelled[tok] = &cancelledRequest{op: o, buf: buf}
}

// ProcessCompletions walks the used ring: cancelled requests at its head
// are retired, and the first token whose Future is still pending is marked
// completed and its waiter woken; used entries behind that one are left
// for a later call, after that Future has finished. It then wakes every
// Future that was waiting on ring space so it can retry submission.
// Called from the block device's
// interrupt handler; also safe to call as a non-blocking poll.
func (d *Device) ProcessCompletions() {
	d.mu.Lock()
	d.vq.AckInterrupt()

	var toWake []*sched.Waker
	for {
		tok, ok := d.vq.PeekUsed()
		if !ok {
			break
		}

		if pr, ok := d.pending[tok]; ok {
			d.completed[tok] = true
			if pr.waiter != nil {
				toWake = append(toWake, pr.waiter)
			}
			break
		}

		if cr, ok := d.cancelled[tok]; ok {
			delete(d.cancelled, tok)
			status, err := d.vq.Complete(tok, cr.buf, cr.op == opWrite)
			if err != nil || status != blkStatusOK {
				klog.Logf(klog.Warn, "virtioblk: cancelled request completed with error")
			}
			continue
		}

		// Retired already by a synchronous finish() racing this drain.
		break
	}

	full := d.queueFullWaiters
	d.queueFullWaiters = nil
	toWake = append(toWake, full...)
	d.mu.Unlock()

	for _, w := range toWake {
		w.Wake()
	}
}
