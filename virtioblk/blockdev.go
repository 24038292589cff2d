package virtioblk

import (
	"kestrel/ekind"
	"kestrel/sched"
)

type rwPhase uint8

const (
	phaseDirect rwPhase = iota
	phaseReadback
	phaseWriteback
)

// Request drives one byte-range read or write against Device, handling
// sector alignment the way a process never has to think about: a request
// that already starts and ends on a sector boundary goes straight to the
// device, and anything else reads the covering sectors first so the
// unaligned head/tail can be preserved (a read-modify-write, for a
// write). It implements sched.KernelTask the same way its underlying
// Future does, driving one or two Futures in sequence.
type Request struct {
	dev    *Device
	entity sched.Entity
	waker  *sched.Waker

	offset  uint64
	buf     []byte
	isWrite bool

	phase       rwPhase
	inner       *Future
	sectorBuf   []byte
	offInSector int
	xferLen     int

	n    int
	err  error
	done bool
}

// NewReadRequest starts a byte-range read of len(buf) bytes at offset.
func NewReadRequest(dev *Device, entity sched.Entity, waker *sched.Waker, offset uint64, buf []byte) *Request {
	return &Request{dev: dev, entity: entity, waker: waker, offset: offset, buf: buf, isWrite: false}
}

// NewWriteRequest starts a byte-range write of buf at offset.
func NewWriteRequest(dev *Device, entity sched.Entity, waker *sched.Waker, offset uint64, buf []byte) *Request {
	return &Request{dev: dev, entity: entity, waker: waker, offset: offset, buf: buf, isWrite: true}
}

// Result returns the transferred byte count and any error, valid once
// Poll has returned sched.Completed.
func (r *Request) Result() (int, error) { return r.n, r.err }

// Cancel abandons the request, forwarding to whichever inner Future is
// currently in flight. See Future.Cancel for the caller's obligations.
func (r *Request) Cancel() {
	if r.inner != nil {
		r.inner.Cancel()
	}
}

func ceilDiv(a, b uint64) uint64 { return (a + b - 1) / b }

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// Poll implements sched.KernelTask.
func (r *Request) Poll() sched.PollResult {
	if r.done {
		return sched.Completed
	}

	if r.inner == nil {
		if len(r.buf) == 0 {
			r.done = true
			return sched.Completed
		}

		total := r.dev.SizeBytes()
		if r.offset >= total {
			if r.isWrite {
				r.err = ekind.New(ekind.InvalidOffset)
			}
			r.done = true
			return sched.Completed
		}

		sectorSize := uint64(r.dev.SectorSize())
		available := total - r.offset
		xfer := int(min64(uint64(len(r.buf)), available))
		startSector := r.offset / sectorSize
		offInSector := int(r.offset % sectorSize)
		endSector := ceilDiv(r.offset+uint64(xfer), sectorSize)
		numSectors := endSector - startSector

		r.xferLen = xfer
		r.offInSector = offInSector

		aligned := offInSector == 0 && uint64(xfer)%sectorSize == 0
		switch {
		case aligned && !r.isWrite:
			r.phase = phaseDirect
			r.inner = NewRead(r.dev, r.entity, r.waker, startSector, r.buf[:xfer])
		case aligned && r.isWrite:
			r.phase = phaseDirect
			r.inner = NewWrite(r.dev, r.entity, r.waker, startSector, r.buf[:xfer])
		default:
			r.sectorBuf = make([]byte, numSectors*sectorSize)
			r.phase = phaseReadback
			r.inner = NewRead(r.dev, r.entity, r.waker, startSector, r.sectorBuf)
		}
	}

	result := r.inner.Poll()
	if result == sched.Pending {
		return sched.Pending
	}

	n, err := r.inner.Result()
	if err != nil {
		r.err = err
		r.done = true
		return sched.Completed
	}

	switch r.phase {
	case phaseDirect:
		r.n = n
		r.done = true
		return sched.Completed

	case phaseReadback:
		if !r.isWrite {
			copy(r.buf[:r.xferLen], r.sectorBuf[r.offInSector:r.offInSector+r.xferLen])
			r.n = r.xferLen
			r.done = true
			return sched.Completed
		}
		// Read-modify-write: splice the caller's bytes into the
		// sector-aligned staging buffer and write it back.
		copy(r.sectorBuf[r.offInSector:r.offInSector+r.xferLen], r.buf[:r.xferLen])
		startSector := r.offset / uint64(r.dev.SectorSize())
		r.phase = phaseWriteback
		r.inner = NewWrite(r.dev, r.entity, r.waker, startSector, r.sectorBuf)
		return r.Poll()

	default: // phaseWriteback
		r.n = r.xferLen
		r.done = true
		return sched.Completed
	}
}
