package virtioblk

import "kestrel/sched"

type ioState uint8

const (
	stateNotSubmitted ioState = iota
	stateSubmitted
	stateCompleted
)

// Future drives one sector-aligned async read or write to completion
// across repeated Poll calls, implementing sched.KernelTask. The caller
// owns the scheduler bookkeeping: it picks an id, calls
// scheduler.AddKernelTask(id, future, rtc), and passes the matching
// Entity and a *sched.Waker bound to it.
type Future struct {
	dev    *Device
	entity sched.Entity
	waker  *sched.Waker

	sector uint64
	op     op
	dma    []byte // request-owned buffer; copied to/from dst at the edges
	dst    []byte // read destination (nil for writes)

	state ioState
	token Token

	n   int
	err error
}

// NewRead starts an async read of len(dst) bytes starting at sector.
func NewRead(dev *Device, entity sched.Entity, waker *sched.Waker, sector uint64, dst []byte) *Future {
	return &Future{dev: dev, entity: entity, waker: waker, sector: sector, op: opRead, dma: make([]byte, len(dst)), dst: dst}
}

// NewWrite starts an async write of src to sector. src is copied into a
// request-owned buffer immediately, so the caller's slice may be reused
// as soon as NewWrite returns.
func NewWrite(dev *Device, entity sched.Entity, waker *sched.Waker, sector uint64, src []byte) *Future {
	dma := make([]byte, len(src))
	copy(dma, src)
	return &Future{dev: dev, entity: entity, waker: waker, sector: sector, op: opWrite, dma: dma}
}

// Poll advances the request one step.
func (f *Future) Poll() sched.PollResult {
	switch f.state {
	case stateNotSubmitted:
		tok, ok := f.dev.submit(f.sector, f.op, f.dma, f.waker)
		if !ok {
			f.waker.Register(f.entity)
			return sched.Pending
		}
		f.token = tok
		if f.dev.checkCompleted(tok) {
			f.state = stateCompleted
			return f.Poll()
		}
		f.state = stateSubmitted
		f.waker.Register(f.entity)
		return sched.Pending

	case stateSubmitted:
		if f.dev.checkCompleted(f.token) {
			f.state = stateCompleted
			return f.Poll()
		}
		f.waker.Register(f.entity)
		return sched.Pending

	default: // stateCompleted
		if err := f.dev.finish(f.token, f.op, f.dma); err != nil {
			f.err = err
			return sched.Completed
		}
		if f.op == opRead && f.dst != nil {
			copy(f.dst, f.dma)
		}
		f.n = len(f.dma)
		return sched.Completed
	}
}

// Result returns the transferred byte count and any device error; valid
// once Poll has returned sched.Completed.
func (f *Future) Result() (int, error) { return f.n, f.err }

// Cancel abandons the request. Go has no destructor to hook this
// automatically, so whatever gives up on a blocked Future (a killed
// process, a cancelled call) must call Cancel explicitly before
// discarding it. A request already handed to the device has its DMA
// buffer moved into the device's cancelled set so the eventual
// completion can still retire it; a request still waiting on ring space
// is simply dropped.
func (f *Future) Cancel() {
	if f.state == stateSubmitted {
		f.dev.registerCancelled(f.token, f.op, f.dma)
	}
}
