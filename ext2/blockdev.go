package ext2

import (
	"kestrel/sched"
	"kestrel/virtioblk"
)

// deviceAdapter presents a virtioblk.Device as a synchronous whole-block
// BlockDevice by pumping each Request's Poll to completion in a tight
// loop. This is sound on a uniprocessor cooperative kernel: the device
// interrupt handler completes the request from under the spin, the
// same way a blocking syscall spins with interrupts enabled waiting
// for an I/O completion that fires out of band. Ext2's own allocation
// lock already serializes mutating calls to one in flight at a time,
// so there is nothing to gain from exposing a pollable state machine
// at this layer too.
type deviceAdapter struct {
	dev    *virtioblk.Device
	entity sched.Entity
	waker  *sched.Waker
	bs     uint32
}

// NewBlockDevice adapts dev to ext2's synchronous BlockDevice
// interface. bs is the ext2 block size in bytes, a multiple of the
// device's sector size.
func NewBlockDevice(dev *virtioblk.Device, entity sched.Entity, waker *sched.Waker, bs uint32) BlockDevice {
	return &deviceAdapter{dev: dev, entity: entity, waker: waker, bs: bs}
}

func (a *deviceAdapter) BlockSize() uint32 { return a.bs }

func (a *deviceAdapter) ReadBlock(block uint32, buf []byte) error {
	req := virtioblk.NewReadRequest(a.dev, a.entity, a.waker, uint64(block)*uint64(a.bs), buf)
	return pump(req)
}

func (a *deviceAdapter) WriteBlock(block uint32, buf []byte) error {
	req := virtioblk.NewWriteRequest(a.dev, a.entity, a.waker, uint64(block)*uint64(a.bs), buf)
	return pump(req)
}

// pumpable is satisfied by virtioblk.Request: poll until complete, then
// read the outcome.
type pumpable interface {
	Poll() sched.PollResult
	Result() (int, error)
}

// pump drives req to completion, relying on the device's own interrupt
// handler (ProcessCompletions) to advance it between polls. A kernel
// build routes virtqueue used-ring interrupts to that handler; outside
// one (tests, the hosted simulator) the caller's fake device completes
// requests synchronously and a single Poll suffices.
func pump(req pumpable) error {
	for {
		if req.Poll() == sched.Completed {
			_, err := req.Result()
			if err != nil {
				return err
			}
			return nil
		}
	}
}
