// Package hostsim is a host-side test harness: it runs the virtioblk
// package (polled with sched's wakers) against a real file-backed disk
// image instead of the in-memory fakes that package's own tests use; vfs
// and ext2 are not exercised here. This lets CI
// exercise a closer approximation of "real device, real bytes on disk"
// without booting actual hardware. It is never linked into the kernel
// image; it exists purely under `go test`.
//
// Grounded on gvisor's sentry packages, which back their virtual device
// tests with golang.org/x/sys/unix host syscalls (Pread/Pwrite/Mmap)
// rather than pure Go buffers, and which lean on golang.org/x/sync/errgroup
// to fan out concurrent goroutines against shared device state.
package hostsim

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"kestrel/virtioblk"
)

// LoopbackDisk is a fixed-size disk image backed by a real file, mapped
// into this process's address space with unix.Mmap so reads and writes
// touch host page cache exactly the way a real virtio-blk device's DMA
// target would.
type LoopbackDisk struct {
	f    *os.File
	data []byte // mmap'd view of f, length bytes
}

// NewLoopbackDisk creates (or truncates) path to the given size and maps
// it. Callers must call Close when done to unmap and close the file.
func NewLoopbackDisk(path string, size int64) (*LoopbackDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("hostsim: opening loopback file: %w", err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, fmt.Errorf("hostsim: truncating loopback file: %w", err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("hostsim: mmap: %w", err)
	}
	return &LoopbackDisk{f: f, data: data}, nil
}

// Close unmaps and closes the backing file.
func (d *LoopbackDisk) Close() error {
	err := unix.Munmap(d.data)
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadAt copies the disk's bytes starting at off into buf via the mmap'd
// view, matching the uncached-DMA-into-a-buffer shape virtioblk expects.
func (d *LoopbackDisk) ReadAt(off int64, buf []byte) {
	copy(buf, d.data[off:off+int64(len(buf))])
}

// WriteAt copies buf into the disk's mmap'd view at off, then flushes it
// to the backing file with Pwrite so the change is durable even though the
// mapping is MAP_SHARED (belt and suspenders: MAP_SHARED writes are
// already visible to Pread, but an explicit Pwrite also exercises the
// syscall path gvisor's own harness favors for host-file device backing).
func (d *LoopbackDisk) WriteAt(off int64, buf []byte) error {
	copy(d.data[off:off+int64(len(buf))], buf)
	_, err := unix.Pwrite(int(d.f.Fd()), buf, off)
	return err
}

// Size returns the mapped disk's length in bytes.
func (d *LoopbackDisk) Size() int64 { return int64(len(d.data)) }

// Virtqueue is a virtioblk.Virtqueue backed by a LoopbackDisk: every
// Submit moves its bytes synchronously against host memory, so PeekUsed
// always reports the oldest submitted token not yet retired by Complete.
// SetMaxInFlight artificially throttles how many tokens may be outstanding
// (used to exercise the queue-full/backpressure path the way a slow real
// device would).
type Virtqueue struct {
	mu sync.Mutex

	disk       *LoopbackDisk
	sectorSize uint64

	maxInFlight int
	nextToken   virtioblk.Token
	inflight    map[virtioblk.Token]pendingOp
	ready       []virtioblk.Token
}

type pendingOp struct {
	sector  uint64
	isWrite bool
}

// NewVirtqueue wraps disk as a virtio-blk request queue using the given
// logical sector size. There is no hard cap on in-flight requests until
// SetMaxInFlight is called.
func NewVirtqueue(disk *LoopbackDisk, sectorSize uint64) *Virtqueue {
	return &Virtqueue{
		disk:        disk,
		sectorSize:  sectorSize,
		maxInFlight: 1 << 30,
		inflight:    make(map[virtioblk.Token]pendingOp),
	}
}

// SetMaxInFlight bounds how many descriptor chains may be outstanding at
// once, simulating a shallow ring so concurrent submitters contend for
// queue slots the way the cancellation scenario this package's tests
// exercise requires.
func (q *Virtqueue) SetMaxInFlight(n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxInFlight = n
}

// Submit implements virtioblk.Virtqueue.
func (q *Virtqueue) Submit(sector uint64, buf []byte, isWrite bool) (virtioblk.Token, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inflight) >= q.maxInFlight {
		return 0, virtioblk.ErrQueueFull
	}
	tok := q.nextToken
	q.nextToken++
	q.inflight[tok] = pendingOp{sector: sector, isWrite: isWrite}

	off := int64(sector * q.sectorSize)
	if isWrite {
		if err := q.disk.WriteAt(off, buf); err != nil {
			delete(q.inflight, tok)
			return 0, fmt.Errorf("hostsim: write: %w", err)
		}
	} else {
		q.disk.ReadAt(off, buf)
	}
	q.ready = append(q.ready, tok)
	return tok, nil
}

// PeekUsed implements virtioblk.Virtqueue.
func (q *Virtqueue) PeekUsed() (virtioblk.Token, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ready) == 0 {
		return 0, false
	}
	return q.ready[0], true
}

// Complete implements virtioblk.Virtqueue. buf is ignored: ReadAt/WriteAt
// already moved the bytes synchronously during Submit.
func (q *Virtqueue) Complete(tok virtioblk.Token, buf []byte, isWrite bool) (uint8, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[tok]; !ok {
		return 0, errors.New("hostsim: unknown token")
	}
	delete(q.inflight, tok)
	for i, t := range q.ready {
		if t == tok {
			q.ready = append(q.ready[:i], q.ready[i+1:]...)
			break
		}
	}
	return 0, nil // blkStatusOK
}

// AckInterrupt implements virtioblk.Virtqueue; there is no real interrupt
// line here, so this is a no-op.
func (q *Virtqueue) AckInterrupt() {}
