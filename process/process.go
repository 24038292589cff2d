// Package process implements the Process data model and ELF-exec creation
// path: ELF segment loading, heap/stack mapping, and process exit.
package process

import (
	"sync"
	"sync/atomic"

	"kestrel/ekind"
	"kestrel/elf"
	"kestrel/handle"
	"kestrel/mailbox"
	"kestrel/mem"
	"kestrel/paging"
	"kestrel/sched"
	"kestrel/sharedbuf"
)

const (
	StackBase     paging.Vaddr = 0x0000_7000_0000_0000
	StackMaxSize  uint64       = 8 << 20 // 8 MiB
	HeapBase      paging.Vaddr = 0x0000_1000_0000_0000
	HeapMaxSize   uint64       = 1 << 30 // 1 GiB
	BufferBase    paging.Vaddr = 0x0000_2000_0000_0000
	BufferMaxSize uint64       = 1 << 34 // 16 GiB of vaddr space for buffers
)

var nextPid uint64 = 0

func allocPID() uint64 { return atomic.AddUint64(&nextPid, 1) }

// SavedState is a full register snapshot sufficient to resume a process
// via iretq after preemption.
type SavedState struct {
	RIP, RSP, RFLAGS                     uint64
	RAX, RBX, RCX, RDX, RSI, RDI, RBP    uint64
	R8, R9, R10, R11, R12, R13, R14, R15 uint64
}

// CalleeSavedRegs is the subset of SavedState a deferred (async) syscall
// resume must restore before sysretq.
type CalleeSavedRegs struct {
	RBX, RBP, R12, R13, R14, R15 uint64
}

// PendingSyscall holds a boxed async syscall future plus the callee-saved
// registers captured at block time, so the syscall trampoline can resume
// the process without the usual pop epilogue.
type PendingSyscall struct {
	Future  Future
	Callee  CalleeSavedRegs
}

// Future is the minimal poll-based future interface async syscall
// handlers return.
type Future interface {
	Poll() (result any, ready bool)
}

// Info is the process's externally-observable identity: it outlives the
// Process itself until every handle referencing it has dropped.
type Info struct {
	mu       sync.Mutex
	PID      uint64
	exited   bool
	exitCode int32
	waiters  []*sched.Waker
}

// SetExitCode records the process's exit code and wakes anyone waiting on
// PROCESS_EXITED.
func (i *Info) SetExitCode(code int32) {
	i.mu.Lock()
	i.exited = true
	i.exitCode = code
	waiters := i.waiters
	i.waiters = nil
	i.mu.Unlock()
	for _, w := range waiters {
		w.Wake()
	}
}

// ExitCode returns (code, true) once the process has exited.
func (i *Info) ExitCode() (int32, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.exitCode, i.exited
}

// WatchExit registers w to be woken when the process exits.
func (i *Info) WatchExit(w *sched.Waker) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.exited {
		i.mu.Unlock()
		w.Wake()
		i.mu.Lock()
		return
	}
	i.waiters = append(i.waiters, w)
}

// Process is one userspace process: identity, execution state, handles,
// memory mappings, and any pending async syscall.
type Process struct {
	Info *Info

	AS      *paging.AddressSpace
	Handles *handle.Table

	Mappings []*paging.Mapping // ELF PT_LOAD segments
	Stack    *paging.Mapping
	Heap     *paging.Mapping
	Brk      paging.Vaddr

	BufferRanges *sharedbuf.FreeRanges

	SavedState     *SavedState
	YieldCallee    *CalleeSavedRegs
	PendingSyscall *PendingSyscall

	ExitCode int32
}

// ExecELF validates and loads data as an ELF64 executable, installs the
// default handle table, heap, and stack, and returns a runnable Process.
func ExecELF(as *paging.AddressSpace, alloc *mem.Allocator, phys paging.PhysMem, data []byte) (*Process, error) {
	f, err := elf.Parse(data)
	if err != nil {
		return nil, err
	}

	p := &Process{
		Info:         &Info{PID: allocPID()},
		AS:           as,
		Handles:      handle.NewTable(),
		BufferRanges: sharedbuf.NewFreeRanges(BufferBase, BufferMaxSize/mem.PageSize),
	}

	var lastEnd paging.Vaddr
	lastExec := false
	for _, seg := range f.Segments {
		if err := elf.ValidateSegment(seg, uint64(paging.UserAddrMax), uint64(len(data))); err != nil {
			return nil, err
		}

		inPageOff := seg.Vaddr & 0xfff
		alignedVaddr := paging.Vaddr(seg.Vaddr - inPageOff)
		alignedSize := mem.AlignUp(mem.Pa(seg.MemSize + inPageOff))

		perm := paging.Perm{User: true, Writable: seg.Writable(), Exec: seg.Executable()}

		if alignedVaddr < lastEnd {
			// Overlap with the previous segment's pages: do not remap;
			// upgrade permissions in place if this segment needs W and
			// the prior pages were X (W^X: prefer W over X).
			if seg.Writable() && lastExec {
				as.UpdatePermissions(alignedVaddr, uint64(alignedSize), paging.Perm{User: true, Writable: true, Exec: false})
			}
		} else {
			npages := uint64(alignedSize) / mem.PageSize
			m, err := paging.NewFramesMapping(as, alloc, alignedVaddr, npages, perm)
			if err != nil {
				return nil, err
			}
			if err := copyFileIntoMapping(phys, m, data, int(inPageOff), int(seg.Offset), int(seg.FileSize)); err != nil {
				return nil, err
			}
			p.Mappings = append(p.Mappings, m)
		}

		end := alignedVaddr + paging.Vaddr(alignedSize)
		if end > lastEnd {
			lastEnd = end
			lastExec = seg.Executable()
		}
	}

	p.Heap = paging.NewDemandPagedMapping(as, HeapBase, 0, paging.Perm{User: true, Writable: true})
	p.Brk = HeapBase
	p.Stack = paging.NewDemandPagedMapping(as, StackBase, StackMaxSize, paging.Perm{User: true, Writable: true})

	mbox := mailbox.New()
	p.Handles.InsertAt(handle.Make(handle.TypeMailbox, handle.HandleMailbox), mailboxResource{mbox})

	return p, nil
}

// mailboxResource adapts *mailbox.Mailbox to handle.Resource so it can be
// installed directly as HANDLE_MAILBOX.
type mailboxResource struct{ *mailbox.Mailbox }

func (mailboxResource) HandleType() handle.Type   { return handle.TypeMailbox }
func (mailboxResource) PollEvents() uint32        { return 0 }
func (mailboxResource) SupportedEvents() uint32   { return 0 }
func (mailboxResource) Waker() handle.Waker       { return nil }

// copyFileIntoMapping copies fileSize bytes from file[fileOff:] into the
// mapping's frames, starting inPageOff bytes into the first frame, via the
// physical window.
func copyFileIntoMapping(phys paging.PhysMem, m *paging.Mapping, file []byte, inPageOff, fileOff, fileSize int) error {
	if fileOff+fileSize > len(file) {
		return ekind.New(ekind.InvalidArgument)
	}
	remaining := fileSize
	srcOff := fileOff
	dstOff := inPageOff
	for pageNum := uint64(0); remaining > 0; pageNum++ {
		n := mem.PageSize - dstOff
		if n > remaining {
			n = remaining
		}
		pa := m.FrameAt(pageNum)
		frame := phys.ReadFrame(pa)
		copy(frame[dstOff:dstOff+n], file[srcOff:srcOff+n])
		phys.WriteFrame(pa, frame)

		remaining -= n
		srcOff += n
		dstOff = 0
	}
	return nil
}

// SetBrk validates newBrk against [HeapBase, HeapBase+HeapMaxSize] and
// resizes the heap mapping; shrinking frees pages above the new brk.
func (p *Process) SetBrk(alloc *mem.Allocator, newBrk paging.Vaddr) error {
	if newBrk < HeapBase || uint64(newBrk-HeapBase) > HeapMaxSize {
		return ekind.New(ekind.InvalidArgument)
	}
	if err := p.Heap.Resize(alloc, uint64(newBrk-HeapBase)); err != nil {
		return err
	}
	p.Brk = newBrk
	return nil
}

// Exit records code on the shared Info; the scheduler is responsible for
// later removing the Process itself.
func (p *Process) Exit(code int32) {
	p.ExitCode = code
	p.Info.SetExitCode(code)
}
