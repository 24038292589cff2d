package scall

import (
	"kestrel/ekind"
	"kestrel/handle"
	"kestrel/ipc"
	"kestrel/mailbox"
	"kestrel/sharedbuf"
)

// Args is the fixed four-word argument vector every send() carries,
// mirroring the general-purpose registers the trampoline hands off.
type Args struct {
	H          handle.ID
	A0, A1, A2 uint64
	Out        UserPtr
}

// Context is everything a single syscall dispatch needs: the calling
// process's handle table and buffer vaddr allocator, plus the UserAccess
// token already open for the duration of the call.
type Context struct {
	Handles *handle.Table
	Buffers *sharedbuf.FreeRanges
	Access  UserAccess
}

// mailboxer is the subset of *mailbox.Mailbox a handle.Resource wrapping
// one must expose for mailbox.wait/mailbox.poll to work generically.
type mailboxer interface {
	Wait() (mailbox.Event, bool)
	HasPending() bool
}

// Dispatch resolves op against the resource named by args.H and runs it.
// It is the single entry every send(handle, op, a0, a1, a2, out) syscall
// goes through.
func Dispatch(ctx *Context, op Op, args Args) Result {
	switch op {
	case OpChannelSend:
		return dispatchChannelSend(ctx, args)
	case OpChannelRecv:
		return dispatchChannelRecv(ctx, args)
	case OpChannelClose:
		return dispatchClose(ctx, args)

	case OpBufferResize:
		return dispatchBufferResize(ctx, args)
	case OpBufferMap:
		return dispatchBufferMap(ctx, args)

	case OpMailboxWait:
		return dispatchMailboxWait(ctx, args)
	case OpMailboxPoll:
		return dispatchMailboxPoll(ctx, args)

	case OpFileRead:
		return dispatchFileRead(ctx, args)
	case OpFileWrite:
		return dispatchFileWrite(ctx, args)
	case OpFileClose:
		return dispatchClose(ctx, args)

	case OpDirectoryRead:
		return dispatchDirectoryRead(ctx, args)

	default:
		return Err(ekind.New(ekind.NotSupported))
	}
}

func resourceOf(ctx *Context, h handle.ID) (handle.Resource, error) {
	r, ok := ctx.Handles.Get(h)
	if !ok {
		return nil, ekind.New(ekind.NotFound)
	}
	return r, nil
}

func dispatchChannelSend(ctx *Context, args Args) Result {
	r, err := resourceOf(ctx, args.H)
	if err != nil {
		return Err(err)
	}
	ep, ok := r.(*ipc.Endpoint)
	if !ok {
		return Err(ekind.New(ekind.NotSupported))
	}
	data, err := ctx.Access.Read(UserSlice{Addr: args.Out.Addr, Len: args.A0})
	if err != nil {
		return Err(err)
	}
	if err := ep.Send(data); err != nil {
		return Err(translateChannelErr(err))
	}
	return Ok()
}

func dispatchChannelRecv(ctx *Context, args Args) Result {
	r, err := resourceOf(ctx, args.H)
	if err != nil {
		return Err(err)
	}
	ep, ok := r.(*ipc.Endpoint)
	if !ok {
		return Err(ekind.New(ekind.NotSupported))
	}
	buf := make([]byte, args.A0)
	n, err := ep.Recv(buf)
	if err != nil {
		return Err(translateChannelErr(err))
	}
	return OkWriteBack(args.Out, buf[:n])
}

func translateChannelErr(err error) error {
	switch err {
	case ipc.ErrPeerClosed:
		return ekind.New(ekind.NotReadable)
	case ipc.ErrQueueFull:
		return ekind.New(ekind.WouldBlock)
	case ipc.ErrQueueEmpty:
		return ekind.New(ekind.WouldBlock)
	case ipc.ErrTooLarge, ipc.ErrBufferTooSmall:
		return ekind.New(ekind.InvalidArgument)
	default:
		return err
	}
}

func dispatchClose(ctx *Context, args Args) Result {
	r, ok := ctx.Handles.Remove(args.H)
	if !ok {
		return Err(ekind.New(ekind.NotFound))
	}
	if closer, ok := r.(interface{ Close() }); ok {
		closer.Close()
	}
	return Ok()
}

func dispatchBufferResize(ctx *Context, args Args) Result {
	r, err := resourceOf(ctx, args.H)
	if err != nil {
		return Err(err)
	}
	buf, ok := r.(*sharedbuf.Buffer)
	if !ok {
		return Err(ekind.New(ekind.NotSupported))
	}
	if err := buf.Resize(args.A0); err != nil {
		if err == sharedbuf.ErrNeedsReplace {
			return Err(ekind.New(ekind.NotSupported))
		}
		return Err(ekind.New(ekind.InvalidArgument))
	}
	return Ok()
}

func dispatchBufferMap(ctx *Context, args Args) Result {
	r, err := resourceOf(ctx, args.H)
	if err != nil {
		return Err(err)
	}
	buf, ok := r.(*sharedbuf.Buffer)
	if !ok {
		return Err(ekind.New(ekind.NotSupported))
	}
	var out [8]byte
	putU64(out[:], uint64(buf.Vaddr()))
	return OkWriteBack(args.Out, out[:])
}

func dispatchMailboxWait(ctx *Context, args Args) Result {
	r, err := resourceOf(ctx, args.H)
	if err != nil {
		return Err(err)
	}
	mb, ok := r.(mailboxer)
	if !ok {
		return Err(ekind.New(ekind.NotSupported))
	}
	ev, ok := mb.Wait()
	if !ok {
		return Err(ekind.New(ekind.WouldBlock))
	}
	var out [12]byte
	putU64(out[:8], ev.Handle)
	putU32(out[8:12], ev.Flags)
	return OkWriteBack(args.Out, out[:])
}

func dispatchMailboxPoll(ctx *Context, args Args) Result {
	r, err := resourceOf(ctx, args.H)
	if err != nil {
		return Err(err)
	}
	mb, ok := r.(mailboxer)
	if !ok {
		return Err(ekind.New(ekind.NotSupported))
	}
	var out [1]byte
	if mb.HasPending() {
		out[0] = 1
	}
	return OkWriteBack(args.Out, out[:])
}

func dispatchFileRead(ctx *Context, args Args) Result {
	r, err := resourceOf(ctx, args.H)
	if err != nil {
		return Err(err)
	}
	f, ok := r.(handle.VFSFile)
	if !ok {
		return Err(ekind.New(ekind.NotSupported))
	}
	off, _ := ctx.Handles.Offset(args.H)
	buf := make([]byte, args.A0)
	n, ioErr := f.ReadAt(int64(off), buf)
	if n > 0 {
		ctx.Handles.SetOffset(args.H, off+uint64(n))
	}
	if ioErr != nil && n == 0 {
		return Err(ioErr)
	}
	return OkWriteBack(args.Out, buf[:n])
}

func dispatchFileWrite(ctx *Context, args Args) Result {
	r, err := resourceOf(ctx, args.H)
	if err != nil {
		return Err(err)
	}
	f, ok := r.(handle.VFSFile)
	if !ok {
		return Err(ekind.New(ekind.NotSupported))
	}
	data, err := ctx.Access.Read(UserSlice{Addr: args.Out.Addr, Len: args.A0})
	if err != nil {
		return Err(err)
	}
	off, _ := ctx.Handles.Offset(args.H)
	n, ioErr := f.WriteAt(int64(off), data)
	if n > 0 {
		ctx.Handles.SetOffset(args.H, off+uint64(n))
	}
	if ioErr != nil {
		return Err(ioErr)
	}
	var out [8]byte
	putU64(out[:], uint64(n))
	return OkWriteBack(args.Out, out[:])
}

func dispatchDirectoryRead(ctx *Context, args Args) Result {
	r, err := resourceOf(ctx, args.H)
	if err != nil {
		return Err(err)
	}
	if _, ok := r.(handle.VFSDirectory); !ok {
		return Err(ekind.New(ekind.NotSupported))
	}
	// Directory entry enumeration is delegated to the mounted filesystem's
	// own iterator; the VFS layer installs a VFSFile-shaped handle per
	// listing rather than this op, so there is nothing further to do here.
	return Ok()
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func putU32(b []byte, v uint32) {
	for i := 0; i < 4; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
