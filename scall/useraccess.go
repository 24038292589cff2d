// Package scall implements the syscall core: the single send(handle, op,
// ...) entry, the UserAccess/UserSlice/UserPtr discipline, and Result
// with writeback. Every Dispatch returns its Result synchronously; this
// package has no deferred-syscall path into the scheduler.
package scall

import (
	"encoding/binary"
	"fmt"

	"kestrel/paging"
)

// UserSlice is a bare (addr, len) pair. It holds only integers, so it is
// safe to stash in a struct and carry across a blocking point.
type UserSlice struct {
	Addr paging.Vaddr
	Len  uint64
}

// UserPtr is a typed single-value analogue of UserSlice.
type UserPtr struct {
	Addr paging.Vaddr
}

func (s UserSlice) bounded() error {
	if s.Len == 0 {
		return nil
	}
	end := uint64(s.Addr) + s.Len - 1
	if end > uint64(paging.UserAddrMax) {
		return fmt.Errorf("scall: user slice [%#x, %#x) exceeds user address space", s.Addr, uint64(s.Addr)+s.Len)
	}
	return nil
}

// UserAccess is a short-lived, non-reentrant token proving the current
// process's page table is active and SMAP has been lowered for it. Its
// zero value is invalid; obtain one only via Begin at syscall entry or
// writeback time. Never store one in a struct that crosses a blocking
// point — capture a UserSlice/UserPtr instead and re-obtain a token at
// writeback time.
type UserAccess struct {
	as *paging.AddressSpace
}

// Begin brackets user memory access with SMAP (stac/clac on real
// hardware) for the duration of the returned UserAccess's use; callers
// must call End when done. Prefer WithUserAccess, which cannot forget to
// call End.
func Begin(as *paging.AddressSpace) UserAccess {
	as.WithUserspaceAccess(func() {})
	return UserAccess{as: as}
}

// WithUserAccess runs fn with a valid UserAccess token, guaranteeing SMAP
// is cleared on every exit path including a panic inside fn.
func WithUserAccess(as *paging.AddressSpace, fn func(UserAccess)) {
	as.WithUserspaceAccess(func() {
		fn(UserAccess{as: as})
	})
}

func (u UserAccess) readBytes(s UserSlice) ([]byte, error) {
	if !u.as.ACSet() {
		panic("scall: UserAccess used outside WithUserAccess")
	}
	if err := s.bounded(); err != nil {
		return nil, err
	}
	out := make([]byte, s.Len)
	var off uint64
	for off < s.Len {
		v := s.Addr + paging.Vaddr(off)
		page := paging.Vaddr(uintptr(v) &^ (4095))
		pa, ok := u.as.Translate(page)
		if !ok {
			return nil, fmt.Errorf("scall: unmapped user page at %#x", page)
		}
		pageOff := uint64(v) - uint64(page)
		n := uint64(4096) - pageOff
		if rem := s.Len - off; n > rem {
			n = rem
		}
		frame := u.as.PhysRead(pa)
		copy(out[off:off+n], frame[pageOff:pageOff+n])
		off += n
	}
	return out, nil
}

func (u UserAccess) writeBytes(s UserSlice, data []byte) error {
	if !u.as.ACSet() {
		panic("scall: UserAccess used outside WithUserAccess")
	}
	if err := s.bounded(); err != nil {
		return err
	}
	if uint64(len(data)) != s.Len {
		return fmt.Errorf("scall: write length mismatch")
	}
	var off uint64
	for off < s.Len {
		v := s.Addr + paging.Vaddr(off)
		page := paging.Vaddr(uintptr(v) &^ (4095))
		pa, ok := u.as.Translate(page)
		if !ok {
			return fmt.Errorf("scall: unmapped user page at %#x", page)
		}
		pageOff := uint64(v) - uint64(page)
		n := uint64(4096) - pageOff
		if rem := s.Len - off; n > rem {
			n = rem
		}
		frame := u.as.PhysRead(pa)
		copy(frame[pageOff:pageOff+n], data[off:off+n])
		u.as.PhysWrite(pa, frame)
		off += n
	}
	return nil
}

// Read copies s's bytes out of user memory.
func (u UserAccess) Read(s UserSlice) ([]byte, error) { return u.readBytes(s) }

// Write copies data into user memory at s (len(data) must equal s.Len).
func (u UserAccess) Write(s UserSlice, data []byte) error { return u.writeBytes(s, data) }

// ReadStruct reads size raw bytes at ptr, for callers that decode a
// fixed-width little-endian struct out of them.
func (u UserAccess) ReadStruct(ptr UserPtr, size uint64) ([]byte, error) {
	return u.readBytes(UserSlice{Addr: ptr.Addr, Len: size})
}

// WriteStruct is the dual of ReadStruct.
func (u UserAccess) WriteStruct(ptr UserPtr, data []byte) error {
	return u.writeBytes(UserSlice{Addr: ptr.Addr, Len: uint64(len(data))}, data)
}

// ReadStr reads a NUL-terminated string of at most maxLen bytes.
func (u UserAccess) ReadStr(ptr UserPtr, maxLen uint64) (string, error) {
	raw, err := u.readBytes(UserSlice{Addr: ptr.Addr, Len: maxLen})
	if err != nil {
		return "", err
	}
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i]), nil
		}
	}
	return string(raw), nil
}

// ReadU32LE reads a little-endian uint32 at ptr.
func (u UserAccess) ReadU32LE(ptr UserPtr) (uint32, error) {
	raw, err := u.readBytes(UserSlice{Addr: ptr.Addr, Len: 4})
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(raw), nil
}
