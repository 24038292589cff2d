// Package ekind holds the small error-kind vocabulary shared across the
// kernel. Kernel-internal failures are not rich strings; they are tagged
// variants, with any extra context left to a separate log line.
package ekind

import "errors"

// Kind tags a userspace-visible failure. Values are stable and map 1:1 onto
// the negative syscall return codes in the ABI.
type Kind int8

const (
	NotFound Kind = -1 - iota
	InvalidOffset
	NotReadable
	NotWritable
	NotSeekable
	NotSupported
	PermissionDenied
	IoError
	WouldBlock
	InvalidArgument
	ProtocolError
	AlreadyExists
	NoSpace
	ReadOnlyFs

	// NotEmpty, IsDirectory and NotDirectory are VFS FsError variants
	// with no reserved ABI code; they still round-trip through Code as
	// ordinary negative values one past the reserved range.
	NotEmpty
	IsDirectory
	NotDirectory
)

var names = map[Kind]string{
	NotFound:         "not found",
	InvalidOffset:    "invalid offset",
	NotReadable:      "not readable",
	NotWritable:      "not writable",
	NotSeekable:      "not seekable",
	NotSupported:     "not supported",
	PermissionDenied: "permission denied",
	IoError:          "io error",
	WouldBlock:       "would block",
	InvalidArgument:  "invalid argument",
	ProtocolError:    "protocol error",
	AlreadyExists:    "already exists",
	NoSpace:          "no space",
	ReadOnlyFs:       "read-only filesystem",
	NotEmpty:         "directory not empty",
	IsDirectory:      "is a directory",
	NotDirectory:     "not a directory",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "unknown error"
}

// Error adapts a Kind to the standard error interface so it can be threaded
// through ordinary Go control flow without losing its tag.
type Error struct {
	K Kind
}

func (e *Error) Error() string { return e.K.String() }

// Code returns the negative syscall return value for this kind.
func (k Kind) Code() int64 { return int64(k) }

// New wraps a Kind as an error.
func New(k Kind) error { return &Error{K: k} }

// As extracts the Kind from err, if it is (or wraps) an *Error.
func As(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.K, true
	}
	return 0, false
}
