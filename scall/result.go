package scall

import "kestrel/ekind"

// Status is the single machine word every syscall returns in place of a
// raw errno: zero on success, a negative ekind.Kind otherwise.
type Status int64

// StatusOK is the success sentinel.
const StatusOK Status = 0

// statusUnknown is returned for an error that carries no ekind.Kind tag;
// it falls outside the tagged range so callers can distinguish it.
const statusUnknown Status = -128

// StatusFromError converts err into a Status, mapping a nil error to
// StatusOK and any tagged ekind.Error to its Kind's code.
func StatusFromError(err error) Status {
	if err == nil {
		return StatusOK
	}
	if k, ok := ekind.As(err); ok {
		return Status(k.Code())
	}
	return statusUnknown
}

// Result is what a syscall handler hands back to the trampoline: a
// status word plus, for calls that produce a value, the bytes to copy
// back into a caller-supplied out-pointer.
type Result struct {
	Status    Status
	WriteBack []byte
	WriteTo   UserPtr
}

// Ok builds a successful Result with no writeback payload.
func Ok() Result { return Result{Status: StatusOK} }

// OkWriteBack builds a successful Result that copies data to ptr when
// Apply is called.
func OkWriteBack(ptr UserPtr, data []byte) Result {
	return Result{Status: StatusOK, WriteTo: ptr, WriteBack: data}
}

// Err builds a failed Result from err, with no writeback.
func Err(err error) Result { return Result{Status: StatusFromError(err)} }

// Apply performs this Result's writeback (if any) using access, and
// returns the Status to hand back to the caller. A writeback failure
// downgrades Status to the writeback error, matching how a short copy
// after an otherwise-successful operation is still reported to the
// caller as a fault rather than silently dropped.
func (r Result) Apply(access UserAccess) Status {
	if r.WriteBack == nil {
		return r.Status
	}
	if err := access.WriteStruct(r.WriteTo, r.WriteBack); err != nil {
		return StatusFromError(err)
	}
	return r.Status
}
