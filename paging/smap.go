package paging

// ac tracks the simulated SMAP AC flag for this goroutine's "CPU". A real
// kernel has exactly one hardware AC bit per core; since this module never
// runs with real SMP, one flag per process suffices, guarded by the
// caller already holding whatever lock serializes access to this address
// space.
type ac struct {
	set bool
}

// WithUserspaceAccess sets the simulated AC flag, runs fn, and clears AC
// before returning on every exit path — including panics — so AC is
// always clear again at kernel entry/exit.
func (as *AddressSpace) WithUserspaceAccess(fn func()) {
	as.ac.set = true
	defer func() { as.ac.set = false }()
	fn()
}

// ACSet reports whether userspace access is currently permitted; used by
// UserAccess-consuming code (package scall) to assert the bracket is held.
func (as *AddressSpace) ACSet() bool { return as.ac.set }
