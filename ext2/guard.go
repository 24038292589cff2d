package ext2

// InodeGuard owns a freshly allocated inode number until it is either
// consumed (written into a directory entry and kept) or released
// (abandoned, freeing it back to the bitmap). Go has no destructor to
// do this automatically, so every path that allocates one must either
// call Consume or Release before returning.
type InodeGuard struct {
	fs       *Fs
	ino      uint32
	consumed bool
}

// newInodeGuard allocates a fresh inode and wraps it in a guard.
func (f *Fs) newInodeGuard() (*InodeGuard, error) {
	ino, err := f.allocInode()
	if err != nil {
		return nil, err
	}
	return &InodeGuard{fs: f, ino: ino}, nil
}

// Ino returns the guarded inode number.
func (g *InodeGuard) Ino() uint32 { return g.ino }

// Consume marks the inode as committed (now referenced by a directory
// entry) and returns its number. Release becomes a no-op afterward.
func (g *InodeGuard) Consume() uint32 {
	g.consumed = true
	return g.ino
}

// Release frees the guarded inode if it was never consumed. Safe to
// call unconditionally once a guard goes out of scope.
func (g *InodeGuard) Release() error {
	if g.consumed {
		return nil
	}
	g.consumed = true
	return g.fs.freeInode(g.ino)
}
