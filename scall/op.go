package scall

// Op identifies a syscall operation. The op space is partitioned by the
// resource kind it targets, mirroring the handle types it operates on.
type Op uint32

const (
	OpFileRead Op = iota
	OpFileWrite
	OpFileSeek
	OpFileStat
	OpFileClose
	OpFileOpen
	OpFileTruncate

	OpDirectoryOpen
	OpDirectoryRead
	OpDirectoryCreate
	OpDirectoryRemove

	OpProcessSpawn
	OpProcessExit
	OpProcessWait
	OpProcessKill

	OpEnvironmentBrk
	OpEnvironmentGetArgs
	OpEnvironmentGetTime

	OpBufferCreate
	OpBufferResize
	OpBufferMap

	OpSurfaceCreate
	OpSurfacePresent
	OpSurfaceResize

	OpChannelCreate
	OpChannelSend
	OpChannelRecv
	OpChannelClose

	OpMailboxWait
	OpMailboxPoll
)

var opNames = map[Op]string{
	OpFileRead:           "file.read",
	OpFileWrite:          "file.write",
	OpFileSeek:           "file.seek",
	OpFileStat:           "file.stat",
	OpFileClose:          "file.close",
	OpFileOpen:           "file.open",
	OpFileTruncate:       "file.truncate",
	OpDirectoryOpen:      "directory.open",
	OpDirectoryRead:      "directory.read",
	OpDirectoryCreate:    "directory.create",
	OpDirectoryRemove:    "directory.remove",
	OpProcessSpawn:       "process.spawn",
	OpProcessExit:        "process.exit",
	OpProcessWait:        "process.wait",
	OpProcessKill:        "process.kill",
	OpEnvironmentBrk:     "environment.brk",
	OpEnvironmentGetArgs: "environment.get_args",
	OpEnvironmentGetTime: "environment.get_time",
	OpBufferCreate:       "buffer.create",
	OpBufferResize:       "buffer.resize",
	OpBufferMap:          "buffer.map",
	OpSurfaceCreate:      "surface.create",
	OpSurfacePresent:     "surface.present",
	OpSurfaceResize:      "surface.resize",
	OpChannelCreate:      "channel.create",
	OpChannelSend:        "channel.send",
	OpChannelRecv:        "channel.recv",
	OpChannelClose:       "channel.close",
	OpMailboxWait:        "mailbox.wait",
	OpMailboxPoll:        "mailbox.poll",
}

func (op Op) String() string {
	if s, ok := opNames[op]; ok {
		return s
	}
	return "op(unknown)"
}
