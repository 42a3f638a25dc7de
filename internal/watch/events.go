package watch

// Kind identifies the normalized event types the demultiplexer emits. The
// set is closed: a Coordinator that sees a Kind it doesn't recognize should
// treat it as fatal, since it means a demultiplexer and coordinator have
// drifted out of sync.
type Kind int

const (
	// Modified means the file at Path was closed after being opened for
	// writing; its content may have changed.
	Modified Kind = iota
	// NewDir means a new directory appeared at Path and is now watched.
	NewDir
	// RemoveFile means the file at Path is gone.
	RemoveFile
	// RemoveDir means the directory at Path, and everything under it, is
	// gone.
	RemoveDir
	// MoveFile means a file moved from Src to Path within watched
	// territory.
	MoveFile
	// MoveDir means a directory, and everything under it, moved from Src
	// to Path within watched territory.
	MoveDir
	// Die means the demultiplexer has hit a fatal condition and stopped.
	// Reason explains why.
	Die
)

func (k Kind) String() string {
	switch k {
	case Modified:
		return "modified"
	case NewDir:
		return "new_dir"
	case RemoveFile:
		return "remove_file"
	case RemoveDir:
		return "remove_dir"
	case MoveFile:
		return "move_file"
	case MoveDir:
		return "move_dir"
	case Die:
		return "die"
	default:
		return "unknown"
	}
}

// Event is a single normalized filesystem event emitted on the
// demultiplexer's output channel.
type Event struct {
	Kind Kind
	// Path is the subject of Modified, NewDir, RemoveFile, RemoveDir, and
	// the destination of MoveFile/MoveDir.
	Path string
	// Src is populated for MoveFile and MoveDir: the path the entry moved
	// from.
	Src string
	// Reason is populated for Die.
	Reason DieReason
}

// DieReason names why the demultiplexer terminated.
type DieReason string

const (
	QueueOverflow DieReason = "queue_overflow"
	FSUnmount     DieReason = "fs_unmount"
	RootDeleted   DieReason = "root_deleted"
	RootMoved     DieReason = "root_moved"
)
