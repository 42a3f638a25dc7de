// Package rawevent is a thin, cookie-preserving wrapper around the Linux
// inotify syscalls. It reads raw kernel events off an inotify file
// descriptor and hands them up unmodified (mask, cookie, watch descriptor,
// trailing name) so that callers that need the rename-correlation cookie
// can see it; the public fsnotify-style wrappers in the ecosystem discard
// it.
package rawevent

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Event is a single raw inotify event. Name is the trailing filename
// component the kernel appends for events inside a watched directory; it is
// empty for events on the watched object itself.
type Event struct {
	Wd     int32
	Mask   uint32
	Cookie uint32
	Name   string
}

// IsDir reports whether the kernel tagged the event IN_ISDIR.
func (e Event) IsDir() bool { return e.Mask&unix.IN_ISDIR != 0 }

// Reader reads raw inotify events off a single inotify instance.
type Reader struct {
	fd   int
	file *os.File

	closeOnce sync.Once
	closeErr  error
}

// Open creates a new inotify instance.
func Open() (*Reader, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("rawevent: inotify_init1: %w", err)
	}

	return &Reader{
		fd:   fd,
		file: os.NewFile(uintptr(fd), "inotify"),
	}, nil
}

// AddWatch registers path with the given mask and returns its watch
// descriptor. Re-adding an already-watched path updates its mask.
func (r *Reader) AddWatch(path string, mask uint32) (int32, error) {
	wd, err := unix.InotifyAddWatch(r.fd, path, mask)
	if err != nil {
		return 0, fmt.Errorf("rawevent: add watch %s: %w", path, err)
	}
	return int32(wd), nil
}

// RemoveWatch removes a previously registered watch descriptor. It is not
// an error to remove a descriptor the kernel has already invalidated
// (e.g. because the watched object was deleted) — callers typically learn
// that from an IN_IGNORED event instead.
func (r *Reader) RemoveWatch(wd int32) error {
	_, err := unix.InotifyRmWatch(r.fd, uint32(wd))
	if errors.Is(err, unix.EINVAL) {
		return nil // descriptor already invalidated by the kernel
	}
	if err != nil {
		return fmt.Errorf("rawevent: remove watch %d: %w", wd, err)
	}
	return nil
}

// Close stops the reader and releases the underlying file descriptor. Any
// blocked Read unblocks with an error.
func (r *Reader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.file.Close()
	})
	return r.closeErr
}

// errShortRead is returned if a read returns fewer bytes than one raw
// inotify_event header, which should never happen in practice.
var errShortRead = errors.New("rawevent: short read")

// Read blocks until at least one inotify event is available and returns
// all events currently in the kernel buffer. It returns an error (wrapping
// os.ErrClosed) once Close has been called.
func (r *Reader) Read() ([]Event, error) {
	var buf [unix.SizeofInotifyEvent * 4096]byte

	n, err := r.file.Read(buf[:])
	if err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("rawevent: %w", os.ErrClosed)
		}
		return nil, fmt.Errorf("rawevent: read: %w", err)
	}

	if n < unix.SizeofInotifyEvent {
		return nil, errShortRead
	}

	var events []Event
	var offset uint32

	for offset <= uint32(n)-unix.SizeofInotifyEvent {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		nameLen := uint32(raw.Len)

		var name string
		if nameLen > 0 {
			nameBytes := (*[unix.PathMax]byte)(unsafe.Pointer(&buf[offset+unix.SizeofInotifyEvent]))[:nameLen:nameLen]
			name = strings.TrimRight(string(nameBytes), "\x00")
		}

		events = append(events, Event{
			Wd:     raw.Wd,
			Mask:   uint32(raw.Mask),
			Cookie: raw.Cookie,
			Name:   name,
		})

		offset += unix.SizeofInotifyEvent + nameLen
	}

	return events, nil
}
