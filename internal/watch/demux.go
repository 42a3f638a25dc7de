// Package watch implements the kernel-event demultiplexer (§4.4): it turns
// raw inotify events into the normalized event stream of events.go, manages
// the watch-descriptor bookkeeping a recursive watch needs (inotify itself
// is non-recursive), and heuristically classifies renames into completed
// moves vs. deletes using a cookie-correlated deferred timeout.
package watch

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dirmirror/pathwatch/internal/scheduler"
	"github.com/dirmirror/pathwatch/internal/watch/rawevent"
)

// Source abstracts the raw kernel-watch API the demultiplexer consumes.
// Satisfied by *rawevent.Reader; tests inject a fake.
type Source interface {
	AddWatch(path string, mask uint32) (int32, error)
	RemoveWatch(wd int32) error
	Read() ([]rawevent.Event, error)
	Close() error
}

// Masks requested from the kernel watch API. Non-roots get the normal
// mask; roots additionally get delete-self/move-self so the demultiplexer
// can detect a root vanishing out from under it. Watches are added
// non-recursively (the library's contract); this component walks
// subdirectories itself. Auto-add is disabled implicitly: watches are only
// ever added by explicit AddWatch calls below.
const (
	nonRootMask uint32 = unix.IN_CLOSE_WRITE | unix.IN_CREATE | unix.IN_DELETE |
		unix.IN_MOVED_FROM | unix.IN_MOVED_TO
	rootMask uint32 = nonRootMask | unix.IN_DELETE_SELF | unix.IN_MOVE_SELF
)

// defaultMoveResolutionDelay is the grace interval after a moved-from event
// before concluding the source path was deleted rather than renamed
// somewhere else.
const defaultMoveResolutionDelay = 2 * time.Second

// Demultiplexer turns a Source's raw events into the normalized stream of
// Events described by events.go.
type Demultiplexer struct {
	source    Source
	sched     *scheduler.Scheduler
	moveDelay time.Duration
	logger    *slog.Logger

	wdMap   *wdMap
	pending *pendingMoveTable

	out  chan Event
	dead atomic.Bool

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// Option configures a Demultiplexer at construction time.
type Option func(*Demultiplexer)

// WithMoveResolutionDelay overrides the default 2-second move-resolution
// window.
func WithMoveResolutionDelay(d time.Duration) Option {
	return func(dm *Demultiplexer) {
		if d > 0 {
			dm.moveDelay = d
		}
	}
}

// New creates a Demultiplexer reading raw events from source. Call Start to
// begin dispatching.
func New(source Source, logger *slog.Logger, opts ...Option) *Demultiplexer {
	d := &Demultiplexer{
		source:    source,
		sched:     scheduler.New(logger),
		moveDelay: defaultMoveResolutionDelay,
		logger:    logger,
		wdMap:     newWdMap(),
		pending:   newPendingMoveTable(),
		out:       make(chan Event, 1024),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// Events returns the normalized output channel. Consumed by the
// Coordinator.
func (d *Demultiplexer) Events() <-chan Event {
	return d.out
}

// Start launches the scheduler and the dispatch loop. Safe to call once;
// subsequent calls are no-ops.
func (d *Demultiplexer) Start() {
	d.startOnce.Do(func() {
		d.sched.Start()
		go d.run()
	})
}

// Stop halts the dispatch loop and the scheduler, and waits for the
// dispatch loop to exit. Safe to call more than once.
func (d *Demultiplexer) Stop() {
	d.stopOnce.Do(func() {
		d.source.Close()
		d.sched.Stop()
	})
	<-d.done
}

// AddRoot registers path as a monitored root: a watch with the extended
// root mask on path itself, plus a non-root-mask watch recursively added
// to every existing subdirectory.
func (d *Demultiplexer) AddRoot(path string) error {
	return d.addRecursive(path, rootMask)
}

// addRecursive adds a watch on path with topMask, then recurses into every
// subdirectory it contains with the non-root mask. Only a failure to watch
// path itself is returned; a subdirectory whose watch-add fails is logged
// as a TransientPath warning and its siblings are still walked.
func (d *Demultiplexer) addRecursive(path string, topMask uint32) error {
	wd, err := d.source.AddWatch(path, topMask)
	if err != nil {
		return err
	}
	d.wdMap.add(wd, path)

	entries, err := os.ReadDir(path)
	if err != nil {
		// Disappeared between the create event and this walk; the next
		// scanner pass will repair the index, and no watch is needed for
		// a directory that no longer exists.
		return nil
	}

	for _, e := range entries {
		if e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		if !e.IsDir() {
			continue
		}

		child := filepath.Join(path, e.Name())
		if err := d.addRecursive(child, nonRootMask); err != nil {
			d.logger.Warn("failed to add watch for subdirectory",
				slog.String("warning", "TransientPath"),
				slog.String("path", child),
				slog.String("error", err.Error()),
			)
		}
	}

	return nil
}

func (d *Demultiplexer) run() {
	defer close(d.done)

	for {
		events, err := d.source.Read()
		if err != nil {
			return // Source closed, i.e. Stop was called.
		}

		for _, ev := range events {
			if d.dead.Load() {
				return
			}
			d.handle(ev)
		}
	}
}

// handle dispatches one raw event per the table in §4.4.
func (d *Demultiplexer) handle(ev rawevent.Event) {
	switch {
	case ev.Mask&unix.IN_Q_OVERFLOW != 0:
		d.die(QueueOverflow)
		return
	case ev.Mask&unix.IN_UNMOUNT != 0:
		d.die(FSUnmount)
		return
	case ev.Mask&unix.IN_IGNORED != 0:
		if _, existed := d.wdMap.remove(ev.Wd); !existed {
			d.logger.Warn("watch-ignored for unknown descriptor",
				slog.String("warning", "MissingWd"),
				slog.Int("wd", int(ev.Wd)),
			)
		}
		return
	case ev.Mask&unix.IN_DELETE_SELF != 0:
		d.die(RootDeleted)
		return
	case ev.Mask&unix.IN_MOVE_SELF != 0:
		d.die(RootMoved)
		return
	}

	dir, ok := d.wdMap.lookup(ev.Wd)
	if !ok {
		d.logger.Warn("event for unknown watch descriptor",
			slog.String("warning", "MissingWd"),
			slog.Int("wd", int(ev.Wd)),
		)
		return
	}

	path := dir
	if ev.Name != "" {
		path = filepath.Join(dir, ev.Name)
	}

	switch {
	case ev.Mask&unix.IN_CLOSE_WRITE != 0:
		d.emit(Event{Kind: Modified, Path: path})

	case ev.Mask&unix.IN_CREATE != 0:
		d.handleCreate(path, ev.IsDir())

	case ev.Mask&unix.IN_DELETE != 0:
		if ev.IsDir() {
			d.emit(Event{Kind: RemoveDir, Path: path})
		} else {
			d.emit(Event{Kind: RemoveFile, Path: path})
		}

	case ev.Mask&unix.IN_MOVED_FROM != 0:
		d.handleMovedFrom(ev.Cookie, path, ev.IsDir())

	case ev.Mask&unix.IN_MOVED_TO != 0:
		d.handleMovedTo(ev.Cookie, path, ev.IsDir())

	default:
		d.logger.Warn("unexpected raw event",
			slog.String("warning", "UnexpectedEvent"),
			slog.Uint64("mask", uint64(ev.Mask)),
		)
	}
}

// handleCreate processes a raw create event. A new directory is watched
// recursively (it has no children yet, so this is just the one AddWatch)
// and surfaces as new_dir; a new file emits nothing, since the subsequent
// close-after-write is what surfaces it.
func (d *Demultiplexer) handleCreate(path string, isDir bool) {
	if !isDir {
		return
	}

	if err := d.addRecursive(path, nonRootMask); err != nil {
		d.logger.Warn("failed to add watch for new directory",
			slog.String("warning", "TransientPath"),
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		return
	}

	d.emit(Event{Kind: NewDir, Path: path})
}

// handleMovedFrom records the pending move and schedules its deferred
// deletion at the move-resolution delay.
func (d *Demultiplexer) handleMovedFrom(cookie uint32, path string, isDir bool) {
	d.pending.add(cookie, pendingMove{path: path, isDir: isDir})

	if err := d.sched.Add(d.moveDelay, cookie, d.onMoveTimeout, cookie); err != nil {
		// A cookie collision is exceedingly unlikely (the kernel's cookie
		// space) and not actionable; the pending-move table is already
		// authoritative, so just note it.
		d.logger.Warn("failed to schedule deferred deletion for move",
			slog.Uint64("cookie", uint64(cookie)), slog.String("error", err.Error()),
		)
	}
}

// handleMovedTo resolves a pending move (completing it) or, if the cookie
// is unknown, treats the arrival as a move-in from unwatched territory:
// per spec, use only the destination path and recursively watch, ignoring
// whatever stale source information the kernel may also carry.
func (d *Demultiplexer) handleMovedTo(cookie uint32, dst string, isDir bool) {
	if pm, ok := d.pending.resolve(cookie); ok {
		d.sched.Cancel(cookie)

		if pm.isDir {
			d.wdMap.rewritePrefix(pm.path, dst)
			d.emit(Event{Kind: MoveDir, Src: pm.path, Path: dst})
		} else {
			d.emit(Event{Kind: MoveFile, Src: pm.path, Path: dst})
		}

		return
	}

	if isDir {
		if err := d.addRecursive(dst, nonRootMask); err != nil {
			d.logger.Warn("failed to add watch for moved-in directory",
				slog.String("warning", "TransientPath"),
				slog.String("path", dst),
				slog.String("error", err.Error()),
			)
			return
		}

		d.emit(Event{Kind: NewDir, Path: dst})
		return
	}

	d.emit(Event{Kind: Modified, Path: dst})
}

// onMoveTimeout is the Scheduler callback for a cookie whose matching
// moved-to never arrived within the move-resolution window: the source is
// promoted from "maybe renamed" to "deleted".
func (d *Demultiplexer) onMoveTimeout(args any) {
	cookie := args.(uint32) //nolint:errcheck // Add is always called with a uint32 cookie

	pm, ok := d.pending.resolve(cookie)
	if !ok {
		return // the moved-to arrived and won the race just before us
	}

	if !pm.isDir {
		d.emit(Event{Kind: RemoveFile, Path: pm.path})
		return
	}

	d.detachSubtreeWatches(pm.path)
	d.emit(Event{Kind: RemoveDir, Path: pm.path})
}

// detachSubtreeWatches best-effort-removes every watch descriptor under
// path: a bulk pass over all of them, then an individual retry for any
// that failed the first time, swallowing individual errors. The kernel
// will follow up with IN_IGNORED for each descriptor it actually drops,
// which is what cleans the wd-map entries (not this function).
func (d *Demultiplexer) detachSubtreeWatches(path string) {
	wds := d.wdMap.descendantWds(path)

	var failed []int32
	for _, wd := range wds {
		if err := d.source.RemoveWatch(wd); err != nil {
			failed = append(failed, wd)
		}
	}

	for _, wd := range failed {
		if err := d.source.RemoveWatch(wd); err != nil {
			d.logger.Debug("watch detach failed, ignoring",
				slog.Int("wd", int(wd)), slog.String("error", err.Error()),
			)
		}
	}
}

// die emits a terminal Die event at most once and marks the component
// stopped: subsequent raw events are dropped.
func (d *Demultiplexer) die(reason DieReason) {
	if !d.dead.CompareAndSwap(false, true) {
		return
	}
	d.emit(Event{Kind: Die, Reason: reason})
}

func (d *Demultiplexer) emit(ev Event) {
	d.out <- ev
}
