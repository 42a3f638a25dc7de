// Package coordinator implements the single serializing main loop that
// ties the index store, the filesystem scanner, the kernel-watch
// demultiplexer, and the background hasher together: it owns the one lock
// that totally orders every index mutation, whether it originates from a
// live watch event or from a scanner pass.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dirmirror/pathwatch/internal/watch"
)

// Index is the subset of the store's operations the Coordinator drives
// directly (the Scanner and Hasher each depend on their own narrower
// subsets).
type Index interface {
	ListRoots(ctx context.Context) ([]string, error)
	AddRoot(ctx context.Context, path string) error
	DeleteSingle(ctx context.Context, path string) error
	DeleteSubtree(ctx context.Context, path string) error
	MoveSingle(ctx context.Context, oldPath, newPath string) error
	MoveSubtree(ctx context.Context, oldPrefix, newPrefix string) error
	Close() error
}

// Demux is the subset of the watch demultiplexer's surface the Coordinator
// drives. Satisfied by *watch.Demultiplexer.
type Demux interface {
	Start()
	Stop()
	AddRoot(path string) error
	Events() <-chan watch.Event
}

// Scanner is the subset of the scanner's surface the Coordinator drives.
// Satisfied by *scanner.Scanner.
type Scanner interface {
	Scan(ctx context.Context, path string) error
	ScanFileOnly(ctx context.Context, path string) error
}

// Hasher is the subset of the hasher's surface the Coordinator drives.
// Satisfied by *hasher.Hasher.
type Hasher interface {
	Start(ctx context.Context)
	Notify()
	Stop()
}

// Coordinator owns lock L: event dispatch and scanner passes are totally
// ordered by it, so no two index-mutating operations ever overlap. The
// zero value is not usable; construct with New.
type Coordinator struct {
	store   Index
	demux   Demux
	scanner Scanner
	hasher  Hasher
	logger  *slog.Logger

	mu      sync.Mutex
	running bool

	stop      chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
}

// New creates a Coordinator wiring the four components together. Call
// Start to run the startup sequence and launch the main loop.
func New(store Index, demux Demux, scanner Scanner, hasher Hasher, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		store:   store,
		demux:   demux,
		scanner: scanner,
		hasher:  hasher,
		logger:  logger,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the startup sequence (start the demultiplexer, register a
// watch per persisted root, reconcile every root, start the hasher) and
// launches the main dispatch loop. Safe to call once; subsequent calls are
// no-ops.
func (c *Coordinator) Start(ctx context.Context) error {
	var startErr error

	c.startOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.demux.Start()

		roots, err := c.store.ListRoots(ctx)
		if err != nil {
			startErr = fmt.Errorf("coordinator: list roots: %w", err)
			return
		}

		for _, root := range roots {
			if err := c.demux.AddRoot(root); err != nil {
				c.logger.Warn("failed to add watch for root at startup, directory may be absent",
					"path", root, "error", err)
			}
		}

		if len(roots) > 0 {
			c.startRescan(ctx, roots)
		}

		c.hasher.Start(ctx)
		c.running = true

		go c.run(ctx)
	})

	return startErr
}

// Stop signals the main loop to halt and blocks until it has torn down
// the demultiplexer, the hasher, and the index handle. Safe to call more
// than once; calling it before Start blocks forever, so callers must not
// do that.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	<-c.done
}

// AddRootAtRuntime registers a new monitored root while the Coordinator is
// running: persists it, and if the demultiplexer is already active,
// registers its watch and reconciles its initial contents.
func (c *Coordinator) AddRootAtRuntime(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.store.AddRoot(ctx, path); err != nil {
		return fmt.Errorf("coordinator: add root %s: %w", path, err)
	}

	if !c.running {
		return nil
	}

	if err := c.demux.AddRoot(path); err != nil {
		c.logger.Warn("failed to add watch for new root", "path", path, "error", err)
		return nil
	}

	c.startRescan(ctx, []string{path})

	return nil
}

// startRescan begins a top-level reconciliation cycle, tagging it with a
// fresh correlation id so every log line the cycle produces (including
// recursive passes triggered by races with live mutations) can be
// grouped together.
func (c *Coordinator) startRescan(ctx context.Context, roots []string) bool {
	scanID := uuid.New().String()
	c.logger.Info("starting reconciliation cycle", "scan_id", scanID, "roots", roots)

	fatal := c.concurrentRescan(ctx, scanID, roots)

	c.logger.Info("reconciliation cycle complete", "scan_id", scanID)

	return fatal
}

// run is the main dispatch loop: it blocks on the demultiplexer's event
// channel (or an external stop request) and serializes every dispatch
// under the coordinator's lock.
func (c *Coordinator) run(ctx context.Context) {
	defer close(c.done)

	for {
		select {
		case <-c.stop:
			c.mu.Lock()
			c.shutdown()
			c.mu.Unlock()
			return

		case ev, ok := <-c.demux.Events():
			if !ok {
				c.mu.Lock()
				c.shutdown()
				c.mu.Unlock()
				return
			}

			c.mu.Lock()
			fatal := c.handleEvent(ctx, ev)
			if fatal {
				c.shutdown()
			}
			c.mu.Unlock()

			if fatal {
				return
			}
		}
	}
}

// shutdown tears down the demultiplexer and hasher and closes the index
// handle. Called exactly once per run, under c.mu, either from an
// external Stop or a fatal event.
func (c *Coordinator) shutdown() {
	c.demux.Stop()
	c.hasher.Stop()

	if err := c.store.Close(); err != nil {
		c.logger.Error("coordinator: failed to close index", "error", err)
	}
}

// handleEvent dispatches one top-level event from the demultiplexer.
// Returns true if the event was fatal (the caller must stop the main
// loop).
func (c *Coordinator) handleEvent(ctx context.Context, ev watch.Event) bool {
	if ev.Kind == watch.NewDir {
		return c.startRescan(ctx, []string{ev.Path})
	}

	return c.dispatchSimple(ctx, ev)
}

// dispatchSimple handles every event kind except new_dir, which requires
// the concurrent-rescan treatment.
func (c *Coordinator) dispatchSimple(ctx context.Context, ev watch.Event) bool {
	switch ev.Kind {
	case watch.Modified:
		if err := c.scanner.ScanFileOnly(ctx, ev.Path); err != nil {
			c.logger.Warn("scan_file_only failed", "path", ev.Path, "error", err)
		}
		c.hasher.Notify()

	case watch.RemoveFile:
		if err := c.store.DeleteSingle(ctx, ev.Path); err != nil {
			c.logger.Warn("delete_single failed", "path", ev.Path, "error", err)
		}

	case watch.RemoveDir:
		if err := c.store.DeleteSubtree(ctx, ev.Path); err != nil {
			c.logger.Warn("delete_subtree failed", "path", ev.Path, "error", err)
		}

	case watch.MoveFile:
		if err := c.store.MoveSingle(ctx, ev.Src, ev.Path); err != nil {
			c.logger.Warn("move_single failed", "src", ev.Src, "dst", ev.Path, "error", err)
		}

	case watch.MoveDir:
		if err := c.store.MoveSubtree(ctx, ev.Src, ev.Path); err != nil {
			c.logger.Warn("move_subtree failed", "src", ev.Src, "dst", ev.Path, "error", err)
		}

	case watch.Die:
		c.logger.Error("demultiplexer terminated, shutting down", "reason", ev.Reason)
		return true

	default:
		c.logger.Error("unrecognized event kind, shutting down", "kind", ev.Kind)
		return true
	}

	return false
}

// concurrentRescan implements §4.5's race-resolution algorithm: scan every
// path in roots, then non-blockingly drain whatever the demultiplexer
// produced during (or just before) those scans. Events inside the
// just-scanned paths are dropped (the scan already reflects their
// outcome) but mark their root for another pass; everything else
// dispatches normally, with nested new_dir discoveries folded into the
// same accumulator instead of recursing independently. Returns true if a
// fatal event was seen anywhere in the recursion. scanID correlates every
// log line of one top-level cycle, set once by startRescan.
func (c *Coordinator) concurrentRescan(ctx context.Context, scanID string, roots []string) bool {
	for _, root := range roots {
		if err := c.scanner.Scan(ctx, root); err != nil {
			c.logger.Warn("scan failed during reconciliation", "scan_id", scanID, "path", root, "error", err)
		}
	}

	accumulator := make(map[string]struct{})
	fatal := false

drain:
	for {
		select {
		case ev := <-c.demux.Events():
			if root, within := eventWithinAny(ev, roots); within {
				accumulator[root] = struct{}{}
				continue
			}

			if ev.Kind == watch.NewDir {
				accumulator[ev.Path] = struct{}{}
				continue
			}

			if c.dispatchSimple(ctx, ev) {
				fatal = true
			}

		default:
			break drain
		}
	}

	if len(accumulator) > 0 {
		next := make([]string, 0, len(accumulator))
		for p := range accumulator {
			next = append(next, p)
		}

		if c.concurrentRescan(ctx, scanID, next) {
			fatal = true
		}

		return fatal
	}

	c.hasher.Notify()

	return fatal
}

// eventWithinAny reports whether any path field of ev falls at or under
// one of prefixes, returning the matching prefix.
func eventWithinAny(ev watch.Event, prefixes []string) (string, bool) {
	if ev.Path != "" {
		if p, ok := pathWithin(ev.Path, prefixes); ok {
			return p, true
		}
	}

	if ev.Src != "" {
		if p, ok := pathWithin(ev.Src, prefixes); ok {
			return p, true
		}
	}

	return "", false
}

func pathWithin(path string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if path == p || strings.HasPrefix(path, p+"/") {
			return p, true
		}
	}

	return "", false
}
