package coordinator

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirmirror/pathwatch/internal/watch"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type call struct {
	op   string
	a, b string
}

type fakeIndex struct {
	mu     sync.Mutex
	roots  []string
	calls  []call
	closed bool
}

func (f *fakeIndex) ListRoots(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.roots))
	copy(out, f.roots)
	return out, nil
}

func (f *fakeIndex) AddRoot(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roots = append(f.roots, path)
	return nil
}

func (f *fakeIndex) DeleteSingle(ctx context.Context, path string) error {
	f.record("delete_single", path, "")
	return nil
}

func (f *fakeIndex) DeleteSubtree(ctx context.Context, path string) error {
	f.record("delete_subtree", path, "")
	return nil
}

func (f *fakeIndex) MoveSingle(ctx context.Context, oldPath, newPath string) error {
	f.record("move_single", oldPath, newPath)
	return nil
}

func (f *fakeIndex) MoveSubtree(ctx context.Context, oldPrefix, newPrefix string) error {
	f.record("move_subtree", oldPrefix, newPrefix)
	return nil
}

func (f *fakeIndex) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeIndex) record(op, a, b string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: op, a: a, b: b})
}

func (f *fakeIndex) snapshot() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]call, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeDemux struct {
	mu      sync.Mutex
	started bool
	stopped bool
	watched []string
	events  chan watch.Event
}

func newFakeDemux() *fakeDemux {
	return &fakeDemux{events: make(chan watch.Event, 64)}
}

func (f *fakeDemux) Start() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeDemux) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeDemux) AddRoot(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, path)
	return nil
}

func (f *fakeDemux) Events() <-chan watch.Event {
	return f.events
}

func (f *fakeDemux) push(ev watch.Event) {
	f.events <- ev
}

type fakeScanner struct {
	mu       sync.Mutex
	scanned  []string
	fileOnly []string
}

func (f *fakeScanner) Scan(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanned = append(f.scanned, path)
	return nil
}

func (f *fakeScanner) ScanFileOnly(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fileOnly = append(f.fileOnly, path)
	return nil
}

type fakeHasher struct {
	mu          sync.Mutex
	started     bool
	stopped     bool
	notifyCount int
}

func (f *fakeHasher) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeHasher) Notify() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifyCount++
}

func (f *fakeHasher) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestCoordinator_StartRegistersPersistedRoots(t *testing.T) {
	idx := &fakeIndex{roots: []string{"/a", "/b"}}
	demux := newFakeDemux()
	scanner := &fakeScanner{}
	hasher := &fakeHasher{}

	c := New(idx, demux, scanner, hasher, testLogger())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.True(t, demux.started)
	assert.ElementsMatch(t, []string{"/a", "/b"}, demux.watched)
	assert.ElementsMatch(t, []string{"/a", "/b"}, scanner.scanned)
	assert.True(t, hasher.started)
}

func TestCoordinator_ModifiedDispatchesScanFileOnlyAndNotifiesHasher(t *testing.T) {
	idx := &fakeIndex{}
	demux := newFakeDemux()
	scanner := &fakeScanner{}
	hasher := &fakeHasher{}

	c := New(idx, demux, scanner, hasher, testLogger())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	demux.push(watch.Event{Kind: watch.Modified, Path: "/root/a.txt"})

	waitFor(t, func() bool {
		scanner.mu.Lock()
		defer scanner.mu.Unlock()
		return len(scanner.fileOnly) == 1
	})

	assert.Equal(t, []string{"/root/a.txt"}, scanner.fileOnly)
	waitFor(t, func() bool {
		hasher.mu.Lock()
		defer hasher.mu.Unlock()
		return hasher.notifyCount >= 1
	})
}

func TestCoordinator_RemoveAndMoveDispatchToStore(t *testing.T) {
	idx := &fakeIndex{}
	demux := newFakeDemux()
	scanner := &fakeScanner{}
	hasher := &fakeHasher{}

	c := New(idx, demux, scanner, hasher, testLogger())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	demux.push(watch.Event{Kind: watch.RemoveFile, Path: "/root/gone.txt"})
	demux.push(watch.Event{Kind: watch.RemoveDir, Path: "/root/gonedir"})
	demux.push(watch.Event{Kind: watch.MoveFile, Src: "/root/old.txt", Path: "/root/new.txt"})
	demux.push(watch.Event{Kind: watch.MoveDir, Src: "/root/olddir", Path: "/root/newdir"})

	waitFor(t, func() bool { return len(idx.snapshot()) == 4 })

	calls := idx.snapshot()
	assert.Contains(t, calls, call{op: "delete_single", a: "/root/gone.txt"})
	assert.Contains(t, calls, call{op: "delete_subtree", a: "/root/gonedir"})
	assert.Contains(t, calls, call{op: "move_single", a: "/root/old.txt", b: "/root/new.txt"})
	assert.Contains(t, calls, call{op: "move_subtree", a: "/root/olddir", b: "/root/newdir"})
}

func TestCoordinator_DieTriggersShutdown(t *testing.T) {
	idx := &fakeIndex{}
	demux := newFakeDemux()
	scanner := &fakeScanner{}
	hasher := &fakeHasher{}

	c := New(idx, demux, scanner, hasher, testLogger())
	require.NoError(t, c.Start(context.Background()))

	demux.push(watch.Event{Kind: watch.Die, Reason: watch.RootDeleted})

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not shut down after DIE")
	}

	assert.True(t, demux.stopped)
	assert.True(t, hasher.stopped)
	assert.True(t, idx.closed)
}

func TestCoordinator_AddRootAtRuntime(t *testing.T) {
	idx := &fakeIndex{}
	demux := newFakeDemux()
	scanner := &fakeScanner{}
	hasher := &fakeHasher{}

	c := New(idx, demux, scanner, hasher, testLogger())
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.NoError(t, c.AddRootAtRuntime(context.Background(), "/newroot"))

	assert.Contains(t, idx.roots, "/newroot")
	assert.Contains(t, demux.watched, "/newroot")
	assert.Contains(t, scanner.scanned, "/newroot")
}

func TestCoordinator_ConcurrentRescanDropsEventsWithinScannedRoots(t *testing.T) {
	idx := &fakeIndex{}
	demux := newFakeDemux()
	scanner := &fakeScanner{}
	hasher := &fakeHasher{}

	c := New(idx, demux, scanner, hasher, testLogger())

	// Pre-seed an event inside the root before Start drains it, simulating
	// a mutation that raced the initial scan.
	demux.push(watch.Event{Kind: watch.Modified, Path: "/root/inside.txt"})

	idx.roots = []string{"/root"}
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// The in-root modified event must not have been dispatched to
	// scan_file_only: it was swallowed by the rescan (which re-scanned
	// /root instead), and at least two Scan calls for /root should appear
	// (the initial pass plus the re-scan triggered by the accumulator).
	waitFor(t, func() bool {
		scanner.mu.Lock()
		defer scanner.mu.Unlock()
		count := 0
		for _, p := range scanner.scanned {
			if p == "/root" {
				count++
			}
		}
		return count >= 2
	})

	scanner.mu.Lock()
	assert.Empty(t, scanner.fileOnly)
	scanner.mu.Unlock()
}

func TestCoordinator_UnknownEventKindIsFatal(t *testing.T) {
	idx := &fakeIndex{}
	demux := newFakeDemux()
	scanner := &fakeScanner{}
	hasher := &fakeHasher{}

	c := New(idx, demux, scanner, hasher, testLogger())
	require.NoError(t, c.Start(context.Background()))

	demux.push(watch.Event{Kind: watch.Kind(999)})

	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not shut down on unrecognized event")
	}
}
