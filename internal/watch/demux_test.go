package watch

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dirmirror/pathwatch/internal/watch/rawevent"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSource is an in-memory stand-in for rawevent.Reader: AddWatch hands
// out sequential descriptors, and tests push batches of events for Read to
// return.
type fakeSource struct {
	mu      sync.Mutex
	nextWd  int32
	closed  bool
	events  chan []rawevent.Event
	watches map[int32]string

	// addWatchErr, if set, is returned by AddWatch for this path.
	addWatchErr map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		nextWd:      1,
		events:      make(chan []rawevent.Event, 64),
		watches:     make(map[int32]string),
		addWatchErr: make(map[string]error),
	}
}

func (f *fakeSource) AddWatch(path string, mask uint32) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.addWatchErr[path]; ok {
		return 0, err
	}

	wd := f.nextWd
	f.nextWd++
	f.watches[wd] = path
	return wd, nil
}

func (f *fakeSource) RemoveWatch(wd int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.watches[wd]; !ok {
		return errors.New("unknown watch descriptor")
	}
	delete(f.watches, wd)
	return nil
}

func (f *fakeSource) Read() ([]rawevent.Event, error) {
	batch, ok := <-f.events
	if !ok {
		return nil, errors.New("fakeSource: closed")
	}
	return batch, nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
	return nil
}

func (f *fakeSource) push(events ...rawevent.Event) {
	f.events <- events
}

func requireEvent(t *testing.T, out <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-out:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func requireNoEvent(t *testing.T, out <-chan Event) {
	t.Helper()
	select {
	case ev := <-out:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDemultiplexer_ModifiedEvent(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger())
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	src.push(rawevent.Event{Wd: 1, Mask: 0x00000008 /* IN_CLOSE_WRITE */, Name: "a.txt"})

	ev := requireEvent(t, dm.Events())
	assert.Equal(t, Modified, ev.Kind)
	assert.Equal(t, "/root/a.txt", ev.Path)
}

func TestDemultiplexer_CreateDirAddsWatchAndEmits(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger())
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	src.push(rawevent.Event{Wd: 1, Mask: 0x100 /* IN_CREATE */ | 0x40000000 /* IN_ISDIR */, Name: "sub"})

	ev := requireEvent(t, dm.Events())
	assert.Equal(t, NewDir, ev.Kind)
	assert.Equal(t, "/root/sub", ev.Path)

	// Verify the new directory got a watch: a subsequent event referencing
	// it by the next sequential wd should resolve.
	src.push(rawevent.Event{Wd: 2, Mask: 0x100, Name: "nested.txt"})
	requireNoEvent(t, dm.Events()) // IN_CREATE on a file emits nothing

	src.push(rawevent.Event{Wd: 2, Mask: 0x00000008 /* IN_CLOSE_WRITE */, Name: "nested.txt"})
	ev = requireEvent(t, dm.Events())
	assert.Equal(t, Modified, ev.Kind)
	assert.Equal(t, "/root/sub/nested.txt", ev.Path)
}

func TestDemultiplexer_CreateFileEmitsNothing(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger())
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	src.push(rawevent.Event{Wd: 1, Mask: 0x100, Name: "f.txt"})
	requireNoEvent(t, dm.Events())
}

func TestDemultiplexer_DeleteFileAndDir(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger())
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	src.push(rawevent.Event{Wd: 1, Mask: 0x200 /* IN_DELETE */, Name: "gone.txt"})
	ev := requireEvent(t, dm.Events())
	assert.Equal(t, RemoveFile, ev.Kind)
	assert.Equal(t, "/root/gone.txt", ev.Path)

	src.push(rawevent.Event{Wd: 1, Mask: 0x200 | 0x40000000, Name: "gonedir"})
	ev = requireEvent(t, dm.Events())
	assert.Equal(t, RemoveDir, ev.Kind)
	assert.Equal(t, "/root/gonedir", ev.Path)
}

func TestDemultiplexer_CompletedMoveWithinWatchedTree(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger(), WithMoveResolutionDelay(time.Hour))
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	const cookie = 42
	src.push(rawevent.Event{Wd: 1, Mask: 0x40 /* IN_MOVED_FROM */, Cookie: cookie, Name: "old.txt"})
	requireNoEvent(t, dm.Events())

	src.push(rawevent.Event{Wd: 1, Mask: 0x80 /* IN_MOVED_TO */, Cookie: cookie, Name: "new.txt"})
	ev := requireEvent(t, dm.Events())
	assert.Equal(t, MoveFile, ev.Kind)
	assert.Equal(t, "/root/old.txt", ev.Src)
	assert.Equal(t, "/root/new.txt", ev.Path)
}

func TestDemultiplexer_UnresolvedMoveTimesOutToDelete(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger(), WithMoveResolutionDelay(30*time.Millisecond))
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	const cookie = 7
	src.push(rawevent.Event{Wd: 1, Mask: 0x40, Cookie: cookie, Name: "left.txt"})

	ev := requireEvent(t, dm.Events())
	assert.Equal(t, RemoveFile, ev.Kind)
	assert.Equal(t, "/root/left.txt", ev.Path)
}

func TestDemultiplexer_MovedToWithUnknownCookieIsTreatedAsNew(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger())
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	src.push(rawevent.Event{Wd: 1, Mask: 0x80, Cookie: 99, Name: "arrived.txt"})
	ev := requireEvent(t, dm.Events())
	assert.Equal(t, Modified, ev.Kind)
	assert.Equal(t, "/root/arrived.txt", ev.Path)
}

func TestDemultiplexer_QueueOverflowIsFatal(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger())
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	src.push(rawevent.Event{Wd: -1, Mask: 0x4000 /* IN_Q_OVERFLOW */})
	ev := requireEvent(t, dm.Events())
	assert.Equal(t, Die, ev.Kind)
	assert.Equal(t, QueueOverflow, ev.Reason)
}

func TestDemultiplexer_RootDeletedIsFatal(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger())
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	src.push(rawevent.Event{Wd: 1, Mask: 0x400 /* IN_DELETE_SELF */})
	ev := requireEvent(t, dm.Events())
	assert.Equal(t, Die, ev.Kind)
	assert.Equal(t, RootDeleted, ev.Reason)
}

func TestDemultiplexer_RootMovedIsFatal(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger())
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	src.push(rawevent.Event{Wd: 1, Mask: 0x800 /* IN_MOVE_SELF */})
	ev := requireEvent(t, dm.Events())
	assert.Equal(t, Die, ev.Kind)
	assert.Equal(t, RootMoved, ev.Reason)
}

func TestDemultiplexer_DieIsEmittedOnlyOnce(t *testing.T) {
	src := newFakeSource()
	dm := New(src, testLogger())
	require.NoError(t, dm.AddRoot("/root"))

	dm.Start()
	defer dm.Stop()

	src.push(rawevent.Event{Wd: 1, Mask: 0x400})
	ev := requireEvent(t, dm.Events())
	assert.Equal(t, Die, ev.Kind)

	src.push(rawevent.Event{Wd: 1, Mask: 0x400})
	requireNoEvent(t, dm.Events())
}
