// Package scheduler implements a deferred-callback scheduler: register a
// callback to fire after a delay keyed by an opaque identifier, cancellable
// any time before it fires.
//
// The design is a min-heap keyed by absolute fire time plus a parallel
// identifier table holding each item's current scheduled instant. A single
// dispatch goroutine peeks the heap and sleeps until the next fire time,
// waking early whenever a shorter-deadline item is added or the scheduler
// is stopped, via a wakeup channel standing in for a self-pipe.
package scheduler

import (
	"container/heap"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrDuplicateID is returned by Add when the given identifier is already
// pending.
var ErrDuplicateID = errors.New("scheduler: identifier already present")

// Callback is invoked when a scheduled item fires. args is passed through
// unchanged from the matching Add call.
type Callback func(args any)

type heapEntry struct {
	instant time.Time
	id      any
	seq     uint64 // breaks ties between equal instants, FIFO among equal delays
}

type pendingItem struct {
	instant  time.Time
	callback Callback
	args     any
}

type itemHeap []heapEntry

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].instant.Equal(h[j].instant) {
		return h[i].seq < h[j].seq
	}
	return h[i].instant.Before(h[j].instant)
}
func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x any)   { *h = append(*h, x.(heapEntry)) }
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Scheduler fires callbacks after a per-item delay, cancellable up to the
// firing instant. The zero value is not usable; construct with New.
type Scheduler struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	heap    itemHeap
	content map[any]pendingItem
	seq     uint64

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithClock overrides the scheduler's time source. Intended for tests that
// need deterministic fire ordering without real sleeps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// New creates a Scheduler. Call Start to begin dispatching.
func New(logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:  logger,
		now:     time.Now,
		content: make(map[any]pendingItem),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Start launches the dispatch goroutine. Safe to call once; subsequent
// calls are no-ops.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Add registers callback(args) to fire after delay. id is an opaque
// equality key; re-adding an id already pending fails with ErrDuplicateID.
func (s *Scheduler) Add(delay time.Duration, id any, callback Callback, args any) error {
	instant := s.now().Add(delay)

	s.mu.Lock()
	if _, exists := s.content[id]; exists {
		s.mu.Unlock()
		return ErrDuplicateID
	}

	s.content[id] = pendingItem{instant: instant, callback: callback, args: args}
	s.seq++
	heap.Push(&s.heap, heapEntry{instant: instant, id: id, seq: s.seq})
	s.mu.Unlock()

	s.wakeDispatcher()

	return nil
}

// Cancel removes a pending entry if still pending. Cancelling an unknown id
// is a no-op, not an error.
func (s *Scheduler) Cancel(id any) {
	s.mu.Lock()
	delete(s.content, id)
	s.mu.Unlock()
}

// Stop halts the dispatch goroutine promptly. Callbacks pending at stop
// time are not guaranteed to fire. Safe to call more than once.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	<-s.done
}

func (s *Scheduler) wakeDispatcher() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for s.heap.Len() > 0 {
			top := s.heap[0]
			item, exists := s.content[top.id]
			if !exists || !item.instant.Equal(top.instant) {
				heap.Pop(&s.heap) // cancelled, or re-added under the same id with a new instant
				continue
			}
			break
		}

		if s.heap.Len() == 0 {
			s.mu.Unlock()

			select {
			case <-s.stop:
				return
			case <-s.wake:
				continue
			}
		}

		top := s.heap[0]
		wait := top.instant.Sub(s.now())
		s.mu.Unlock()

		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-s.stop:
				timer.Stop()
				return
			case <-s.wake:
				timer.Stop()
				continue // re-evaluate: a shorter-deadline item may have been added
			case <-timer.C:
			}
		}

		s.mu.Lock()
		top = s.heap[0]
		item, exists := s.content[top.id]
		if !exists || !item.instant.Equal(top.instant) {
			heap.Pop(&s.heap)
			s.mu.Unlock()
			continue
		}
		heap.Pop(&s.heap)
		delete(s.content, top.id)
		s.mu.Unlock()

		item.callback(item.args)
	}
}
