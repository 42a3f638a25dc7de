// Package hasher implements the background worker that drains
// un-fingerprinted rows from the index, streams each file through CRC32
// and the ed2k chunked-MD4 algorithm, and writes back content-addressed
// fingerprint rows with many-to-one deduplication.
package hasher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dirmirror/pathwatch/internal/store"
	"github.com/dirmirror/pathwatch/pkg/ed2k"
)

// defaultBatchSize is N in pending_hash_batch(N).
const defaultBatchSize = 10

// Index is the subset of the store's operations the Hasher depends on.
type Index interface {
	PendingHashBatch(ctx context.Context, limit int) ([]string, error)
	UpsertFingerprint(ctx context.Context, crc, ed2k string) (int64, error)
	Link(ctx context.Context, path string, id int64) (int64, error)
	DeleteSubtree(ctx context.Context, path string) error
}

// Hasher is the background fingerprinting worker. The zero value is not
// usable; construct with New.
type Hasher struct {
	index     Index
	logger    *slog.Logger
	batchSize int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

// Option configures a Hasher at construction time.
type Option func(*Hasher)

// WithBatchSize overrides the default pending_hash_batch size (10).
func WithBatchSize(n int) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.batchSize = n
		}
	}
}

// New creates a Hasher backed by index. Call Start to begin the
// background loop.
func New(index Index, logger *slog.Logger, opts ...Option) *Hasher {
	h := &Hasher{
		index:     index,
		logger:    logger,
		batchSize: defaultBatchSize,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Start launches the background loop. Safe to call once; subsequent calls
// are no-ops.
func (h *Hasher) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		go h.run(ctx)
	})
}

// Notify wakes the loop if it is blocked waiting for work. Edge-triggered:
// one notify may satisfy multiple pending batches, and a notify with no
// corresponding new work is harmless.
func (h *Hasher) Notify() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Stop halts the background loop and waits for it to exit.
func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.done
}

func (h *Hasher) run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-h.stop:
			return
		case <-ctx.Done():
			return
		default:
		}

		batch, err := h.index.PendingHashBatch(ctx, h.batchSize)
		if err != nil {
			h.logger.Error("hasher: pending hash batch failed", "error", err)
			batch = nil
		}

		if len(batch) == 0 {
			select {
			case <-h.stop:
				return
			case <-ctx.Done():
				return
			case <-h.wake:
				continue
			}
		}

		for _, path := range batch {
			h.hashOne(ctx, path)
		}
	}
}

// hashOne computes and links the fingerprint for a single path. On I/O
// failure the path row is deleted — the next scan will repair the index
// if the file is actually still present.
func (h *Hasher) hashOne(ctx context.Context, path string) {
	fp, err := h.stream(path)
	if err != nil {
		h.logger.Warn("hasher: hashing failed, deleting index row", "path", path, "error", err)

		if delErr := h.index.DeleteSubtree(ctx, path); delErr != nil {
			h.logger.Error("hasher: failed to delete row after hash failure", "path", path, "error", delErr)
		}

		return
	}

	id, err := h.index.UpsertFingerprint(ctx, fp.CRC, fp.Ed2k)
	if err != nil {
		h.logger.Error("hasher: upsert fingerprint failed", "path", path, "error", err)
		return
	}

	if _, err := h.index.Link(ctx, path, id); err != nil {
		h.logger.Error("hasher: link failed", "path", path, "error", err)
	}
	// A zero rows_affected is accepted: the row vanished, or a racing
	// scanner observation of a modified file already zeroed the
	// fingerprint_id. The next batch will pick the path up again.
}

// stream computes a path's ed2k fingerprint by reading it from disk.
// Empty files fail per the ed2k spec: they have no representable hash.
func (h *Hasher) stream(path string) (ed2k.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return ed2k.Fingerprint{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	fp, err := ed2k.Sum(f)
	if err != nil {
		if errors.Is(err, ed2k.ErrEmptyFile) {
			return ed2k.Fingerprint{}, fmt.Errorf("hash %s: %w", path, err)
		}
		return ed2k.Fingerprint{}, fmt.Errorf("hash %s: %w", path, err)
	}

	return fp, nil
}
