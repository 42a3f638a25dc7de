// Package scanner implements stat-based differential reconciliation of a
// filesystem subtree against the index store: bootstrap population and
// drift repair after bursts of watch events the demultiplexer may have
// missed or coalesced.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dirmirror/pathwatch/internal/store"
)

// Index is the subset of the store's operations the Scanner depends on.
type Index interface {
	Get(ctx context.Context, path string) (store.Entry, bool, error)
	InsertDir(ctx context.Context, path string) error
	InsertFile(ctx context.Context, path string, mtime int64) error
	UpdateFile(ctx context.Context, path string, mtime int64) error
	InsertDirs(ctx context.Context, parent string, names []string) error
	InsertFiles(ctx context.Context, batch []store.FileBatchEntry) error
	UpdateFiles(ctx context.Context, batch []store.FileBatchEntry) error
	DeleteSingle(ctx context.Context, path string) error
	DeleteSubtree(ctx context.Context, path string) error
	ListChildren(ctx context.Context, parent string) (files map[string]int64, dirs map[string]struct{}, err error)
}

// Scanner reconciles the index to the live state of a subtree via a stat
// walk. The Coordinator is the only caller, and only while holding its
// serializing lock: the Scanner must be the sole writer of path-entry rows
// while a scan is in progress.
type Scanner struct {
	index  Index
	logger *slog.Logger
}

// New creates a Scanner backed by index.
func New(index Index, logger *slog.Logger) *Scanner {
	return &Scanner{index: index, logger: logger}
}

// Scan reconciles the index to the current state of path: a directory or a
// file, present or absent.
func (s *Scanner) Scan(ctx context.Context, path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s.index.DeleteSubtree(ctx, path)
	}
	if err != nil {
		return fmt.Errorf("scanner: stat %s: %w", path, err)
	}

	if info.IsDir() {
		return s.scanDir(ctx, path)
	}

	return s.scanFile(ctx, path, true)
}

// ScanFileOnly reconciles the index for a path known to be file-level (an
// event classified "modified"). It early-outs if path turns out to be a
// directory.
func (s *Scanner) ScanFileOnly(ctx context.Context, path string) error {
	return s.scanFile(ctx, path, false)
}

// scanDir implements §4.3 step 2: reconcile path as a directory, then walk
// its subtree, reconciling every visited directory's children.
func (s *Scanner) scanDir(ctx context.Context, path string) error {
	entry, ok, err := s.index.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("scanner: get %s: %w", path, err)
	}

	switch {
	case !ok:
		if err := s.index.InsertDir(ctx, path); err != nil {
			return fmt.Errorf("scanner: insert dir %s: %w", path, err)
		}
	case entry.Mtime != 0:
		// Was known as a file; replace with a directory row.
		if err := s.index.DeleteSingle(ctx, path); err != nil {
			return fmt.Errorf("scanner: delete stale file row %s: %w", path, err)
		}
		if err := s.index.InsertDir(ctx, path); err != nil {
			return fmt.Errorf("scanner: insert dir %s: %w", path, err)
		}
	}

	return s.walk(ctx, path)
}

// walk reconciles one directory's children against the index, then
// recurses into every subdirectory the walk observed.
func (s *Scanner) walk(ctx context.Context, dir string) error {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("scanner: read dir %s: %w", dir, err)
	}

	newDirs := make(map[string]struct{})
	newFiles := make(map[string]struct{})

	for _, de := range dirEntries {
		if de.Type()&fs.ModeSymlink != 0 {
			continue // symlinks are never followed nor indexed
		}

		if de.IsDir() {
			newDirs[de.Name()] = struct{}{}
		} else {
			newFiles[de.Name()] = struct{}{}
		}
	}

	oldFiles, oldDirs, err := s.index.ListChildren(ctx, dir)
	if err != nil {
		return fmt.Errorf("scanner: list children %s: %w", dir, err)
	}

	for name := range oldDirs {
		if _, still := newDirs[name]; !still {
			if err := s.index.DeleteSubtree(ctx, filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("scanner: delete removed dir %s/%s: %w", dir, name, err)
			}
		}
	}

	for name := range oldFiles {
		if _, still := newFiles[name]; !still {
			if err := s.index.DeleteSingle(ctx, filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("scanner: delete removed file %s/%s: %w", dir, name, err)
			}
		}
	}

	var newDirNames []string
	for name := range newDirs {
		if _, existed := oldDirs[name]; !existed {
			newDirNames = append(newDirNames, name)
		}
	}
	if len(newDirNames) > 0 {
		if err := s.index.InsertDirs(ctx, dir, newDirNames); err != nil {
			return fmt.Errorf("scanner: insert dirs under %s: %w", dir, err)
		}
	}

	var inserts, updates []store.FileBatchEntry

	for name := range newFiles {
		childPath := filepath.Join(dir, name)

		info, err := os.Lstat(childPath)
		if errors.Is(err, fs.ErrNotExist) {
			continue // disappeared between ReadDir and stat
		}
		if err != nil {
			return fmt.Errorf("scanner: stat %s: %w", childPath, err)
		}

		observed := info.ModTime().Unix()

		oldMtime, existed := oldFiles[name]
		switch {
		case !existed:
			inserts = append(inserts, store.FileBatchEntry{Path: childPath, Mtime: observed})
		case oldMtime < observed:
			updates = append(updates, store.FileBatchEntry{Path: childPath, Mtime: observed})
		}
	}

	if len(inserts) > 0 {
		if err := s.index.InsertFiles(ctx, inserts); err != nil {
			return fmt.Errorf("scanner: insert files under %s: %w", dir, err)
		}
	}
	if len(updates) > 0 {
		if err := s.index.UpdateFiles(ctx, updates); err != nil {
			return fmt.Errorf("scanner: update files under %s: %w", dir, err)
		}
	}

	for name := range newDirs {
		if err := s.walk(ctx, filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	return nil
}

// scanFile repairs the index's record of a single path (and, when full is
// true, recurses into it via scanDir if it turns out to be a directory).
// ScanFileOnly passes full=false: since it runs without the caller having
// already confirmed the live path isn't a directory, it must check the live
// filesystem state before touching any stale-directory index row, so a
// spurious "modified" event for a path that is still genuinely a directory
// never wipes that subtree.
func (s *Scanner) scanFile(ctx context.Context, path string, full bool) error {
	entry, ok, err := s.index.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("scanner: get %s: %w", path, err)
	}

	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		if ok {
			if entry.Mtime == 0 {
				if err := s.index.DeleteSubtree(ctx, path); err != nil {
					return fmt.Errorf("scanner: delete stale dir row %s: %w", path, err)
				}
			} else if err := s.index.DeleteSingle(ctx, path); err != nil {
				return fmt.Errorf("scanner: delete vanished file %s: %w", path, err)
			}
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("scanner: stat %s: %w", path, err)
	}

	if info.IsDir() {
		if !full {
			return nil // scan_file_only early-out: path is still a live directory
		}
		return s.scanDir(ctx, path)
	}

	if ok && entry.Mtime == 0 {
		if err := s.index.DeleteSubtree(ctx, path); err != nil {
			return fmt.Errorf("scanner: delete stale dir row %s: %w", path, err)
		}
		ok = false
	}

	observed := info.ModTime().Unix()

	switch {
	case !ok:
		if err := s.index.InsertFile(ctx, path, observed); err != nil {
			return fmt.Errorf("scanner: insert file %s: %w", path, err)
		}
	case observed > entry.Mtime:
		if err := s.index.UpdateFile(ctx, path, observed); err != nil {
			return fmt.Errorf("scanner: update file %s: %w", path, err)
		}
	}

	return nil
}
