package store

import (
	"context"
	"fmt"
	"strings"
)

// escapeLike escapes SQL LIKE metacharacters (%, _, \) in a literal string
// so it can be used as a literal prefix with the ESCAPE '\' clause.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func descendantPattern(path string) string {
	return escapeLike(path) + `/%`
}

// InsertFile inserts (or overwrites) a file row with the given mtime,
// resetting fingerprint_id to 0.
func (s *Store) InsertFile(ctx context.Context, path string, mtime int64) error {
	parent, name := splitPath(path)

	if _, err := s.pathStmts.insertFile.ExecContext(ctx, parent, name, mtime); err != nil {
		return fmt.Errorf("insert file %s: %w", path, err)
	}

	return nil
}

// InsertDir inserts (or overwrites) a directory row (mtime=0,
// fingerprint_id=0).
func (s *Store) InsertDir(ctx context.Context, path string) error {
	parent, name := splitPath(path)

	if _, err := s.pathStmts.insertDir.ExecContext(ctx, parent, name); err != nil {
		return fmt.Errorf("insert dir %s: %w", path, err)
	}

	return nil
}

// FileBatchEntry is one (path, mtime) pair for a batch insert or update.
type FileBatchEntry struct {
	Path  string
	Mtime int64
}

// InsertFiles bulk-inserts file rows inside a single transaction.
func (s *Store) InsertFiles(ctx context.Context, batch []FileBatchEntry) error {
	return s.withTx(ctx, func(tx txStmts) error {
		for _, e := range batch {
			parent, name := splitPath(e.Path)
			if _, err := tx.insertFile.ExecContext(ctx, parent, name, e.Mtime); err != nil {
				return fmt.Errorf("insert file %s: %w", e.Path, err)
			}
		}

		return nil
	})
}

// InsertDirs bulk-inserts directory rows (all children of parent) inside a
// single transaction.
func (s *Store) InsertDirs(ctx context.Context, parent string, names []string) error {
	return s.withTx(ctx, func(tx txStmts) error {
		for _, name := range names {
			if _, err := tx.insertDir.ExecContext(ctx, parent, name); err != nil {
				return fmt.Errorf("insert dir %s/%s: %w", parent, name, err)
			}
		}

		return nil
	})
}

// UpdateFile updates an existing file row's mtime and unconditionally
// zeroes fingerprint_id — modifying a file invalidates any existing
// fingerprint.
func (s *Store) UpdateFile(ctx context.Context, path string, mtime int64) error {
	parent, name := splitPath(path)

	if _, err := s.pathStmts.updateFile.ExecContext(ctx, mtime, parent, name); err != nil {
		return fmt.Errorf("update file %s: %w", path, err)
	}

	return nil
}

// UpdateFiles bulk-updates file rows inside a single transaction.
func (s *Store) UpdateFiles(ctx context.Context, batch []FileBatchEntry) error {
	return s.withTx(ctx, func(tx txStmts) error {
		for _, e := range batch {
			parent, name := splitPath(e.Path)
			if _, err := tx.updateFile.ExecContext(ctx, e.Mtime, parent, name); err != nil {
				return fmt.Errorf("update file %s: %w", e.Path, err)
			}
		}

		return nil
	})
}

// Entry is a row's (mtime, fingerprint_id) pair. mtime==0 marks a
// directory; fingerprint_id==0 marks a file not yet hashed.
type Entry struct {
	Mtime         int64
	FingerprintID int64
}

// Get returns the row for path, or ok=false if it is absent.
func (s *Store) Get(ctx context.Context, path string) (entry Entry, ok bool, err error) {
	parent, name := splitPath(path)

	row := s.pathStmts.get.QueryRowContext(ctx, parent, name)
	if scanErr := row.Scan(&entry.Mtime, &entry.FingerprintID); scanErr != nil {
		if isNoRows(scanErr) {
			return Entry{}, false, nil
		}

		return Entry{}, false, fmt.Errorf("get %s: %w", path, scanErr)
	}

	return entry, true, nil
}

// ListChildren returns a parent directory's immediate children: a
// filename->mtime map for file entries and a set of directory names.
func (s *Store) ListChildren(ctx context.Context, parent string) (files map[string]int64, dirs map[string]struct{}, err error) {
	files = make(map[string]int64)
	dirs = make(map[string]struct{})

	fileRows, err := s.pathStmts.listChildFiles.QueryContext(ctx, parent)
	if err != nil {
		return nil, nil, fmt.Errorf("list child files %s: %w", parent, err)
	}
	defer fileRows.Close()

	for fileRows.Next() {
		var name string
		var mtime int64
		if err := fileRows.Scan(&name, &mtime); err != nil {
			return nil, nil, fmt.Errorf("scan child file %s: %w", parent, err)
		}
		files[name] = mtime
	}
	if err := fileRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list child files %s: %w", parent, err)
	}

	dirRows, err := s.pathStmts.listChildDirs.QueryContext(ctx, parent)
	if err != nil {
		return nil, nil, fmt.Errorf("list child dirs %s: %w", parent, err)
	}
	defer dirRows.Close()

	for dirRows.Next() {
		var name string
		if err := dirRows.Scan(&name); err != nil {
			return nil, nil, fmt.Errorf("scan child dir %s: %w", parent, err)
		}
		dirs[name] = struct{}{}
	}
	if err := dirRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("list child dirs %s: %w", parent, err)
	}

	return files, dirs, nil
}

// DeleteSingle removes the entry for path, leaving any descendants
// untouched (the caller is responsible for not calling this on a
// directory with children still referencing it as a parent).
func (s *Store) DeleteSingle(ctx context.Context, path string) error {
	parent, name := splitPath(path)

	if _, err := s.pathStmts.deleteSingle.ExecContext(ctx, parent, name); err != nil {
		return fmt.Errorf("delete single %s: %w", path, err)
	}

	return nil
}

// DeleteSubtree removes the entry for path plus every entry whose parent
// is path or a lexicographic descendant of path.
func (s *Store) DeleteSubtree(ctx context.Context, path string) error {
	parent, name := splitPath(path)

	return s.withTx(ctx, func(tx txStmts) error {
		if _, err := tx.deleteSubtreeSelf.ExecContext(ctx, parent, name); err != nil {
			return fmt.Errorf("delete subtree self %s: %w", path, err)
		}

		if _, err := tx.deleteSubtreeDescendants.ExecContext(ctx, path, descendantPattern(path)); err != nil {
			return fmt.Errorf("delete subtree descendants %s: %w", path, err)
		}

		return nil
	})
}

// MoveSingle renames a file entry's identity key from old_path to
// new_path, leaving any descendants (there should be none for a file)
// untouched.
func (s *Store) MoveSingle(ctx context.Context, oldPath, newPath string) error {
	oldParent, oldName := splitPath(oldPath)
	newParent, newName := splitPath(newPath)

	if _, err := s.pathStmts.renameSingle.ExecContext(ctx, newParent, newName, oldParent, oldName); err != nil {
		return fmt.Errorf("move single %s -> %s: %w", oldPath, newPath, err)
	}

	return nil
}

// MoveSubtree rewrites the entry for old_prefix plus the parent column of
// every descendant, preserving the relative structure under new_prefix.
func (s *Store) MoveSubtree(ctx context.Context, oldPrefix, newPrefix string) error {
	oldParent, oldName := splitPath(oldPrefix)
	newParent, newName := splitPath(newPrefix)

	return s.withTx(ctx, func(tx txStmts) error {
		if _, err := tx.renameSubtreeSelf.ExecContext(ctx, newParent, newName, oldParent, oldName); err != nil {
			return fmt.Errorf("move subtree self %s -> %s: %w", oldPrefix, newPrefix, err)
		}

		// SUBSTR is 1-based in SQLite; the descendant's parent is
		// old_prefix + "/" + rest, so skip len(oldPrefix) characters and
		// keep "/" + rest to splice after new_prefix.
		substrFrom := len(oldPrefix) + 1

		if _, err := tx.renameSubtreeDescendants.ExecContext(ctx,
			newPrefix, substrFrom, oldPrefix, descendantPattern(oldPrefix),
		); err != nil {
			return fmt.Errorf("move subtree descendants %s -> %s: %w", oldPrefix, newPrefix, err)
		}

		return nil
	})
}
