// Package store implements the transactional index: a path table recording
// (parent, name) -> (mtime, fingerprint_id), a fingerprint table recording
// content-addressed (crc, ed2k) pairs, and a roots table of monitored
// directories.
//
// It is backed by an embedded, pure-Go SQLite database in WAL mode, schema
// managed by a minimal PRAGMA user_version migration runner embedded via
// go:embed.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure-Go SQLite driver, registers as "sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	walJournalSizeLimit = 67108864 // 64 MiB WAL journal size limit
	schemaVersion       = 1
)

// ErrDuplicateRoot is returned by AddRoot when the path is already
// registered.
var ErrDuplicateRoot = errors.New("store: root already registered")

// Store is the transactional index described by the data model: a
// directory-tree path table and a deduplicated fingerprint table.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	pathStmts pathStatements
	fpStmts   fingerprintStatements
	rootStmts rootStatements
}

type pathStatements struct {
	insertFile, insertDir, updateFile, get, listChildFiles, listChildDirs *sql.Stmt
	deleteSingle, deleteSubtree, deleteSubtreeDescendants                *sql.Stmt
	renameSingle, renameSubtreeSelf, renameSubtreeDescendants            *sql.Stmt
}

type fingerprintStatements struct {
	insert, getByCRCEd2k, link, pendingBatch *sql.Stmt
}

type rootStatements struct {
	insert, list, isRoot *sql.Stmt
}

// Open opens (or creates) the index database at dbPath, applies pending
// migrations, and prepares all statements. Use ":memory:" for tests.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	logger.Info("opening index database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	logger.Info("index database ready", "path", dbPath)

	return s, nil
}

func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{fmt.Sprintf("PRAGMA journal_size_limit = %d", walJournalSizeLimit), "journal size limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	var currentVersion int

	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&currentVersion); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	logger.Debug("current schema version", "version", currentVersion)

	if currentVersion >= schemaVersion {
		logger.Debug("schema up to date", "version", currentVersion)
		return nil
	}

	for v := currentVersion + 1; v <= schemaVersion; v++ {
		if err := applyMigration(ctx, db, logger, v); err != nil {
			return err
		}
	}

	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, logger *slog.Logger, version int) error {
	filename := fmt.Sprintf("migrations/%06d_initial_schema.up.sql", version)

	migrationSQL, err := fs.ReadFile(migrationsFS, filename)
	if err != nil {
		return fmt.Errorf("read migration %d: %w", version, err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx %d: %w", version, err)
	}

	if _, execErr := tx.ExecContext(ctx, string(migrationSQL)); execErr != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("exec migration %d: %w (rollback: %v)", version, execErr, rollbackErr)
	}

	versionSQL := fmt.Sprintf("PRAGMA user_version = %d", version)
	if _, execErr := tx.ExecContext(ctx, versionSQL); execErr != nil {
		rollbackErr := tx.Rollback()
		return fmt.Errorf("stamp version %d: %w (rollback: %v)", version, execErr, rollbackErr)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}

	logger.Info("applied migration", "version", version, "file", filepath.Base(filename))

	return nil
}

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate. Used by prepareAll to eliminate repetitive error handling.
type stmtDef struct {
	dest **sql.Stmt
	sql  string
	name string
}

func prepareAll(ctx context.Context, db *sql.DB, defs []stmtDef) error {
	for i := range defs {
		stmt, err := db.PrepareContext(ctx, defs[i].sql)
		if err != nil {
			return fmt.Errorf("prepare %s: %w", defs[i].name, err)
		}

		*defs[i].dest = stmt
	}

	return nil
}

func (s *Store) prepareAllStatements(ctx context.Context) error {
	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.pathStmts.insertFile, sqlInsertFile, "insertFile"},
		{&s.pathStmts.insertDir, sqlInsertDir, "insertDir"},
		{&s.pathStmts.updateFile, sqlUpdateFile, "updateFile"},
		{&s.pathStmts.get, sqlGetPath, "getPath"},
		{&s.pathStmts.listChildFiles, sqlListChildFiles, "listChildFiles"},
		{&s.pathStmts.listChildDirs, sqlListChildDirs, "listChildDirs"},
		{&s.pathStmts.deleteSingle, sqlDeleteSingle, "deleteSingle"},
		{&s.pathStmts.deleteSubtree, sqlDeleteSubtreeSelf, "deleteSubtreeSelf"},
		{&s.pathStmts.deleteSubtreeDescendants, sqlDeleteSubtreeDescendants, "deleteSubtreeDescendants"},
		{&s.pathStmts.renameSingle, sqlRenameSingle, "renameSingle"},
		{&s.pathStmts.renameSubtreeSelf, sqlRenameSingle, "renameSubtreeSelf"},
		{&s.pathStmts.renameSubtreeDescendants, sqlRenameSubtreeDescendants, "renameSubtreeDescendants"},
	}); err != nil {
		return err
	}

	if err := prepareAll(ctx, s.db, []stmtDef{
		{&s.fpStmts.insert, sqlInsertFingerprint, "insertFingerprint"},
		{&s.fpStmts.getByCRCEd2k, sqlGetFingerprintByCRCEd2k, "getFingerprintByCRCEd2k"},
		{&s.fpStmts.link, sqlLinkFingerprint, "linkFingerprint"},
		{&s.fpStmts.pendingBatch, sqlPendingHashBatch, "pendingHashBatch"},
	}); err != nil {
		return err
	}

	return prepareAll(ctx, s.db, []stmtDef{
		{&s.rootStmts.insert, sqlInsertRoot, "insertRoot"},
		{&s.rootStmts.list, sqlListRoots, "listRoots"},
		{&s.rootStmts.isRoot, sqlIsRoot, "isRoot"},
	})
}

// Checkpoint forces a WAL checkpoint, consolidating the WAL file into the
// main database.
func (s *Store) Checkpoint() error {
	s.logger.Debug("running WAL checkpoint")

	if _, err := s.db.ExecContext(context.Background(), "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("wal checkpoint: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing index database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

func (s *Store) closeStatements() error {
	stmts := []*sql.Stmt{
		s.pathStmts.insertFile, s.pathStmts.insertDir, s.pathStmts.updateFile,
		s.pathStmts.get, s.pathStmts.listChildFiles, s.pathStmts.listChildDirs,
		s.pathStmts.deleteSingle, s.pathStmts.deleteSubtree, s.pathStmts.deleteSubtreeDescendants,
		s.pathStmts.renameSingle, s.pathStmts.renameSubtreeSelf, s.pathStmts.renameSubtreeDescendants,
		s.fpStmts.insert, s.fpStmts.getByCRCEd2k, s.fpStmts.link, s.fpStmts.pendingBatch,
		s.rootStmts.insert, s.rootStmts.list, s.rootStmts.isRoot,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt == nil {
			continue
		}

		if err := stmt.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// splitPath separates an absolute path into its parent directory and
// basename, the (parent_path, basename) identity key of an IndexedEntry.
func splitPath(path string) (parent, name string) {
	clean := filepath.Clean(path)
	return filepath.Dir(clean), filepath.Base(clean)
}

// joinPath reconstructs an absolute path from its (parent_path, basename)
// identity key.
func joinPath(parent, name string) string {
	return filepath.Join(parent, name)
}

// txStmts holds the subset of prepared statements rebound to a single
// transaction, used by batch operations that must be atomic.
type txStmts struct {
	insertFile, insertDir                      *sql.Stmt
	updateFile                                 *sql.Stmt
	deleteSubtreeSelf, deleteSubtreeDescendants *sql.Stmt
	renameSubtreeSelf, renameSubtreeDescendants *sql.Stmt
}

// withTx runs fn inside a transaction, rebinding the statements fn needs
// via sql.Tx.StmtContext, and commits on success or rolls back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx txStmts) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	t := txStmts{
		insertFile:               tx.StmtContext(ctx, s.pathStmts.insertFile),
		insertDir:                tx.StmtContext(ctx, s.pathStmts.insertDir),
		updateFile:               tx.StmtContext(ctx, s.pathStmts.updateFile),
		deleteSubtreeSelf:        tx.StmtContext(ctx, s.pathStmts.deleteSubtree),
		deleteSubtreeDescendants: tx.StmtContext(ctx, s.pathStmts.deleteSubtreeDescendants),
		renameSubtreeSelf:        tx.StmtContext(ctx, s.pathStmts.renameSubtreeSelf),
		renameSubtreeDescendants: tx.StmtContext(ctx, s.pathStmts.renameSubtreeDescendants),
	}

	if err := fn(t); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
