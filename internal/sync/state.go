package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

const walJournalSizeLimit = 67108864 // 64 MiB WAL journal size limit

// SQLiteStore implements the Store interface using an embedded SQLite
// database with WAL mode. All sync state (item rows, the change-log
// token, the conflict ledger) is persisted here.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	itemStmts     itemStatements
	tokenStmts    tokenStatements
	conflictStmts conflictStatements
}

type itemStatements struct {
	byLocalPath, byRemoteID, listPaths, upsert, delete, rename *sql.Stmt
}

type tokenStatements struct {
	get, save *sql.Stmt
}

type conflictStatements struct {
	record, list *sql.Stmt
}

// NewStore opens the database at dbPath, applies migrations, and
// prepares all repeated statements. Use ":memory:" for tests.
func NewStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	logger.Info("opening sync state database", "path", dbPath)

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := setPragmas(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateSchema(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLiteStore{db: db, logger: logger}

	if err := s.prepareAllStatements(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("prepare statements: %w", err)
	}

	return s, nil
}

// setPragmas configures SQLite for WAL mode and safety.
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

// --- SQL query constants ---

const (
	sqlItemColumns = `local_rel_path, remote_id, remote_rel_path,
		checksum, mtime_ns, is_folder`

	sqlRowByLocalPath = `SELECT ` + sqlItemColumns +
		` FROM items WHERE local_rel_path = ?`

	sqlRowByRemoteID = `SELECT ` + sqlItemColumns +
		` FROM items WHERE remote_id = ?`

	sqlListLocalPaths = `SELECT local_rel_path FROM items
		ORDER BY local_rel_path`

	sqlUpsertItem = `INSERT INTO items (` + sqlItemColumns + `, synced_at_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(local_rel_path) DO UPDATE SET
			remote_id       = excluded.remote_id,
			remote_rel_path = excluded.remote_rel_path,
			checksum        = excluded.checksum,
			mtime_ns        = excluded.mtime_ns,
			is_folder       = excluded.is_folder,
			synced_at_ns    = excluded.synced_at_ns`

	sqlDeleteItem = `DELETE FROM items WHERE local_rel_path = ?`

	sqlRenameItem = `UPDATE items
		SET local_rel_path = ?, remote_rel_path = ?
		WHERE local_rel_path = ?`
)

const (
	sqlGetToken = `SELECT token FROM changelog_token WHERE id = 1` //nolint:gosec // SQL column, not a credential

	sqlSaveToken = `INSERT INTO changelog_token (id, token, updated_ns)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE
		SET token = excluded.token, updated_ns = excluded.updated_ns`
)

const (
	sqlRecordConflict = `INSERT INTO conflicts
		(id, path, renamed_to, local_hash, remote_hash, detected_ns)
		VALUES (?, ?, ?, ?, ?, ?)`

	sqlListConflicts = `SELECT id, path, renamed_to, local_hash,
		remote_hash, detected_ns
		FROM conflicts ORDER BY detected_ns`
)

// stmtDef maps a SQL string to the prepared statement pointer it should
// populate.
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

func (s *SQLiteStore) prepareAllStatements(ctx context.Context) error {
	return prepareAll(ctx, s.db, []stmtDef{
		{&s.itemStmts.byLocalPath, sqlRowByLocalPath, "rowByLocalPath"},
		{&s.itemStmts.byRemoteID, sqlRowByRemoteID, "rowByRemoteID"},
		{&s.itemStmts.listPaths, sqlListLocalPaths, "listLocalPaths"},
		{&s.itemStmts.upsert, sqlUpsertItem, "upsertItem"},
		{&s.itemStmts.delete, sqlDeleteItem, "deleteItem"},
		{&s.itemStmts.rename, sqlRenameItem, "renameItem"},
		{&s.tokenStmts.get, sqlGetToken, "getToken"},
		{&s.tokenStmts.save, sqlSaveToken, "saveToken"},
		{&s.conflictStmts.record, sqlRecordConflict, "recordConflict"},
		{&s.conflictStmts.list, sqlListConflicts, "listConflicts"},
	})
}

// scanRow scans a full item row into a Row struct.
func scanRow(row interface{ Scan(...any) error }) (*Row, error) {
	r := &Row{}

	var mtimeNS int64

	var isFolder int

	err := row.Scan(
		&r.LocalRelPath, &r.RemoteID, &r.RemoteRelPath,
		&r.Checksum, &mtimeNS, &isFolder,
	)
	if err != nil {
		return nil, err
	}

	if mtimeNS != 0 {
		r.Mtime = time.Unix(0, mtimeNS)
	}

	r.IsFolder = isFolder == 1

	return r, nil
}

// --- Change-log token ---

// ChangeLogToken returns the persisted change-log token, or "" when no
// fully successful run has completed yet.
func (s *SQLiteStore) ChangeLogToken(ctx context.Context) (string, error) {
	var token string

	err := s.tokenStmts.get.QueryRowContext(ctx).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}

	if err != nil {
		return "", fmt.Errorf("get change log token: %w", err)
	}

	return token, nil
}

// SaveChangeLogToken persists the change-log token. The engine calls
// this only after a run with zero failed triplets.
func (s *SQLiteStore) SaveChangeLogToken(ctx context.Context, token string) error {
	s.logger.Debug("saving change log token")

	_, err := s.tokenStmts.save.ExecContext(ctx, token, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save change log token: %w", err)
	}

	return nil
}

// --- Item rows ---

// RowByRemoteID retrieves an item row by repository object id.
// Returns (nil, nil) when no row exists; callers use the nil row to
// distinguish "never synced" from "known item".
func (s *SQLiteStore) RowByRemoteID(ctx context.Context, id string) (*Row, error) {
	row, err := scanRow(s.itemStmts.byRemoteID.QueryRowContext(ctx, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil row means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("row by remote id %s: %w", id, err)
	}

	return row, nil
}

// RowByLocalPath retrieves an item row by local relative path.
// Returns (nil, nil) when no row exists.
func (s *SQLiteStore) RowByLocalPath(ctx context.Context, relPath string) (*Row, error) {
	row, err := scanRow(s.itemStmts.byLocalPath.QueryRowContext(ctx, relPath))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // nil row means "not found"
	}

	if err != nil {
		return nil, fmt.Errorf("row by local path %q: %w", relPath, err)
	}

	return row, nil
}

// ListLocalPaths returns every stored local relative path, sorted.
func (s *SQLiteStore) ListLocalPaths(ctx context.Context) ([]string, error) {
	rows, err := s.itemStmts.listPaths.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list local paths: %w", err)
	}
	defer rows.Close()

	var paths []string

	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan local path: %w", err)
		}

		paths = append(paths, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate local paths: %w", err)
	}

	return paths, nil
}

// upsertRow inserts or updates an item row.
func (s *SQLiteStore) upsertRow(ctx context.Context, row *Row) error {
	isFolder := 0
	if row.IsFolder {
		isFolder = 1
	}

	var mtimeNS int64
	if !row.Mtime.IsZero() {
		mtimeNS = row.Mtime.UnixNano()
	}

	_, err := s.itemStmts.upsert.ExecContext(ctx,
		row.LocalRelPath, row.RemoteID, row.RemoteRelPath,
		row.Checksum, mtimeNS, isFolder, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert item %q: %w", row.LocalRelPath, err)
	}

	return nil
}

// RecordUpload persists the row after a successful upload.
func (s *SQLiteStore) RecordUpload(ctx context.Context, row *Row) error {
	s.logger.Debug("recording upload", "path", row.LocalRelPath, "remote_id", row.RemoteID)

	return s.upsertRow(ctx, row)
}

// RecordDownload persists the row after a successful download or
// refresh.
func (s *SQLiteStore) RecordDownload(ctx context.Context, row *Row) error {
	s.logger.Debug("recording download", "path", row.LocalRelPath, "remote_id", row.RemoteID)

	return s.upsertRow(ctx, row)
}

// RecordDelete removes an item row. Deleting an unknown path is a no-op.
func (s *SQLiteStore) RecordDelete(ctx context.Context, relPath string) error {
	s.logger.Debug("recording delete", "path", relPath)

	if _, err := s.itemStmts.delete.ExecContext(ctx, relPath); err != nil {
		return fmt.Errorf("delete item %q: %w", relPath, err)
	}

	return nil
}

// RecordRename repoints an item row at its conflict-renamed path.
func (s *SQLiteStore) RecordRename(ctx context.Context, oldRelPath, newRelPath string) error {
	s.logger.Debug("recording rename", "from", oldRelPath, "to", newRelPath)

	if _, err := s.itemStmts.rename.ExecContext(ctx, newRelPath, newRelPath, oldRelPath); err != nil {
		return fmt.Errorf("rename item %q: %w", oldRelPath, err)
	}

	return nil
}

// --- Conflict ledger ---

// RecordConflict appends an entry to the conflict ledger.
func (s *SQLiteStore) RecordConflict(ctx context.Context, rec *ConflictRecord) error {
	s.logger.Info("recording conflict", "id", rec.ID, "path", rec.Path)

	_, err := s.conflictStmts.record.ExecContext(ctx,
		rec.ID, rec.Path, rec.RenamedTo,
		rec.LocalHash, rec.RemoteHash, rec.DetectedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record conflict %s: %w", rec.ID, err)
	}

	return nil
}

// ListConflicts returns the conflict ledger in detection order.
func (s *SQLiteStore) ListConflicts(ctx context.Context) ([]*ConflictRecord, error) {
	rows, err := s.conflictStmts.list.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var records []*ConflictRecord

	for rows.Next() {
		r := &ConflictRecord{}

		var detectedNS int64

		err := rows.Scan(
			&r.ID, &r.Path, &r.RenamedTo,
			&r.LocalHash, &r.RemoteHash, &detectedNS,
		)
		if err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}

		r.DetectedAt = time.Unix(0, detectedNS)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflict rows: %w", err)
	}

	return records, nil
}

// Close closes all prepared statements and the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing sync state database")

	if err := s.closeStatements(); err != nil {
		s.logger.Error("error closing statements", "error", err)
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

func (s *SQLiteStore) closeStatements() error {
	stmts := []*sql.Stmt{
		s.itemStmts.byLocalPath, s.itemStmts.byRemoteID,
		s.itemStmts.listPaths, s.itemStmts.upsert,
		s.itemStmts.delete, s.itemStmts.rename,
		s.tokenStmts.get, s.tokenStmts.save,
		s.conflictStmts.record, s.conflictStmts.list,
	}

	var errs []string

	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err.Error())
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close statements: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)
