package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dpm-go/internal/database/migrations"
	"dpm-go/internal/dpm"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements the Database interface using SQLite.
type SQLiteDatabase struct {
	db   *sql.DB
	path string
}

// NewSQLiteDatabase opens the database at path and migrates it to the
// latest schema. path can be a file path or ":memory:".
func NewSQLiteDatabase(path string) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteDatabase{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Every connection to ":memory:" is a separate database; one writer is
	// all SQLite supports anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return db, nil
}

// Workspace operations

func (s *SQLiteDatabase) GetWorkspaceMap() (map[string]*dpm.WorkspaceEntry, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT filename, deleted, version, cr, conflicted FROM workspace_entries`)
	if err != nil {
		return nil, fmt.Errorf("reading workspace: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]*dpm.WorkspaceEntry)
	for rows.Next() {
		var (
			e       dpm.WorkspaceEntry
			version sql.NullInt64
			cr      sql.NullInt64
		)
		if err := rows.Scan(&e.Filename, &e.Deleted, &version, &cr, &e.Conflicted); err != nil {
			return nil, fmt.Errorf("scanning workspace entry: %w", err)
		}
		if version.Valid {
			e.Version = dpm.VersionPtr(dpm.Version(version.Int64))
		}
		if cr.Valid {
			id := cr.Int64
			e.CR = &id
		}
		entries[e.Filename] = &e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading workspace: %w", err)
	}
	return entries, nil
}

// WriteWorkspace replaces every workspace entry. Either all of entries is
// stored or the previous set is left untouched.
func (s *SQLiteDatabase) WriteWorkspace(entries []*dpm.WorkspaceEntry) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM workspace_entries`); err != nil {
		return fmt.Errorf("clearing workspace: %w", err)
	}
	for _, e := range entries {
		if err := insertWorkspaceEntry(ctx, tx, e, false); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertWorkspaceEntry(ctx context.Context, tx *sql.Tx, e *dpm.WorkspaceEntry, ignoreExisting bool) error {
	query := `INSERT INTO workspace_entries (filename, deleted, version, cr, conflicted) VALUES (?, ?, ?, ?, ?)`
	if ignoreExisting {
		query = `INSERT OR IGNORE INTO workspace_entries (filename, deleted, version, cr, conflicted) VALUES (?, ?, ?, ?, ?)`
	}
	var version, cr sql.NullInt64
	if e.Version != nil {
		version = sql.NullInt64{Int64: int64(*e.Version), Valid: true}
	}
	if e.CR != nil {
		cr = sql.NullInt64{Int64: *e.CR, Valid: true}
	}
	if _, err := tx.ExecContext(ctx, query, e.Filename, e.Deleted, version, cr, e.Conflicted); err != nil {
		return fmt.Errorf("inserting workspace entry %s: %w", e.Filename, err)
	}
	return nil
}

// Change request operations

// CreateChangeRequest allocates max(id)+1, so numbers of CRs are never reused.
func (s *SQLiteDatabase) CreateChangeRequest(title *string) (*dpm.ChangeRequest, error) {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM change_requests`).Scan(&id); err != nil {
		return nil, fmt.Errorf("allocating change request id: %w", err)
	}
	var t sql.NullString
	if title != nil {
		t = sql.NullString{String: *title, Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO change_requests (id, title, open, created_at) VALUES (?, ?, 1, ?)`,
		id, t, time.Now())
	if err != nil {
		return nil, fmt.Errorf("creating change request: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return &dpm.ChangeRequest{ID: id, Title: title, Open: true}, nil
}

func (s *SQLiteDatabase) FindChangeRequest(id int64) (*dpm.ChangeRequest, error) {
	row := s.db.QueryRowContext(context.Background(),
		`SELECT id, title, open FROM change_requests WHERE id = ?`, id)
	cr, err := scanChangeRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding change request: %w", err)
	}
	return cr, nil
}

func (s *SQLiteDatabase) ListChangeRequests() ([]*dpm.ChangeRequest, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, title, open FROM change_requests ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing change requests: %w", err)
	}
	defer rows.Close()

	var result []*dpm.ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning change request: %w", err)
		}
		result = append(result, cr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing change requests: %w", err)
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChangeRequest(row scanner) (*dpm.ChangeRequest, error) {
	var (
		cr    dpm.ChangeRequest
		title sql.NullString
	)
	if err := row.Scan(&cr.ID, &title, &cr.Open); err != nil {
		return nil, err
	}
	if title.Valid {
		cr.Title = &title.String
	}
	return &cr, nil
}

func (s *SQLiteDatabase) SetChangeRequestOpen(id int64, open bool) error {
	res, err := s.db.ExecContext(context.Background(),
		`UPDATE change_requests SET open = ? WHERE id = ?`, open, id)
	if err != nil {
		return fmt.Errorf("updating change request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating change request: %w", err)
	}
	if n == 0 {
		return &dpm.NotFoundError{Path: fmt.Sprintf("CR#%d", id)}
	}
	return nil
}

func (s *SQLiteDatabase) GetDeletedFiles(cr int64) ([]dpm.CRDeleted, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT filename, version FROM cr_deleted_files WHERE cr = ? ORDER BY id`, cr)
	if err != nil {
		return nil, fmt.Errorf("reading deleted files: %w", err)
	}
	defer rows.Close()

	var result []dpm.CRDeleted
	for rows.Next() {
		var (
			d       dpm.CRDeleted
			version int64
		)
		if err := rows.Scan(&d.Filename, &version); err != nil {
			return nil, fmt.Errorf("scanning deleted file: %w", err)
		}
		d.Version = dpm.Version(version)
		result = append(result, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading deleted files: %w", err)
	}
	return result, nil
}

// RecordCRDeletion appends to the CR's deletion ledger and makes sure the
// marker workspace entry exists, in a single transaction.
func (s *SQLiteDatabase) RecordCRDeletion(cr int64, deleted dpm.CRDeleted, marker *dpm.WorkspaceEntry) error {
	ctx := context.Background()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO cr_deleted_files (cr, filename, version) VALUES (?, ?, ?)`,
		cr, deleted.Filename, int64(deleted.Version))
	if err != nil {
		return fmt.Errorf("recording deletion of %s in CR#%d: %w", deleted.Filename, cr, err)
	}
	if err := insertWorkspaceEntry(ctx, tx, marker, true); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Operation log

func (s *SQLiteDatabase) CreateOperation(operation string, parameters string) (*dpm.Operation, error) {
	startedAt := time.Now()
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO operations (operation, parameters, started_at, status) VALUES (?, ?, ?, 'running')`,
		operation, parameters, startedAt)
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("creating operation: %w", err)
	}
	return &dpm.Operation{
		ID:         id,
		Operation:  operation,
		Parameters: parameters,
		StartedAt:  startedAt,
		Status:     "running",
	}, nil
}

func (s *SQLiteDatabase) FinishOperation(id int64, status string) error {
	_, err := s.db.ExecContext(context.Background(),
		`UPDATE operations SET finished_at = ?, status = ? WHERE id = ?`,
		time.Now(), status, id)
	if err != nil {
		return fmt.Errorf("finishing operation: %w", err)
	}
	return nil
}

// ListOperations returns up to limit operations, newest first.
func (s *SQLiteDatabase) ListOperations(limit int) ([]*dpm.Operation, error) {
	rows, err := s.db.QueryContext(context.Background(),
		`SELECT id, operation, parameters, started_at, finished_at, status
		 FROM operations ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var result []*dpm.Operation
	for rows.Next() {
		var op dpm.Operation
		if err := rows.Scan(&op.ID, &op.Operation, &op.Parameters, &op.StartedAt, &op.FinishedAt, &op.Status); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		result = append(result, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	return result, nil
}

// Path returns the database file path (or ":memory:" for in-memory databases).
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo creates a complete copy of the database at destPath using VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(destPath string) error {
	if _, err := s.db.Exec("VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

var _ dpm.Database = (*SQLiteDatabase)(nil)
