// Package sqlite implements storage.Store on a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/michaelbrown/crucible/internal/storage"

	_ "modernc.org/sqlite"
)

// saveAttempts bounds the retry loop on upserts; transient lock
// contention is the usual cause.
const saveAttempts = 3

// Store implements storage.Store backed by a SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs
// migrations. Use ":memory:" for an in-memory database (useful for
// testing).
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each pooled connection would otherwise see its own empty
		// in-memory database.
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) SaveExecution(ctx context.Context, e *storage.Execution) error {
	e.UpdatedAt = time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = e.UpdatedAt
	}

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO executions
				(id, project_id, file_id, user_id, language, status, stdout, stderr,
				 exit_code, truncated, wall_time_ms, memory_bytes, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status       = excluded.status,
				stdout       = excluded.stdout,
				stderr       = excluded.stderr,
				exit_code    = excluded.exit_code,
				truncated    = excluded.truncated,
				wall_time_ms = excluded.wall_time_ms,
				memory_bytes = excluded.memory_bytes,
				updated_at   = excluded.updated_at`,
			e.ID, e.ProjectID, e.FileID, e.UserID, e.Language, e.Status,
			e.Stdout, e.Stderr, e.ExitCode, boolToInt(e.Truncated),
			e.WallTimeMS, e.MemoryBytes,
			e.CreatedAt.Format(time.RFC3339Nano), e.UpdatedAt.Format(time.RFC3339Nano),
		)
		return err
	})
}

func (s *Store) GetExecution(ctx context.Context, id string) (*storage.Execution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, file_id, user_id, language, status, stdout, stderr,
		       exit_code, truncated, wall_time_ms, memory_bytes, created_at, updated_at
		FROM executions WHERE id = ?`, id)

	e, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("execution %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying execution: %w", err)
	}
	return e, nil
}

func (s *Store) ListExecutions(ctx context.Context, projectID string, limit int) ([]storage.Execution, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, file_id, user_id, language, status, stdout, stderr,
		       exit_code, truncated, wall_time_ms, memory_bytes, created_at, updated_at
		FROM executions WHERE project_id = ?
		ORDER BY created_at DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}
	defer rows.Close()

	var execs []storage.Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, *e)
	}
	return execs, rows.Err()
}

func (s *Store) SaveSessionState(ctx context.Context, st *storage.SessionState) error {
	st.UpdatedAt = time.Now().UTC()

	return s.withRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO session_states (project_id, surface_id, content, sequence, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(project_id, surface_id) DO UPDATE SET
				content    = excluded.content,
				sequence   = excluded.sequence,
				updated_at = excluded.updated_at`,
			st.ProjectID, st.SurfaceID, st.Content, st.Sequence,
			st.UpdatedAt.Format(time.RFC3339Nano),
		)
		return err
	})
}

func (s *Store) LoadSessionState(ctx context.Context, projectID, surfaceID string) (*storage.SessionState, error) {
	var st storage.SessionState
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT project_id, surface_id, content, sequence, updated_at
		FROM session_states WHERE project_id = ? AND surface_id = ?`,
		projectID, surfaceID,
	).Scan(&st.ProjectID, &st.SurfaceID, &st.Content, &st.Sequence, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session state: %w", err)
	}
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &st, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < saveAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return err
}

// scanner works with both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(sc scanner) (*storage.Execution, error) {
	var e storage.Execution
	var truncated int
	var createdAt, updatedAt string
	err := sc.Scan(&e.ID, &e.ProjectID, &e.FileID, &e.UserID, &e.Language, &e.Status,
		&e.Stdout, &e.Stderr, &e.ExitCode, &truncated, &e.WallTimeMS, &e.MemoryBytes,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Truncated = truncated != 0
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &e, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
