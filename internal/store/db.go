package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB is the local store database: which store paths are valid, and the
// recorded outcome of past realisations.
type DB struct {
	db *sql.DB
}

// OpenDB opens (creating if needed) the store database at the given path.
// Creates parent directories if needed. Enables WAL mode and a busy
// timeout.
func OpenDB(ctx context.Context, dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable foreign keys via PRAGMA (required for modernc.org/sqlite)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Allow 2 connections: one for primary queries, one for subqueries
	db.SetMaxOpenConns(2)

	d := &DB{db: db}
	if err := d.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

// RegisterValidPath marks a store path as present and complete.
// Idempotent: re-registering an already-valid path is not an error.
func (d *DB) RegisterValidPath(ctx context.Context, p StorePath) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO valid_paths (path) VALUES (?)
		ON CONFLICT(path) DO NOTHING
	`, string(p))
	if err != nil {
		return fmt.Errorf("failed to register valid path %s: %w", p, err)
	}
	return nil
}

// IsValidPath reports whether a store path has been registered as valid.
func (d *DB) IsValidPath(ctx context.Context, p StorePath) (bool, error) {
	var one int
	err := d.db.QueryRowContext(ctx, `SELECT 1 FROM valid_paths WHERE path = ?`, string(p)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query valid path %s: %w", p, err)
	}
	return true, nil
}

// SaveBuildResult records the outcome of a realisation under the goal's
// stable key. Uses ON CONFLICT to make saves idempotent.
func (d *DB) SaveBuildResult(ctx context.Context, key string, r BuildResult) error {
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO build_results (key, status, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, key, int(r.Status), r.ErrorMsg, r.StartTime, r.StopTime)
	if err != nil {
		return fmt.Errorf("failed to upsert build result: %w", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM build_outputs WHERE result_key = ?`, key)
	if err != nil {
		return fmt.Errorf("failed to delete old outputs: %w", err)
	}

	for output, real := range r.BuiltOutputs {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO build_outputs (result_key, output, store_path)
			VALUES (?, ?, ?)
		`, key, output, string(real.Path))
		if err != nil {
			return fmt.Errorf("failed to insert output %s of %s: %w", output, key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetBuildResult loads a previously recorded realisation outcome.
// The second return value is false if no result is recorded for the key.
func (d *DB) GetBuildResult(ctx context.Context, key string) (BuildResult, bool, error) {
	var r BuildResult
	var status int
	err := d.db.QueryRowContext(ctx, `
		SELECT status, error, started_at, finished_at FROM build_results WHERE key = ?
	`, key).Scan(&status, &r.ErrorMsg, &r.StartTime, &r.StopTime)
	if err == sql.ErrNoRows {
		return BuildResult{}, false, nil
	}
	if err != nil {
		return BuildResult{}, false, fmt.Errorf("failed to query build result %s: %w", key, err)
	}
	r.Status = BuildStatus(status)

	rows, err := d.db.QueryContext(ctx, `
		SELECT output, store_path FROM build_outputs WHERE result_key = ? ORDER BY output
	`, key)
	if err != nil {
		return BuildResult{}, false, fmt.Errorf("failed to query outputs of %s: %w", key, err)
	}
	defer rows.Close()

	for rows.Next() {
		var real Realisation
		var path string
		if err := rows.Scan(&real.Output, &path); err != nil {
			return BuildResult{}, false, fmt.Errorf("failed to scan output row: %w", err)
		}
		real.Path = StorePath(path)
		if r.BuiltOutputs == nil {
			r.BuiltOutputs = make(map[string]Realisation)
		}
		r.BuiltOutputs[real.Output] = real
	}
	if err := rows.Err(); err != nil {
		return BuildResult{}, false, fmt.Errorf("failed to iterate output rows: %w", err)
	}

	return r, true, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}
