package store

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (d *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS valid_paths (
		path TEXT PRIMARY KEY,
		registered_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS build_results (
		key TEXT PRIMARY KEY,
		status INTEGER NOT NULL,
		error TEXT,
		started_at DATETIME,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS build_outputs (
		result_key TEXT NOT NULL,
		output TEXT NOT NULL,
		store_path TEXT NOT NULL,
		PRIMARY KEY (result_key, output),
		FOREIGN KEY (result_key) REFERENCES build_results(key) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_build_outputs_result_key ON build_outputs(result_key);
	`

	_, err := d.db.ExecContext(ctx, schema)
	return err
}
