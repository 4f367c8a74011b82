package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

const SchemaVersion = 2

// Migrate creates (or upgrades) the schema in-place.
//
// The schema holds:
// - batches, clips and jobs (the pipeline state)
// - credit_accounts and credit_entries (the ledger, see package ledger)
func Migrate(ctx context.Context, db *sql.DB) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if db == nil {
		return fmt.Errorf("db is nil")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		`INSERT INTO schema_meta (id, schema_version)
			VALUES (1, 0)
			ON CONFLICT(id) DO NOTHING;`,

		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			intent TEXT NOT NULL,
			method TEXT NOT NULL,
			requested_method TEXT NOT NULL,
			test_mode TEXT NOT NULL,
			variant_count INTEGER NOT NULL,
			output_kind TEXT NOT NULL,
			status TEXT NOT NULL,
			quality_tier TEXT NOT NULL,
			base_cost_cents INTEGER NOT NULL DEFAULT 0,
			user_charge_cents INTEGER NOT NULL DEFAULT 0,
			payment_status TEXT NOT NULL,
			refunded_cents INTEGER NOT NULL DEFAULT 0,
			research_payload TEXT,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			settled_at INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_user_created ON batches(user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_status ON batches(status);`,

		`CREATE TABLE IF NOT EXISTS clips (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			slot INTEGER NOT NULL,
			variant_label TEXT NOT NULL,
			status TEXT NOT NULL,
			ui_state TEXT,
			script_text TEXT,
			on_screen_text TEXT,
			provider_prompt TEXT,
			vo_url TEXT,
			video_url TEXT,
			final_url TEXT,
			image_prompt TEXT,
			image_type TEXT,
			aspect_ratio TEXT,
			image_url TEXT,
			winner INTEGER NOT NULL DEFAULT 0,
			killed INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			error_class TEXT,
			charged_state TEXT NOT NULL DEFAULT 'unknown',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE(batch_id, slot),
			UNIQUE(batch_id, variant_label),
			FOREIGN KEY(batch_id) REFERENCES batches(id)
		);`,

		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			batch_id TEXT NOT NULL,
			clip_id TEXT,
			type TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			claim_token TEXT,
			chain_key TEXT UNIQUE,
			created_at INTEGER NOT NULL,
			claimed_at INTEGER,
			finished_at INTEGER,
			updated_at INTEGER NOT NULL,
			FOREIGN KEY(batch_id) REFERENCES batches(id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_created ON jobs(status, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_batch ON jobs(batch_id);`,
		// At most one running job per (batch, type, clip).
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_jobs_running
			ON jobs(batch_id, type, IFNULL(clip_id, ''))
			WHERE status = 'running';`,

		`CREATE TABLE IF NOT EXISTS credit_accounts (
			user_id TEXT PRIMARY KEY,
			balance_cents INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS credit_entries (
			entry_key TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			amount_cents INTEGER NOT NULL,
			batch_id TEXT,
			clip_id TEXT,
			reference TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_credit_entries_user ON credit_entries(user_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_credit_entries_batch ON credit_entries(batch_id);`,
	}

	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&current); err != nil {
		return fmt.Errorf("read schema_version: %w", err)
	}

	// v2: settlement timestamp on batches.
	if current < 2 {
		alters := []string{
			`ALTER TABLE batches ADD COLUMN settled_at INTEGER;`,
		}
		for _, stmt := range alters {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				msg := err.Error()
				// SQLite/libsql report duplicate columns as an error; treat as idempotent.
				if strings.Contains(msg, "duplicate column name") || strings.Contains(msg, "already exists") {
					continue
				}
				return fmt.Errorf("exec migration statement: %w", err)
			}
		}
	}

	if current != SchemaVersion {
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET schema_version=? WHERE id=1`, SchemaVersion); err != nil {
			return fmt.Errorf("update schema_version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// CurrentSchemaVersion reads the recorded schema version. It returns 0 for an
// unmigrated database.
func CurrentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var v int
	err := db.QueryRowContext(ctx, `SELECT schema_version FROM schema_meta WHERE id=1`).Scan(&v)
	if err != nil {
		if strings.Contains(err.Error(), "no such table") {
			return 0, nil
		}
		return 0, fmt.Errorf("read schema_version: %w", err)
	}
	return v, nil
}
