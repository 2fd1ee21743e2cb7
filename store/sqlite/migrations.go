package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one schema step.
type Migration struct {
	Name    string
	Version string
	Up      string
}

// Migrations is the ordered schema of the Tally SQLite store.
var Migrations = []Migration{
	{
		Name:    "create_tally_ledgers",
		Version: "20260101000001",
		Up: `
CREATE TABLE IF NOT EXISTS tally_ledgers (
    group_id                 TEXT PRIMARY KEY,
    version                  INTEGER NOT NULL,
    fee_rate                 TEXT NOT NULL DEFAULT '0',
    exchange_rate            TEXT NOT NULL DEFAULT '0',
    secondary_fee_rate       TEXT NOT NULL DEFAULT '0',
    secondary_exchange_rate  TEXT NOT NULL DEFAULT '0',
    fiat_total               TEXT NOT NULL DEFAULT '0',
    settlement_total         TEXT NOT NULL DEFAULT '0',
    settlement_paid          TEXT NOT NULL DEFAULT '0',
    settlement_remaining     TEXT NOT NULL DEFAULT '0',
    fiat_outflow             TEXT NOT NULL DEFAULT '0',
    settlement_inflow_gross  TEXT NOT NULL DEFAULT '0',
    settlement_outflow_gross TEXT NOT NULL DEFAULT '0',
    period_start             INTEGER NOT NULL DEFAULT 0,
    created_at               INTEGER NOT NULL DEFAULT 0,
    updated_at               INTEGER NOT NULL DEFAULT 0
);
`,
	},
	{
		Name:    "create_tally_cards",
		Version: "20260101000002",
		Up: `
CREATE TABLE IF NOT EXISTS tally_cards (
    group_id     TEXT NOT NULL,
    code         TEXT NOT NULL,
    total        TEXT NOT NULL DEFAULT '0',
    paid         TEXT NOT NULL DEFAULT '0',
    limit_amount TEXT NOT NULL DEFAULT '0',
    hidden       INTEGER NOT NULL DEFAULT 0,
    last_updated INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL DEFAULT 0,
    updated_at   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (group_id, code)
);
`,
	},
	{
		Name:    "create_tally_entries",
		Version: "20260101000003",
		Up: `
CREATE TABLE IF NOT EXISTS tally_entries (
    id                      TEXT PRIMARY KEY,
    group_id                TEXT NOT NULL,
    seq                     INTEGER NOT NULL,
    kind                    TEXT NOT NULL,
    fiat_amount             TEXT NOT NULL DEFAULT '0',
    settlement_amount       TEXT NOT NULL DEFAULT '0',
    gross_settlement_amount TEXT NOT NULL DEFAULT '0',
    fee_rate                TEXT NOT NULL DEFAULT '0',
    exchange_rate           TEXT NOT NULL DEFAULT '0',
    secondary_fee_rate      TEXT NOT NULL DEFAULT '0',
    secondary_exchange_rate TEXT NOT NULL DEFAULT '0',
    code                    TEXT NOT NULL DEFAULT '',
    actor                   TEXT NOT NULL DEFAULT '',
    ts                      INTEGER NOT NULL,
    skipped                 INTEGER NOT NULL DEFAULT 0,
    skip_reason             TEXT NOT NULL DEFAULT '',
    target_id               TEXT NOT NULL DEFAULT '',
    ref                     TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_entries_group_seq ON tally_entries (group_id, seq);
CREATE INDEX IF NOT EXISTS idx_tally_entries_group_ts ON tally_entries (group_id, ts, seq);
`,
	},
}

// migrate applies the migrations that are not yet recorded in
// tally_migrations, each in its own transaction.
func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS tally_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("tally/sqlite: create migrations table: %w", err)
	}

	for _, m := range Migrations {
		var applied int
		err := db.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM tally_migrations WHERE version = ?`, m.Version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("tally/sqlite: check migration %s: %w", m.Name, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("tally/sqlite: begin migration %s: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("tally/sqlite: migration %s failed: %w", m.Name, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tally_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
			m.Version, m.Name, time.Now().UTC().UnixNano(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("tally/sqlite: record migration %s: %w", m.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("tally/sqlite: commit migration %s: %w", m.Name, err)
		}
	}
	return nil
}
