package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migration is one named, versioned schema step.
type Migration struct {
	Name    string
	Version string
	Up      string
	Down    string
}

// Migrations is the ordered schema of the Tally Postgres store.
var Migrations = []Migration{
	{
		Name:    "create_tally_ledgers",
		Version: "20260101000001",
		Up: `
CREATE TABLE IF NOT EXISTS tally_ledgers (
    group_id                 TEXT PRIMARY KEY,
    version                  BIGINT NOT NULL,
    fee_rate                 NUMERIC NOT NULL DEFAULT 0,
    exchange_rate            NUMERIC NOT NULL DEFAULT 0,
    secondary_fee_rate       NUMERIC NOT NULL DEFAULT 0,
    secondary_exchange_rate  NUMERIC NOT NULL DEFAULT 0,
    fiat_total               NUMERIC NOT NULL DEFAULT 0,
    settlement_total         NUMERIC NOT NULL DEFAULT 0,
    settlement_paid          NUMERIC NOT NULL DEFAULT 0,
    settlement_remaining     NUMERIC NOT NULL DEFAULT 0,
    fiat_outflow             NUMERIC NOT NULL DEFAULT 0,
    settlement_inflow_gross  NUMERIC NOT NULL DEFAULT 0,
    settlement_outflow_gross NUMERIC NOT NULL DEFAULT 0,
    period_start             BIGINT NOT NULL DEFAULT 0,
    created_at               BIGINT NOT NULL DEFAULT 0,
    updated_at               BIGINT NOT NULL DEFAULT 0
);
`,
		Down: `DROP TABLE IF EXISTS tally_ledgers`,
	},
	{
		Name:    "create_tally_cards",
		Version: "20260101000002",
		Up: `
CREATE TABLE IF NOT EXISTS tally_cards (
    group_id     TEXT NOT NULL,
    code         TEXT NOT NULL,
    total        NUMERIC NOT NULL DEFAULT 0,
    paid         NUMERIC NOT NULL DEFAULT 0,
    limit_amount NUMERIC NOT NULL DEFAULT 0,
    hidden       BOOLEAN NOT NULL DEFAULT FALSE,
    last_updated BIGINT NOT NULL DEFAULT 0,
    created_at   BIGINT NOT NULL DEFAULT 0,
    updated_at   BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (group_id, code)
);
`,
		Down: `DROP TABLE IF EXISTS tally_cards`,
	},
	{
		Name:    "create_tally_entries",
		Version: "20260101000003",
		Up: `
CREATE TABLE IF NOT EXISTS tally_entries (
    id                      TEXT PRIMARY KEY,
    group_id                TEXT NOT NULL,
    seq                     BIGINT NOT NULL,
    kind                    TEXT NOT NULL,
    fiat_amount             NUMERIC NOT NULL DEFAULT 0,
    settlement_amount       NUMERIC NOT NULL DEFAULT 0,
    gross_settlement_amount NUMERIC NOT NULL DEFAULT 0,
    fee_rate                NUMERIC NOT NULL DEFAULT 0,
    exchange_rate           NUMERIC NOT NULL DEFAULT 0,
    secondary_fee_rate      NUMERIC NOT NULL DEFAULT 0,
    secondary_exchange_rate NUMERIC NOT NULL DEFAULT 0,
    code                    TEXT NOT NULL DEFAULT '',
    actor                   TEXT NOT NULL DEFAULT '',
    ts                      BIGINT NOT NULL,
    skipped                 BOOLEAN NOT NULL DEFAULT FALSE,
    skip_reason             TEXT NOT NULL DEFAULT '',
    target_id               TEXT NOT NULL DEFAULT '',
    ref                     TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_tally_entries_group_seq ON tally_entries (group_id, seq);
CREATE INDEX IF NOT EXISTS idx_tally_entries_group_ts ON tally_entries (group_id, ts, seq);
`,
		Down: `DROP TABLE IF EXISTS tally_entries`,
	},
}

// migrate applies every migration not yet recorded in tally_migrations.
func migrate(ctx context.Context, db *pgxpool.Pool) error {
	_, err := db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("tally/postgres: create migrations table: %w", err)
	}

	for _, m := range Migrations {
		err := pgx.BeginFunc(ctx, db, func(tx pgx.Tx) error {
			var applied bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS(SELECT 1 FROM tally_migrations WHERE version = $1)`, m.Version,
			).Scan(&applied); err != nil {
				return err
			}
			if applied {
				return nil
			}
			if _, err := tx.Exec(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO tally_migrations (version, name, applied_at) VALUES ($1, $2, $3)`,
				m.Version, m.Name, time.Now().UTC())
			return err
		})
		if err != nil {
			return fmt.Errorf("tally/postgres: migration %s failed: %w", m.Name, err)
		}
	}
	return nil
}

// Rollback reverts every recorded migration in reverse order.
func (s *Store) Rollback(ctx context.Context) error {
	for i := len(Migrations) - 1; i >= 0; i-- {
		m := Migrations[i]
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, m.Down); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `DELETE FROM tally_migrations WHERE version = $1`, m.Version)
			return err
		})
		if err != nil {
			return fmt.Errorf("tally/postgres: rollback %s failed: %w", m.Name, err)
		}
	}
	return nil
}
