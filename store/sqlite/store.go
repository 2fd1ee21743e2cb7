// Package sqlite implements store.Store on SQLite through database/sql
// and the mattn/go-sqlite3 driver.
//
// Decimals are stored as TEXT in their exact string form and instants as
// INTEGER Unix nanoseconds so that ordering and equality survive a round
// trip.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // database/sql driver

	"github.com/xraph/tally"
	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	tallystore "github.com/xraph/tally/store"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using SQLite.
type Store struct {
	db *sql.DB
}

// New creates a new SQLite store backed by an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens the database file at path with foreign keys on, WAL
// journaling, and immediate write transactions.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("tally/sqlite: open %s: %w", path, err)
	}
	return New(db), nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB { return s.db }

// Migrate runs programmatic migrations.
func (s *Store) Migrate(ctx context.Context) error {
	return migrate(ctx, s.db)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.db.PingContext(ctx))
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Reads ====================

func (s *Store) GetLedger(ctx context.Context, groupID string) (*group.Ledger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ledgerColumns+` FROM tally_ledgers WHERE group_id = ?`, groupID)
	l, err := scanLedger(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrGroupNotFound
		}
		return nil, wrap("get ledger", err)
	}
	return l, nil
}

func (s *Store) GetCard(ctx context.Context, groupID, code string) (*card.Card, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+cardColumns+` FROM tally_cards WHERE group_id = ? AND code = ?`,
		groupID, card.NormalizeCode(code))
	c, err := scanCard(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrUnknownInstrument
		}
		return nil, wrap("get card", err)
	}
	return c, nil
}

func (s *Store) ListCards(ctx context.Context, groupID string) ([]*card.Card, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+cardColumns+` FROM tally_cards WHERE group_id = ? ORDER BY code`, groupID)
	if err != nil {
		return nil, wrap("list cards", err)
	}
	defer rows.Close()

	cards := make([]*card.Card, 0)
	for rows.Next() {
		c, err := scanCard(rows)
		if err != nil {
			return nil, wrap("list cards", err)
		}
		cards = append(cards, c)
	}
	return cards, wrap("list cards", rows.Err())
}

func (s *Store) ListEntries(ctx context.Context, groupID string, opts oplog.ListOpts) ([]*oplog.Entry, error) {
	var (
		query strings.Builder
		args  = []any{groupID}
	)
	query.WriteString(`SELECT ` + entryColumns + ` FROM tally_entries WHERE group_id = ?`)
	if !opts.After.IsZero() {
		query.WriteString(` AND ts > ?`)
		args = append(args, toNanos(opts.After))
	}
	if len(opts.Kinds) > 0 {
		query.WriteString(` AND kind IN (?` + strings.Repeat(`, ?`, len(opts.Kinds)-1) + `)`)
		for _, k := range opts.Kinds {
			args = append(args, string(k))
		}
	}
	query.WriteString(` ORDER BY ts, seq`)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, wrap("list entries", err)
	}
	defer rows.Close()

	entries := make([]*oplog.Entry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, wrap("list entries", err)
		}
		entries = append(entries, e)
	}
	return entries, wrap("list entries", rows.Err())
}

func (s *Store) GetEntry(ctx context.Context, groupID string, entryID id.EntryID) (*oplog.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM tally_entries WHERE group_id = ? AND id = ?`,
		groupID, entryID.String())
	e, err := scanEntry(row)
	if err != nil {
		if isNoRows(err) {
			return nil, tally.ErrEntryNotFound
		}
		return nil, wrap("get entry", err)
	}
	return e, nil
}

// ==================== Commit ====================

// Commit applies c in one transaction. The ledger update is conditioned
// on the previous version so that a writer in another process holding a
// stale read fails with ErrConcurrentUpdate.
func (s *Store) Commit(ctx context.Context, c *tallystore.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := commit(ctx, tx, c); err != nil {
		return wrap("commit", err)
	}
	return wrap("commit", tx.Commit())
}

func commit(ctx context.Context, tx *sql.Tx, c *tallystore.Change) error {
	var stored int64
	exists := true
	err := tx.QueryRowContext(ctx,
		`SELECT version FROM tally_ledgers WHERE group_id = ?`, c.GroupID,
	).Scan(&stored)
	if isNoRows(err) {
		exists = false
	} else if err != nil {
		return err
	}
	if err := c.Expect(stored, exists); err != nil {
		return err
	}

	if err := putLedger(ctx, tx, c.Ledger, exists); err != nil {
		return err
	}

	if c.Wipe {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tally_entries WHERE group_id = ?`, c.GroupID); err != nil {
			return err
		}
	}

	if c.Mark != nil {
		if err := mark(ctx, tx, c.GroupID, c.Mark); err != nil {
			return err
		}
	}

	if c.Append != nil {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tally_entries (`+entryColumns+`) VALUES (`+placeholders(18)+`)`,
			entryArgs(c.Append)...)
		if err != nil {
			return err
		}
	}

	if c.DropCards {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tally_cards WHERE group_id = ?`, c.GroupID); err != nil {
			return err
		}
	}

	for _, cd := range c.Cards {
		_, err := tx.ExecContext(ctx, `
INSERT INTO tally_cards (`+cardColumns+`) VALUES (`+placeholders(9)+`)
ON CONFLICT (group_id, code) DO UPDATE SET
    total = excluded.total,
    paid = excluded.paid,
    limit_amount = excluded.limit_amount,
    hidden = excluded.hidden,
    last_updated = excluded.last_updated,
    updated_at = excluded.updated_at`,
			cardArgs(cd)...)
		if err != nil {
			return err
		}
	}
	return nil
}

func putLedger(ctx context.Context, tx *sql.Tx, l *group.Ledger, exists bool) error {
	args := ledgerArgs(l)
	if !exists {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO tally_ledgers (`+ledgerColumns+`) VALUES (`+placeholders(16)+`)`, args...)
		if err != nil && isConstraint(err) {
			return tally.ErrConcurrentUpdate
		}
		return err
	}

	res, err := tx.ExecContext(ctx, `
UPDATE tally_ledgers SET
    version = ?, fee_rate = ?, exchange_rate = ?, secondary_fee_rate = ?, secondary_exchange_rate = ?,
    fiat_total = ?, settlement_total = ?, settlement_paid = ?, settlement_remaining = ?,
    fiat_outflow = ?, settlement_inflow_gross = ?, settlement_outflow_gross = ?,
    period_start = ?, created_at = ?, updated_at = ?
WHERE group_id = ? AND version = ?`,
		append(args[1:], l.GroupID, l.Version-1)...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return tally.ErrConcurrentUpdate
	}
	return nil
}

func mark(ctx context.Context, tx *sql.Tx, groupID string, m *oplog.Mark) error {
	var skipped bool
	err := tx.QueryRowContext(ctx,
		`SELECT skipped FROM tally_entries WHERE group_id = ? AND id = ?`,
		groupID, m.EntryID.String(),
	).Scan(&skipped)
	if isNoRows(err) {
		return tally.ErrEntryNotFound
	}
	if err != nil {
		return err
	}
	if skipped {
		return tally.ErrAlreadySkipped
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE tally_entries SET skipped = 1, skip_reason = ? WHERE group_id = ? AND id = ?`,
		m.Reason, groupID, m.EntryID.String())
	return err
}

// ==================== Helpers ====================

func placeholders(n int) string {
	return "?" + strings.Repeat(", ?", n-1)
}

// isNoRows checks for the standard no-rows error.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// wrap prefixes driver errors and leaves domain sentinels unwrapped.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrConnDone), strings.Contains(err.Error(), "database is closed"):
		return tally.ErrStoreClosed
	case errors.Is(err, tally.ErrGroupNotFound),
		errors.Is(err, tally.ErrUnknownInstrument),
		errors.Is(err, tally.ErrEntryNotFound),
		errors.Is(err, tally.ErrAlreadySkipped),
		errors.Is(err, tally.ErrConcurrentUpdate):
		return err
	default:
		return fmt.Errorf("tally/sqlite: %s: %w", op, err)
	}
}
