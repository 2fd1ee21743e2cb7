// Package postgres implements store.Store on PostgreSQL through a pgx
// connection pool.
//
// Commits run at SERIALIZABLE isolation and are retried on serialization
// failures. Decimals are NUMERIC and instants are BIGINT Unix nanoseconds.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xraph/tally"
	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	tallystore "github.com/xraph/tally/store"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

const maxRetries = 3

// Store implements store.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	closed atomic.Bool
}

// New creates a new Postgres store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open connects a pool to dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("tally/postgres: connect: %w", err)
	}
	return New(pool), nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Migrate runs programmatic migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s.closed.Load() {
		return tally.ErrStoreClosed
	}
	return migrate(ctx, s.pool)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.closed.Load() {
		return tally.ErrStoreClosed
	}
	return wrap("ping", s.pool.Ping(ctx))
}

// Close closes the pool.
func (s *Store) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.pool.Close()
	}
	return nil
}

// ==================== Reads ====================

func (s *Store) GetLedger(ctx context.Context, groupID string) (*group.Ledger, error) {
	if s.closed.Load() {
		return nil, tally.ErrStoreClosed
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectList(ledgerColumns)+` FROM tally_ledgers WHERE group_id = $1`, groupID)
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
	if s.closed.Load() {
		return nil, tally.ErrStoreClosed
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectList(cardColumns)+` FROM tally_cards WHERE group_id = $1 AND code = $2`,
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
	if s.closed.Load() {
		return nil, tally.ErrStoreClosed
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectList(cardColumns)+` FROM tally_cards WHERE group_id = $1 ORDER BY code`, groupID)
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
	if s.closed.Load() {
		return nil, tally.ErrStoreClosed
	}

	q := `SELECT ` + selectList(entryColumns) + ` FROM tally_entries WHERE group_id = $1`
	args := []any{groupID}
	argIdx := 2

	if !opts.After.IsZero() {
		q += fmt.Sprintf(" AND ts > $%d", argIdx)
		args = append(args, toNanos(opts.After))
		argIdx++
	}
	if len(opts.Kinds) > 0 {
		kinds := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			kinds[i] = string(k)
		}
		q += fmt.Sprintf(" AND kind = ANY($%d)", argIdx)
		args = append(args, kinds)
	}
	q += " ORDER BY ts, seq"

	rows, err := s.pool.Query(ctx, q, args...)
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
	if s.closed.Load() {
		return nil, tally.ErrStoreClosed
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectList(entryColumns)+` FROM tally_entries WHERE group_id = $1 AND id = $2`,
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

// Commit applies c in one SERIALIZABLE transaction, retrying up to
// maxRetries times when Postgres reports a serialization failure.
func (s *Store) Commit(ctx context.Context, c *tallystore.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if s.closed.Load() {
		return tally.ErrStoreClosed
	}

	for attempt := 0; ; attempt++ {
		err := s.commitOnce(ctx, c)
		if isSerializationFailure(err) && attempt < maxRetries-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
			}
			continue
		}
		if isSerializationFailure(err) {
			return fmt.Errorf("tally/postgres: commit failed after %d retries: %w", maxRetries, err)
		}
		return wrap("commit", err)
	}
}

func (s *Store) commitOnce(ctx context.Context, c *tallystore.Change) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.Serializable,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := apply(ctx, tx, c); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func apply(ctx context.Context, tx pgx.Tx, c *tallystore.Change) error {
	var stored int64
	exists := true
	err := tx.QueryRow(ctx,
		`SELECT version FROM tally_ledgers WHERE group_id = $1 FOR UPDATE`, c.GroupID,
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
		if _, err := tx.Exec(ctx, `DELETE FROM tally_entries WHERE group_id = $1`, c.GroupID); err != nil {
			return err
		}
	}

	if c.Mark != nil {
		if err := mark(ctx, tx, c.GroupID, c.Mark); err != nil {
			return err
		}
	}

	if c.Append != nil {
		cols, ph := insertList(entryColumns)
		if _, err := tx.Exec(ctx,
			`INSERT INTO tally_entries (`+cols+`) VALUES (`+ph+`)`, entryArgs(c.Append)...); err != nil {
			return err
		}
	}

	if c.DropCards {
		if _, err := tx.Exec(ctx, `DELETE FROM tally_cards WHERE group_id = $1`, c.GroupID); err != nil {
			return err
		}
	}

	if len(c.Cards) > 0 {
		cols, ph := insertList(cardColumns)
		upsert := `INSERT INTO tally_cards (` + cols + `) VALUES (` + ph + `)
ON CONFLICT (group_id, code) DO UPDATE SET
    total = EXCLUDED.total,
    paid = EXCLUDED.paid,
    limit_amount = EXCLUDED.limit_amount,
    hidden = EXCLUDED.hidden,
    last_updated = EXCLUDED.last_updated,
    updated_at = EXCLUDED.updated_at`
		for _, cd := range c.Cards {
			if _, err := tx.Exec(ctx, upsert, cardArgs(cd)...); err != nil {
				return err
			}
		}
	}
	return nil
}

func putLedger(ctx context.Context, tx pgx.Tx, l *group.Ledger, exists bool) error {
	args := ledgerArgs(l)
	if !exists {
		cols, ph := insertList(ledgerColumns)
		_, err := tx.Exec(ctx, `INSERT INTO tally_ledgers (`+cols+`) VALUES (`+ph+`)`, args...)
		if isUniqueViolation(err) {
			return tally.ErrConcurrentUpdate
		}
		return err
	}

	sets := make([]string, 0, len(ledgerColumns)-1)
	for i, col := range ledgerColumns[1:] {
		sets = append(sets, col+" = "+placeholder(i+1, col))
	}
	n := len(ledgerColumns)
	q := `UPDATE tally_ledgers SET ` + strings.Join(sets, ", ") +
		` WHERE group_id = $` + strconv.Itoa(n) + ` AND version = $` + strconv.Itoa(n+1)

	tag, err := tx.Exec(ctx, q, append(args[1:], l.GroupID, l.Version-1)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != 1 {
		return tally.ErrConcurrentUpdate
	}
	return nil
}

func mark(ctx context.Context, tx pgx.Tx, groupID string, m *oplog.Mark) error {
	var skipped bool
	err := tx.QueryRow(ctx,
		`SELECT skipped FROM tally_entries WHERE group_id = $1 AND id = $2 FOR UPDATE`,
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

	_, err = tx.Exec(ctx,
		`UPDATE tally_entries SET skipped = TRUE, skip_reason = $1 WHERE group_id = $2 AND id = $3`,
		m.Reason, groupID, m.EntryID.String())
	return err
}

// ==================== Helpers ====================

// isNoRows checks for pgx's no-rows error.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isSerializationFailure(err error) bool { return pgCode(err) == "40001" }

func isUniqueViolation(err error) bool { return pgCode(err) == "23505" }

// wrap prefixes driver errors and leaves domain sentinels unwrapped.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, tally.ErrGroupNotFound),
		errors.Is(err, tally.ErrUnknownInstrument),
		errors.Is(err, tally.ErrEntryNotFound),
		errors.Is(err, tally.ErrAlreadySkipped),
		errors.Is(err, tally.ErrConcurrentUpdate),
		errors.Is(err, tally.ErrStoreClosed):
		return err
	default:
		return fmt.Errorf("tally/postgres: %s: %w", op, err)
	}
}
