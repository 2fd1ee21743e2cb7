package tally

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	"github.com/xraph/tally/plugin"
	"github.com/xraph/tally/store"
)

// Engine applies ledger operations for any number of groups.
// Operations on one group are serialized; groups are independent.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
	clock   func() time.Time

	fiatCurrency       string
	settlementCurrency string

	mapMu sync.Mutex
	locks map[string]*groupLock

	stopped atomic.Bool
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:              s,
		plugins:            plugin.NewRegistry(),
		logger:             slog.Default(),
		clock:              time.Now,
		fiatCurrency:       "IDR",
		settlementCurrency: "USD",
		locks:              make(map[string]*groupLock),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		_ = e.plugins.Register(p) //nolint:errcheck // best-effort plugin registration during init
	}
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.plugins.WithTimeout(d)
	}
}

// WithClock replaces time.Now for engine-stamped timestamps
// (rate changes, resets, skips, wipes, and movements without a time).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.clock = now
	}
}

// WithCurrencies sets the ISO codes used when snapshots are rendered.
func WithCurrencies(fiat, settlement string) Option {
	return func(e *Engine) {
		if fiat != "" {
			e.fiatCurrency = strings.ToUpper(fiat)
		}
		if settlement != "" {
			e.settlementCurrency = strings.ToUpper(settlement)
		}
	}
}

// Store returns the backing store.
func (e *Engine) Store() store.Store { return e.store }

// Plugins returns the plugin registry.
func (e *Engine) Plugins() *plugin.Registry { return e.plugins }

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return err
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("tally started",
		"plugins", e.plugins.Count(),
		"fiat_currency", e.fiatCurrency,
		"settlement_currency", e.settlementCurrency,
	)

	return nil
}

// Stop rejects further operations, shuts plugins down, and closes the store.
func (e *Engine) Stop() error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}

	ctx := context.Background()
	e.plugins.EmitShutdown(ctx)

	return e.store.Close()
}

// ──────────────────────────────────────────────────
// Per-group critical section
// ──────────────────────────────────────────────────

// groupLock is a single-slot semaphore shared by every operation that
// holds or waits for one group. refs is guarded by Engine.mapMu.
type groupLock struct {
	slot chan struct{}
	refs int
}

// ref returns the lock for a group, creating it on first use, and
// counts the caller as a user.
func (e *Engine) ref(groupID string) *groupLock {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	l, ok := e.locks[groupID]
	if !ok {
		l = &groupLock{slot: make(chan struct{}, 1)}
		e.locks[groupID] = l
	}
	l.refs++
	return l
}

// unref drops a user; the last one removes the group's entry.
func (e *Engine) unref(groupID string, l *groupLock) {
	e.mapMu.Lock()
	defer e.mapMu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(e.locks, groupID)
	}
}

// acquire blocks until the group is free or ctx is done.
func (e *Engine) acquire(ctx context.Context, groupID string) (func(), error) {
	l := e.ref(groupID)
	select {
	case l.slot <- struct{}{}:
		return func() {
			<-l.slot
			e.unref(groupID, l)
		}, nil
	case <-ctx.Done():
		e.unref(groupID, l)
		return nil, ctx.Err()
	}
}

// ──────────────────────────────────────────────────
// Mutation pipeline
// ──────────────────────────────────────────────────

// txn is the working state of one operation: the ledger as read, the
// ledger as it will be committed, and the change being assembled.
type txn struct {
	e       *Engine
	ctx     context.Context
	groupID string
	now     time.Time

	base   *group.Ledger
	next   *group.Ledger
	change *store.Change
	cards  map[string]*card.Card

	noop  bool
	after []func(context.Context)
}

// apply runs fn inside the group's critical section, commits the change
// it built as one unit, and emits plugin events after the section ends.
func (e *Engine) apply(ctx context.Context, groupID, op string, fn func(t *txn) error) (*Snapshot, error) {
	if err := validateGroupID(groupID); err != nil {
		return nil, err
	}

	snap, t, err := e.run(ctx, groupID, op, fn)
	if err != nil {
		if IsRejection(err) {
			e.plugins.EmitOperationRejected(ctx, groupID, op, err)
		}
		e.logger.Debug("tally: operation rejected",
			"group", groupID,
			"op", op,
			"error", err,
		)
		return nil, err
	}

	for _, f := range t.after {
		f(ctx)
	}
	return snap, nil
}

func (e *Engine) run(ctx context.Context, groupID, op string, fn func(t *txn) error) (*Snapshot, *txn, error) {
	if e.stopped.Load() {
		return nil, nil, ErrEngineStopped
	}

	release, err := e.acquire(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	now := e.clock().UTC()
	base, err := e.loadLedger(ctx, groupID, now)
	if err != nil {
		return nil, nil, err
	}

	t := &txn{
		e:       e,
		ctx:     ctx,
		groupID: groupID,
		now:     now,
		base:    base,
		next:    base.Next(now),
		change:  &store.Change{GroupID: groupID},
		cards:   make(map[string]*card.Card),
	}

	if err := fn(t); err != nil {
		return nil, nil, err
	}

	if t.noop {
		snap, err := e.snapshot(ctx, base, nil)
		return snap, t, err
	}

	t.change.Ledger = t.next
	if t.change.Append != nil {
		t.change.Append.Seq = t.next.Version
	}
	if err := e.store.Commit(ctx, t.change); err != nil {
		return nil, nil, fmt.Errorf("tally: commit %s for %q: %w", op, groupID, err)
	}

	e.logger.Debug("tally: operation committed",
		"group", groupID,
		"op", op,
		"version", t.next.Version,
	)

	snap, err := e.snapshot(ctx, t.next, t.change.Append)
	if err != nil {
		return nil, nil, err
	}
	return snap, t, nil
}

// loadLedger returns the stored ledger or a fresh one for a new group.
func (e *Engine) loadLedger(ctx context.Context, groupID string, now time.Time) (*group.Ledger, error) {
	l, err := e.store.GetLedger(ctx, groupID)
	if errors.Is(err, ErrGroupNotFound) {
		return group.New(groupID, now), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tally: load ledger %q: %w", groupID, err)
	}
	return l, nil
}

// entry starts a log entry carrying the rate snapshot of the next state.
func (t *txn) entry(kind oplog.Kind, actor string, at time.Time) *oplog.Entry {
	r := t.next.Rates
	return &oplog.Entry{
		ID:                    id.NewEntryID(),
		GroupID:               t.groupID,
		Kind:                  kind,
		FeeRate:               r.FeeRate,
		ExchangeRate:          r.ExchangeRate,
		SecondaryFeeRate:      r.Overlay.FeeRate,
		SecondaryExchangeRate: r.Overlay.ExchangeRate,
		Actor:                 actor,
		Timestamp:             at.UTC(),
	}
}

// append sets the change's log entry and queues the recorded event.
func (t *txn) append(en *oplog.Entry) {
	t.change.Append = en
	t.emit(func(ctx context.Context) {
		t.e.plugins.EmitEntryRecorded(ctx, en.Clone())
	})
}

func (t *txn) emit(f func(context.Context)) {
	t.after = append(t.after, f)
}

// card returns the working copy of a card. With create set, a missing
// card is started empty.
func (t *txn) card(code string, create bool) (*card.Card, error) {
	if c, ok := t.cards[code]; ok {
		return c, nil
	}

	c, err := t.e.store.GetCard(t.ctx, t.groupID, code)
	switch {
	case errors.Is(err, ErrUnknownInstrument) && create:
		c = card.New(t.groupID, code, t.now)
	case err != nil:
		return nil, err
	}

	t.cards[code] = c
	return c, nil
}

// stage queues a card for upsert once.
func (t *txn) stage(c *card.Card) {
	for _, staged := range t.change.Cards {
		if staged == c {
			return
		}
	}
	t.change.Cards = append(t.change.Cards, c)
}

// earliestStamp bounds back-dated entries. Stores keep Unix nanoseconds.
var earliestStamp = time.Unix(0, 0).UTC()

// stamp resolves the timestamp of a caller-timed operation. Entries may
// be back-dated within the current period but never dated after now: a
// future entry would outlive the next reset.
func (t *txn) stamp(at time.Time) (time.Time, error) {
	if at.IsZero() {
		at = t.now
	}
	at = at.UTC()
	if at.After(t.now) {
		return time.Time{}, ValidationError{
			Field:   "timestamp",
			Message: fmt.Sprintf("%s is in the future", at.Format(time.RFC3339Nano)),
		}
	}
	if !at.After(earliestStamp) {
		return time.Time{}, ValidationError{
			Field:   "timestamp",
			Message: fmt.Sprintf("%s is not after %s", at.Format(time.RFC3339Nano), earliestStamp.Format(time.RFC3339)),
		}
	}
	if !at.After(t.base.PeriodStart) {
		return time.Time{}, ValidationError{
			Field:   "timestamp",
			Message: fmt.Sprintf("%s is not after the period start %s", at.Format(time.RFC3339Nano), t.base.PeriodStart.Format(time.RFC3339Nano)),
		}
	}
	return at, nil
}

func validateGroupID(groupID string) error {
	if strings.TrimSpace(groupID) == "" {
		return ValidationError{Field: "group", Message: "must not be empty"}
	}
	return nil
}
