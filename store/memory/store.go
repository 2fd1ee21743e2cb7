// Package memory provides an in-process store.Store. State is lost when
// the process exits; use it for tests and single-process tools.
package memory

import (
	"context"
	"sync"

	"github.com/xraph/tally"
	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	tallystore "github.com/xraph/tally/store"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store keeps every group in maps guarded by one RWMutex.
// Values are copied on the way in and out.
type Store struct {
	mu sync.RWMutex

	ledgers map[string]*group.Ledger
	cards   map[string]map[string]*card.Card
	entries map[string][]*oplog.Entry

	closed bool
}

// New creates an empty store.
func New() *Store {
	return &Store{
		ledgers: make(map[string]*group.Ledger),
		cards:   make(map[string]map[string]*card.Card),
		entries: make(map[string][]*oplog.Entry),
	}
}

func (s *Store) GetLedger(_ context.Context, groupID string) (*group.Ledger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tally.ErrStoreClosed
	}
	l, ok := s.ledgers[groupID]
	if !ok {
		return nil, tally.ErrGroupNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *Store) GetCard(_ context.Context, groupID, code string) (*card.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tally.ErrStoreClosed
	}
	c, ok := s.cards[groupID][card.NormalizeCode(code)]
	if !ok {
		return nil, tally.ErrUnknownInstrument
	}
	return c.Clone(), nil
}

func (s *Store) ListCards(_ context.Context, groupID string) ([]*card.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tally.ErrStoreClosed
	}
	result := make([]*card.Card, 0, len(s.cards[groupID]))
	for _, c := range s.cards[groupID] {
		result = append(result, c.Clone())
	}
	card.SortByCode(result)
	return result, nil
}

func (s *Store) ListEntries(_ context.Context, groupID string, opts oplog.ListOpts) ([]*oplog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tally.ErrStoreClosed
	}
	result := make([]*oplog.Entry, 0, len(s.entries[groupID]))
	for _, e := range s.entries[groupID] {
		if opts.Match(e) {
			result = append(result, e.Clone())
		}
	}
	oplog.Sort(result)
	return result, nil
}

func (s *Store) GetEntry(_ context.Context, groupID string, entryID id.EntryID) (*oplog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, tally.ErrStoreClosed
	}
	for _, e := range s.entries[groupID] {
		if e.ID == entryID {
			return e.Clone(), nil
		}
	}
	return nil, tally.ErrEntryNotFound
}

// Commit validates the whole change before touching any map, so a
// rejected change leaves the store as it was.
func (s *Store) Commit(_ context.Context, c *tallystore.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return tally.ErrStoreClosed
	}

	current, exists := s.ledgers[c.GroupID]
	var stored int64
	if exists {
		stored = current.Version
	}
	if err := c.Expect(stored, exists); err != nil {
		return err
	}

	log := s.entries[c.GroupID]
	if c.Wipe {
		log = nil
	}

	markAt := -1
	if c.Mark != nil {
		for i, e := range log {
			if e.ID == c.Mark.EntryID {
				markAt = i
				break
			}
		}
		if markAt < 0 {
			return tally.ErrEntryNotFound
		}
		if log[markAt].Skipped {
			return tally.ErrAlreadySkipped
		}
	}

	// Apply.
	ledger := *c.Ledger
	s.ledgers[c.GroupID] = &ledger

	if markAt >= 0 {
		marked := log[markAt].Clone()
		marked.Skipped = true
		marked.SkipReason = c.Mark.Reason
		next := make([]*oplog.Entry, len(log), len(log)+1)
		copy(next, log)
		next[markAt] = marked
		log = next
	}
	if c.Append != nil {
		log = append(log, c.Append.Clone())
	}
	s.entries[c.GroupID] = log

	if c.DropCards {
		delete(s.cards, c.GroupID)
	}
	if len(c.Cards) > 0 {
		byCode, ok := s.cards[c.GroupID]
		if !ok {
			byCode = make(map[string]*card.Card)
			s.cards[c.GroupID] = byCode
		}
		for _, cd := range c.Cards {
			byCode[cd.Code] = cd.Clone()
		}
	}

	return nil
}

// Migrate is a no-op.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping reports whether the store is open.
func (s *Store) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return tally.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
