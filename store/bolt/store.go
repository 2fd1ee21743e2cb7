// Package bolt implements store.Store on an embedded bbolt file.
//
// Every group has its own bucket under "groups" holding the ledger
// document and three nested buckets: cards by code, entries by commit
// sequence, and an entry ID index. Values are JSON.
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/xraph/tally"
	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	tallystore "github.com/xraph/tally/store"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Bucket and key names.
var (
	bucketGroups  = []byte("groups")
	bucketCards   = []byte("cards")
	bucketEntries = []byte("entries")
	bucketIndex   = []byte("entry_ids")
	keyLedger     = []byte("ledger")
)

// Store is a bbolt-backed store.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("tally/bolt: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// DB returns the underlying bbolt database.
func (s *Store) DB() *bolt.DB { return s.db }

// Migrate creates the root bucket.
func (s *Store) Migrate(_ context.Context) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketGroups)
		return err
	})
	return wrap("migrate", err)
}

// Ping checks that the database is open.
func (s *Store) Ping(_ context.Context) error {
	return wrap("ping", s.db.View(func(*bolt.Tx) error { return nil }))
}

// Close closes the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== Reads ====================

func (s *Store) GetLedger(_ context.Context, groupID string) (*group.Ledger, error) {
	var l *group.Ledger
	err := s.db.View(func(tx *bolt.Tx) error {
		g := groupBucket(tx, groupID)
		if g == nil {
			return tally.ErrGroupNotFound
		}
		data := g.Get(keyLedger)
		if data == nil {
			return tally.ErrGroupNotFound
		}
		l = new(group.Ledger)
		return json.Unmarshal(data, l)
	})
	if err != nil {
		return nil, wrap("get ledger", err)
	}
	return l, nil
}

func (s *Store) GetCard(_ context.Context, groupID, code string) (*card.Card, error) {
	var c *card.Card
	err := s.db.View(func(tx *bolt.Tx) error {
		b := nested(groupBucket(tx, groupID), bucketCards)
		if b == nil {
			return tally.ErrUnknownInstrument
		}
		data := b.Get([]byte(card.NormalizeCode(code)))
		if data == nil {
			return tally.ErrUnknownInstrument
		}
		c = new(card.Card)
		return json.Unmarshal(data, c)
	})
	if err != nil {
		return nil, wrap("get card", err)
	}
	return c, nil
}

func (s *Store) ListCards(_ context.Context, groupID string) ([]*card.Card, error) {
	cards := make([]*card.Card, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := nested(groupBucket(tx, groupID), bucketCards)
		if b == nil {
			return nil
		}
		// Keys are codes, so cursor order is code order.
		return b.ForEach(func(_, v []byte) error {
			c := new(card.Card)
			if err := json.Unmarshal(v, c); err != nil {
				return err
			}
			cards = append(cards, c)
			return nil
		})
	})
	if err != nil {
		return nil, wrap("list cards", err)
	}
	return cards, nil
}

func (s *Store) ListEntries(_ context.Context, groupID string, opts oplog.ListOpts) ([]*oplog.Entry, error) {
	entries := make([]*oplog.Entry, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := nested(groupBucket(tx, groupID), bucketEntries)
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			e := new(oplog.Entry)
			if err := json.Unmarshal(v, e); err != nil {
				return err
			}
			if opts.Match(e) {
				entries = append(entries, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrap("list entries", err)
	}
	oplog.Sort(entries)
	return entries, nil
}

func (s *Store) GetEntry(_ context.Context, groupID string, entryID id.EntryID) (*oplog.Entry, error) {
	var e *oplog.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		_, e, err = findEntry(groupBucket(tx, groupID), entryID)
		return err
	})
	if err != nil {
		return nil, wrap("get entry", err)
	}
	return e, nil
}

// ==================== Commit ====================

// Commit applies c in one bbolt write transaction.
func (s *Store) Commit(_ context.Context, c *tallystore.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		root, err := tx.CreateBucketIfNotExists(bucketGroups)
		if err != nil {
			return err
		}

		g := root.Bucket([]byte(c.GroupID))
		var stored int64
		exists := false
		if g != nil {
			if data := g.Get(keyLedger); data != nil {
				var cur group.Ledger
				if err := json.Unmarshal(data, &cur); err != nil {
					return err
				}
				stored, exists = cur.Version, true
			}
		}
		if err := c.Expect(stored, exists); err != nil {
			return err
		}

		if g == nil {
			if g, err = root.CreateBucket([]byte(c.GroupID)); err != nil {
				return err
			}
		}

		if err := putJSON(g, keyLedger, c.Ledger); err != nil {
			return err
		}

		if c.Wipe {
			for _, name := range [][]byte{bucketEntries, bucketIndex} {
				if err := deleteBucket(g, name); err != nil {
					return err
				}
			}
		}

		if c.Mark != nil {
			if err := mark(g, c.Mark); err != nil {
				return err
			}
		}

		if c.Append != nil {
			if err := appendEntry(g, c.Append); err != nil {
				return err
			}
		}

		if c.DropCards {
			if err := deleteBucket(g, bucketCards); err != nil {
				return err
			}
		}
		if len(c.Cards) > 0 {
			cards, err := g.CreateBucketIfNotExists(bucketCards)
			if err != nil {
				return err
			}
			for _, cd := range c.Cards {
				if err := putJSON(cards, []byte(cd.Code), cd); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return wrap("commit", err)
}

func mark(g *bolt.Bucket, m *oplog.Mark) error {
	key, e, err := findEntry(g, m.EntryID)
	if err != nil {
		return err
	}
	if e.Skipped {
		return tally.ErrAlreadySkipped
	}
	e.Skipped = true
	e.SkipReason = m.Reason
	return putJSON(g.Bucket(bucketEntries), key, e)
}

func appendEntry(g *bolt.Bucket, e *oplog.Entry) error {
	entries, err := g.CreateBucketIfNotExists(bucketEntries)
	if err != nil {
		return err
	}
	index, err := g.CreateBucketIfNotExists(bucketIndex)
	if err != nil {
		return err
	}

	key := itob(e.Seq)
	if entries.Get(key) != nil {
		return fmt.Errorf("tally/bolt: entry sequence %d already used", e.Seq)
	}
	if err := putJSON(entries, key, e); err != nil {
		return err
	}
	return index.Put([]byte(e.ID.String()), key)
}

func findEntry(g *bolt.Bucket, entryID id.EntryID) ([]byte, *oplog.Entry, error) {
	index := nested(g, bucketIndex)
	entries := nested(g, bucketEntries)
	if index == nil || entries == nil {
		return nil, nil, tally.ErrEntryNotFound
	}
	key := index.Get([]byte(entryID.String()))
	if key == nil {
		return nil, nil, tally.ErrEntryNotFound
	}
	data := entries.Get(key)
	if data == nil {
		return nil, nil, tally.ErrEntryNotFound
	}
	e := new(oplog.Entry)
	if err := json.Unmarshal(data, e); err != nil {
		return nil, nil, err
	}
	return append([]byte(nil), key...), e, nil
}

// ==================== Helpers ====================

func groupBucket(tx *bolt.Tx, groupID string) *bolt.Bucket {
	return nested(tx.Bucket(bucketGroups), []byte(groupID))
}

func nested(b *bolt.Bucket, name []byte) *bolt.Bucket {
	if b == nil {
		return nil
	}
	return b.Bucket(name)
}

func deleteBucket(b *bolt.Bucket, name []byte) error {
	if err := b.DeleteBucket(name); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
		return err
	}
	return nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("tally/bolt: encode: %w", err)
	}
	return b.Put(key, data)
}

// itob converts an int64 to a byte slice for use as a bbolt key.
func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

// wrap maps bbolt errors onto tally errors and leaves domain sentinels
// unwrapped.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, bolt.ErrDatabaseNotOpen):
		return tally.ErrStoreClosed
	case errors.Is(err, tally.ErrGroupNotFound),
		errors.Is(err, tally.ErrUnknownInstrument),
		errors.Is(err, tally.ErrEntryNotFound),
		errors.Is(err, tally.ErrAlreadySkipped),
		errors.Is(err, tally.ErrConcurrentUpdate):
		return err
	default:
		return fmt.Errorf("tally/bolt: %s: %w", op, err)
	}
}
