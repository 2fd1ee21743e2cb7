// Package mongo implements store.Store on MongoDB with the official v2
// driver.
//
// Each group has one document in tally_ledgers keyed by group ID; cards
// and log entries live in their own collections. Commit runs in a
// multi-document transaction, so the server must be a replica set or a
// sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/tally"
	"github.com/xraph/tally/card"
	"github.com/xraph/tally/group"
	"github.com/xraph/tally/id"
	"github.com/xraph/tally/oplog"
	tallystore "github.com/xraph/tally/store"
)

// Collection name constants.
const (
	colLedgers = "tally_ledgers"
	colCards   = "tally_cards"
	colEntries = "tally_entries"
)

// compile-time interface check
var _ tallystore.Store = (*Store)(nil)

// Store implements store.Store using MongoDB.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

// New creates a new MongoDB store on the named database.
func New(client *mongo.Client, database string) *Store {
	return &Store{client: client, db: client.Database(database)}
}

// Open connects to uri and uses the named database.
func Open(uri, database string) (*Store, error) {
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("tally/mongo: connect: %w", err)
	}
	return New(client, database), nil
}

// Database returns the underlying database for direct access.
func (s *Store) Database() *mongo.Database { return s.db }

// Migrate creates indexes for all Tally collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return wrap("migrate "+col+" indexes", err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return wrap("ping", s.client.Ping(ctx, nil))
}

// Close disconnects the client.
func (s *Store) Close() error {
	err := s.client.Disconnect(context.Background())
	if errors.Is(err, mongo.ErrClientDisconnected) {
		return nil
	}
	return err
}

// ==================== Reads ====================

func (s *Store) GetLedger(ctx context.Context, groupID string) (*group.Ledger, error) {
	var m ledgerModel
	err := s.db.Collection(colLedgers).FindOne(ctx, bson.M{"_id": groupID}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrGroupNotFound
		}
		return nil, wrap("get ledger", err)
	}
	l, err := fromLedgerModel(&m)
	if err != nil {
		return nil, wrap("get ledger", err)
	}
	return l, nil
}

func (s *Store) GetCard(ctx context.Context, groupID, code string) (*card.Card, error) {
	var m cardModel
	err := s.db.Collection(colCards).
		FindOne(ctx, bson.M{"group_id": groupID, "code": card.NormalizeCode(code)}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrUnknownInstrument
		}
		return nil, wrap("get card", err)
	}
	c, err := fromCardModel(&m)
	if err != nil {
		return nil, wrap("get card", err)
	}
	return c, nil
}

func (s *Store) ListCards(ctx context.Context, groupID string) ([]*card.Card, error) {
	cur, err := s.db.Collection(colCards).Find(ctx,
		bson.M{"group_id": groupID},
		options.Find().SetSort(bson.D{{Key: "code", Value: 1}}))
	if err != nil {
		return nil, wrap("list cards", err)
	}

	var models []cardModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, wrap("list cards", err)
	}

	cards := make([]*card.Card, 0, len(models))
	for i := range models {
		c, err := fromCardModel(&models[i])
		if err != nil {
			return nil, wrap("list cards", err)
		}
		cards = append(cards, c)
	}
	return cards, nil
}

func (s *Store) ListEntries(ctx context.Context, groupID string, opts oplog.ListOpts) ([]*oplog.Entry, error) {
	filter := bson.M{"group_id": groupID}
	if !opts.After.IsZero() {
		filter["ts"] = bson.M{"$gt": toNanos(opts.After)}
	}
	if len(opts.Kinds) > 0 {
		kinds := make([]string, len(opts.Kinds))
		for i, k := range opts.Kinds {
			kinds[i] = string(k)
		}
		filter["kind"] = bson.M{"$in": kinds}
	}

	cur, err := s.db.Collection(colEntries).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "ts", Value: 1}, {Key: "seq", Value: 1}}))
	if err != nil {
		return nil, wrap("list entries", err)
	}

	var models []entryModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, wrap("list entries", err)
	}

	entries := make([]*oplog.Entry, 0, len(models))
	for i := range models {
		e, err := fromEntryModel(&models[i])
		if err != nil {
			return nil, wrap("list entries", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) GetEntry(ctx context.Context, groupID string, entryID id.EntryID) (*oplog.Entry, error) {
	var m entryModel
	err := s.db.Collection(colEntries).
		FindOne(ctx, bson.M{"_id": entryID.String(), "group_id": groupID}).
		Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, tally.ErrEntryNotFound
		}
		return nil, wrap("get entry", err)
	}
	e, err := fromEntryModel(&m)
	if err != nil {
		return nil, wrap("get entry", err)
	}
	return e, nil
}

// ==================== Commit ====================

// Commit applies c in one multi-document transaction. The driver retries
// the callback on transient transaction errors; the version check inside
// turns a lost race into ErrConcurrentUpdate.
func (s *Store) Commit(ctx context.Context, c *tallystore.Change) error {
	if err := c.Validate(); err != nil {
		return err
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return wrap("start session", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		return nil, s.apply(ctx, c)
	})
	return wrap("commit", err)
}

func (s *Store) apply(ctx context.Context, c *tallystore.Change) error {
	ledgers := s.db.Collection(colLedgers)
	entries := s.db.Collection(colEntries)
	cards := s.db.Collection(colCards)

	var cur ledgerModel
	exists := true
	err := ledgers.FindOne(ctx, bson.M{"_id": c.GroupID}).Decode(&cur)
	if isNoDocuments(err) {
		exists = false
	} else if err != nil {
		return err
	}
	if err := c.Expect(cur.Version, exists); err != nil {
		return err
	}

	doc := toLedgerModel(c.Ledger)
	if !exists {
		if _, err := ledgers.InsertOne(ctx, doc); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return tally.ErrConcurrentUpdate
			}
			return err
		}
	} else {
		res, err := ledgers.ReplaceOne(ctx, bson.M{"_id": c.GroupID, "version": c.Ledger.Version - 1}, doc)
		if err != nil {
			return err
		}
		if res.MatchedCount != 1 {
			return tally.ErrConcurrentUpdate
		}
	}

	if c.Wipe {
		if _, err := entries.DeleteMany(ctx, bson.M{"group_id": c.GroupID}); err != nil {
			return err
		}
	}

	if c.Mark != nil {
		var m entryModel
		filter := bson.M{"_id": c.Mark.EntryID.String(), "group_id": c.GroupID}
		if err := entries.FindOne(ctx, filter).Decode(&m); err != nil {
			if isNoDocuments(err) {
				return tally.ErrEntryNotFound
			}
			return err
		}
		if m.Skipped {
			return tally.ErrAlreadySkipped
		}
		_, err := entries.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
			"skipped":     true,
			"skip_reason": c.Mark.Reason,
		}})
		if err != nil {
			return err
		}
	}

	if c.Append != nil {
		if _, err := entries.InsertOne(ctx, toEntryModel(c.Append)); err != nil {
			return err
		}
	}

	if c.DropCards {
		if _, err := cards.DeleteMany(ctx, bson.M{"group_id": c.GroupID}); err != nil {
			return err
		}
	}

	for _, cd := range c.Cards {
		_, err := cards.ReplaceOne(ctx,
			bson.M{"group_id": cd.GroupID, "code": cd.Code},
			toCardModel(cd),
			options.Replace().SetUpsert(true))
		if err != nil {
			return err
		}
	}
	return nil
}

// ==================== Helpers ====================

// isNoDocuments checks if an error wraps mongo.ErrNoDocuments.
func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// wrap prefixes driver errors and leaves domain sentinels unwrapped.
func wrap(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrClientDisconnected):
		return tally.ErrStoreClosed
	case errors.Is(err, tally.ErrGroupNotFound),
		errors.Is(err, tally.ErrUnknownInstrument),
		errors.Is(err, tally.ErrEntryNotFound),
		errors.Is(err, tally.ErrAlreadySkipped),
		errors.Is(err, tally.ErrConcurrentUpdate):
		return err
	default:
		return fmt.Errorf("tally/mongo: %s: %w", op, err)
	}
}

// migrationIndexes returns the index definitions for all Tally collections.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colCards: {
			{
				Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "code", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colEntries: {
			{
				Keys:    bson.D{{Key: "group_id", Value: 1}, {Key: "seq", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "ts", Value: 1}, {Key: "seq", Value: 1}}},
		},
	}
}
