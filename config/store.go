package config

import (
	"context"
	"fmt"

	"github.com/xraph/tally/store"
	"github.com/xraph/tally/store/bolt"
	"github.com/xraph/tally/store/memory"
	"github.com/xraph/tally/store/mongo"
	"github.com/xraph/tally/store/postgres"
	"github.com/xraph/tally/store/sqlite"
)

// Open connects the configured backend. The store is not migrated.
func (c StoreConfig) Open(ctx context.Context) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch c.Driver {
	case DriverMemory:
		return memory.New(), nil
	case DriverBolt:
		s, err = opened(bolt.Open(c.DSN))
	case DriverSQLite:
		s, err = opened(sqlite.Open(c.DSN))
	case DriverPostgres:
		s, err = opened(postgres.Open(ctx, c.DSN))
	case DriverMongo:
		s, err = opened(mongo.Open(c.DSN, c.Database))
	default:
		return nil, fmt.Errorf("config: unknown store driver %q", c.Driver)
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// opened drops the typed result on error so that a failed open never
// yields a non-nil store.Store.
func opened[S store.Store](s S, err error) (store.Store, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}
