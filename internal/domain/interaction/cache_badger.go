package interaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const badgerKeyPrefix = "ix:"

// BadgerStore keeps cache entries in an embedded badger database. Each key
// carries a native TTL, so expired entries also disappear from disk.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// OpenBadgerStore opens a store at path, or in memory when path is empty.
func OpenBadgerStore(path string) (*BadgerStore, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(path, 0750); err != nil {
			return nil, fmt.Errorf("create cache directory %s: %w", path, err)
		}
		opts = badger.DefaultOptions(path)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open interaction cache: %w", err)
	}
	return &BadgerStore{db: db, now: time.Now}, nil
}

func badgerKey(key PairKey) []byte {
	return []byte(badgerKeyPrefix + key.String())
}

func (s *BadgerStore) Get(_ context.Context, key PairKey) (Entry, bool, error) {
	var e Entry
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &e)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

func (s *BadgerStore) Put(_ context.Context, key PairKey, e Entry) error {
	ttl := e.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	val, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	k := badgerKey(key)
	return s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		switch {
		case err == nil:
			var cur Entry
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &cur) }); err == nil && cur.ExpiresAt.After(e.ExpiresAt) {
				return nil
			}
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.SetEntry(badger.NewEntry(k, val).WithTTL(ttl))
	})
}

func (s *BadgerStore) Close() error { return s.db.Close() }
