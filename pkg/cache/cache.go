// Package cache stores model replies keyed by the hash of the extraction
// unit that produced them, so a rerun over unchanged text costs no
// inference. The durable tier survives restarts; the LRU tier in lru.go
// serves repeated units within one process.
package cache

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrKeyNotFound reports a miss: the unit has no stored reply, or it expired.
var ErrKeyNotFound = errors.New("key not found in cache")

// Cache maps a unit key to the raw reply bytes. Implementations are safe for
// concurrent use by extraction workers.
type Cache interface {
	// Set stores value under key; ttl <= 0 keeps it until deleted.
	Set(key string, value []byte, ttl time.Duration) error
	// Get returns ErrKeyNotFound on a miss.
	Get(key string) ([]byte, error)
	Delete(key string) error
	Close() error
}

// BadgerCache is the on-disk reply store configured by llm.cache_path.
type BadgerCache struct {
	db *badger.DB
}

// NewBadgerCache opens the reply store at dir, creating it when missing.
// An empty dir keeps the store in memory, which tests use.
func NewBadgerCache(dir string) (*BadgerCache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open reply cache at %q: %w", dir, err)
	}
	return &BadgerCache{db: db}, nil
}

// Set implements Cache.
func (c *BadgerCache) Set(key string, value []byte, ttl time.Duration) error {
	entry := badger.NewEntry([]byte(key), value)
	if ttl > 0 {
		entry = entry.WithTTL(ttl)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

// Get implements Cache. Expired replies read as misses.
func (c *BadgerCache) Get(key string) ([]byte, error) {
	var reply []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		reply, err = item.ValueCopy(nil)
		return err
	})
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		return nil, ErrKeyNotFound
	case err != nil:
		return nil, fmt.Errorf("failed to read cached reply: %w", err)
	}
	return reply, nil
}

// Delete drops a stored reply, for example one that no longer parses.
func (c *BadgerCache) Delete(key string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Close flushes and closes the store.
func (c *BadgerCache) Close() error {
	return c.db.Close()
}
