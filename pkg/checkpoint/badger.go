package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

const badgerPrefix = "checkpoint/"

// BadgerStore keeps checkpoints in a local BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens the database at path. An empty path opens an
// in-memory database.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, sourceID string) (*types.IngestionCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var cp *types.IngestionCheckpoint
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerPrefix + sourceID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return types.ErrCheckpointNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			cp, err = decode(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Put implements Store.
func (s *BadgerStore) Put(ctx context.Context, cp *types.IngestionCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(cp); err != nil {
		return err
	}
	b, err := encode(cp)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPrefix+cp.SourceID), b)
	})
}

// List implements Store.
func (s *BadgerStore) List(ctx context.Context) ([]*types.IngestionCheckpoint, error) {
	var out []*types.IngestionCheckpoint
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(badgerPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				cp, err := decode(val)
				if err != nil {
					return err
				}
				out = append(out, cp)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortBySource(out)
	return out, nil
}

// Close implements Store.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
