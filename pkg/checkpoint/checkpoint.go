// Package checkpoint persists the last committed content hash of every
// source document so unchanged documents are skipped on later runs.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/config"
	"github.com/soundprediction/go-docgraph/pkg/driver"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

// Store is a durable map from source id to checkpoint.
type Store interface {
	// Get returns types.ErrCheckpointNotFound for unknown source ids.
	Get(ctx context.Context, sourceID string) (*types.IngestionCheckpoint, error)
	Put(ctx context.Context, cp *types.IngestionCheckpoint) error
	// List returns every checkpoint sorted by source id.
	List(ctx context.Context) ([]*types.IngestionCheckpoint, error)
	Close() error
}

// NewFromConfig opens the store selected by cfg.Driver. The neo4j store
// shares graph's connection and requires graph to be a *driver.Neo4jDriver.
func NewFromConfig(cfg config.CheckpointConfig, graph driver.GraphStore, logger *slog.Logger) (Store, error) {
	switch cfg.Driver {
	case "", "badger":
		return NewBadgerStore(cfg.Path)
	case "memory":
		return NewMemoryStore(), nil
	case "redis":
		return NewRedisStore(RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.KeyPrefix,
		})
	case "neo4j":
		d, ok := graph.(*driver.Neo4jDriver)
		if !ok {
			return nil, errors.New("neo4j checkpoint store requires the neo4j graph driver")
		}
		return NewNeo4jStore(d.Client(), d.Database(), logger), nil
	}
	return nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
}

// Watermark returns the latest ProcessedAt across all checkpoints, or the
// zero time when there are none.
func Watermark(ctx context.Context, store Store) (time.Time, error) {
	all, err := store.List(ctx)
	if err != nil {
		return time.Time{}, err
	}
	var latest time.Time
	for _, cp := range all {
		if cp.ProcessedAt.After(latest) {
			latest = cp.ProcessedAt
		}
	}
	return latest, nil
}

func validate(cp *types.IngestionCheckpoint) error {
	if cp == nil || cp.SourceID == "" {
		return errors.New("checkpoint requires a source id")
	}
	if cp.LastContentHash == "" {
		return fmt.Errorf("checkpoint for %s has no content hash", cp.SourceID)
	}
	return nil
}

func encode(cp *types.IngestionCheckpoint) ([]byte, error) {
	b, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return b, nil
}

func decode(b []byte) (*types.IngestionCheckpoint, error) {
	var cp types.IngestionCheckpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func sortBySource(cps []*types.IngestionCheckpoint) {
	slices.SortFunc(cps, func(a, b *types.IngestionCheckpoint) int {
		return strings.Compare(a.SourceID, b.SourceID)
	})
}

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu  sync.RWMutex
	cps map[string]types.IngestionCheckpoint
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: map[string]types.IngestionCheckpoint{}}
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, sourceID string) (*types.IngestionCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[sourceID]
	if !ok {
		return nil, types.ErrCheckpointNotFound
	}
	return &cp, nil
}

// Put implements Store.
func (s *MemoryStore) Put(ctx context.Context, cp *types.IngestionCheckpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validate(cp); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[cp.SourceID] = *cp
	return nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]*types.IngestionCheckpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.IngestionCheckpoint, 0, len(s.cps))
	for _, cp := range s.cps {
		out = append(out, &cp)
	}
	sortBySource(out)
	return out, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error { return nil }
