// Package driver stores the knowledge graph.
package driver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/config"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

// GraphStore defines the operations the pipeline needs from a graph
// database. Commit applies a whole plan atomically or not at all.
type GraphStore interface {
	// Lookups return only the keys that exist.
	LookupEntities(ctx context.Context, keys []string) (map[string]*types.Entity, error)
	LookupRelationships(ctx context.Context, keys []types.RelationshipKey) (map[types.RelationshipKey]*types.Relationship, error)

	// Commit writes the plan in one transaction. Every item's Version must
	// equal the stored version (zero for new items), otherwise nothing is
	// written and the error wraps types.ErrWriteConflict.
	Commit(ctx context.Context, plan *types.UpsertPlan) (*types.CommitResult, error)

	// Database maintenance
	EnsureSchema(ctx context.Context) error
	Stats(ctx context.Context) (*GraphStats, error)
	Ping(ctx context.Context) error

	// Connection management
	Close(ctx context.Context) error
}

// GraphStats holds statistics about the graph.
type GraphStats struct {
	EntityCount              int64            `json:"entity_count"`
	RelationshipCount        int64            `json:"relationship_count"`
	EntitiesByType           map[string]int64 `json:"entities_by_type"`
	RelationshipsByPredicate map[string]int64 `json:"relationships_by_predicate"`
	LastUpdated              time.Time        `json:"last_updated"`
}

// NewFromConfig opens the graph store selected by cfg.Driver.
func NewFromConfig(cfg config.GraphConfig, logger *slog.Logger) (GraphStore, error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryDriver(), nil
	case "", "neo4j":
		d, err := NewNeo4jDriver(cfg.URI, cfg.Username, cfg.Password, cfg.Database, cfg.MaxPoolSize)
		if err != nil {
			return nil, err
		}
		return d.WithLogger(logger), nil
	}
	return nil, fmt.Errorf("unknown graph driver %q", cfg.Driver)
}

func conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", types.ErrWriteConflict, fmt.Sprintf(format, args...))
}
