package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// Neo4jStore keeps checkpoints as (:IngestionCheckpoint) nodes next to the
// graph they describe.
type Neo4jStore struct {
	client   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewNeo4jStore creates a store on an open driver. The store does not own
// the driver; Close is a no-op.
func NewNeo4jStore(client neo4j.DriverWithContext, database string, logger *slog.Logger) *Neo4jStore {
	if database == "" {
		database = "neo4j"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Neo4jStore{client: client, database: database, logger: logger}
}

func (s *Neo4jStore) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.client.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

// Get implements Store.
func (s *Neo4jStore) Get(ctx context.Context, sourceID string) (*types.IngestionCheckpoint, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (c:IngestionCheckpoint {source_id: $source_id})
			RETURN c.source_id AS source_id, c.last_content_hash AS hash, c.processed_at AS processed_at,
			       c.source_modified_at AS source_modified_at
		`, map[string]any{"source_id": sourceID})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, types.Transient(err)
	}
	records := result.([]*neo4j.Record)
	if len(records) == 0 {
		return nil, types.ErrCheckpointNotFound
	}
	return checkpointFromRecord(records[0]), nil
}

// Put implements Store.
func (s *Neo4jStore) Put(ctx context.Context, cp *types.IngestionCheckpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MERGE (c:IngestionCheckpoint {source_id: $source_id})
			SET c.last_content_hash = $hash, c.processed_at = $processed_at,
			    c.source_modified_at = $source_modified_at
		`, map[string]any{
			"source_id":          cp.SourceID,
			"hash":               cp.LastContentHash,
			"processed_at":       formatTime(cp.ProcessedAt),
			"source_modified_at": formatTime(cp.SourceModifiedAt),
		})
		if err != nil {
			return nil, err
		}
		return res.Consume(ctx)
	})
	if err != nil {
		return types.Transient(fmt.Errorf("failed to store checkpoint: %w", err))
	}
	return nil
}

// List implements Store.
func (s *Neo4jStore) List(ctx context.Context) ([]*types.IngestionCheckpoint, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			MATCH (c:IngestionCheckpoint)
			RETURN c.source_id AS source_id, c.last_content_hash AS hash, c.processed_at AS processed_at,
			       c.source_modified_at AS source_modified_at
			ORDER BY source_id
		`, nil)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}
	var out []*types.IngestionCheckpoint
	for _, record := range result.([]*neo4j.Record) {
		out = append(out, checkpointFromRecord(record))
	}
	return out, nil
}

func checkpointFromRecord(record *neo4j.Record) *types.IngestionCheckpoint {
	cp := &types.IngestionCheckpoint{}
	if v, ok := record.Get("source_id"); ok {
		cp.SourceID, _ = v.(string)
	}
	if v, ok := record.Get("hash"); ok {
		cp.LastContentHash, _ = v.(string)
	}
	cp.ProcessedAt = parseTime(record, "processed_at")
	cp.SourceModifiedAt = parseTime(record, "source_modified_at")
	return cp
}

// formatTime stores zero times as null.
func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(record *neo4j.Record, key string) time.Time {
	v, ok := record.Get(key)
	if !ok {
		return time.Time{}
	}
	s, ok := v.(string)
	if !ok {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

// Close implements Store.
func (s *Neo4jStore) Close() error { return nil }
