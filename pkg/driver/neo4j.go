package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jconfig "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/dbtype"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

const constraintViolation = "Neo.ClientError.Schema.ConstraintValidationFailed"

// Neo4jDriver implements GraphStore for Neo4j databases. Entities are
// (:Entity {entity_key}) nodes and relationships are RELATES_TO edges keyed
// by rel_key.
type Neo4jDriver struct {
	client   neo4j.DriverWithContext
	database string
	logger   *slog.Logger
}

// NewNeo4jDriver creates a new Neo4j driver instance. A non-positive
// maxPoolSize keeps the driver default.
func NewNeo4jDriver(uri, username, password, database string, maxPoolSize int) (*Neo4jDriver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""), func(c *neo4jconfig.Config) {
		if maxPoolSize > 0 {
			c.MaxConnectionPoolSize = maxPoolSize
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	return &Neo4jDriver{
		client:   driver,
		database: database,
		logger:   slog.Default(),
	}, nil
}

// WithLogger sets the logger and returns the driver.
func (n *Neo4jDriver) WithLogger(logger *slog.Logger) *Neo4jDriver {
	if logger != nil {
		n.logger = logger
	}
	return n
}

// Client returns the underlying driver for stores sharing the connection.
func (n *Neo4jDriver) Client() neo4j.DriverWithContext {
	return n.client
}

// Database returns the database name.
func (n *Neo4jDriver) Database() string {
	return n.database
}

func (n *Neo4jDriver) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return n.client.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: n.database})
}

// LookupEntities implements GraphStore.
func (n *Neo4jDriver) LookupEntities(ctx context.Context, keys []string) (map[string]*types.Entity, error) {
	out := make(map[string]*types.Entity, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	session := n.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			UNWIND $keys AS k
			MATCH (n:Entity {entity_key: k})
			RETURN n
		`, map[string]any{"keys": keys})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, mapError(err)
	}

	for _, record := range result.([]*neo4j.Record) {
		value, found := record.Get("n")
		if !found {
			continue
		}
		node, ok := value.(dbtype.Node)
		if !ok {
			continue
		}
		e := entityFromProps(node.Props)
		out[e.Key] = e
	}
	return out, nil
}

// LookupRelationships implements GraphStore.
func (n *Neo4jDriver) LookupRelationships(ctx context.Context, keys []types.RelationshipKey) (map[types.RelationshipKey]*types.Relationship, error) {
	out := make(map[types.RelationshipKey]*types.Relationship, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	params := make([]map[string]any, len(keys))
	for i, k := range keys {
		params[i] = map[string]any{"key": k.ID(), "subject": k.Subject, "object": k.Object}
	}

	session := n.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
			UNWIND $keys AS k
			MATCH (s:Entity {entity_key: k.subject})-[r:RELATES_TO {rel_key: k.key}]->(o:Entity {entity_key: k.object})
			RETURN s.entity_key AS subject, o.entity_key AS object, r
		`, map[string]any{"keys": params})
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, mapError(err)
	}

	for _, record := range result.([]*neo4j.Record) {
		value, found := record.Get("r")
		if !found {
			continue
		}
		rel, ok := value.(dbtype.Relationship)
		if !ok {
			continue
		}
		subject, _ := record.Get("subject")
		object, _ := record.Get("object")
		s, _ := subject.(string)
		o, _ := object.(string)
		r := relationshipFromProps(s, o, rel.Props)
		out[r.Key()] = r
	}
	return out, nil
}

const upsertEntitiesQuery = `
	UNWIND $entities AS e
	MERGE (n:Entity {entity_key: e.key})
	ON CREATE SET n.version = 0, n.created_at = $now
	WITH n, e
	WHERE n.version = e.expected_version
	SET n.type = e.type,
		n.canonical_name = e.canonical_name,
		n.attributes = e.attributes,
		n.provenance = e.provenance,
		n.updated_at = $now,
		n.version = e.expected_version + 1
	RETURN count(n) AS applied, sum(CASE WHEN e.expected_version = 0 THEN 1 ELSE 0 END) AS created
`

const upsertRelationshipsQuery = `
	UNWIND $rels AS r
	MATCH (s:Entity {entity_key: r.subject})
	MATCH (o:Entity {entity_key: r.object})
	MERGE (s)-[x:RELATES_TO {rel_key: r.key}]->(o)
	ON CREATE SET x.version = 0, x.created_at = $now
	WITH x, r
	WHERE x.version = r.expected_version
	SET x.predicate = r.predicate,
		x.attributes = r.attributes,
		x.provenance = r.provenance,
		x.updated_at = $now,
		x.version = r.expected_version + 1
	RETURN count(x) AS applied, sum(CASE WHEN r.expected_version = 0 THEN 1 ELSE 0 END) AS created
`

// Commit implements GraphStore. A version mismatch on any item rolls back
// the whole transaction.
func (n *Neo4jDriver) Commit(ctx context.Context, plan *types.UpsertPlan) (*types.CommitResult, error) {
	entities := make([]map[string]any, 0, len(plan.Entities))
	for _, e := range plan.Entities {
		p, err := entityToParams(e)
		if err != nil {
			return nil, err
		}
		entities = append(entities, p)
	}
	rels := make([]map[string]any, 0, len(plan.Relationships))
	for _, r := range plan.Relationships {
		p, err := relationshipToParams(r)
		if err != nil {
			return nil, err
		}
		rels = append(rels, p)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)

	session := n.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res := &types.CommitResult{}
		if len(entities) > 0 {
			applied, created, err := runCounted(ctx, tx, upsertEntitiesQuery, map[string]any{"entities": entities, "now": now})
			if err != nil {
				return nil, err
			}
			if applied != len(entities) {
				return nil, conflict("%d of %d entities changed concurrently", len(entities)-applied, len(entities))
			}
			res.EntitiesCreated, res.EntitiesUpdated = created, applied-created
		}
		if len(rels) > 0 {
			applied, created, err := runCounted(ctx, tx, upsertRelationshipsQuery, map[string]any{"rels": rels, "now": now})
			if err != nil {
				return nil, err
			}
			if applied != len(rels) {
				return nil, conflict("%d of %d relationships changed concurrently", len(rels)-applied, len(rels))
			}
			res.RelationshipsCreated, res.RelationshipsUpdated = created, applied-created
		}
		return res, nil
	})
	if err != nil {
		return nil, mapError(err)
	}
	return result.(*types.CommitResult), nil
}

func runCounted(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) (applied, created int, err error) {
	res, err := tx.Run(ctx, query, params)
	if err != nil {
		return 0, 0, err
	}
	record, err := res.Single(ctx)
	if err != nil {
		return 0, 0, err
	}
	a, _ := record.Get("applied")
	c, _ := record.Get("created")
	return int(asInt64(a)), int(asInt64(c)), nil
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	}
	return 0
}

// mapError translates driver errors into pipeline errors.
func mapError(err error) error {
	if err == nil || errors.Is(err, types.ErrWriteConflict) {
		return err
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) && nerr.Code == constraintViolation {
		return fmt.Errorf("%w: %s", types.ErrWriteConflict, nerr.Msg)
	}
	if neo4j.IsRetryable(err) || neo4j.IsConnectivityError(err) {
		return types.Transient(err)
	}
	return err
}

// EnsureSchema creates the key constraints. Failures are logged and
// skipped, since older servers lack relationship constraints.
func (n *Neo4jDriver) EnsureSchema(ctx context.Context) error {
	if err := n.client.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("neo4j unreachable: %w", err)
	}

	session := n.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	stmts := []string{
		`CREATE CONSTRAINT entity_key_unique IF NOT EXISTS FOR (n:Entity) REQUIRE n.entity_key IS UNIQUE`,
		`CREATE CONSTRAINT relates_to_key_unique IF NOT EXISTS FOR ()-[r:RELATES_TO]-() REQUIRE r.rel_key IS UNIQUE`,
		`CREATE CONSTRAINT checkpoint_source_unique IF NOT EXISTS FOR (c:IngestionCheckpoint) REQUIRE c.source_id IS UNIQUE`,
		`CREATE INDEX entity_type_idx IF NOT EXISTS FOR (n:Entity) ON (n.type)`,
	}
	for _, q := range stmts {
		res, err := session.Run(ctx, q, nil)
		if err == nil {
			_, err = res.Consume(ctx)
		}
		if err != nil {
			n.logger.Warn("neo4j schema init failed (continuing)", "statement", q, "error", err)
		}
	}
	return nil
}

// Ping implements GraphStore.
func (n *Neo4jDriver) Ping(ctx context.Context) error {
	return n.client.VerifyConnectivity(ctx)
}

// Stats implements GraphStore.
func (n *Neo4jDriver) Stats(ctx context.Context) (*GraphStats, error) {
	session := n.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		nodeRes, err := tx.Run(ctx, `
			MATCH (n:Entity)
			RETURN n.type AS label, count(n) AS count
		`, nil)
		if err != nil {
			return nil, err
		}
		nodeRecords, err := nodeRes.Collect(ctx)
		if err != nil {
			return nil, err
		}

		edgeRes, err := tx.Run(ctx, `
			MATCH ()-[r:RELATES_TO]->()
			RETURN r.predicate AS label, count(r) AS count
		`, nil)
		if err != nil {
			return nil, err
		}
		edgeRecords, err := edgeRes.Collect(ctx)
		if err != nil {
			return nil, err
		}
		return [2][]*neo4j.Record{nodeRecords, edgeRecords}, nil
	})
	if err != nil {
		return nil, mapError(err)
	}

	records := result.([2][]*neo4j.Record)
	stats := &GraphStats{
		EntitiesByType:           make(map[string]int64),
		RelationshipsByPredicate: make(map[string]int64),
		LastUpdated:              time.Now(),
	}
	stats.EntityCount = countByLabel(records[0], stats.EntitiesByType)
	stats.RelationshipCount = countByLabel(records[1], stats.RelationshipsByPredicate)
	return stats, nil
}

func countByLabel(records []*neo4j.Record, into map[string]int64) int64 {
	var total int64
	for _, record := range records {
		c, _ := record.Get("count")
		count := asInt64(c)
		total += count
		if label, found := record.Get("label"); found && label != nil {
			if s, ok := label.(string); ok {
				into[s] += count
			}
		}
	}
	return total
}

// Close closes the Neo4j driver.
func (n *Neo4jDriver) Close(ctx context.Context) error {
	return n.client.Close(ctx)
}
