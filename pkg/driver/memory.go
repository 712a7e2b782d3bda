package driver

import (
	"context"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// MemoryDriver is an in-process GraphStore with the same versioning rules as
// the Neo4j driver.
type MemoryDriver struct {
	mu          sync.RWMutex
	entities    map[string]*types.Entity
	rels        map[types.RelationshipKey]*types.Relationship
	commits     int
	lastUpdated time.Time

	hookMu sync.Mutex
	hook   func(ctx context.Context, plan *types.UpsertPlan) error
}

// NewMemoryDriver creates an empty in-memory graph.
func NewMemoryDriver() *MemoryDriver {
	return &MemoryDriver{
		entities: map[string]*types.Entity{},
		rels:     map[types.RelationshipKey]*types.Relationship{},
	}
}

// SetCommitHook installs fn to run before every commit is applied. A non-nil
// error aborts the commit. fn may itself commit to the driver.
func (m *MemoryDriver) SetCommitHook(fn func(ctx context.Context, plan *types.UpsertPlan) error) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.hook = fn
}

// LookupEntities implements GraphStore.
func (m *MemoryDriver) LookupEntities(ctx context.Context, keys []string) (map[string]*types.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*types.Entity, len(keys))
	for _, k := range keys {
		if e, ok := m.entities[k]; ok {
			out[k] = e.Clone()
		}
	}
	return out, nil
}

// LookupRelationships implements GraphStore.
func (m *MemoryDriver) LookupRelationships(ctx context.Context, keys []types.RelationshipKey) (map[types.RelationshipKey]*types.Relationship, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[types.RelationshipKey]*types.Relationship, len(keys))
	for _, k := range keys {
		if r, ok := m.rels[k]; ok {
			out[k] = r.Clone()
		}
	}
	return out, nil
}

// Commit implements GraphStore.
func (m *MemoryDriver) Commit(ctx context.Context, plan *types.UpsertPlan) (*types.CommitResult, error) {
	m.hookMu.Lock()
	hook := m.hook
	m.hookMu.Unlock()
	if hook != nil {
		if err := hook(ctx, plan); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Check every precondition before touching the graph.
	for _, e := range plan.Entities {
		if got := m.entityVersion(e.Key); got != e.Version {
			return nil, conflict("entity %s at version %d, expected %d", e.Key, got, e.Version)
		}
	}
	planned := make(map[string]bool, len(plan.Entities))
	for _, e := range plan.Entities {
		planned[e.Key] = true
	}
	for _, r := range plan.Relationships {
		for _, endpoint := range []string{r.Subject, r.Object} {
			if _, ok := m.entities[endpoint]; !ok && !planned[endpoint] {
				return nil, conflict("relationship %s endpoint %s does not exist", r.Key(), endpoint)
			}
		}
		if got := m.relVersion(r.Key()); got != r.Version {
			return nil, conflict("relationship %s at version %d, expected %d", r.Key(), got, r.Version)
		}
	}

	res := &types.CommitResult{}
	for _, e := range plan.Entities {
		c := e.Clone()
		c.Version = e.Version + 1
		if e.Version == 0 {
			res.EntitiesCreated++
		} else {
			res.EntitiesUpdated++
		}
		m.entities[c.Key] = c
	}
	for _, r := range plan.Relationships {
		c := r.Clone()
		c.Version = r.Version + 1
		if r.Version == 0 {
			res.RelationshipsCreated++
		} else {
			res.RelationshipsUpdated++
		}
		m.rels[c.Key()] = c
	}
	m.commits++
	m.lastUpdated = time.Now()
	return res, nil
}

func (m *MemoryDriver) entityVersion(key string) int64 {
	if e, ok := m.entities[key]; ok {
		return e.Version
	}
	return 0
}

func (m *MemoryDriver) relVersion(key types.RelationshipKey) int64 {
	if r, ok := m.rels[key]; ok {
		return r.Version
	}
	return 0
}

// Commits returns the number of successful commits.
func (m *MemoryDriver) Commits() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.commits
}

// Snapshot is a point-in-time copy of the graph, sorted by key.
type Snapshot struct {
	Entities      []*types.Entity
	Relationships []*types.Relationship
}

// Snapshot copies the current graph.
func (m *MemoryDriver) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Snapshot
	for _, k := range slices.Sorted(maps.Keys(m.entities)) {
		s.Entities = append(s.Entities, m.entities[k].Clone())
	}
	for _, k := range slices.SortedFunc(maps.Keys(m.rels), types.RelationshipKey.Compare) {
		s.Relationships = append(s.Relationships, m.rels[k].Clone())
	}
	return s
}

// WithoutVersions returns a copy with every version zeroed, for comparing
// graph content independent of how many writes produced it.
func (s Snapshot) WithoutVersions() Snapshot {
	var out Snapshot
	for _, e := range s.Entities {
		c := e.Clone()
		c.Version = 0
		out.Entities = append(out.Entities, c)
	}
	for _, r := range s.Relationships {
		c := r.Clone()
		c.Version = 0
		out.Relationships = append(out.Relationships, c)
	}
	return out
}

// EnsureSchema implements GraphStore.
func (m *MemoryDriver) EnsureSchema(context.Context) error { return nil }

// Ping implements GraphStore.
func (m *MemoryDriver) Ping(ctx context.Context) error { return ctx.Err() }

// Stats implements GraphStore.
func (m *MemoryDriver) Stats(context.Context) (*GraphStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := &GraphStats{
		EntityCount:              int64(len(m.entities)),
		RelationshipCount:        int64(len(m.rels)),
		EntitiesByType:           map[string]int64{},
		RelationshipsByPredicate: map[string]int64{},
		LastUpdated:              m.lastUpdated,
	}
	for _, e := range m.entities {
		stats.EntitiesByType[strings.ToUpper(e.Type)]++
	}
	for _, r := range m.rels {
		stats.RelationshipsByPredicate[r.Predicate]++
	}
	return stats, nil
}

// Close implements GraphStore.
func (m *MemoryDriver) Close(context.Context) error { return nil }
