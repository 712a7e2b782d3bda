// Package resolver merges extracted candidates with the stored graph into an
// upsert plan.
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// GraphLookup reads the stored state of entities and relationships by key.
// Missing keys are absent from the returned maps.
type GraphLookup interface {
	LookupEntities(ctx context.Context, keys []string) (map[string]*types.Entity, error)
	LookupRelationships(ctx context.Context, keys []types.RelationshipKey) (map[types.RelationshipKey]*types.Relationship, error)
}

// Resolver deduplicates candidates against the graph.
type Resolver struct {
	policy types.MergePolicy
	logger *slog.Logger
}

// New creates a resolver applying policy to attribute conflicts.
func New(policy types.MergePolicy, logger *slog.Logger) *Resolver {
	if policy.Kind == "" {
		policy.Kind = types.PreferAuthoritative
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{policy: policy, logger: logger}
}

// Policy returns the merge policy in use.
func (r *Resolver) Policy() types.MergePolicy {
	return r.policy
}

// Resolve folds the candidates by key, merges them with what lookup reports
// as stored and returns the writes needed. Items whose merged state equals
// the stored state are counted in Unchanged and left out. The plan is sorted
// by key and does not depend on candidate order.
func (r *Resolver) Resolve(ctx context.Context, entities []*types.Entity, rels []*types.Relationship, lookup GraphLookup) (*types.UpsertPlan, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	candidates, err := r.foldEntities(entities)
	if err != nil {
		return nil, err
	}
	edges := r.foldRelationships(rels)

	// One lookup covers the batch and every relationship endpoint.
	keys := slices.Collect(maps.Keys(candidates))
	for _, rel := range edges {
		keys = append(keys, rel.Subject, rel.Object)
	}
	slices.Sort(keys)
	keys = slices.Compact(keys)

	stored, err := lookup.LookupEntities(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("failed to look up entities: %w", err)
	}

	plan := &types.UpsertPlan{}
	for _, key := range slices.Sorted(maps.Keys(candidates)) {
		merged, changed := r.mergeEntity(stored[key], candidates[key])
		if !changed {
			plan.Unchanged++
			continue
		}
		plan.Entities = append(plan.Entities, merged)
	}

	if len(edges) == 0 {
		return plan, nil
	}

	relKeys := slices.SortedFunc(maps.Keys(edges), types.RelationshipKey.Compare)
	for _, k := range relKeys {
		for _, endpoint := range []string{k.Subject, k.Object} {
			if _, ok := candidates[endpoint]; ok {
				continue
			}
			if _, ok := stored[endpoint]; ok {
				continue
			}
			return nil, fmt.Errorf("%w: relationship %s references unknown entity %s", types.ErrInvalidPlan, k, endpoint)
		}
	}

	storedRels, err := lookup.LookupRelationships(ctx, relKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to look up relationships: %w", err)
	}
	for _, k := range relKeys {
		merged, changed := r.mergeRelationship(storedRels[k], edges[k])
		if !changed {
			plan.Unchanged++
			continue
		}
		plan.Relationships = append(plan.Relationships, merged)
	}

	r.logger.Debug("resolved candidates",
		"entities", len(plan.Entities),
		"relationships", len(plan.Relationships),
		"unchanged", plan.Unchanged)
	return plan, nil
}

func (r *Resolver) foldEntities(in []*types.Entity) (map[string]*types.Entity, error) {
	out := make(map[string]*types.Entity, len(in))
	for _, e := range in {
		if e == nil {
			continue
		}
		c := e.Clone()
		c.Type = strings.ToUpper(strings.TrimSpace(c.Type))
		want := types.EntityKey(c.Type, c.CanonicalName)
		switch {
		case c.CanonicalName == "":
			return nil, fmt.Errorf("%w: entity without canonical name", types.ErrInvalidPlan)
		case c.Key == "":
			c.Key = want
		case c.Key != want:
			return nil, fmt.Errorf("%w: entity key %s does not match %s/%s", types.ErrInvalidPlan, c.Key, c.Type, c.CanonicalName)
		}

		cur, ok := out[c.Key]
		if !ok {
			c.Provenance = types.MergeProvenance(c.Provenance)
			out[c.Key] = c
			continue
		}
		cur.Attributes = r.policy.MergeAttributes(cur.Attributes, c.Attributes)
		cur.Provenance = types.MergeProvenance(cur.Provenance, c.Provenance)
	}
	return out, nil
}

func (r *Resolver) foldRelationships(in []*types.Relationship) map[types.RelationshipKey]*types.Relationship {
	out := make(map[types.RelationshipKey]*types.Relationship, len(in))
	for _, rel := range in {
		if rel == nil {
			continue
		}
		c := rel.Clone()
		cur, ok := out[c.Key()]
		if !ok {
			c.Provenance = types.MergeProvenance(c.Provenance)
			out[c.Key()] = c
			continue
		}
		cur.Attributes = r.policy.MergeAttributes(cur.Attributes, c.Attributes)
		cur.Provenance = types.MergeProvenance(cur.Provenance, c.Provenance)
	}
	return out
}

// mergeEntity returns the state to write and whether it differs from stored.
func (r *Resolver) mergeEntity(stored, candidate *types.Entity) (*types.Entity, bool) {
	if stored == nil {
		c := candidate.Clone()
		c.Version = 0
		return c, true
	}
	merged := stored.Clone()
	merged.Attributes = r.policy.MergeAttributes(stored.Attributes, candidate.Attributes)
	merged.Provenance = types.MergeProvenance(stored.Provenance, candidate.Provenance)
	changed := !maps.Equal(merged.Attributes, stored.Attributes) || !slices.Equal(merged.Provenance, types.MergeProvenance(stored.Provenance))
	return merged, changed
}

func (r *Resolver) mergeRelationship(stored, candidate *types.Relationship) (*types.Relationship, bool) {
	if stored == nil {
		c := candidate.Clone()
		c.Version = 0
		return c, true
	}
	merged := stored.Clone()
	merged.Attributes = r.policy.MergeAttributes(stored.Attributes, candidate.Attributes)
	merged.Provenance = types.MergeProvenance(stored.Provenance, candidate.Provenance)
	changed := !maps.Equal(merged.Attributes, stored.Attributes) || !slices.Equal(merged.Provenance, types.MergeProvenance(stored.Provenance))
	return merged, changed
}
