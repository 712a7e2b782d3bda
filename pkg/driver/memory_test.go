package driver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-docgraph/pkg/driver"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

func samplePlan(source string) (*types.UpsertPlan, *types.Entity, *types.Entity) {
	alice := types.NewEntity("PERSON", "alice", source)
	alice.SetAttribute("role", "cto", source)
	acme := types.NewEntity("ORGANIZATION", "acme", source)
	works := types.NewRelationship(alice.Key, "works_for", acme.Key, source)
	return &types.UpsertPlan{
		SourceID:      source,
		Entities:      []*types.Entity{acme, alice},
		Relationships: []*types.Relationship{works},
	}, alice, acme
}

func TestMemoryDriverCommit(t *testing.T) {
	ctx := t.Context()
	d := driver.NewMemoryDriver()
	plan, alice, acme := samplePlan("a.txt")

	res, err := d.Commit(ctx, plan)
	require.NoError(t, err)
	assert.Equal(t, &types.CommitResult{EntitiesCreated: 2, RelationshipsCreated: 1}, res)
	assert.Equal(t, 3, res.Mutations())

	got, err := d.LookupEntities(ctx, []string{alice.Key, acme.Key, "person:missing"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[alice.Key].Version)
	assert.Equal(t, "cto", got[alice.Key].Attributes["role"].Value)

	rels, err := d.LookupRelationships(ctx, []types.RelationshipKey{plan.Relationships[0].Key()})
	require.NoError(t, err)
	require.Len(t, rels, 1)

	// Lookups return copies.
	got[alice.Key].Attributes["role"] = types.AttributeValue{Value: "mutated"}
	again, err := d.LookupEntities(ctx, []string{alice.Key})
	require.NoError(t, err)
	assert.Equal(t, "cto", again[alice.Key].Attributes["role"].Value)

	update := got[acme.Key]
	update.Provenance = []string{"a.txt", "b.txt"}
	res, err = d.Commit(ctx, &types.UpsertPlan{Entities: []*types.Entity{update}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntitiesUpdated)
	assert.Equal(t, 2, d.Commits())

	stats, err := d.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.EntityCount)
	assert.Equal(t, int64(1), stats.RelationshipCount)
	assert.Equal(t, int64(1), stats.EntitiesByType["PERSON"])
	assert.Equal(t, int64(1), stats.RelationshipsByPredicate["works_for"])
}

func TestMemoryDriverVersionConflict(t *testing.T) {
	ctx := t.Context()
	d := driver.NewMemoryDriver()
	plan, _, _ := samplePlan("a.txt")
	_, err := d.Commit(ctx, plan)
	require.NoError(t, err)
	before := d.Snapshot()

	// Replaying a plan built against the empty graph is stale.
	stale, _, _ := samplePlan("b.txt")
	_, err = d.Commit(ctx, stale)
	assert.ErrorIs(t, err, types.ErrWriteConflict)
	assert.True(t, types.IsRetryable(err))

	// Nothing from the rejected plan is visible.
	assert.Equal(t, before, d.Snapshot())
}

func TestMemoryDriverDanglingRelationship(t *testing.T) {
	d := driver.NewMemoryDriver()
	rel := types.NewRelationship("person:a", "knows", "person:b", "a.txt")

	_, err := d.Commit(t.Context(), &types.UpsertPlan{Relationships: []*types.Relationship{rel}})
	assert.ErrorIs(t, err, types.ErrWriteConflict)
	assert.Empty(t, d.Snapshot().Relationships)
}

func TestMemoryDriverCommitHook(t *testing.T) {
	ctx := t.Context()
	d := driver.NewMemoryDriver()
	plan, _, _ := samplePlan("a.txt")

	// A concurrent writer lands first.
	var fired bool
	d.SetCommitHook(func(ctx context.Context, p *types.UpsertPlan) error {
		if fired {
			return nil
		}
		fired = true
		other, _, _ := samplePlan("b.txt")
		_, err := d.Commit(ctx, other)
		return err
	})

	_, err := d.Commit(ctx, plan)
	assert.ErrorIs(t, err, types.ErrWriteConflict)
	assert.Equal(t, 1, d.Commits())

	d.SetCommitHook(func(context.Context, *types.UpsertPlan) error { return errors.New("disk full") })
	_, err = d.Commit(ctx, plan)
	assert.EqualError(t, err, "disk full")
}

func TestSnapshotWithoutVersions(t *testing.T) {
	d := driver.NewMemoryDriver()
	plan, _, _ := samplePlan("a.txt")
	_, err := d.Commit(t.Context(), plan)
	require.NoError(t, err)

	s := d.Snapshot()
	require.Len(t, s.Entities, 2)
	assert.Less(t, s.Entities[0].Key, s.Entities[1].Key)
	assert.Equal(t, int64(1), s.Entities[0].Version)
	for _, e := range s.WithoutVersions().Entities {
		assert.Zero(t, e.Version)
	}
	assert.Equal(t, int64(1), s.Entities[0].Version)
}

func TestMemoryDriverCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	d := driver.NewMemoryDriver()
	plan, _, _ := samplePlan("a.txt")

	_, err := d.Commit(ctx, plan)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, d.Commits())
}
