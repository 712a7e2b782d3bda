package extractor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

func newDoc(sourceID, text string) *types.Document {
	return types.NewDocument(sourceID, "/tmp/"+sourceID, []byte(text), time.Time{})
}

func entityKeys(es []*types.Entity) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Key
	}
	return out
}

func findEntity(es []*types.Entity, key string) *types.Entity {
	for _, e := range es {
		if e.Key == key {
			return e
		}
	}
	return nil
}

func TestRuleExtractor(t *testing.T) {
	x := NewRuleExtractor(RuleOptions{})
	doc := newDoc("a.txt", "Dr. Alice Smith works for Acme Corp in Berlin. Acme Corp was founded by Bob Jones.")

	out, err := x.Extract(t.Context(), doc)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Units)
	assert.Empty(t, out.SoftErrors)

	alice := types.EntityKey(TypePerson, "alice smith")
	acme := types.EntityKey(TypeOrganization, "acme corp")
	berlin := types.EntityKey(TypeLocation, "berlin")
	bob := types.EntityKey(DefaultEntityType, "bob jones")
	assert.ElementsMatch(t, []string{alice, acme, berlin, bob}, entityKeys(out.Entities))

	a := findEntity(out.Entities, alice)
	require.NotNil(t, a)
	assert.Equal(t, types.AttributeValue{Value: "Dr", Source: "a.txt"}, a.Attributes["title"])
	assert.Equal(t, "Alice Smith", a.Attributes["display_name"].Value)
	assert.Equal(t, []string{"a.txt"}, a.Provenance)

	require.Len(t, out.Relationships, 2)
	keys := []types.RelationshipKey{out.Relationships[0].Key(), out.Relationships[1].Key()}
	assert.ElementsMatch(t, []types.RelationshipKey{
		{Subject: alice, Predicate: "works_for", Object: acme},
		{Subject: bob, Predicate: "founded", Object: acme},
	}, keys)
	for _, r := range out.Relationships {
		assert.Equal(t, []string{"a.txt"}, r.Provenance)
	}
}

func TestRuleExtractorDeterministic(t *testing.T) {
	x := NewRuleExtractor(RuleOptions{})
	doc := newDoc("a.txt", "Dr. Alice Smith works for Acme Corp in Berlin. Acme Corp was founded by Bob Jones.")

	first, err := x.Extract(t.Context(), doc)
	require.NoError(t, err)
	second, err := x.Extract(t.Context(), doc)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestRuleExtractorCoOccurrence(t *testing.T) {
	x := NewRuleExtractor(RuleOptions{CoOccurrencePredicate: "mentioned with"})
	doc := newDoc("a.txt", "Dr. Alice Smith works for Acme Corp in Berlin. Acme Corp was founded by Bob Jones.")

	out, err := x.Extract(t.Context(), doc)
	require.NoError(t, err)
	require.Len(t, out.Relationships, 4)

	var cooccur int
	for _, r := range out.Relationships {
		if r.Predicate == "mentioned_with" {
			cooccur++
		}
	}
	assert.Equal(t, 2, cooccur)
}

func TestRuleExtractorGazetteerAndSynonyms(t *testing.T) {
	x := NewRuleExtractor(RuleOptions{
		Normalizer: NewNormalizer(map[string]string{"Globex Corporation": "Globex"}, nil),
		Gazetteer:  map[string]string{"Globex": "organization"},
	})
	doc := newDoc("g.txt", "Globex Corporation hired staff. Later Globex opened an office.")

	out, err := x.Extract(t.Context(), doc)
	require.NoError(t, err)
	require.Len(t, out.Entities, 1)
	e := out.Entities[0]
	assert.Equal(t, types.EntityKey(TypeOrganization, "globex"), e.Key)
	assert.Equal(t, "globex", e.CanonicalName)
	assert.Equal(t, "Globex", e.Attributes["display_name"].Value)
}

func TestRuleExtractorTypedLiterals(t *testing.T) {
	x := NewRuleExtractor(RuleOptions{})

	out, err := x.Extract(t.Context(), newDoc("d.txt", "The merger closed on March 3, 2024 in Paris."))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		types.EntityKey(TypeDate, "2024-03-03"),
		types.EntityKey(TypeLocation, "paris"),
	}, entityKeys(out.Entities))

	out, err = x.Extract(t.Context(), newDoc("e.txt", "Write to Jane.Doe@Acme.io for details."))
	require.NoError(t, err)
	assert.Equal(t, []string{types.EntityKey(TypeEmail, "jane.doe@acme.io")}, entityKeys(out.Entities))
}

func TestRuleExtractorUnitFailures(t *testing.T) {
	t.Run("oversized unit is a soft error", func(t *testing.T) {
		x := NewRuleExtractor(RuleOptions{MaxUnitChars: 30})
		doc := newDoc("s.txt", "Acme Corp hired Bob Jones. This second sentence is definitely longer than thirty characters.")

		out, err := x.Extract(t.Context(), doc)
		require.NoError(t, err)
		assert.Len(t, out.Entities, 2)
		require.Len(t, out.SoftErrors, 1)
		assert.ErrorIs(t, out.SoftErrors[0], types.ErrExtractionUnit)

		var ue *types.UnitError
		require.ErrorAs(t, out.SoftErrors[0], &ue)
		assert.Equal(t, "s.txt", ue.SourceID)
		assert.Equal(t, 1, ue.Unit)
	})

	t.Run("every unit failing fails the document", func(t *testing.T) {
		x := NewRuleExtractor(RuleOptions{MaxUnitChars: 5})
		_, err := x.Extract(t.Context(), newDoc("s.txt", "Acme Corp hired Bob Jones."))
		assert.ErrorIs(t, err, types.ErrExtractionUnit)
	})
}

func TestRuleExtractorCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := NewRuleExtractor(RuleOptions{}).Extract(ctx, newDoc("a.txt", "Acme Corp hired Bob Jones."))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFoldAttributesKeepsSmallestValue(t *testing.T) {
	a := types.NewEntity(TypePerson, "alice", "a.txt")
	a.SetAttribute("role", "engineer", "a.txt")
	b := types.NewEntity(TypePerson, "alice", "a.txt")
	b.SetAttribute("role", "architect", "a.txt")

	for _, in := range [][]*types.Entity{{a, b}, {b, a}} {
		out := foldEntities(in)
		require.Len(t, out, 1)
		assert.Equal(t, "architect", out[0].Attributes["role"].Value)
	}
}

func TestFoldRelationshipsDropsDanglingEndpoints(t *testing.T) {
	a := types.NewEntity(TypePerson, "alice", "a.txt")
	b := types.NewEntity(TypeOrganization, "acme", "a.txt")
	rels := []*types.Relationship{
		types.NewRelationship(a.Key, "works_for", b.Key, "a.txt"),
		types.NewRelationship(a.Key, "works_for", b.Key, "a.txt"),
		types.NewRelationship(a.Key, "knows", "person:missing", "a.txt"),
		types.NewRelationship(a.Key, "knows", a.Key, "a.txt"),
	}

	out := foldRelationships(rels, []*types.Entity{a, b})
	require.Len(t, out, 1)
	assert.Equal(t, "works_for", out[0].Predicate)
}
