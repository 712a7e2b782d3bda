package types

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityKey(t *testing.T) {
	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, EntityKey("PERSON", "ada lovelace"), EntityKey("PERSON", "ada lovelace"))
	})

	t.Run("type is case-insensitive", func(t *testing.T) {
		assert.Equal(t, EntityKey("person", "ada lovelace"), EntityKey("PERSON", "ada lovelace"))
	})

	t.Run("type participates in identity", func(t *testing.T) {
		assert.NotEqual(t, EntityKey("PERSON", "jordan"), EntityKey("LOCATION", "jordan"))
	})

	t.Run("prefix carries the type", func(t *testing.T) {
		key := EntityKey("ORGANIZATION", "acme")
		assert.Regexp(t, `^organization:[0-9a-f]{24}$`, key)
	})
}

func TestRelationshipKey(t *testing.T) {
	a := RelationshipKey{Subject: "person:1", Predicate: "works_for", Object: "organization:2"}
	b := RelationshipKey{Subject: "organization:2", Predicate: "works_for", Object: "person:1"}

	assert.Equal(t, a.ID(), a.ID())
	assert.NotEqual(t, a.ID(), b.ID(), "direction is part of identity")
	assert.Len(t, a.ID(), 32)
	assert.Negative(t, a.Compare(b))
	assert.Zero(t, a.Compare(a))
}

func TestMergeProvenance(t *testing.T) {
	got := MergeProvenance([]string{"b.txt", "a.txt"}, []string{"a.txt", "", "c.txt"}, nil)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, got)
}

func TestEntityClone(t *testing.T) {
	e := NewEntity("PERSON", "ada", "doc1")
	e.SetAttribute("title", "countess", "doc1")

	c := e.Clone()
	c.SetAttribute("title", "other", "doc2")
	c.Provenance[0] = "changed"

	assert.Equal(t, "countess", e.Attributes["title"].Value)
	assert.Equal(t, "doc1", e.Provenance[0])
}

func TestMergePolicyPick(t *testing.T) {
	existing := AttributeValue{Value: "london", Source: "b.txt"}
	incoming := AttributeValue{Value: "paris", Source: "a.txt"}

	tests := []struct {
		name   string
		policy MergePolicy
		want   AttributeValue
	}{
		{"prefer existing", MergePolicy{Kind: PreferExisting}, existing},
		{"prefer incoming", MergePolicy{Kind: PreferIncoming}, incoming},
		{"authoritative falls back to lowest source", MergePolicy{Kind: PreferAuthoritative}, incoming},
		{
			"authoritative honours ranking",
			MergePolicy{Kind: PreferAuthoritative, AuthoritativeSources: []string{"b.txt"}},
			existing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Pick(existing, incoming))
		})
	}

	t.Run("absent existing takes incoming", func(t *testing.T) {
		p := MergePolicy{Kind: PreferExisting}
		assert.Equal(t, incoming, p.Pick(AttributeValue{}, incoming))
	})

	t.Run("same source restates", func(t *testing.T) {
		p := MergePolicy{Kind: PreferExisting}
		restated := AttributeValue{Value: "berlin", Source: "b.txt"}
		assert.Equal(t, restated, p.Pick(existing, restated))
	})
}

func TestMergeAttributesOrderIndependent(t *testing.T) {
	p := DefaultMergePolicy()
	sets := []Attributes{
		{"city": {Value: "paris", Source: "c.txt"}},
		{"city": {Value: "rome", Source: "a.txt"}, "age": {Value: "40", Source: "a.txt"}},
		{"city": {Value: "oslo", Source: "b.txt"}},
	}

	fold := func(order []int) Attributes {
		out := Attributes{}
		for _, i := range order {
			out = p.MergeAttributes(out, sets[i])
		}
		return out
	}

	want := fold([]int{0, 1, 2})
	for _, order := range [][]int{{0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}} {
		assert.Equal(t, want, fold(order), "order %v", order)
	}
	assert.Equal(t, "rome", want["city"].Value)
}

func TestParseMergePolicyKind(t *testing.T) {
	k, err := ParseMergePolicyKind("Prefer-Existing")
	require.NoError(t, err)
	assert.Equal(t, PreferExisting, k)

	k, err = ParseMergePolicyKind("")
	require.NoError(t, err)
	assert.Equal(t, PreferAuthoritative, k)

	_, err = ParseMergePolicyKind("newest")
	assert.Error(t, err)
}

func TestDocumentStateTransitions(t *testing.T) {
	assert.True(t, StatePending.CanTransition(StateSkipped))
	assert.True(t, StateResolved.CanTransition(StateResolved))
	assert.True(t, StateResolved.CanTransition(StateCommitted))
	assert.False(t, StateLoaded.CanTransition(StateCommitted))
	assert.False(t, StateCommitted.CanTransition(StateFailed))
	assert.True(t, StateSkipped.Terminal())
	assert.False(t, StateExtracted.Terminal())
}

func TestErrors(t *testing.T) {
	unitErr := &UnitError{SourceID: "a.txt", Unit: 3, Err: errors.New("bad json")}
	assert.ErrorIs(t, unitErr, ErrExtractionUnit)

	docErr := &DocumentError{SourceID: "a.txt", Stage: "load", Err: ErrDocumentRead}
	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", docErr), ErrDocumentRead)

	assert.True(t, IsRetryable(fmt.Errorf("commit: %w", ErrWriteConflict)))
	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(Transient(errors.New("connection reset"))))
	assert.False(t, IsRetryable(ErrInvalidPlan))
	assert.False(t, IsRetryable(context.Canceled))
	assert.Nil(t, Transient(nil))
}
