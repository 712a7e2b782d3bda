package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizerCanonical(t *testing.T) {
	n := NewNormalizer(map[string]string{"IBM": "International Business Machines"}, nil)

	tests := []struct {
		mention string
		want    string
	}{
		{"  **International   Business Machines** ", "international business machines"},
		{"IBM", "international business machines"},
		{"ibm.", "international business machines"},
		{"1. Acme Corp.", "acme corp"},
		{"- Berlin", "berlin"},
		{"### Ｔｏｋｙｏ", "tokyo"},
		{"STRASSE", "strasse"},
		{"...", ""},
	}

	for _, tt := range tests {
		t.Run(tt.mention, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Canonical(tt.mention))
		})
	}
}

func TestNormalizerCleanKeepsCase(t *testing.T) {
	n := NewNormalizer(nil, nil)
	assert.Equal(t, "Acme Corp", n.Clean("**Acme   Corp**,"))
	assert.Equal(t, "Alice", n.Clean("1.Alice"))
}

func TestNormalizerType(t *testing.T) {
	n := NewNormalizer(nil, map[string]string{"org": "organization", "Company": "Organization"})

	assert.Equal(t, "ORGANIZATION", n.Type("org"))
	assert.Equal(t, "ORGANIZATION", n.Type("company"))
	assert.Equal(t, "CREATIVE_WORK", n.Type("creative work"))
	assert.Equal(t, "PERSON", n.Type("Person"))
	assert.Equal(t, DefaultEntityType, n.Type(""))
}

func TestNormalizerAliases(t *testing.T) {
	n := NewNormalizer(map[string]string{"Globex Corporation": "Globex", "GX": "globex"}, nil)
	assert.ElementsMatch(t, []string{"globex corporation", "gx"}, n.Aliases("Globex"))
}

func TestPredicate(t *testing.T) {
	assert.Equal(t, "works_for", Predicate("Works For"))
	assert.Equal(t, "part_of", Predicate(" part-of "))
	assert.Equal(t, "", Predicate("->"))
}
