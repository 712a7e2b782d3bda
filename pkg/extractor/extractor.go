// Package extractor turns documents into candidate entities and
// relationships tagged with their source document.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// Extractor produces candidates for one document.
type Extractor interface {
	Extract(ctx context.Context, doc *types.Document) (*Extraction, error)
}

// Extraction holds the candidates found in one document. Entities and
// relationships are folded by key and sorted.
type Extraction struct {
	Entities      []*types.Entity
	Relationships []*types.Relationship
	Units         int
	// SoftErrors holds one *types.UnitError per unit that yielded nothing.
	SoftErrors []error
}

type unitFunc func(ctx context.Context, u Unit) ([]*types.Entity, []*types.Relationship, error)

// extractUnits splits doc, runs fn on every unit and folds the results.
// A failing unit is recorded as a soft error. If every unit fails the
// document fails with ErrExtractionUnit.
func extractUnits(ctx context.Context, doc *types.Document, splitter Splitter, fn unitFunc) (*Extraction, error) {
	units := splitter.Split(string(doc.Content))
	out := &Extraction{Units: len(units)}

	var entities []*types.Entity
	var rels []*types.Relationship
	for _, u := range units {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		es, rs, err := fn(ctx, u)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return nil, ctxErr
			}
			out.SoftErrors = append(out.SoftErrors, &types.UnitError{SourceID: doc.SourceID, Unit: u.Index, Err: err})
			continue
		}
		entities = append(entities, es...)
		rels = append(rels, rs...)
	}

	if len(units) > 0 && len(out.SoftErrors) == len(units) {
		return nil, fmt.Errorf("all %d units of %s failed: %w", len(units), doc.SourceID, errors.Join(out.SoftErrors...))
	}

	out.Entities = foldEntities(entities)
	out.Relationships = foldRelationships(rels, out.Entities)
	return out, nil
}

// foldEntities merges candidates sharing a key. Conflicting attribute values
// from the same document resolve to the smallest value.
func foldEntities(in []*types.Entity) []*types.Entity {
	byKey := make(map[string]*types.Entity, len(in))
	for _, e := range in {
		cur, ok := byKey[e.Key]
		if !ok {
			byKey[e.Key] = e.Clone()
			continue
		}
		cur.Attributes = foldAttributes(cur.Attributes, e.Attributes)
		cur.Provenance = types.MergeProvenance(cur.Provenance, e.Provenance)
	}
	out := make([]*types.Entity, 0, len(byKey))
	for _, e := range byKey {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b *types.Entity) int { return strings.Compare(a.Key, b.Key) })
	return out
}

// foldRelationships merges duplicate triples and drops relationships whose
// endpoints are not among the extracted entities.
func foldRelationships(in []*types.Relationship, entities []*types.Entity) []*types.Relationship {
	known := make(map[string]bool, len(entities))
	for _, e := range entities {
		known[e.Key] = true
	}
	byKey := make(map[types.RelationshipKey]*types.Relationship, len(in))
	for _, r := range in {
		if !known[r.Subject] || !known[r.Object] || r.Subject == r.Object {
			continue
		}
		cur, ok := byKey[r.Key()]
		if !ok {
			byKey[r.Key()] = r.Clone()
			continue
		}
		cur.Attributes = foldAttributes(cur.Attributes, r.Attributes)
		cur.Provenance = types.MergeProvenance(cur.Provenance, r.Provenance)
	}
	out := make([]*types.Relationship, 0, len(byKey))
	for _, r := range byKey {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b *types.Relationship) int { return a.Key().Compare(b.Key()) })
	return out
}

func foldAttributes(cur, in types.Attributes) types.Attributes {
	out := cur.Clone()
	for name, v := range in {
		if existing, ok := out[name]; !ok || existing.Value == "" || (v.Value != "" && v.Value < existing.Value) {
			out[name] = v
		}
	}
	return out
}
