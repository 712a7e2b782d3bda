package driver

import (
	"encoding/json"
	"fmt"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// Attributes are stored as a JSON string property so that each value keeps
// its source.
func attributesToProperty(attrs types.Attributes) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("failed to marshal attributes: %w", err)
	}
	return string(b), nil
}

func attributesFromProperty(v any) types.Attributes {
	out := types.Attributes{}
	s, ok := v.(string)
	if !ok || s == "" {
		return out
	}
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// stringList converts a list property to []string, skipping non-strings.
func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringProp(props map[string]any, key string) string {
	s, _ := props[key].(string)
	return s
}

func int64Prop(props map[string]any, key string) int64 {
	switch n := props[key].(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

func entityToParams(e *types.Entity) (map[string]any, error) {
	attrs, err := attributesToProperty(e.Attributes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"key":              e.Key,
		"type":             e.Type,
		"canonical_name":   e.CanonicalName,
		"attributes":       attrs,
		"provenance":       types.MergeProvenance(e.Provenance),
		"expected_version": e.Version,
	}, nil
}

func entityFromProps(props map[string]any) *types.Entity {
	return &types.Entity{
		Key:           stringProp(props, "entity_key"),
		Type:          stringProp(props, "type"),
		CanonicalName: stringProp(props, "canonical_name"),
		Attributes:    attributesFromProperty(props["attributes"]),
		Provenance:    stringList(props["provenance"]),
		Version:       int64Prop(props, "version"),
	}
}

func relationshipToParams(r *types.Relationship) (map[string]any, error) {
	attrs, err := attributesToProperty(r.Attributes)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"key":              r.Key().ID(),
		"subject":          r.Subject,
		"predicate":        r.Predicate,
		"object":           r.Object,
		"attributes":       attrs,
		"provenance":       types.MergeProvenance(r.Provenance),
		"expected_version": r.Version,
	}, nil
}

func relationshipFromProps(subject, object string, props map[string]any) *types.Relationship {
	return &types.Relationship{
		Subject:    subject,
		Predicate:  stringProp(props, "predicate"),
		Object:     object,
		Attributes: attributesFromProperty(props["attributes"]),
		Provenance: stringList(props["provenance"]),
		Version:    int64Prop(props, "version"),
	}
}
