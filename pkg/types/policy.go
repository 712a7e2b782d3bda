package types

import (
	"fmt"
	"strings"
)

// MergePolicyKind selects how conflicting scalar attributes are resolved.
type MergePolicyKind string

const (
	// PreferExisting keeps the stored value unless it is absent.
	PreferExisting MergePolicyKind = "prefer-existing"
	// PreferIncoming replaces the stored value with the candidate's.
	PreferIncoming MergePolicyKind = "prefer-incoming"
	// PreferAuthoritative ranks values by their source: sources listed in
	// AuthoritativeSources win in list order, then the lowest source id,
	// then the lowest value.
	PreferAuthoritative MergePolicyKind = "prefer-authoritative"
)

// ParseMergePolicyKind parses a configured policy name.
func ParseMergePolicyKind(s string) (MergePolicyKind, error) {
	switch MergePolicyKind(strings.ToLower(strings.TrimSpace(s))) {
	case PreferExisting:
		return PreferExisting, nil
	case PreferIncoming:
		return PreferIncoming, nil
	case PreferAuthoritative, "":
		return PreferAuthoritative, nil
	}
	return "", fmt.Errorf("unknown merge policy %q", s)
}

// MergePolicy is the attribute conflict policy configured for a run.
type MergePolicy struct {
	Kind                 MergePolicyKind `json:"kind"`
	AuthoritativeSources []string        `json:"authoritative_sources,omitempty"`
}

// DefaultMergePolicy returns the order-independent policy.
func DefaultMergePolicy() MergePolicy {
	return MergePolicy{Kind: PreferAuthoritative}
}

// Pick resolves a conflict between the stored value and an incoming one.
func (p MergePolicy) Pick(existing, incoming AttributeValue) AttributeValue {
	if existing.Value == "" {
		return incoming
	}
	if incoming.Value == "" {
		return existing
	}
	// A source restating its own attribute replaces its earlier claim.
	if existing.Source == incoming.Source {
		return incoming
	}

	switch p.Kind {
	case PreferExisting:
		return existing
	case PreferIncoming:
		return incoming
	}

	re, ri := p.rank(existing.Source), p.rank(incoming.Source)
	switch {
	case re < ri:
		return existing
	case ri < re:
		return incoming
	}
	if existing.Source < incoming.Source {
		return existing
	}
	return incoming
}

// MergeAttributes folds incoming into a copy of existing.
func (p MergePolicy) MergeAttributes(existing, incoming Attributes) Attributes {
	out := existing.Clone()
	for name, in := range incoming {
		if cur, ok := out[name]; ok {
			out[name] = p.Pick(cur, in)
		} else {
			out[name] = in
		}
	}
	return out
}

func (p MergePolicy) rank(source string) int {
	for i, s := range p.AuthoritativeSources {
		if s == source {
			return i
		}
	}
	return len(p.AuthoritativeSources)
}
