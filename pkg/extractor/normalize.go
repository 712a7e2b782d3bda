package extractor

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var (
	listMarker   = regexp.MustCompile(`^\s*(?:#{1,6}\s*|[-*•]\s+|\d+[.)]\s+|\d+\.(\pL))`)
	emphasis     = strings.NewReplacer("**", "", "__", "", "`", "")
	whitespace   = regexp.MustCompile(`\s+`)
	nonTypeChars = regexp.MustCompile(`[^A-Z0-9]+`)
	nonPredChars = regexp.MustCompile(`[^a-z0-9]+`)
)

// Normalizer maps surface mentions onto canonical names so that different
// spellings of the same entity converge on one key.
type Normalizer struct {
	synonyms    map[string]string
	typeAliases map[string]string
}

// NewNormalizer builds a normalizer. synonyms maps alias to canonical name;
// typeAliases maps a type label to its canonical label. Both sides are
// normalized on construction.
func NewNormalizer(synonyms, typeAliases map[string]string) *Normalizer {
	n := &Normalizer{
		synonyms:    make(map[string]string, len(synonyms)),
		typeAliases: make(map[string]string, len(typeAliases)),
	}
	for alias, canonical := range synonyms {
		a, c := n.fold(alias), n.fold(canonical)
		if a != "" && c != "" && a != c {
			n.synonyms[a] = c
		}
	}
	for alias, canonical := range typeAliases {
		a, c := typeLabel(alias), typeLabel(canonical)
		if a != "" && c != "" {
			n.typeAliases[a] = c
		}
	}
	return n
}

// Clean strips markup and list numbering, applies NFKC, collapses whitespace
// and trims surrounding punctuation. Case is preserved.
func (n *Normalizer) Clean(s string) string {
	s = norm.NFKC.String(s)
	s = emphasis.Replace(s)
	s = listMarker.ReplaceAllString(s, "$1")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

func (n *Normalizer) fold(s string) string {
	return cases.Fold().String(n.Clean(s))
}

// Canonical returns the case-folded canonical name for a mention, resolving
// aliases against the synonym table.
func (n *Normalizer) Canonical(mention string) string {
	folded := n.fold(mention)
	if c, ok := n.synonyms[folded]; ok {
		return c
	}
	return folded
}

// Aliases returns the folded aliases that resolve to canonical.
func (n *Normalizer) Aliases(canonical string) []string {
	c := n.fold(canonical)
	var out []string
	for alias, target := range n.synonyms {
		if target == c {
			out = append(out, alias)
		}
	}
	return out
}

// Type normalizes a type label to upper snake case and resolves type aliases.
// Empty labels become "ENTITY".
func (n *Normalizer) Type(label string) string {
	t := typeLabel(label)
	if t == "" {
		return DefaultEntityType
	}
	if c, ok := n.typeAliases[t]; ok {
		return c
	}
	return t
}

func typeLabel(label string) string {
	t := strings.ToUpper(norm.NFKC.String(label))
	return strings.Trim(nonTypeChars.ReplaceAllString(t, "_"), "_")
}

// Predicate normalizes a predicate label to lower snake case.
func Predicate(label string) string {
	p := cases.Fold().String(norm.NFKC.String(label))
	return strings.Trim(nonPredChars.ReplaceAllString(p, "_"), "_")
}
