package extractor

import (
	"cmp"
	"slices"
	"strings"
)

// DefaultEntityType labels mentions whose type could not be determined.
const DefaultEntityType = "ENTITY"

// DefaultPredicate labels relationships the source stated without a label.
const DefaultPredicate = "related_to"

// DefaultPredicates is the closed vocabulary used when none is configured.
// A trigger phrase prefixed with "~" is passive: the mention after the phrase
// is the subject.
func DefaultPredicates() map[string][]string {
	return map[string][]string{
		"works_for":  {"works for", "works at", "employed by", "joined", "is an employee of", "~employs"},
		"located_in": {"located in", "based in", "headquartered in", "situated in", "is in"},
		"founded":    {"founded", "co-founded", "established", "~founded by", "~established by"},
		"acquired":   {"acquired", "bought", "purchased", "~acquired by", "~was bought by"},
		"part_of":    {"part of", "a division of", "a subsidiary of", "member of", "~includes"},
		"owns":       {"owns", "~owned by", "~is owned by"},
		"leads":      {"leads", "heads", "chairs", "ceo of", "director of", "~led by", "~headed by"},
	}
}

// Trigger is a phrase that expresses a predicate between two mentions.
type Trigger struct {
	Predicate string
	Phrase    string
	Inverse   bool
}

// Vocabulary is the set of predicates relationships may carry.
type Vocabulary struct {
	predicates map[string]bool
	triggers   []Trigger
	byPhrase   map[string]Trigger
	closed     bool
}

// NewVocabulary builds a vocabulary from predicate → trigger phrases. A nil
// map selects DefaultPredicates. A closed vocabulary rejects predicates it
// does not know.
func NewVocabulary(predicates map[string][]string, closed bool) *Vocabulary {
	if len(predicates) == 0 {
		predicates = DefaultPredicates()
	}
	v := &Vocabulary{
		predicates: make(map[string]bool, len(predicates)),
		byPhrase:   make(map[string]Trigger),
		closed:     closed,
	}
	for pred, phrases := range predicates {
		p := Predicate(pred)
		if p == "" {
			continue
		}
		v.predicates[p] = true
		for _, phrase := range phrases {
			t := Trigger{Predicate: p, Phrase: phrase}
			if rest, ok := strings.CutPrefix(phrase, "~"); ok {
				t.Phrase, t.Inverse = rest, true
			}
			t.Phrase = strings.ToLower(strings.Join(strings.Fields(t.Phrase), " "))
			if t.Phrase == "" {
				continue
			}
			v.triggers = append(v.triggers, t)
			v.byPhrase[Predicate(t.Phrase)] = t
		}
	}
	// Longer phrases first so "founded by" wins over "founded".
	slices.SortFunc(v.triggers, func(a, b Trigger) int {
		if c := cmp.Compare(len(b.Phrase), len(a.Phrase)); c != 0 {
			return c
		}
		if c := strings.Compare(a.Phrase, b.Phrase); c != 0 {
			return c
		}
		return strings.Compare(a.Predicate, b.Predicate)
	})
	return v
}

// Triggers returns the trigger phrases, longest first.
func (v *Vocabulary) Triggers() []Trigger {
	return v.triggers
}

// Predicates returns the sorted predicate names.
func (v *Vocabulary) Predicates() []string {
	out := make([]string, 0, len(v.predicates))
	for p := range v.predicates {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

// Map resolves a free-form predicate label. It reports whether the subject
// and object must be swapped and whether the label is acceptable.
func (v *Vocabulary) Map(label string) (predicate string, inverse bool, ok bool) {
	p := Predicate(label)
	if p == "" {
		p = DefaultPredicate
	}
	if v.predicates[p] {
		return p, false, true
	}
	if t, found := v.byPhrase[p]; found {
		return t.Predicate, t.Inverse, true
	}
	if v.closed {
		return "", false, false
	}
	return p, false, true
}

// Match finds the trigger in text between two mentions. The longest phrase
// wins, then the earliest occurrence.
func (v *Vocabulary) Match(between string) (Trigger, bool) {
	text := " " + strings.ToLower(strings.Join(strings.Fields(between), " ")) + " "
	best, bestAt, found := Trigger{}, 0, false
	for _, t := range v.triggers {
		if found && len(t.Phrase) < len(best.Phrase) {
			break
		}
		at := strings.Index(text, " "+t.Phrase+" ")
		if at < 0 {
			continue
		}
		if !found || at < bestAt {
			best, bestAt, found = t, at, true
		}
	}
	return best, found
}
