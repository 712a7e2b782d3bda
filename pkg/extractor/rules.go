package extractor

import (
	"cmp"
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// Entity type labels produced by the rule extractor.
const (
	TypePerson       = "PERSON"
	TypeOrganization = "ORGANIZATION"
	TypeLocation     = "LOCATION"
	TypeEmail        = "EMAIL"
	TypeURL          = "URL"
	TypeDate         = "DATE"
)

const months = `January|February|March|April|May|June|July|August|September|October|November|December`

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	urlPattern   = regexp.MustCompile(`https?://[^\s<>()\[\]"']+[^\s<>()\[\]"'.,;:!?]`)
	datePattern  = regexp.MustCompile(`\b(?:\d{4}-\d{2}-\d{2}|(?:` + months + `)\s+\d{1,2},\s+\d{4}|\d{1,2}\s+(?:` + months + `)\s+\d{4})\b`)
	personPattern = regexp.MustCompile(`\b(Mr|Mrs|Ms|Dr|Prof|Sir|Dame)\.?\s+([A-Z][\pL'\-]+(?:\s+[A-Z][\pL'\-]+){0,3})`)
	orgPattern    = regexp.MustCompile(`\b((?:[A-Z][\pL0-9&'\-]*\s+){1,4}(?:Inc|Corp|Corporation|Ltd|LLC|GmbH|AG|Company|Group|University|Institute|Foundation|Bank|Agency|Association)\b\.?)`)
	locPattern    = regexp.MustCompile(`\b(?:in|near)\s+([A-Z][\pL\-]+(?:\s+[A-Z][\pL\-]+){0,2})`)
	properPattern = regexp.MustCompile(`\b[A-Z][\pL0-9'\-]*(?:\s+(?:of\s+|de\s+|van\s+)?[A-Z][\pL0-9'\-]*)*`)
)

var dateLayouts = []string{"2006-01-02", "January 2, 2006", "2 January 2006"}

// leadingStopwords are capitalized function words that start proper-noun
// runs without being part of the name.
var leadingStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "in": true, "at": true, "on": true, "from": true,
	"for": true, "by": true, "with": true, "and": true, "but": true, "or": true, "yesterday": true,
	"today": true, "tomorrow": true, "when": true, "while": true, "after": true, "before": true,
	"this": true, "that": true, "these": true, "those": true, "it": true, "he": true, "she": true,
	"they": true, "we": true, "i": true, "his": true, "her": true, "their": true, "our": true,
	"last": true, "next": true, "however": true, "meanwhile": true, "according": true, "to": true,
}

var calendarWords = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true, "friday": true,
	"saturday": true, "sunday": true, "january": true, "february": true, "march": true,
	"april": true, "may": true, "june": true, "july": true, "august": true, "september": true,
	"october": true, "november": true, "december": true,
}

// RuleOptions configures a RuleExtractor.
type RuleOptions struct {
	Splitter   Splitter
	Normalizer *Normalizer
	Vocabulary *Vocabulary
	// Gazetteer maps known names to their type label.
	Gazetteer map[string]string
	// CoOccurrencePredicate, when set, links mention pairs of a unit that no
	// trigger phrase connects.
	CoOccurrencePredicate string
	// MaxUnitChars rejects units longer than this as soft errors.
	MaxUnitChars int
}

// RuleExtractor recognizes entities with typed patterns and a gazetteer, and
// relationships with trigger phrases between adjacent mentions.
type RuleExtractor struct {
	opts      RuleOptions
	gazetteer *regexp.Regexp
	gazTypes  map[string]string
}

// NewRuleExtractor creates a rule-based extractor.
func NewRuleExtractor(opts RuleOptions) *RuleExtractor {
	if opts.Splitter == nil {
		opts.Splitter = SentenceSplitter{MaxChars: 1000}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = NewNormalizer(nil, nil)
	}
	if opts.Vocabulary == nil {
		opts.Vocabulary = NewVocabulary(nil, true)
	}
	r := &RuleExtractor{opts: opts, gazTypes: map[string]string{}}
	r.compileGazetteer()
	return r
}

func (r *RuleExtractor) compileGazetteer() {
	n := r.opts.Normalizer
	var names []string
	for name, typ := range r.opts.Gazetteer {
		canonical := n.Canonical(name)
		if canonical == "" {
			continue
		}
		t := n.Type(typ)
		r.gazTypes[canonical] = t
		names = append(names, n.Clean(name))
		names = append(names, n.Aliases(canonical)...)
	}
	if len(names) == 0 {
		return
	}
	slices.SortFunc(names, func(a, b string) int {
		return cmp.Or(cmp.Compare(len(b), len(a)), strings.Compare(a, b))
	})
	names = slices.Compact(names)
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = regexp.QuoteMeta(name)
	}
	r.gazetteer = regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// Extract implements Extractor.
func (r *RuleExtractor) Extract(ctx context.Context, doc *types.Document) (*Extraction, error) {
	return extractUnits(ctx, doc, r.opts.Splitter, func(ctx context.Context, u Unit) ([]*types.Entity, []*types.Relationship, error) {
		if r.opts.MaxUnitChars > 0 && len(u.Text) > r.opts.MaxUnitChars {
			return nil, nil, fmt.Errorf("unit of %d bytes exceeds limit of %d", len(u.Text), r.opts.MaxUnitChars)
		}
		mentions := r.mentions(u.Text)
		return r.candidates(doc.SourceID, u.Text, mentions)
	})
}

type mention struct {
	start, end int
	entity     *types.Entity
}

// mentions finds typed mentions in text. Patterns run in priority order and
// a span already claimed by an earlier pattern is not reused.
func (r *RuleExtractor) mentions(text string) []mention {
	n := r.opts.Normalizer
	var out []mention
	claimed := func(s, e int) bool {
		for _, m := range out {
			if s < m.end && m.start < e {
				return true
			}
		}
		return false
	}
	add := func(s, e int, typ, name, display string, attrs map[string]string) {
		if s >= e || claimed(s, e) {
			return
		}
		canonical := name
		if canonical == "" {
			canonical = n.Canonical(display)
		}
		if canonical == "" {
			return
		}
		ent := types.NewEntity(typ, canonical, "")
		ent.Provenance = nil
		ent.SetAttribute("display_name", n.Clean(display), "")
		for k, v := range attrs {
			ent.SetAttribute(k, v, "")
		}
		out = append(out, mention{start: s, end: e, entity: ent})
	}

	for _, loc := range emailPattern.FindAllStringIndex(text, -1) {
		add(loc[0], loc[1], TypeEmail, strings.ToLower(text[loc[0]:loc[1]]), text[loc[0]:loc[1]], nil)
	}
	for _, loc := range urlPattern.FindAllStringIndex(text, -1) {
		add(loc[0], loc[1], TypeURL, text[loc[0]:loc[1]], text[loc[0]:loc[1]], nil)
	}
	for _, loc := range datePattern.FindAllStringIndex(text, -1) {
		surface := text[loc[0]:loc[1]]
		add(loc[0], loc[1], TypeDate, isoDate(surface), surface, nil)
	}
	for _, m := range personPattern.FindAllStringSubmatchIndex(text, -1) {
		title := text[m[2]:m[3]]
		add(m[0], m[5], TypePerson, "", text[m[4]:m[5]], map[string]string{"title": title})
	}
	for _, m := range orgPattern.FindAllStringSubmatchIndex(text, -1) {
		s, e := trimStopwords(text, m[2], m[3])
		add(s, e, TypeOrganization, "", text[s:e], nil)
	}
	if r.gazetteer != nil {
		for _, loc := range r.gazetteer.FindAllStringIndex(text, -1) {
			canonical := n.Canonical(text[loc[0]:loc[1]])
			add(loc[0], loc[1], r.gazTypes[canonical], canonical, text[loc[0]:loc[1]], nil)
		}
	}
	for _, m := range locPattern.FindAllStringSubmatchIndex(text, -1) {
		if calendarWords[strings.ToLower(text[m[2]:m[3]])] {
			continue
		}
		add(m[2], m[3], TypeLocation, "", text[m[2]:m[3]], nil)
	}
	for _, loc := range properPattern.FindAllStringIndex(text, -1) {
		s, e := trimStopwords(text, loc[0], loc[1])
		if s >= e {
			continue
		}
		words := strings.Fields(text[s:e])
		if len(words) == 1 && (s == 0 || calendarWords[strings.ToLower(words[0])]) {
			// A lone capitalized word opening a sentence is usually not a name.
			continue
		}
		add(s, e, DefaultEntityType, "", text[s:e], nil)
	}

	slices.SortFunc(out, func(a, b mention) int { return cmp.Compare(a.start, b.start) })
	return out
}

// trimStopwords drops leading function words from the span [s,e).
func trimStopwords(text string, s, e int) (int, int) {
	for s < e {
		word := text[s:e]
		if i := strings.IndexAny(word, " \t\n"); i >= 0 {
			word = word[:i]
		}
		if !leadingStopwords[strings.ToLower(word)] {
			break
		}
		s += len(word)
		for s < e && (text[s] == ' ' || text[s] == '\t' || text[s] == '\n') {
			s++
		}
	}
	return s, e
}

func isoDate(surface string) string {
	clean := strings.Join(strings.Fields(surface), " ")
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, clean); err == nil {
			return t.Format("2006-01-02")
		}
	}
	return strings.ToLower(clean)
}

func (r *RuleExtractor) candidates(sourceID, text string, mentions []mention) ([]*types.Entity, []*types.Relationship, error) {
	entities := make([]*types.Entity, 0, len(mentions))
	for _, m := range mentions {
		e := m.entity.Clone()
		e.Provenance = []string{sourceID}
		for name, v := range e.Attributes {
			v.Source = sourceID
			e.Attributes[name] = v
		}
		entities = append(entities, e)
	}

	var rels []*types.Relationship
	linked := map[[2]int]bool{}
	for i := 0; i+1 < len(mentions); i++ {
		a, b := mentions[i], mentions[i+1]
		if a.entity.Key == b.entity.Key {
			continue
		}
		t, ok := r.opts.Vocabulary.Match(text[a.end:b.start])
		if !ok {
			continue
		}
		subj, obj := a.entity.Key, b.entity.Key
		if t.Inverse {
			subj, obj = obj, subj
		}
		rels = append(rels, types.NewRelationship(subj, t.Predicate, obj, sourceID))
		linked[[2]int{i, i + 1}] = true
	}

	if pred := r.opts.CoOccurrencePredicate; pred != "" {
		pred = Predicate(pred)
		for i := range mentions {
			for j := i + 1; j < len(mentions); j++ {
				if linked[[2]int{i, j}] || mentions[i].entity.Key == mentions[j].entity.Key {
					continue
				}
				rels = append(rels, types.NewRelationship(mentions[i].entity.Key, pred, mentions[j].entity.Key, sourceID))
			}
		}
	}

	return entities, rels, nil
}
