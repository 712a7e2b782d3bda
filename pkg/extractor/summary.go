package extractor

import (
	"regexp"
	"strings"
)

// SummaryRelation is one "subject -> label -> object" line.
type SummaryRelation struct {
	Subject string
	Label   string
	Object  string
}

// SummaryEntity is one line of an "Entities:" section.
type SummaryEntity struct {
	Name string
	Type string
}

// Summary is the parsed form of a plain-text extraction reply.
type Summary struct {
	Entities      []SummaryEntity
	Relationships []SummaryRelation
}

// Empty reports whether nothing was parsed.
func (s *Summary) Empty() bool {
	return len(s.Entities) == 0 && len(s.Relationships) == 0
}

var (
	sectionHeader = regexp.MustCompile(`^[#*\s]*(entities|relationships|relations)\s*:?[*\s]*:?\s*$`)
	typedName     = regexp.MustCompile(`^(.+?)\s*[(\[]([^)\]]+)[)\]]\s*$`)
	describedName = regexp.MustCompile(`^(.+?)\s*(?::|\s-\s|\s–\s)\s*(.*)$`)
)

// ParseSummary reads a reply of the form
//
//	### Entities:
//	1. **Acme Corp** (Organization)
//	### Relationships:
//	- Alice -> works for -> Acme Corp
//
// Headers may be bare, bold or markdown headings. Relationship labels are the
// middle parts of an arrow chain joined with " -> ".
func ParseSummary(text string) *Summary {
	out := &Summary{}
	section := ""
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		if m := sectionHeader.FindStringSubmatch(strings.ToLower(line)); m != nil {
			section = m[1]
			continue
		}

		switch section {
		case "entities":
			if e, ok := parseEntityLine(line); ok {
				out.Entities = append(out.Entities, e)
			}
		case "relationships", "relations":
			if r, ok := parseRelationLine(line); ok {
				out.Relationships = append(out.Relationships, r)
			}
		}
	}
	return out
}

func stripLine(line string) string {
	line = emphasis.Replace(line)
	return strings.TrimSpace(listMarker.ReplaceAllString(line, "$1"))
}

func parseEntityLine(line string) (SummaryEntity, bool) {
	line = stripLine(line)
	if line == "" {
		return SummaryEntity{}, false
	}
	if m := typedName.FindStringSubmatch(line); m != nil {
		return SummaryEntity{Name: strings.TrimSpace(m[1]), Type: strings.TrimSpace(m[2])}, true
	}
	if m := describedName.FindStringSubmatch(line); m != nil {
		// "Acme Corp: a manufacturer" keeps only the name.
		return SummaryEntity{Name: strings.TrimSpace(m[1])}, true
	}
	return SummaryEntity{Name: line}, true
}

func parseRelationLine(line string) (SummaryRelation, bool) {
	parts := strings.Split(stripLine(line), "->")
	if len(parts) < 2 {
		return SummaryRelation{}, false
	}
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	r := SummaryRelation{
		Subject: parts[0],
		Object:  parts[len(parts)-1],
		Label:   strings.Join(parts[1:len(parts)-1], " -> "),
	}
	if r.Subject == "" || r.Object == "" {
		return SummaryRelation{}, false
	}
	return r, true
}
