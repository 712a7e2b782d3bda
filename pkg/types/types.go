package types

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"slices"
	"strings"
	"time"
)

// Document is a normalized source document produced by a loader.
// Documents are immutable once fetched; a change in ContentHash marks a new
// version of the same SourceID.
type Document struct {
	SourceID    string    `json:"source_id"`
	Location    string    `json:"location,omitempty"`
	Content     []byte    `json:"-"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
	ModifiedAt  time.Time `json:"modified_at,omitempty"`
}

// NewDocument builds a Document and computes its content hash.
func NewDocument(sourceID, location string, content []byte, modifiedAt time.Time) *Document {
	return &Document{
		SourceID:    sourceID,
		Location:    location,
		Content:     content,
		ContentHash: HashContent(content),
		FetchedAt:   time.Now().UTC(),
		ModifiedAt:  modifiedAt,
	}
}

// HashContent returns the lowercase hex SHA-256 of content.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// AttributeValue is a scalar attribute together with the source document
// that supplied it.
type AttributeValue struct {
	Value  string `json:"value"`
	Source string `json:"source"`
}

// Attributes maps attribute names to values.
type Attributes map[string]AttributeValue

// Clone returns a copy of the attribute map.
func (a Attributes) Clone() Attributes {
	if a == nil {
		return Attributes{}
	}
	return maps.Clone(a)
}

// Entity represents a deduplicated node in the knowledge graph.
type Entity struct {
	Key           string     `json:"entity_key"`
	Type          string     `json:"type"`
	CanonicalName string     `json:"canonical_name"`
	Attributes    Attributes `json:"attributes,omitempty"`
	Provenance    []string   `json:"provenance"`

	// Version is the optimistic concurrency version observed in the graph.
	// Zero means the entity was not present when it was read.
	Version int64 `json:"version"`
}

// NewEntity creates a candidate entity with a computed key and a single
// provenance entry.
func NewEntity(entityType, canonicalName, sourceID string) *Entity {
	return &Entity{
		Key:           EntityKey(entityType, canonicalName),
		Type:          entityType,
		CanonicalName: canonicalName,
		Attributes:    Attributes{},
		Provenance:    []string{sourceID},
	}
}

// SetAttribute records an attribute value supplied by source.
func (e *Entity) SetAttribute(name, value, source string) {
	if e.Attributes == nil {
		e.Attributes = Attributes{}
	}
	e.Attributes[name] = AttributeValue{Value: value, Source: source}
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	c.Attributes = e.Attributes.Clone()
	c.Provenance = slices.Clone(e.Provenance)
	return &c
}

// EntityKey derives the deterministic identity of an entity from its type
// and canonical name.
func EntityKey(entityType, canonicalName string) string {
	t := strings.ToUpper(strings.TrimSpace(entityType))
	sum := sha256.Sum256([]byte(t + "\x1f" + canonicalName))
	return strings.ToLower(t) + ":" + hex.EncodeToString(sum[:])[:24]
}

// RelationshipKey is the identity of a directed, typed edge.
type RelationshipKey struct {
	Subject   string `json:"subject"`
	Predicate string `json:"predicate"`
	Object    string `json:"object"`
}

// ID returns the stable identifier stored on the edge.
func (k RelationshipKey) ID() string {
	sum := sha256.Sum256([]byte(k.Subject + "\x1f" + k.Predicate + "\x1f" + k.Object))
	return hex.EncodeToString(sum[:])[:32]
}

// String renders the triple for logs.
func (k RelationshipKey) String() string {
	return k.Subject + " -[" + k.Predicate + "]-> " + k.Object
}

// Compare orders keys by subject, predicate, then object.
func (k RelationshipKey) Compare(o RelationshipKey) int {
	if c := strings.Compare(k.Subject, o.Subject); c != 0 {
		return c
	}
	if c := strings.Compare(k.Predicate, o.Predicate); c != 0 {
		return c
	}
	return strings.Compare(k.Object, o.Object)
}

// Relationship represents a directed, typed edge between two entities.
type Relationship struct {
	Subject    string     `json:"subject_entity_key"`
	Predicate  string     `json:"predicate"`
	Object     string     `json:"object_entity_key"`
	Attributes Attributes `json:"attributes,omitempty"`
	Provenance []string   `json:"provenance"`
	Version    int64      `json:"version"`
}

// NewRelationship creates a candidate relationship with a single provenance
// entry.
func NewRelationship(subject, predicate, object, sourceID string) *Relationship {
	return &Relationship{
		Subject:    subject,
		Predicate:  predicate,
		Object:     object,
		Attributes: Attributes{},
		Provenance: []string{sourceID},
	}
}

// Key returns the relationship's identity triple.
func (r *Relationship) Key() RelationshipKey {
	return RelationshipKey{Subject: r.Subject, Predicate: r.Predicate, Object: r.Object}
}

// SetAttribute records an attribute value supplied by source.
func (r *Relationship) SetAttribute(name, value, source string) {
	if r.Attributes == nil {
		r.Attributes = Attributes{}
	}
	r.Attributes[name] = AttributeValue{Value: value, Source: source}
}

// Clone returns a deep copy of the relationship.
func (r *Relationship) Clone() *Relationship {
	if r == nil {
		return nil
	}
	c := *r
	c.Attributes = r.Attributes.Clone()
	c.Provenance = slices.Clone(r.Provenance)
	return &c
}

// IngestionCheckpoint records the last committed version of a source document.
type IngestionCheckpoint struct {
	SourceID        string    `json:"source_id"`
	LastContentHash string    `json:"last_content_hash"`
	ProcessedAt     time.Time `json:"processed_at"`

	// SourceModifiedAt is the source's modification time as loaded for
	// this commit; zero when the loader reported none.
	SourceModifiedAt time.Time `json:"source_modified_at,omitempty"`
}

// UpsertPlan is the resolved set of writes for one transaction.
type UpsertPlan struct {
	SourceID      string          `json:"source_id"`
	Entities      []*Entity       `json:"entities"`
	Relationships []*Relationship `json:"relationships"`

	// Unchanged counts resolved items whose stored state already matched.
	Unchanged int `json:"unchanged"`
}

// Empty reports whether the plan carries no writes.
func (p *UpsertPlan) Empty() bool {
	return p == nil || (len(p.Entities) == 0 && len(p.Relationships) == 0)
}

// CommitResult summarizes the mutations applied by a transaction.
type CommitResult struct {
	EntitiesCreated      int `json:"entities_created"`
	EntitiesUpdated      int `json:"entities_updated"`
	RelationshipsCreated int `json:"relationships_created"`
	RelationshipsUpdated int `json:"relationships_updated"`
}

// Mutations returns the total number of graph mutations.
func (r *CommitResult) Mutations() int {
	if r == nil {
		return 0
	}
	return r.EntitiesCreated + r.EntitiesUpdated + r.RelationshipsCreated + r.RelationshipsUpdated
}

// MergeProvenance returns the sorted union of the given provenance sets.
func MergeProvenance(sets ...[]string) []string {
	var out []string
	for _, s := range sets {
		out = append(out, s...)
	}
	out = slices.DeleteFunc(out, func(s string) bool { return s == "" })
	slices.Sort(out)
	return slices.Compact(out)
}
