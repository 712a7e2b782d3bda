package extractor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
	"golang.org/x/sync/singleflight"

	"github.com/soundprediction/go-docgraph/pkg/cache"
	"github.com/soundprediction/go-docgraph/pkg/llm"
	"github.com/soundprediction/go-docgraph/pkg/retry"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

// promptVersion is part of the cache key; bump it when the prompt changes.
const promptVersion = "v1"

type llmEntity struct {
	Name       string            `json:"name" jsonschema_description:"Name of the entity as written in the text"`
	Type       string            `json:"type" jsonschema_description:"One of the provided entity types"`
	Attributes map[string]string `json:"attributes,omitempty" jsonschema_description:"Scalar facts about the entity stated in the text"`
}

type llmRelationship struct {
	Subject   string `json:"subject" jsonschema_description:"Name of the subject entity, as listed in entities"`
	Predicate string `json:"predicate" jsonschema_description:"One of the provided predicates"`
	Object    string `json:"object" jsonschema_description:"Name of the object entity, as listed in entities"`
}

type llmExtraction struct {
	Entities      []llmEntity       `json:"entities" jsonschema_description:"Entities mentioned in the text"`
	Relationships []llmRelationship `json:"relationships" jsonschema_description:"Relationships stated between the listed entities"`
}

// GenerateSchema reflects a JSON Schema for structured model output.
func GenerateSchema(value any) *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	t := reflect.TypeOf(value)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return reflector.Reflect(reflect.New(t).Interface())
}

// DefaultEntityTypes are offered to the model when none are configured.
var DefaultEntityTypes = []string{TypePerson, TypeOrganization, TypeLocation, "PRODUCT", "EVENT", "CONCEPT", TypeDate}

// LLMOptions configures an LLMExtractor.
type LLMOptions struct {
	Client      llm.Client
	Model       string
	Splitter    Splitter
	Normalizer  *Normalizer
	Vocabulary  *Vocabulary
	EntityTypes []string

	// Cache stores raw replies by unit hash; nil disables caching.
	Cache    cache.Cache
	CacheTTL time.Duration

	// Timeout bounds each inference call.
	Timeout time.Duration
	Retry   retry.Config
	Logger  *slog.Logger
}

// LLMExtractor asks a language model for entities and relationships, one
// structured call per unit.
type LLMExtractor struct {
	opts   LLMOptions
	schema *jsonschema.Schema
	group  singleflight.Group
	logger *slog.Logger
}

// NewLLMExtractor creates a model-backed extractor.
func NewLLMExtractor(opts LLMOptions) (*LLMExtractor, error) {
	if opts.Client == nil {
		return nil, errors.New("llm extractor requires a client")
	}
	if opts.Splitter == nil {
		opts.Splitter = WindowSplitter{Size: 600, Overlap: 100}
	}
	if opts.Normalizer == nil {
		opts.Normalizer = NewNormalizer(nil, nil)
	}
	if opts.Vocabulary == nil {
		opts.Vocabulary = NewVocabulary(nil, false)
	}
	if len(opts.EntityTypes) == 0 {
		opts.EntityTypes = DefaultEntityTypes
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}
	opts.Retry.Retryable = func(err error) bool {
		return !errors.Is(err, llm.ErrCircuitOpen) && !errors.Is(err, context.Canceled)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMExtractor{
		opts:   opts,
		schema: GenerateSchema(llmExtraction{}),
		logger: logger,
	}, nil
}

// Extract implements Extractor.
func (x *LLMExtractor) Extract(ctx context.Context, doc *types.Document) (*Extraction, error) {
	ctx = context.WithValue(ctx, types.ContextKeySourceID, doc.SourceID)
	return extractUnits(ctx, doc, x.opts.Splitter, func(ctx context.Context, u Unit) ([]*types.Entity, []*types.Relationship, error) {
		reply, err := x.reply(ctx, u.Text)
		if err != nil {
			return nil, nil, err
		}
		parsed, err := parseReply(reply)
		if err != nil {
			return nil, nil, err
		}
		es, rs := x.candidates(doc.SourceID, parsed)
		return es, rs, nil
	})
}

func (x *LLMExtractor) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(promptVersion + "\x1f" + x.opts.Model + "\x1f" + text))
	return "extract:" + hex.EncodeToString(sum[:])
}

// reply returns the model's raw answer for a unit, from cache when possible.
// Concurrent requests for identical text share one call, which ignores the
// callers' cancellation; each caller stops waiting when its own ctx is done.
func (x *LLMExtractor) reply(ctx context.Context, text string) (string, error) {
	key := x.cacheKey(text)
	if x.opts.Cache != nil {
		if cached, err := x.opts.Cache.Get(key); err == nil {
			return string(cached), nil
		}
	}

	shared := context.WithoutCancel(ctx)
	ch := x.group.DoChan(key, func() (interface{}, error) {
		return retry.DoWithResult(shared, x.opts.Retry, func(attempt int) (string, error) {
			callCtx := shared
			if x.opts.Timeout > 0 {
				var cancel context.CancelFunc
				callCtx, cancel = context.WithTimeout(shared, x.opts.Timeout)
				defer cancel()
			}
			resp, err := x.opts.Client.ChatWithStructuredOutput(callCtx, x.messages(text), x.schema)
			if err != nil {
				x.logger.Warn("inference call failed", "attempt", attempt, "error", err)
				return "", err
			}
			return resp.Content, nil
		})
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		return "", res.Err
	}
	content := res.Val.(string)

	if x.opts.Cache != nil {
		if _, perr := parseReply(content); perr == nil {
			if err := x.opts.Cache.Set(key, []byte(content), x.opts.CacheTTL); err != nil {
				x.logger.Warn("failed to cache extraction reply", "error", err)
			}
		}
	}
	return content, nil
}

func (x *LLMExtractor) messages(text string) []types.Message {
	system := fmt.Sprintf(`Extract entities and relationships from the user's text.
Entity types: %s.
Predicates: %s.
Only relate entities that you list. Use names exactly as they appear in the text.
Answer with JSON matching the provided schema.`,
		strings.Join(x.opts.EntityTypes, ", "),
		strings.Join(x.opts.Vocabulary.Predicates(), ", "))
	return []types.Message{types.NewSystemMessage(system), types.NewUserMessage(text)}
}

// parseReply accepts JSON, double-encoded JSON, repairable JSON, or the
// plain "Entities:/Relationships:" summary format.
func parseReply(reply string) (*llmExtraction, error) {
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return nil, errors.New("empty model reply")
	}

	var out llmExtraction
	if err := unmarshalFlexible(reply, &out); err == nil && (len(out.Entities) > 0 || len(out.Relationships) > 0 || looksLikeJSON(reply)) {
		return &out, nil
	}

	summary := ParseSummary(reply)
	if summary.Empty() {
		return nil, fmt.Errorf("unparseable model reply: %.80q", reply)
	}
	for _, e := range summary.Entities {
		out.Entities = append(out.Entities, llmEntity{Name: e.Name, Type: e.Type})
	}
	for _, r := range summary.Relationships {
		out.Relationships = append(out.Relationships, llmRelationship{Subject: r.Subject, Predicate: r.Label, Object: r.Object})
	}
	return &out, nil
}

func looksLikeJSON(s string) bool {
	return strings.HasPrefix(stripFence(s), "{")
}

// stripFence removes a surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimPrefix(strings.TrimSpace(s), "```json")
	s = strings.TrimSpace(strings.TrimPrefix(s, "```"))
	return strings.TrimSpace(strings.TrimSuffix(s, "```"))
}

func unmarshalFlexible(input string, out any) error {
	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(input), &asString); err == nil {
		if err := json.Unmarshal([]byte(asString), out); err == nil {
			return nil
		}
		input = asString
	}

	if !looksLikeJSON(input) {
		return errors.New("not json")
	}
	input = stripFence(input)
	if err := json.Unmarshal([]byte(input), out); err == nil {
		return nil
	}
	repaired, err := jsonrepair.JSONRepair(input)
	if err != nil {
		return fmt.Errorf("json repair failed: %w", err)
	}
	return json.Unmarshal([]byte(repaired), out)
}

func (x *LLMExtractor) candidates(sourceID string, parsed *llmExtraction) ([]*types.Entity, []*types.Relationship) {
	n := x.opts.Normalizer
	byName := make(map[string]*types.Entity, len(parsed.Entities))

	var entities []*types.Entity
	for _, le := range parsed.Entities {
		canonical := n.Canonical(le.Name)
		if canonical == "" {
			continue
		}
		e := types.NewEntity(n.Type(le.Type), canonical, sourceID)
		e.SetAttribute("display_name", n.Clean(le.Name), sourceID)
		for k, v := range le.Attributes {
			if name := Predicate(k); name != "" && strings.TrimSpace(v) != "" {
				e.SetAttribute(name, strings.TrimSpace(v), sourceID)
			}
		}
		entities = append(entities, e)
		if _, seen := byName[canonical]; !seen {
			byName[canonical] = e
		}
	}

	// Summary replies may relate names never listed as entities; those
	// endpoints are accepted as untyped entities of the same unit.
	resolve := func(name string) *types.Entity {
		canonical := n.Canonical(name)
		if canonical == "" {
			return nil
		}
		if e, ok := byName[canonical]; ok {
			return e
		}
		if len(parsed.Entities) > 0 {
			return nil
		}
		e := types.NewEntity(DefaultEntityType, canonical, sourceID)
		e.SetAttribute("display_name", n.Clean(name), sourceID)
		byName[canonical] = e
		entities = append(entities, e)
		return e
	}

	var rels []*types.Relationship
	for _, lr := range parsed.Relationships {
		pred, inverse, ok := x.opts.Vocabulary.Map(lr.Predicate)
		if !ok {
			x.logger.Debug("dropping relationship outside vocabulary", "predicate", lr.Predicate)
			continue
		}
		subj, obj := resolve(lr.Subject), resolve(lr.Object)
		if subj == nil || obj == nil {
			continue
		}
		if inverse {
			subj, obj = obj, subj
		}
		rels = append(rels, types.NewRelationship(subj.Key, pred, obj.Key, sourceID))
	}
	return entities, rels
}
