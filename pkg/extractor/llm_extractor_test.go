package extractor

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/go-docgraph/pkg/cache"
	"github.com/soundprediction/go-docgraph/pkg/llm"
	"github.com/soundprediction/go-docgraph/pkg/retry"
	"github.com/soundprediction/go-docgraph/pkg/types"
)

type stubClient struct {
	mu    sync.Mutex
	calls int
	reply string
	err   error
}

func (s *stubClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	return s.ChatWithStructuredOutput(ctx, messages, nil)
}

func (s *stubClient) ChatWithStructuredOutput(_ context.Context, _ []types.Message, _ any) (*types.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &types.Response{Content: s.reply}, nil
}

func (s *stubClient) Close() error { return nil }

func (s *stubClient) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func newTestLLMExtractor(t *testing.T, client llm.Client, c cache.Cache) *LLMExtractor {
	t.Helper()
	x, err := NewLLMExtractor(LLMOptions{
		Client: client,
		Model:  "test-model",
		Cache:  c,
		Retry:  fastRetry(2),
	})
	require.NoError(t, err)
	return x
}

func TestLLMExtractorJSONReply(t *testing.T) {
	client := &stubClient{reply: `{
		"entities": [
			{"name": "Alice Smith", "type": "person", "attributes": {"Job Title": "CTO"}},
			{"name": "**Acme Corp**", "type": "Organization"}
		],
		"relationships": [
			{"subject": "Alice Smith", "predicate": "works for", "object": "Acme Corp"},
			{"subject": "Alice Smith", "predicate": "knows", "object": "Ghost"}
		]
	}`}
	x := newTestLLMExtractor(t, client, nil)

	out, err := x.Extract(t.Context(), newDoc("a.txt", "Alice Smith is the CTO of Acme Corp."))
	require.NoError(t, err)

	alice := types.EntityKey(TypePerson, "alice smith")
	acme := types.EntityKey(TypeOrganization, "acme corp")
	assert.ElementsMatch(t, []string{alice, acme}, entityKeys(out.Entities))
	assert.Equal(t, types.AttributeValue{Value: "CTO", Source: "a.txt"}, findEntity(out.Entities, alice).Attributes["job_title"])
	assert.Equal(t, "Acme Corp", findEntity(out.Entities, acme).Attributes["display_name"].Value)

	require.Len(t, out.Relationships, 1)
	assert.Equal(t, types.RelationshipKey{Subject: alice, Predicate: "works_for", Object: acme}, out.Relationships[0].Key())
}

func TestLLMExtractorRepairsJSON(t *testing.T) {
	client := &stubClient{reply: "```json\n{\"entities\": [{\"name\": \"Acme Corp\", \"type\": \"ORGANIZATION\"},]}\n```"}
	x := newTestLLMExtractor(t, client, nil)

	out, err := x.Extract(t.Context(), newDoc("a.txt", "Acme Corp."))
	require.NoError(t, err)
	assert.Equal(t, []string{types.EntityKey(TypeOrganization, "acme corp")}, entityKeys(out.Entities))
}

func TestLLMExtractorSummaryReply(t *testing.T) {
	client := &stubClient{reply: "Relationships:\n- Alice -> acquired by -> Acme"}
	x := newTestLLMExtractor(t, client, nil)

	out, err := x.Extract(t.Context(), newDoc("a.txt", "Alice was acquired by Acme."))
	require.NoError(t, err)

	alice := types.EntityKey(DefaultEntityType, "alice")
	acme := types.EntityKey(DefaultEntityType, "acme")
	assert.ElementsMatch(t, []string{alice, acme}, entityKeys(out.Entities))
	require.Len(t, out.Relationships, 1)
	assert.Equal(t, types.RelationshipKey{Subject: acme, Predicate: "acquired", Object: alice}, out.Relationships[0].Key())
}

func TestLLMExtractorUnparseableReply(t *testing.T) {
	client := &stubClient{reply: "I am unable to help with that."}
	x := newTestLLMExtractor(t, client, nil)

	_, err := x.Extract(t.Context(), newDoc("a.txt", "Acme Corp."))
	assert.ErrorIs(t, err, types.ErrExtractionUnit)
}

func TestLLMExtractorCachesReplies(t *testing.T) {
	client := &stubClient{reply: `{"entities": [{"name": "Acme Corp", "type": "ORGANIZATION"}], "relationships": []}`}
	x := newTestLLMExtractor(t, client, cache.NewLRUCache(16, time.Minute))
	doc := newDoc("a.txt", "Acme Corp makes anvils.")

	first, err := x.Extract(t.Context(), doc)
	require.NoError(t, err)
	second, err := x.Extract(t.Context(), doc)
	require.NoError(t, err)

	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, first.Entities, second.Entities)
}

func TestLLMExtractorDoesNotCacheGarbage(t *testing.T) {
	c := cache.NewLRUCache(16, time.Minute)
	client := &stubClient{reply: "no idea"}
	x := newTestLLMExtractor(t, client, c)

	_, err := x.Extract(t.Context(), newDoc("a.txt", "Acme Corp."))
	require.Error(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestLLMExtractorRetries(t *testing.T) {
	t.Run("transient failures exhaust the budget", func(t *testing.T) {
		client := &stubClient{err: fmt.Errorf("upstream 503")}
		x := newTestLLMExtractor(t, client, nil)

		_, err := x.Extract(t.Context(), newDoc("a.txt", "Acme Corp."))
		assert.ErrorIs(t, err, types.ErrExtractionUnit)
		assert.ErrorIs(t, err, types.ErrRetryBudgetExhausted)
		assert.Equal(t, 2, client.Calls())
	})

	t.Run("open circuit is not retried", func(t *testing.T) {
		client := &stubClient{err: fmt.Errorf("chat: %w", llm.ErrCircuitOpen)}
		x := newTestLLMExtractor(t, client, nil)

		_, err := x.Extract(t.Context(), newDoc("a.txt", "Acme Corp."))
		assert.ErrorIs(t, err, llm.ErrCircuitOpen)
		assert.Equal(t, 1, client.Calls())
	})
}

// gatedClient holds its first call until release is closed, honouring the
// call's context like a real HTTP client.
type gatedClient struct {
	stubClient
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedClient) ChatWithStructuredOutput(ctx context.Context, msgs []types.Message, schema any) (*types.Response, error) {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.started)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-g.release:
		}
	}
	return g.stubClient.ChatWithStructuredOutput(ctx, msgs, schema)
}

func TestLLMExtractorSharedCallSurvivesCallerCancel(t *testing.T) {
	client := &gatedClient{
		stubClient: stubClient{reply: `{"entities":[{"name":"Acme Corp","type":"ORGANIZATION"}],"relationships":[]}`},
		started:    make(chan struct{}),
		release:    make(chan struct{}),
	}
	x := newTestLLMExtractor(t, client, nil)
	text := "Acme Corp opened an office."

	ctxA, cancelA := context.WithCancel(t.Context())
	errA := make(chan error, 1)
	go func() {
		_, err := x.Extract(ctxA, newDoc("a.txt", text))
		errA <- err
	}()
	<-client.started

	type result struct {
		out *Extraction
		err error
	}
	resB := make(chan result, 1)
	go func() {
		out, err := x.Extract(t.Context(), newDoc("b.txt", text))
		resB <- result{out, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	close(client.release)

	b := <-resB
	require.NoError(t, b.err)
	assert.Empty(t, b.out.SoftErrors)
	require.Len(t, b.out.Entities, 1)
	assert.Equal(t, []string{"b.txt"}, b.out.Entities[0].Provenance)
	assert.LessOrEqual(t, client.Calls(), 2)
}

func TestNewLLMExtractorRequiresClient(t *testing.T) {
	_, err := NewLLMExtractor(LLMOptions{})
	assert.Error(t, err)
}

func TestGenerateSchema(t *testing.T) {
	schema := GenerateSchema(&llmExtraction{})
	require.NotNil(t, schema)
	require.NotNil(t, schema.Properties)
	_, ok := schema.Properties.Get("entities")
	assert.True(t, ok)
	_, ok = schema.Properties.Get("relationships")
	assert.True(t, ok)
}
