package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/soundprediction/go-docgraph/pkg/types"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("llm circuit breaker open")

// BreakerSettings configures BreakerClient.
type BreakerSettings struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before a probe is allowed.
	OpenTimeout time.Duration
}

// BreakerClient stops calling an unavailable inference service after
// repeated failures.
type BreakerClient struct {
	next Client
	cb   *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps next with a circuit breaker.
func NewBreakerClient(next Client, settings BreakerSettings, logger *slog.Logger) *BreakerClient {
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		// Caller cancellations say nothing about the service's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerClient{next: next, cb: cb}
}

func (b *BreakerClient) call(fn func() (*types.Response, error)) (*types.Response, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Join(ErrCircuitOpen, err)
	}
	if err != nil {
		return nil, err
	}
	return out.(*types.Response), nil
}

// Chat implements Client
func (b *BreakerClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	return b.call(func() (*types.Response, error) {
		return b.next.Chat(ctx, messages)
	})
}

// ChatWithStructuredOutput implements Client
func (b *BreakerClient) ChatWithStructuredOutput(ctx context.Context, messages []types.Message, schema any) (*types.Response, error) {
	return b.call(func() (*types.Response, error) {
		return b.next.ChatWithStructuredOutput(ctx, messages, schema)
	})
}

// State reports the breaker state for readiness checks.
func (b *BreakerClient) State() string {
	return b.cb.State().String()
}

// Close implements Client
func (b *BreakerClient) Close() error {
	return b.next.Close()
}
