package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultMaxAttempts bounds calls made for one request while the
	// reasoner reports rate limiting.
	DefaultMaxAttempts = 3
	// DefaultInitialBackoff is the wait after the first rate-limited attempt;
	// each later wait doubles.
	DefaultInitialBackoff = 10 * time.Second
)

// ErrRetriesExhausted wraps the last error once every attempt was rate
// limited. The agent treats it as fatal for the run.
var ErrRetriesExhausted = errors.New("reasoner rate limited: retries exhausted")

// Gateway wraps a Reasoner with rate-limit detection and exponential
// backoff. Errors that are not rate limits are returned at once.
type Gateway struct {
	reasoner       Reasoner
	maxAttempts    int
	initialBackoff time.Duration
	temperature    *float64
	maxTokens      int
	logger         *zap.Logger

	// sleep waits for d or until ctx is done. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithInitialBackoff overrides DefaultInitialBackoff.
func WithInitialBackoff(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.initialBackoff = d
		}
	}
}

// WithSampling sets temperature and max output tokens on every request that
// does not set its own.
func WithSampling(temperature float64, maxTokens int) GatewayOption {
	return func(g *Gateway) {
		g.temperature = &temperature
		g.maxTokens = maxTokens
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGateway wraps reasoner.
func NewGateway(reasoner Reasoner, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		reasoner:       reasoner,
		maxAttempts:    DefaultMaxAttempts,
		initialBackoff: DefaultInitialBackoff,
		logger:         zap.NewNop(),
		sleep:          sleepContext,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Call sends messages to the reasoner and returns its text.
func (g *Gateway) Call(ctx context.Context, messages []Message) (string, error) {
	req := Request{Messages: messages, Temperature: g.temperature, MaxTokens: g.maxTokens}

	delay := g.initialBackoff
	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		text, err := g.reasoner.Complete(ctx, req)
		if err == nil {
			return text, nil
		}
		if !IsRateLimit(err) {
			g.logger.Warn("reasoner call failed", zap.Int("attempt", attempt), zap.Error(err))
			return "", err
		}

		lastErr = err
		if attempt == g.maxAttempts {
			break
		}
		g.logger.Warn("reasoner rate limited, backing off",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", g.maxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := g.sleep(ctx, delay); err != nil {
			return "", err
		}
		delay *= 2
	}

	g.logger.Error("reasoner rate limited on every attempt", zap.Int("attempts", g.maxAttempts), zap.Error(lastErr))
	return "", fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, g.maxAttempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
