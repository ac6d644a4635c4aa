package llm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedReasoner returns the queued results in order.
type scriptedReasoner struct {
	results []error
	text    string
	calls   int
	last    Request
}

func (s *scriptedReasoner) Complete(_ context.Context, req Request) (string, error) {
	s.last = req
	i := s.calls
	s.calls++
	if i < len(s.results) && s.results[i] != nil {
		return "", s.results[i]
	}
	return s.text, nil
}

// recordSleeps replaces the gateway's sleep with one that only records.
func recordSleeps(g *Gateway) *[]time.Duration {
	var delays []time.Duration
	g.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return &delays
}

func rateLimited() error {
	return classifyByStatusCode(429, errors.New("429 Too Many Requests"))
}

func TestGateway_Success(t *testing.T) {
	r := &scriptedReasoner{text: "ok"}
	g := NewGateway(r)
	delays := recordSleeps(g)

	text, err := g.Call(context.Background(), []Message{{Role: RoleUser, Content: "hi"}})

	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, 1, r.calls)
	assert.Empty(t, *delays)
}

func TestGateway_RetriesRateLimitWithDoublingBackoff(t *testing.T) {
	r := &scriptedReasoner{results: []error{rateLimited(), rateLimited(), rateLimited(), rateLimited()}}
	g := NewGateway(r)
	delays := recordSleeps(g)

	_, err := g.Call(context.Background(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, DefaultMaxAttempts, r.calls, "exactly three attempts")
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, *delays)
	for i := 1; i < len(*delays); i++ {
		assert.Equal(t, 2*(*delays)[i-1], (*delays)[i], "delays double")
	}

	var re *ReasonerError
	require.ErrorAs(t, err, &re, "the last provider error stays reachable")
	assert.Equal(t, ErrorTypeAPILimit, re.Type)
}

func TestGateway_RecoversAfterRateLimit(t *testing.T) {
	r := &scriptedReasoner{results: []error{rateLimited()}, text: "second time lucky"}
	g := NewGateway(r)
	delays := recordSleeps(g)

	text, err := g.Call(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, "second time lucky", text)
	assert.Equal(t, 2, r.calls)
	assert.Equal(t, []time.Duration{10 * time.Second}, *delays)
}

func TestGateway_QuotaTextCountsAsRateLimit(t *testing.T) {
	r := &scriptedReasoner{results: []error{errors.New("Quota exceeded for project"), nil}, text: "ok"}
	g := NewGateway(r)
	recordSleeps(g)

	_, err := g.Call(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, 2, r.calls)
}

func TestGateway_OtherErrorsPropagateImmediately(t *testing.T) {
	boom := classifyByStatusCode(401, errors.New("invalid api key"))
	r := &scriptedReasoner{results: []error{boom}}
	g := NewGateway(r)
	delays := recordSleeps(g)

	_, err := g.Call(context.Background(), nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 1, r.calls)
	assert.Empty(t, *delays)
}

func TestGateway_ContextCancelledDuringBackoff(t *testing.T) {
	r := &scriptedReasoner{results: []error{rateLimited(), rateLimited()}}
	g := NewGateway(r, WithInitialBackoff(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := g.Call(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, r.calls)
}

func TestGateway_Options(t *testing.T) {
	r := &scriptedReasoner{results: []error{rateLimited(), rateLimited()}}
	g := NewGateway(r, WithMaxAttempts(2), WithInitialBackoff(time.Second), WithSampling(0.2, 512))
	delays := recordSleeps(g)

	_, err := g.Call(context.Background(), []Message{{Role: RoleSystem, Content: "sys"}})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 2, r.calls)
	assert.Equal(t, []time.Duration{time.Second}, *delays)
	require.NotNil(t, r.last.Temperature)
	assert.Equal(t, 0.2, *r.last.Temperature)
	assert.Equal(t, 512, r.last.MaxTokens)
}

// --- Request helpers ---

func TestRequest_SystemPromptAndConversation(t *testing.T) {
	req := Request{Messages: []Message{
		{Role: RoleSystem, Content: "a"},
		{Role: RoleUser, Content: "u"},
		{Role: RoleSystem, Content: "b"},
	}}
	assert.Equal(t, "a\n\nb", req.SystemPrompt())
	assert.Equal(t, []Message{{Role: RoleUser, Content: "u"}}, req.Conversation())
}

func TestIsRateLimit(t *testing.T) {
	assert.True(t, IsRateLimit(rateLimited()))
	assert.True(t, IsRateLimit(fmt.Errorf("wrapped: %w", rateLimited())))
	assert.True(t, IsRateLimit(errors.New("HTTP 429")))
	assert.True(t, IsRateLimit(errors.New("RESOURCE_EXHAUSTED")))
	assert.False(t, IsRateLimit(errors.New("connection refused")))
	assert.False(t, IsRateLimit(nil))
}
