package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfateev/sandbox-agent/internal/agent"
)

type fakeStatus struct {
	mu   sync.Mutex
	runs []agent.RunStatus
}

func (f *fakeStatus) Status() agent.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return agent.Status{Running: len(f.runs) > 0, MaxIterations: 30, Runs: append([]agent.RunStatus(nil), f.runs...)}
}

func (f *fakeStatus) set(runs ...agent.RunStatus) {
	f.mu.Lock()
	f.runs = runs
	f.mu.Unlock()
}

func TestPoller_Poll(t *testing.T) {
	src := &fakeStatus{}
	src.set(agent.RunStatus{ID: "other", Iteration: 9}, agent.RunStatus{ID: "r1", Iteration: 3})

	res := NewPoller(src, "r1", PollInterval).Poll()
	require.True(t, res.Found)
	assert.Equal(t, 3, res.Run.Iteration)
	assert.Equal(t, "step 3/30", res.StepLabel())

	res = NewPoller(src, "missing", PollInterval).Poll()
	assert.False(t, res.Found)
	assert.Empty(t, res.StepLabel())
}

func TestPoller_RunPollingStopsWhenRunEnds(t *testing.T) {
	src := &fakeStatus{}
	src.set(agent.RunStatus{ID: "r1", Iteration: 1})

	ch := make(chan PollResult, 16)
	done := make(chan struct{})
	go func() {
		NewPoller(src, "r1", time.Millisecond).RunPolling(context.Background(), ch)
		close(done)
	}()

	first := <-ch
	assert.True(t, first.Found)
	src.set()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop after the run ended")
	}
}

func TestPoller_RunPollingStopsOnCancel(t *testing.T) {
	src := &fakeStatus{}
	src.set(agent.RunStatus{ID: "r1"})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewPoller(src, "r1", time.Millisecond).RunPolling(ctx, make(chan PollResult))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller ignored cancellation")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner_StartStop(t *testing.T) {
	var out syncBuffer
	s := NewSpinner(&out)

	s.Stop() // no-op when idle
	s.Start("Thinking...")
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Thinking...") },
		2*time.Second, 5*time.Millisecond)
	s.SetMessage("Running run_command...")
	require.Eventually(t, func() bool { return strings.Contains(out.String(), "Running run_command...") },
		2*time.Second, 5*time.Millisecond)
	s.Stop()

	assert.True(t, strings.HasSuffix(out.String(), "\r\033[K"))
}
