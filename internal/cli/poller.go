package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/mfateev/sandbox-agent/internal/agent"
)

// PollInterval is how often the status poller samples the agent.
const PollInterval = 200 * time.Millisecond

// StatusSource reports active runs. *agent.Agent implements it.
type StatusSource interface {
	Status() agent.Status
}

// PollResult holds one status sample for a run.
type PollResult struct {
	Run   agent.RunStatus
	Max   int
	Found bool
}

// Poller samples the iteration counter of one run.
type Poller struct {
	source   StatusSource
	runID    string
	interval time.Duration
}

// NewPoller creates a poller for the given run.
func NewPoller(source StatusSource, runID string, interval time.Duration) *Poller {
	return &Poller{source: source, runID: runID, interval: interval}
}

// Poll takes a single sample.
func (p *Poller) Poll() PollResult {
	st := p.source.Status()
	for _, r := range st.Runs {
		if r.ID == p.runID {
			return PollResult{Run: r, Max: st.MaxIterations, Found: true}
		}
	}
	return PollResult{Max: st.MaxIterations}
}

// RunPolling polls in a loop, sending results to the channel. It stops
// when the context is cancelled or the run is no longer active.
func (p *Poller) RunPolling(ctx context.Context, ch chan<- PollResult) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result := p.Poll()
			select {
			case ch <- result:
			case <-ctx.Done():
				return
			}
			if !result.Found {
				return
			}
		}
	}
}

// StepLabel renders the iteration counter, e.g. "step 3/30".
func (r PollResult) StepLabel() string {
	if !r.Found || r.Run.Iteration == 0 {
		return ""
	}
	return fmt.Sprintf("step %d/%d", r.Run.Iteration, r.Max)
}
