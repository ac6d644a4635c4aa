// Package agent implements the reasoning loop: ask the reasoner for the next
// step, run the chosen capability, feed the observation back, and stop on a
// final answer, an exhausted iteration budget, or a stop request.
package agent

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/memory"
)

// DefaultMaxIterations bounds the reasoning rounds of one run.
const DefaultMaxIterations = 30

// Config wires an Agent's collaborators.
type Config struct {
	Reasoner Caller
	Tools    Dispatcher
	// Memory is optional; without it completed runs are not recorded.
	Memory Memory
	// Observer is optional.
	Observer RunObserver
	Logger   *zap.Logger

	MaxIterations    int
	BaseInstructions string
	ProjectDocs      string
}

// Agent runs tasks. One Agent may run many tasks concurrently; runs share
// the reasoner, the tools and the project memory but nothing else.
type Agent struct {
	reasoner Caller
	tools    Dispatcher
	memory   Memory
	observer RunObserver
	logger   *zap.Logger

	maxIterations    int
	baseInstructions string
	projectDocs      string

	mu   sync.Mutex
	runs map[string]*Run

	now func() time.Time
}

// New validates cfg and returns an Agent.
func New(cfg Config) (*Agent, error) {
	if cfg.Reasoner == nil {
		return nil, errors.New("agent: reasoner is required")
	}
	if cfg.Tools == nil {
		return nil, errors.New("agent: tools are required")
	}
	a := &Agent{
		reasoner:         cfg.Reasoner,
		tools:            cfg.Tools,
		memory:           cfg.Memory,
		observer:         cfg.Observer,
		logger:           cfg.Logger,
		maxIterations:    cfg.MaxIterations,
		baseInstructions: cfg.BaseInstructions,
		projectDocs:      cfg.ProjectDocs,
		runs:             make(map[string]*Run),
		now:              time.Now,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if a.maxIterations <= 0 {
		a.maxIterations = DefaultMaxIterations
	}
	return a, nil
}

// MaxIterations returns the per-run iteration budget.
func (a *Agent) MaxIterations() int { return a.maxIterations }

// RunOption customizes a single run.
type RunOption func(*runOptions)

type runOptions struct {
	id       string
	progress func(Event)
}

// WithProgress registers a callback for thought, action and observation
// events.
func WithProgress(fn func(Event)) RunOption {
	return func(o *runOptions) { o.progress = fn }
}

// WithRunID sets the run ID instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) { o.id = id }
}

// Run is a handle on a task running on its own goroutine.
type Run struct {
	id        string
	task      Task
	startedAt time.Time

	stopped   atomic.Bool
	iteration atomic.Int64
	done      chan struct{}
	result    Result
}

// ID returns the run ID.
func (r *Run) ID() string { return r.id }

// Stop asks the run to end. The request is observed before the next
// iteration starts; an in-flight reasoner call or command finishes first.
func (r *Run) Stop() { r.stopped.Store(true) }

// Done is closed when the run has finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

// Start launches task on a new goroutine and returns immediately.
func (a *Agent) Start(ctx context.Context, task Task, opts ...RunOption) *Run {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = uuid.NewString()
	}

	r := &Run{id: o.id, task: task, startedAt: a.now(), done: make(chan struct{})}

	a.mu.Lock()
	a.runs[r.id] = r
	a.mu.Unlock()

	go func() {
		defer close(r.done)
		defer func() {
			a.mu.Lock()
			delete(a.runs, r.id)
			a.mu.Unlock()
		}()
		r.result = a.run(ctx, r, o.progress)
	}()
	return r
}

// Execute runs task and waits for its result. It never panics and never
// returns a raw error; every outcome is encoded in Result.
func (a *Agent) Execute(ctx context.Context, task Task, opts ...RunOption) Result {
	return a.Start(ctx, task, opts...).Wait()
}

// RunStatus describes an active run.
type RunStatus struct {
	ID        string
	Task      string
	Iteration int
	StartedAt time.Time
}

// Status reports the runs currently executing, oldest first.
type Status struct {
	Running       bool
	MaxIterations int
	Runs          []RunStatus
}

// Status returns a snapshot of active runs.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := Status{Running: len(a.runs) > 0, MaxIterations: a.maxIterations}
	for _, r := range a.runs {
		st.Runs = append(st.Runs, RunStatus{
			ID:        r.id,
			Task:      r.task.Description,
			Iteration: int(r.iteration.Load()),
			StartedAt: r.startedAt,
		})
	}
	sort.Slice(st.Runs, func(i, j int) bool { return st.Runs[i].StartedAt.Before(st.Runs[j].StartedAt) })
	return st
}

// StopAll requests every active run to stop.
func (a *Agent) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.runs {
		r.Stop()
	}
}

func toMemoryActions(actions []Action) []memory.Action {
	out := make([]memory.Action, len(actions))
	for i, act := range actions {
		out[i] = memory.Action{Tool: act.Tool, Input: act.Input}
	}
	return out
}
