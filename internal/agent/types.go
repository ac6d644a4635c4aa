package agent

import (
	"context"
	"time"

	"github.com/mfateev/sandbox-agent/internal/llm"
	"github.com/mfateev/sandbox-agent/internal/memory"
	"github.com/mfateev/sandbox-agent/internal/tools"
)

// Task is what a caller asks the agent to do. It is immutable once a run
// starts.
type Task struct {
	Description  string
	UserMessage  string
	Conversation string
}

// Outcome is the terminal state of a run.
type Outcome string

const (
	// OutcomeCompleted means the reasoner delivered a final answer.
	OutcomeCompleted Outcome = "completed"
	// OutcomeSoftLanded means the iteration budget ran out right after a
	// successful action, so the run counts as done.
	OutcomeSoftLanded Outcome = "soft_landed"
	// OutcomeFailed means the budget ran out without success or the run was
	// stopped.
	OutcomeFailed Outcome = "failed"
	// OutcomeError means the loop could not continue: the reasoner stayed
	// rate limited or an internal defect occurred.
	OutcomeError Outcome = "error"
)

// EntryType tags history entries and progress events.
type EntryType string

const (
	EntryThought     EntryType = "thought"
	EntryAction      EntryType = "action"
	EntryObservation EntryType = "observation"
)

// Entry is one item of in-run history. Success is meaningful for
// observations only.
type Entry struct {
	Type    EntryType
	Content string
	Tool    string
	Input   map[string]interface{}
	Success bool
}

// Action is a capability invocation the run performed.
type Action struct {
	Tool  string                 `json:"tool"`
	Input map[string]interface{} `json:"input"`
}

// Event is a progress notification. Events of one run are delivered in
// order on the run's goroutine.
type Event struct {
	RunID     string
	Type      EntryType
	Content   string
	Tool      string
	Input     map[string]interface{}
	Success   *bool
	Iteration int
}

// Result is the structured outcome returned to callers. Success is true
// for OutcomeCompleted and OutcomeSoftLanded.
type Result struct {
	RunID      string
	Task       string
	Outcome    Outcome
	Success    bool
	Answer     string
	Error      string
	Note       string
	Iterations int
	Thoughts   []string
	Actions    []Action
	StartedAt  time.Time
	FinishedAt time.Time
}

// Caller sends messages to the reasoner. *llm.Gateway implements it.
type Caller interface {
	Call(ctx context.Context, messages []llm.Message) (string, error)
}

// Dispatcher executes capabilities. *tools.Registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, invocation *tools.ToolInvocation) *tools.ToolOutput
	Catalogue() string
}

// Memory persists completed tasks. *memory.Store implements it.
type Memory interface {
	Record(task string, actions []memory.Action) error
	Summary(n int) string
}

// RunObserver is notified when a run starts and finishes. The run audit log
// implements it.
type RunObserver interface {
	RunStarted(ctx context.Context, runID string, task Task)
	RunEvent(ctx context.Context, event Event)
	RunFinished(ctx context.Context, result Result)
}
