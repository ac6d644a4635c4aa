package agent

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/instructions"
	"github.com/mfateev/sandbox-agent/internal/interpreter"
	"github.com/mfateev/sandbox-agent/internal/llm"
	"github.com/mfateev/sandbox-agent/internal/memory"
	"github.com/mfateev/sandbox-agent/internal/tools"
)

// Note attached to soft-landed results.
const SoftLandingNote = "Auto-completed due to iteration limit"

// Reported when a run ends because of Stop or a cancelled context.
const StoppedMessage = "Agent stopped before completing the task"

// maxObservationChars caps what one observation contributes to the prompt.
const maxObservationChars = 8000

// state is the per-run mutable state. It is owned by the run goroutine.
type state struct {
	run      *Run
	progress func(Event)
	logger   *zap.Logger

	history  []Entry
	thoughts []string
	actions  []Action
	iter     int
}

func (s *state) emit(e Event) {
	e.RunID = s.run.id
	e.Iteration = s.iter
	if s.progress != nil {
		s.progress(e)
	}
}

func (s *state) addThought(thought string) {
	s.history = append(s.history, Entry{Type: EntryThought, Content: thought})
	s.thoughts = append(s.thoughts, thought)
	s.emit(Event{Type: EntryThought, Content: thought})
}

func (s *state) addAction(tool string, input map[string]interface{}) {
	s.history = append(s.history, Entry{Type: EntryAction, Tool: tool, Input: input})
	s.actions = append(s.actions, Action{Tool: tool, Input: input})
	s.emit(Event{Type: EntryAction, Tool: tool, Input: input})
}

func (s *state) addObservation(content string, success bool) {
	content = truncate(content, maxObservationChars)
	s.history = append(s.history, Entry{Type: EntryObservation, Content: content, Success: success})
	s.emit(Event{Type: EntryObservation, Content: content, Success: &success})
}

// lastObservation returns the most recent observation, if any.
func (s *state) lastObservation() (Entry, bool) {
	for i := len(s.history) - 1; i >= 0; i-- {
		if s.history[i].Type == EntryObservation {
			return s.history[i], true
		}
	}
	return Entry{}, false
}

func (s *state) promptHistory() []instructions.HistoryEntry {
	out := make([]instructions.HistoryEntry, len(s.history))
	for i, e := range s.history {
		out[i] = instructions.HistoryEntry{Type: string(e.Type), Content: e.Content, Tool: e.Tool, Input: e.Input}
	}
	return out
}

// run drives one task to a terminal outcome.
func (a *Agent) run(ctx context.Context, r *Run, progress func(Event)) (result Result) {
	s := &state{
		run:      r,
		progress: progress,
		logger:   a.logger.With(zap.String("run_id", r.id)),
	}

	result = Result{RunID: r.id, Task: r.task.Description, StartedAt: r.startedAt}
	if a.observer != nil {
		a.observer.RunStarted(ctx, r.id, r.task)
		s.progress = func(e Event) {
			a.observer.RunEvent(ctx, e)
			if progress != nil {
				progress(e)
			}
		}
	}

	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Run panicked", zap.Any("panic", p), zap.Stack("stack"))
			result.Outcome = OutcomeError
			result.Success = false
			result.Error = fmt.Sprintf("internal error: %v", p)
		}
		result.Iterations = s.iter
		result.Thoughts = s.thoughts
		result.Actions = s.actions
		result.FinishedAt = a.now()
		s.logger.Info("Run finished",
			zap.String("outcome", string(result.Outcome)),
			zap.Int("iterations", result.Iterations),
			zap.Int("actions", len(result.Actions)))
		if a.observer != nil {
			a.observer.RunFinished(ctx, result)
		}
	}()

	s.logger.Info("Run started", zap.String("task", r.task.Description))

	for s.iter < a.maxIterations {
		if r.stopped.Load() || ctx.Err() != nil {
			result.Outcome = OutcomeFailed
			result.Error = StoppedMessage
			return result
		}
		s.iter++
		r.iteration.Store(int64(s.iter))

		raw, err := a.reasoner.Call(ctx, a.buildMessages(r.task, s))
		if err != nil {
			if errors.Is(err, llm.ErrRetriesExhausted) {
				s.logger.Error("Reasoner unavailable", zap.Error(err))
				result.Outcome = OutcomeError
				result.Error = err.Error()
				return result
			}
			s.logger.Warn("Reasoner call failed", zap.Int("iteration", s.iter), zap.Error(err))
			s.addObservation("System error: "+err.Error(), false)
			continue
		}

		step, err := interpreter.Parse(raw)
		if err != nil {
			s.logger.Debug("Unparseable reasoner output", zap.Int("iteration", s.iter), zap.Error(err))
			s.addObservation("System error: "+err.Error(), false)
			continue
		}

		s.addThought(step.Thought)

		if step.Final {
			a.remember(s, r.task.Description)
			result.Outcome = OutcomeCompleted
			result.Success = true
			result.Answer = step.Answer
			return result
		}

		s.addAction(step.Action, step.Input)
		out := a.tools.Dispatch(ctx, &tools.ToolInvocation{
			CallID:    fmt.Sprintf("%s-%d", r.id, s.iter),
			ToolName:  step.Action,
			Arguments: step.Input,
		})
		s.addObservation(out.Observation(), out.Succeeded())
	}

	return a.exhausted(s, r.task.Description)
}

// exhausted applies the soft-landing rule once the iteration budget is spent.
func (a *Agent) exhausted(s *state, task string) Result {
	result := Result{RunID: s.run.id, Task: task, StartedAt: s.run.startedAt}

	last, ok := s.lastObservation()
	if ok && len(s.actions) > 0 && last.Success {
		a.remember(s, task)
		lastTool := s.actions[len(s.actions)-1].Tool
		result.Outcome = OutcomeSoftLanded
		result.Success = true
		result.Answer = fmt.Sprintf("Task stopped after %d steps. Last action: %s was successful.", a.maxIterations, lastTool)
		result.Note = SoftLandingNote
		return result
	}

	result.Outcome = OutcomeFailed
	result.Error = fmt.Sprintf("Task did not complete within %d iterations", a.maxIterations)
	return result
}

func (a *Agent) remember(s *state, task string) {
	if a.memory == nil {
		return
	}
	if err := a.memory.Record(task, toMemoryActions(s.actions)); err != nil {
		s.logger.Warn("Failed to persist project memory", zap.Error(err))
	}
}

func (a *Agent) buildMessages(task Task, s *state) []llm.Message {
	var projectMemory string
	if a.memory != nil {
		projectMemory = a.memory.Summary(memory.PromptEntries)
	}
	prompt := instructions.BuildPrompt(instructions.PromptInput{
		Base:          a.baseInstructions,
		Catalogue:     a.tools.Catalogue(),
		ProjectMemory: projectMemory,
		ProjectDocs:   a.projectDocs,
		Conversation:  task.Conversation,
		UserMessage:   task.UserMessage,
		Task:          task.Description,
		History:       s.promptHistory(),
	})
	return []llm.Message{
		{Role: llm.RoleSystem, Content: instructions.SystemMessage},
		{Role: llm.RoleUser, Content: prompt},
	}
}

// truncate shortens s to at most n bytes without splitting a UTF-8
// sequence, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
