package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mfateev/sandbox-agent/internal/agent"
)

func boolPtr(b bool) *bool { return &b }

func TestRenderer_RenderThought(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true) // noColor=true for testing

	rendered := r.RenderEvent(agent.Event{Type: agent.EntryThought, Content: "List the files first"})

	assert.True(t, rendered)
	assert.Contains(t, buf.String(), "List the files first")
}

func TestRenderer_EmptyThoughtNotRendered(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	assert.False(t, r.RenderEvent(agent.Event{Type: agent.EntryThought, Content: "  "}))
	assert.Empty(t, buf.String())
}

func TestRenderer_RenderAction(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	rendered := r.RenderEvent(agent.Event{
		Type:  agent.EntryAction,
		Tool:  "run_command",
		Input: map[string]interface{}{"command": "echo hello"},
	})

	assert.True(t, rendered)
	assert.Contains(t, buf.String(), "run_command")
	assert.Contains(t, buf.String(), "echo hello")
}

func TestRenderer_RenderObservation_Success(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	rendered := r.RenderEvent(agent.Event{
		Type:    agent.EntryObservation,
		Content: "Success: hello\n",
		Success: boolPtr(true),
	})

	assert.True(t, rendered)
	assert.Contains(t, buf.String(), "hello")
}

func TestRenderer_RenderObservation_Failure(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	rendered := r.RenderEvent(agent.Event{
		Type:    agent.EntryObservation,
		Content: "Error: command not found",
		Success: boolPtr(false),
	})

	assert.True(t, rendered)
	assert.Contains(t, buf.String(), "command not found")
}

func TestRenderer_UnknownEventNotRendered(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	assert.False(t, r.RenderEvent(agent.Event{Type: "heartbeat"}))
	assert.Empty(t, buf.String())
}

func TestRenderer_LongOutputTruncated(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	longContent := strings.Repeat("line\n", 25)
	r.RenderEvent(agent.Event{Type: agent.EntryObservation, Content: longContent, Success: boolPtr(true)})

	assert.Contains(t, buf.String(), "5 more lines")
}

func TestRenderer_RenderResult_Completed(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	r.RenderResult(agent.Result{Outcome: agent.OutcomeCompleted, Success: true, Answer: "Created hello.py"})

	assert.Contains(t, buf.String(), "Created hello.py")
}

func TestRenderer_RenderResult_SoftLandedShowsNote(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	r.RenderResult(agent.Result{
		Outcome: agent.OutcomeSoftLanded,
		Success: true,
		Answer:  "Task stopped after 30 steps. Last action: list_files was successful.",
		Note:    agent.SoftLandingNote,
	})

	assert.Contains(t, buf.String(), "list_files was successful")
	assert.Contains(t, buf.String(), agent.SoftLandingNote)
}

func TestRenderer_RenderResult_Failed(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	r.RenderResult(agent.Result{Outcome: agent.OutcomeFailed, Error: "Task did not complete within 30 iterations"})

	assert.Contains(t, buf.String(), "✗ Task did not complete within 30 iterations")
}

func TestRenderer_RenderResult_Markdown(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, false)

	r.RenderResult(agent.Result{Outcome: agent.OutcomeCompleted, Answer: "# Done\n\nAll **good**."})

	assert.Contains(t, buf.String(), "Done")
	assert.Contains(t, buf.String(), "good")
}

func TestRenderer_RenderStatusLine(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.RenderStatusLine("gpt-4o-mini", agent.Result{
		Outcome:    agent.OutcomeSoftLanded,
		Iterations: 3,
		StartedAt:  start,
		FinishedAt: start.Add(2500 * time.Millisecond),
	})

	assert.Contains(t, buf.String(), "gpt-4o-mini")
	assert.Contains(t, buf.String(), "3 steps")
	assert.Contains(t, buf.String(), "soft landed")
	assert.Contains(t, buf.String(), "2.5s")
}

func TestRenderer_ColorDisabled(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, true, true) // noColor=true

	r.RenderEvent(agent.Event{Type: agent.EntryAction, Tool: "run_command", Input: map[string]interface{}{"command": "ls"}})

	// Should not contain ANSI escape codes
	assert.NotContains(t, buf.String(), "\033[")
}

func TestRenderer_ColorEnabled(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer(&buf, false, true) // noColor=false

	r.RenderEvent(agent.Event{Type: agent.EntryAction, Tool: "run_command", Input: map[string]interface{}{"command": "ls"}})

	// Should contain ANSI escape codes
	assert.Contains(t, buf.String(), "\033[")
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		input    time.Duration
		expected string
	}{
		{250 * time.Millisecond, "250ms"},
		{1500 * time.Millisecond, "1.5s"},
		{90 * time.Second, "1m30s"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatDuration(tt.input))
	}
}

func TestPhaseMessage(t *testing.T) {
	tests := []struct {
		event    agent.Event
		expected string
	}{
		{agent.Event{Type: agent.EntryThought}, "Thinking..."},
		{agent.Event{Type: agent.EntryAction, Tool: "run_command"}, "Running run_command..."},
		{agent.Event{Type: agent.EntryAction}, "Running tool..."},
		{agent.Event{Type: agent.EntryObservation}, "Thinking..."},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, PhaseMessage(tt.event))
	}
}
