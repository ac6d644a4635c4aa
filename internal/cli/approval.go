package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/mfateev/sandbox-agent/internal/tools"
)

// ApprovalDecision is the user's answer to an approval prompt.
type ApprovalDecision int

const (
	ApprovalUnknown ApprovalDecision = iota
	ApprovalApproved
	ApprovalDenied
	// ApprovalAlways approves this call and every later one.
	ApprovalAlways
)

// HandleApprovalInput parses the user's response to an approval prompt.
//
// Supports:
//   - "y"/"yes" approve
//   - "n"/"no" deny
//   - "a"/"always" approve and stop asking
//   - "" (just Enter) approve
func HandleApprovalInput(line string) ApprovalDecision {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "y", "yes":
		return ApprovalApproved
	case "n", "no":
		return ApprovalDenied
	case "a", "always":
		return ApprovalAlways
	}
	return ApprovalUnknown
}

// Prompter asks the user one question and returns the raw answer.
type Prompter interface {
	Prompt(question string) (string, error)
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(question string) (string, error)

func (f PromptFunc) Prompt(question string) (string, error) { return f(question) }

// ApprovalGate asks before every mutating capability call. Read-only calls
// and unknown tools pass straight through to the registry.
type ApprovalGate struct {
	registry *tools.Registry
	prompter Prompter

	mu          sync.Mutex
	autoApprove bool
}

// NewApprovalGate wraps registry.
func NewApprovalGate(registry *tools.Registry, prompter Prompter) *ApprovalGate {
	return &ApprovalGate{registry: registry, prompter: prompter}
}

func (g *ApprovalGate) Catalogue() string { return g.registry.Catalogue() }

func (g *ApprovalGate) Dispatch(ctx context.Context, invocation *tools.ToolInvocation) *tools.ToolOutput {
	handler, ok := g.registry.Get(invocation.ToolName)
	if !ok || !handler.IsMutating(invocation) || g.approved(invocation) {
		return g.registry.Dispatch(ctx, invocation)
	}
	return tools.NewFailure("User denied %s", invocation.ToolName)
}

func (g *ApprovalGate) approved(invocation *tools.ToolInvocation) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.autoApprove {
		return true
	}

	info := formatApprovalInfo(invocation.ToolName, invocation.Arguments)
	var question strings.Builder
	question.WriteString(info.Title)
	for _, line := range info.Preview {
		question.WriteString("\n  │ " + line)
	}
	question.WriteString("\nAllow? [Y/n/a] ")

	for {
		answer, err := g.prompter.Prompt(question.String())
		if err != nil {
			return false
		}
		switch HandleApprovalInput(answer) {
		case ApprovalApproved:
			return true
		case ApprovalAlways:
			g.autoApprove = true
			return true
		case ApprovalDenied:
			return false
		}
	}
}

// approvalInfo holds structured information extracted from tool arguments
// for rendering in approval prompts.
type approvalInfo struct {
	Title   string   // e.g. "Write file: notes/todo.md" or "Shell: rm -rf build"
	Preview []string // optional content preview lines (nil = no preview box)
}

// formatApprovalInfo extracts structured approval information from tool arguments.
func formatApprovalInfo(toolName string, args map[string]interface{}) approvalInfo {
	switch toolName {
	case "run_command":
		if cmd := stringArg(args, "command"); cmd != "" {
			return approvalInfo{Title: "Shell: " + cmd}
		}
	case "create_file", "edit_file":
		if name := stringArg(args, "name"); name != "" {
			info := approvalInfo{Title: "Write file: " + name}
			if content := stringArg(args, "content", "edits"); content != "" {
				info.Preview = contentPreview(content, 5)
			}
			return info
		}
	case "create_folder":
		if name := stringArg(args, "name"); name != "" {
			return approvalInfo{Title: "Create folder: " + name}
		}
	case "delete_file":
		if name := stringArg(args, "name"); name != "" {
			return approvalInfo{Title: "Delete: " + name}
		}
	case "send_email", "forward_email":
		if to := stringArg(args, "to"); to != "" {
			info := approvalInfo{Title: "Email to: " + to}
			if subject := stringArg(args, "subject"); subject != "" {
				info.Title += " (" + subject + ")"
			}
			if body := stringArg(args, "body", "forward_message"); body != "" {
				info.Preview = contentPreview(body, 5)
			}
			return info
		}
	case "git_commit":
		if msg := stringArg(args, "message"); msg != "" {
			return approvalInfo{Title: "Commit " + stringArg(args, "repo_path") + ": " + msg}
		}
	case "git_push", "git_pull", "git_clone":
		target := stringArg(args, "repo_url", "repo_path")
		return approvalInfo{Title: strings.Replace(toolName, "_", " ", 1) + ": " + target}
	}

	display := "{}"
	if len(args) > 0 {
		if data, err := json.Marshal(args); err == nil {
			display = string(data)
		}
	}
	if len(display) > 300 {
		display = display[:300] + "..."
	}
	return approvalInfo{Title: toolName + ": " + display}
}

// contentPreview splits content into lines and returns at most maxLines,
// using middle truncation if the content exceeds the limit.
func contentPreview(content string, maxLines int) []string {
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	truncated, _ := truncateMiddle(lines, maxLines)
	return truncated
}

// truncateMiddle keeps the head and tail of lines and replaces the middle
// with a marker. It reports how many lines were dropped.
func truncateMiddle(lines []string, maxLines int) ([]string, int) {
	if maxLines <= 0 || len(lines) <= maxLines {
		return lines, 0
	}
	keep := maxLines - 1
	head := (keep + 1) / 2
	tail := keep - head
	omitted := len(lines) - keep

	out := make([]string, 0, maxLines)
	out = append(out, lines[:head]...)
	out = append(out, fmt.Sprintf("… +%d lines", omitted))
	out = append(out, lines[len(lines)-tail:]...)
	return out, omitted
}

// stringArg returns the first non-empty string value found among the given keys.
func stringArg(args map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if v, ok := args[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
