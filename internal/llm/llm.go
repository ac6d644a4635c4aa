// Package llm talks to the reasoner: provider clients behind a common
// Reasoner interface and the Gateway that retries rate-limited calls.
package llm

import "context"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat message.
type Message struct {
	Role    Role
	Content string
}

// Request is a single completion request. System messages in Messages are
// merged into the provider's system slot.
type Request struct {
	Messages    []Message
	Temperature *float64
	MaxTokens   int
}

// SystemPrompt joins every system message.
func (r Request) SystemPrompt() string {
	var out string
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			continue
		}
		if out != "" {
			out += "\n\n"
		}
		out += m.Content
	}
	return out
}

// Conversation returns the non-system messages in order.
func (r Request) Conversation() []Message {
	out := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role != RoleSystem {
			out = append(out, m)
		}
	}
	return out
}

// Reasoner produces text for a prompt. Implementations return errors
// classified as *ReasonerError where the provider exposes a status code.
type Reasoner interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ReasonerFunc adapts a function to Reasoner.
type ReasonerFunc func(ctx context.Context, req Request) (string, error)

// Complete calls f.
func (f ReasonerFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
