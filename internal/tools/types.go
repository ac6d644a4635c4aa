// Package tools defines the capability model shared by the registry, the
// built-in handlers and external adapters: invocations, results, catalogue
// specs and argument validation.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolKind is the closed set of capability families.
type ToolKind int

const (
	// ToolKindWorkspace covers file and folder operations confined by the
	// workspace guard.
	ToolKindWorkspace ToolKind = iota
	// ToolKindCommand covers process and script execution.
	ToolKindCommand
	// ToolKindExternal covers collaborator-supplied capabilities such as
	// search, email, git and MCP servers.
	ToolKindExternal
)

// String returns the catalogue heading for the kind.
func (k ToolKind) String() string {
	switch k {
	case ToolKindWorkspace:
		return "File Operations"
	case ToolKindCommand:
		return "Commands"
	case ToolKindExternal:
		return "Web, Communication & Version Control"
	default:
		return fmt.Sprintf("ToolKind(%d)", int(k))
	}
}

// ToolInvocation is a single request to run a capability.
type ToolInvocation struct {
	CallID    string
	ToolName  string
	Arguments map[string]interface{}
}

// ToolOutput is the tagged outcome of a capability. Success is always set by
// handlers; Content is the human-readable message on success or the error
// description on failure. Payload carries optional structured detail that is
// rendered into the observation but never interpreted by the loop.
type ToolOutput struct {
	Content string
	Success *bool
	Payload interface{}
}

// Succeeded reports whether the output is tagged as a success.
func (o *ToolOutput) Succeeded() bool {
	return o != nil && o.Success != nil && *o.Success
}

// Observation renders the output the way the reasoner sees it:
// "Success: <content>" or "Error: <content>", followed by the payload as
// JSON when one is attached.
func (o *ToolOutput) Observation() string {
	if o == nil {
		return "Error: capability returned no result"
	}
	prefix := "Error: "
	if o.Succeeded() {
		prefix = "Success: "
	}
	text := prefix + o.Content
	if o.Payload != nil {
		if data, err := json.Marshal(o.Payload); err == nil {
			text += "\n" + string(data)
		}
	}
	return text
}

// NewSuccess builds a success output.
func NewSuccess(content string, payload interface{}) *ToolOutput {
	success := true
	return &ToolOutput{Content: content, Success: &success, Payload: payload}
}

// NewFailure builds a failure output.
func NewFailure(format string, args ...interface{}) *ToolOutput {
	success := false
	return &ToolOutput{Content: fmt.Sprintf(format, args...), Success: &success}
}

// ToolParameter describes one argument in the catalogue.
type ToolParameter struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolSpec is the catalogue entry shown to the reasoner.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  []ToolParameter
}

// Signature renders the tool as "name(arg: type, opt: type = optional)".
func (s ToolSpec) Signature() string {
	sig := s.Name + "("
	for i, p := range s.Parameters {
		if i > 0 {
			sig += ", "
		}
		sig += p.Name + ": " + p.Type
		if !p.Required {
			sig += " (optional)"
		}
	}
	return sig + ")"
}

// ToolHandler is implemented by every capability.
//
// Handle returns a ValidationError for argument problems detected before any
// side effect, and a ToolOutput for everything else, including operational
// failures.
type ToolHandler interface {
	Name() string
	Kind() ToolKind
	Spec() ToolSpec
	IsMutating(invocation *ToolInvocation) bool
	Handle(ctx context.Context, invocation *ToolInvocation) (*ToolOutput, error)
}
