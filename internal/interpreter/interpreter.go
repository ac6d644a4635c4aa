// Package interpreter turns raw reasoner text into a Step. All tolerance for
// sloppy model output lives here: fenced code blocks, prose around the JSON,
// and the two ways a model may signal it is done.
package interpreter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// FinalAction is the action name a reasoner may use to deliver its answer.
const FinalAction = "final_answer"

// DefaultAnswer is used when a terminal step carries no answer text.
const DefaultAnswer = "Task completed"

// Step is one parsed decision of the reasoner.
//
// When Final is set the step carries Answer and Action/Input are ignored.
type Step struct {
	Thought string
	Action  string
	Input   map[string]interface{}
	Final   bool
	Answer  string
}

// ParseError reports reasoner output that could not be turned into a Step.
type ParseError struct {
	Reason  string
	Snippet string
}

func (e *ParseError) Error() string {
	if e.Snippet == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Snippet)
}

// wireStep mirrors the JSON the prompt asks for.
type wireStep struct {
	Thought     string          `json:"thought"`
	Action      string          `json:"action"`
	ActionInput json.RawMessage `json:"action_input"`
	IsFinal     bool            `json:"is_final"`
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

const snippetLen = 200

// Parse extracts the step from raw. A fenced code block is preferred; failing
// that, the span from the first '{' to the last '}' is used.
func Parse(raw string) (Step, error) {
	candidate, err := extract(raw)
	if err != nil {
		return Step{}, err
	}

	var w wireStep
	if err := json.Unmarshal([]byte(candidate), &w); err != nil {
		return Step{}, &ParseError{Reason: "invalid JSON in agent response", Snippet: truncate(candidate)}
	}

	input := map[string]interface{}{}
	if trimmed := strings.TrimSpace(string(w.ActionInput)); trimmed != "" && trimmed != "null" {
		if err := json.Unmarshal(w.ActionInput, &input); err != nil {
			return Step{}, &ParseError{Reason: "action_input must be a JSON object", Snippet: truncate(trimmed)}
		}
	}

	step := Step{
		Thought: w.Thought,
		Action:  strings.TrimSpace(w.Action),
		Input:   input,
		Final:   w.IsFinal || strings.TrimSpace(w.Action) == FinalAction,
	}

	if step.Final {
		step.Answer = DefaultAnswer
		if answer, ok := input["answer"]; ok {
			switch v := answer.(type) {
			case string:
				if strings.TrimSpace(v) != "" {
					step.Answer = v
				}
			case nil:
			default:
				if data, err := json.Marshal(v); err == nil {
					step.Answer = string(data)
				}
			}
		}
		return step, nil
	}

	if step.Action == "" {
		return Step{}, &ParseError{Reason: "agent response names no action", Snippet: truncate(candidate)}
	}
	return step, nil
}

func extract(raw string) (string, error) {
	if m := fencedJSON.FindStringSubmatch(raw); m != nil {
		return m[1], nil
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start == -1 || end == -1 || end < start {
		return "", &ParseError{Reason: "could not extract JSON from response", Snippet: truncate(raw)}
	}
	return raw[start : end+1], nil
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= snippetLen {
		return s
	}
	return s[:snippetLen] + "..."
}
