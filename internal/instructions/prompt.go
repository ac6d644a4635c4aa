package instructions

import (
	"encoding/json"
	"strings"
)

// HistoryEntry is one line of in-run history as the reasoner sees it.
type HistoryEntry struct {
	Type    string // "thought", "action" or "observation"
	Content string
	Tool    string
	Input   map[string]interface{}
}

// PromptInput carries everything a per-iteration prompt is built from.
type PromptInput struct {
	Base          string
	Catalogue     string
	ProjectMemory string
	ProjectDocs   string
	Conversation  string
	UserMessage   string
	Task          string
	History       []HistoryEntry
}

// BuildPrompt renders the user-role prompt for one reasoning round.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	b.WriteString(GetBaseInstructions(in.Base))
	b.WriteString("\n\n")

	if in.ProjectDocs != "" {
		b.WriteString("PROJECT INSTRUCTIONS (from AGENTS.md):\n")
		b.WriteString(in.ProjectDocs)
		b.WriteString("\n\n")
	}

	if in.Conversation != "" {
		b.WriteString("RECENT CONVERSATION HISTORY:\n")
		b.WriteString(in.Conversation)
		b.WriteString("\n\n")
	}
	if in.UserMessage != "" {
		b.WriteString("ORIGINAL USER REQUEST: \"")
		b.WriteString(in.UserMessage)
		b.WriteString("\"\n\n")
	}

	b.WriteString("TASK: ")
	b.WriteString(in.Task)
	b.WriteString("\n\nAVAILABLE TOOLS:\n\n")
	b.WriteString(in.Catalogue)

	b.WriteString("\nPROJECT HISTORY (What you have built before):\n")
	if in.ProjectMemory == "" {
		b.WriteString("No previous tasks recorded.\n")
	} else {
		b.WriteString(in.ProjectMemory)
	}

	b.WriteString("\nINTERNAL AGENT HISTORY (Your thoughts/actions so far in this task):\n")
	for _, e := range in.History {
		switch e.Type {
		case "thought":
			b.WriteString("\nThought: ")
			b.WriteString(e.Content)
		case "action":
			b.WriteString("\nAction: ")
			b.WriteString(e.Tool)
			b.WriteString("(")
			b.WriteString(encodeInput(e.Input))
			b.WriteString(")")
		case "observation":
			b.WriteString("\nObservation: ")
			b.WriteString(e.Content)
		}
	}

	b.WriteString("\n\nNow, what is your next step? Respond with JSON only.")
	return b.String()
}

func encodeInput(input map[string]interface{}) string {
	if input == nil {
		return "{}"
	}
	data, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(data)
}
