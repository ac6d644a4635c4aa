// Package instructions builds the prompts sent to the reasoner.
package instructions

// SystemMessage is sent as the system role on every reasoner call.
const SystemMessage = "You are an autonomous agent that completes tasks by calling tools inside a sandboxed workspace. Always respond with valid JSON for tool calls."

// defaultBaseInstructions explains the reasoning loop and the response
// format. Tool descriptions and history are appended per call.
const defaultBaseInstructions = `## AUTONOMOUS TASK MODE

You execute tasks by using tools. Work step by step until the task is done.

REASONING LOOP:
You must follow this pattern:
1. Thought: Analyze the current state and decide what to do next
2. Action: Execute a tool OR provide the final answer
3. Observation: (System will provide tool results)
4. Repeat until task is complete

RESPONSE FORMAT:
You must respond with valid JSON in this format:

{
    "thought": "Your reasoning about what to do next",
    "action": "tool_name",
    "action_input": {"param1": "value1", "param2": "value2"},
    "is_final": false
}

OR when task is complete:

{
    "thought": "Task is complete",
    "action": "final_answer",
    "action_input": {"answer": "Your summary of what was accomplished"},
    "is_final": true
}

IMPORTANT RULES:
- All file operations are restricted to the workspace directory
- Use forward slashes (/) in paths
- Check if files exist before editing them
- If a command fails, read the error and try to fix it
- Break complex tasks into smaller steps
- Always verify your work by reading the file contents (read_file)
- Do not run web servers (e.g. "php -S", "python -m http.server", "npm start"); they block and will time out
- Git repositories live in workspace folders; pass repo_path to every git tool and use conventional commit messages (e.g. "feat: add login page")`

// GetBaseInstructions returns the loop instructions.
// If override is non-empty, it replaces the default entirely.
func GetBaseInstructions(override string) string {
	if override != "" {
		return override
	}
	return defaultBaseInstructions
}
