package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfateev/sandbox-agent/internal/tools"
)

func evalStarlark(t *testing.T, script string) *tools.ToolOutput {
	t.Helper()
	out, err := NewStarlarkTool(nil).Handle(context.Background(), &tools.ToolInvocation{
		ToolName:  "run_starlark",
		Arguments: map[string]interface{}{"script": script},
	})
	require.NoError(t, err)
	return out
}

func TestStarlark_Result(t *testing.T) {
	out := evalStarlark(t, "result = max([i * i for i in range(4)]) + 5")

	require.True(t, out.Succeeded(), out.Content)
	assert.Equal(t, "Script evaluated: 14", out.Content)
}

func TestStarlark_PrintAndModules(t *testing.T) {
	out := evalStarlark(t, `
data = json.decode('{"a": [1, 2, 3]}')
print(len(data["a"]))
root = math.sqrt(16)
`)

	require.True(t, out.Succeeded(), out.Content)
	res := out.Payload.(StarlarkResult)
	assert.Equal(t, "3\n", res.Output)
	assert.Equal(t, "4.0", res.Globals["root"])
}

func TestStarlark_RuntimeError(t *testing.T) {
	out := evalStarlark(t, "x = 1 // 0")

	assert.False(t, out.Succeeded())
	assert.Contains(t, out.Content, "division by zero")
}

func TestStarlark_SyntaxError(t *testing.T) {
	out := evalStarlark(t, "def (:")

	assert.False(t, out.Succeeded())
	assert.Contains(t, out.Content, "Script failed")
}

func TestStarlark_StepLimit(t *testing.T) {
	out := evalStarlark(t, "while True:\n    pass\n")

	assert.False(t, out.Succeeded())
}

func TestStarlark_MissingScript(t *testing.T) {
	_, err := NewStarlarkTool(nil).Handle(context.Background(), &tools.ToolInvocation{Arguments: map[string]interface{}{}})
	require.Error(t, err)
	assert.True(t, tools.IsValidationError(err))
}
