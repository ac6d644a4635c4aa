package mcpbridge

import (
	"context"
	"errors"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfateev/sandbox-agent/internal/tools"
)

type echoInput struct {
	Text  string `json:"text" jsonschema:"text to echo"`
	Times int    `json:"times,omitempty" jsonschema:"repetitions"`
}

func startServer(t *testing.T) mcp.Transport {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "v0.0.1"}, nil)
	mcp.AddTool(server, &mcp.Tool{Name: "echo", Description: "Echo text back\nSecond line"},
		func(_ context.Context, _ *mcp.CallToolRequest, in echoInput) (*mcp.CallToolResult, any, error) {
			return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "echo: " + in.Text}}}, nil, nil
		})
	mcp.AddTool(server, &mcp.Tool{Name: "fail", Description: "Always fails"},
		func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, any, error) {
			return nil, nil, errors.New("backend offline")
		})

	clientTransport, serverTransport := mcp.NewInMemoryTransports()
	ss, err := server.Connect(context.Background(), serverTransport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })
	return clientTransport
}

func TestBridge_RegistersRemoteTools(t *testing.T) {
	b := New(nil)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Connect(context.Background(), "demo", startServer(t)))

	handlers := b.Tools()
	require.Len(t, handlers, 2)
	assert.Equal(t, "mcp__demo__echo", handlers[0].Name())
	assert.Equal(t, "mcp__demo__fail", handlers[1].Name())
	assert.Equal(t, []string{"demo"}, b.Servers())

	spec := handlers[0].Spec()
	assert.Equal(t, "Echo text back", spec.Description)
	require.Len(t, spec.Parameters, 2)
	assert.Equal(t, tools.ToolParameter{Name: "text", Type: "str", Description: "text to echo", Required: true}, spec.Parameters[0])
	assert.Equal(t, "int", spec.Parameters[1].Type)
}

func TestBridge_DispatchThroughRegistry(t *testing.T) {
	b := New(nil)
	t.Cleanup(func() { _ = b.Close() })
	require.NoError(t, b.Connect(context.Background(), "demo", startServer(t)))

	registry := tools.NewRegistry(nil)
	require.NoError(t, registry.Register(b.Tools()...))

	out := registry.Dispatch(context.Background(), &tools.ToolInvocation{
		ToolName:  "mcp__demo__echo",
		Arguments: map[string]interface{}{"text": "hello"},
	})
	require.True(t, out.Succeeded(), out.Observation())
	assert.Equal(t, "echo: hello", out.Content)

	out = registry.Dispatch(context.Background(), &tools.ToolInvocation{ToolName: "mcp__demo__fail"})
	assert.False(t, out.Succeeded())
	assert.Contains(t, out.Content, "backend offline")
}

func TestBridge_RejectsBadNames(t *testing.T) {
	b := New(nil)
	err := b.Connect(context.Background(), "a__b", startServer(t))
	assert.Error(t, err)
}

func TestConnectAll_SkipsBrokenServers(t *testing.T) {
	b := New(nil)
	t.Cleanup(func() { _ = b.Close() })

	err := b.ConnectAll(context.Background(), []ServerConfig{
		{Name: "missing", Command: "/nonexistent/mcp-server"},
		{Name: "", Command: "x"},
	}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.Empty(t, b.Tools())
}

func TestSchemaParameters(t *testing.T) {
	params := schemaParameters(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"b":    map[string]interface{}{"type": "boolean"},
			"path": map[string]interface{}{"type": "string", "description": "file path"},
			"tags": map[string]interface{}{"type": "array"},
		},
		"required": []string{"path"},
	})
	assert.Equal(t, []tools.ToolParameter{
		{Name: "path", Type: "str", Description: "file path", Required: true},
		{Name: "b", Type: "bool"},
		{Name: "tags", Type: "list"},
	}, params)
	assert.Nil(t, schemaParameters(nil))
}
