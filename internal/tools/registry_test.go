package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTool struct {
	name   string
	kind   ToolKind
	handle func(ctx context.Context, inv *ToolInvocation) (*ToolOutput, error)
}

func (f *fakeTool) Name() string                     { return f.name }
func (f *fakeTool) Kind() ToolKind                   { return f.kind }
func (f *fakeTool) IsMutating(*ToolInvocation) bool  { return false }
func (f *fakeTool) Spec() ToolSpec                   { return ToolSpec{Name: f.name, Description: "fake " + f.name} }
func (f *fakeTool) Handle(ctx context.Context, inv *ToolInvocation) (*ToolOutput, error) {
	return f.handle(ctx, inv)
}

func echoTool(name string, kind ToolKind) *fakeTool {
	return &fakeTool{name: name, kind: kind, handle: func(_ context.Context, inv *ToolInvocation) (*ToolOutput, error) {
		return NewSuccess("ran "+inv.ToolName, nil), nil
	}}
}

// --- Register ---

func TestRegistry_RegisterDuplicate(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoTool("a", ToolKindWorkspace)))

	err := r.Register(echoTool("a", ToolKindCommand))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateTool)
}

func TestRegistry_NamesKeepOrder(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoTool("b", ToolKindExternal), echoTool("a", ToolKindWorkspace)))
	assert.Equal(t, []string{"b", "a"}, r.Names())
}

func TestRegistry_SpecsGroupedByKind(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(
		echoTool("search", ToolKindExternal),
		echoTool("run", ToolKindCommand),
		echoTool("read", ToolKindWorkspace),
		echoTool("write", ToolKindWorkspace),
	))

	var names []string
	for _, s := range r.Specs() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"read", "write", "run", "search"}, names)
}

func TestRegistry_Catalogue(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoTool("read", ToolKindWorkspace), echoTool("search", ToolKindExternal)))

	cat := r.Catalogue()
	assert.Contains(t, cat, "File Operations:\n1. read() - fake read")
	assert.Contains(t, cat, "2. search() - fake search")
	assert.NotContains(t, cat, "Commands:")
}

// --- Dispatch ---

func TestRegistry_DispatchUnknownTool(t *testing.T) {
	r := NewRegistry(nil)

	out := r.Dispatch(context.Background(), &ToolInvocation{ToolName: "fly_to_moon"})

	require.NotNil(t, out)
	assert.False(t, out.Succeeded())
	assert.Equal(t, "Unknown tool 'fly_to_moon'", out.Content)
}

func TestRegistry_DispatchSuccess(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(echoTool("read", ToolKindWorkspace)))

	out := r.Dispatch(context.Background(), &ToolInvocation{ToolName: "read"})
	assert.True(t, out.Succeeded())
	assert.Equal(t, "ran read", out.Content)
}

func TestRegistry_DispatchValidationError(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeTool{name: "v", handle: func(context.Context, *ToolInvocation) (*ToolOutput, error) {
		return nil, NewValidationError("missing required argument: name")
	}}))

	out := r.Dispatch(context.Background(), &ToolInvocation{ToolName: "v"})
	assert.False(t, out.Succeeded())
	assert.Equal(t, "missing required argument: name", out.Content)
}

func TestRegistry_DispatchHandlerError(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeTool{name: "e", handle: func(context.Context, *ToolInvocation) (*ToolOutput, error) {
		return nil, errors.New("disk on fire")
	}}))

	out := r.Dispatch(context.Background(), &ToolInvocation{ToolName: "e"})
	assert.False(t, out.Succeeded())
	assert.Equal(t, "disk on fire", out.Content)
}

func TestRegistry_DispatchRecoversPanic(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeTool{name: "p", handle: func(context.Context, *ToolInvocation) (*ToolOutput, error) {
		panic("boom")
	}}))

	out := r.Dispatch(context.Background(), &ToolInvocation{ToolName: "p"})
	assert.False(t, out.Succeeded())
	assert.Contains(t, out.Content, "boom")
}

func TestRegistry_DispatchNilResult(t *testing.T) {
	r := NewRegistry(nil)
	require.NoError(t, r.Register(&fakeTool{name: "n", handle: func(context.Context, *ToolInvocation) (*ToolOutput, error) {
		return nil, nil
	}}))

	out := r.Dispatch(context.Background(), &ToolInvocation{ToolName: "n"})
	assert.False(t, out.Succeeded())
}

// --- Output rendering ---

func TestToolOutput_Observation(t *testing.T) {
	assert.Equal(t, "Success: done", NewSuccess("done", nil).Observation())
	assert.Equal(t, "Error: nope", NewFailure("nope").Observation())
	assert.Equal(t, "Success: read\n{\"content\":\"hi\"}",
		NewSuccess("read", map[string]string{"content": "hi"}).Observation())

	var nilOut *ToolOutput
	assert.Equal(t, "Error: capability returned no result", nilOut.Observation())
}

// --- DecodeArgs ---

type sampleArgs struct {
	Name    string   `json:"name"`
	Timeout int      `json:"timeout"`
	CC      []string `json:"cc"`
}

func (a *sampleArgs) Validate() error {
	return RequireString("name", a.Name)
}

func TestDecodeArgs(t *testing.T) {
	var args sampleArgs
	err := DecodeArgs(map[string]interface{}{"name": "x", "timeout": float64(5), "cc": []interface{}{"a@b.c"}}, &args)
	require.NoError(t, err)
	assert.Equal(t, sampleArgs{Name: "x", Timeout: 5, CC: []string{"a@b.c"}}, args)
}

func TestDecodeArgs_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
		want string
	}{
		{"missing", map[string]interface{}{}, "missing required argument: name"},
		{"wrong type", map[string]interface{}{"name": 12}, "name must be a string"},
		{"wrong number", map[string]interface{}{"name": "x", "timeout": "soon"}, "timeout must be a number"},
		{"wrong list", map[string]interface{}{"name": "x", "cc": "a@b.c"}, "cc must be a list"},
		{"unknown", map[string]interface{}{"name": "x", "colour": "red"}, "unexpected argument: colour"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args sampleArgs
			err := DecodeArgs(tt.args, &args)
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWrapValidationError(t *testing.T) {
	base := errors.New("bad path")
	err := WrapValidationError(base)
	assert.True(t, IsValidationError(err))
	assert.ErrorIs(t, err, base)
	assert.Nil(t, WrapValidationError(nil))
}
