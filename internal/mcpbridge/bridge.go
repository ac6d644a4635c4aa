// Package mcpbridge connects to Model Context Protocol servers and exposes
// their tools as external capabilities named mcp__<server>__<tool>.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mfateev/sandbox-agent/internal/tools"
)

// ConnectTimeout bounds the handshake and tool listing of one server.
const ConnectTimeout = 20 * time.Second

// CallTimeout bounds one remote tool call.
const CallTimeout = 60 * time.Second

const maxParallelConnects = 4

// ServerConfig describes a stdio MCP server to launch.
type ServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	// Dir is the working directory; empty means the workspace root.
	Dir string `yaml:"dir"`
}

// Bridge owns the client sessions of every connected server.
type Bridge struct {
	client *mcp.Client
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[string]*mcp.ClientSession
	tools    []tools.ToolHandler
}

// New returns an empty bridge.
func New(logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		client:   mcp.NewClient(&mcp.Implementation{Name: "sandbox-agent", Version: "v1.0.0"}, nil),
		logger:   logger,
		sessions: make(map[string]*mcp.ClientSession),
	}
}

// ConnectAll launches every configured server concurrently. A server that
// fails to start is logged and skipped; the returned error joins those
// failures for callers that care.
func (b *Bridge) ConnectAll(ctx context.Context, servers []ServerConfig, workdir string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []string
	)
	g.SetLimit(maxParallelConnects)
	for _, srv := range servers {
		g.Go(func() error {
			if err := b.connectCommand(ctx, srv, workdir); err != nil {
				b.logger.Warn("MCP server unavailable", zap.String("server", srv.Name), zap.Error(err))
				mu.Lock()
				errs = append(errs, fmt.Sprintf("%s: %v", srv.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	if len(errs) > 0 {
		sort.Strings(errs)
		return fmt.Errorf("mcp: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (b *Bridge) connectCommand(ctx context.Context, srv ServerConfig, workdir string) error {
	if srv.Name == "" || srv.Command == "" {
		return fmt.Errorf("server needs a name and a command")
	}
	cmd := exec.Command(srv.Command, srv.Args...)
	cmd.Dir = srv.Dir
	if cmd.Dir == "" {
		cmd.Dir = workdir
	}
	cmd.Env = os.Environ()
	for k, v := range srv.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return b.Connect(ctx, srv.Name, &mcp.CommandTransport{Command: cmd})
}

// Connect opens a session over transport and registers the server's tools.
func (b *Bridge) Connect(ctx context.Context, name string, transport mcp.Transport) error {
	if strings.Contains(name, "__") {
		return fmt.Errorf("server name %q must not contain \"__\"", name)
	}

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	session, err := b.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var remote []*mcp.Tool
	params := &mcp.ListToolsParams{}
	for {
		res, err := session.ListTools(ctx, params)
		if err != nil {
			session.Close()
			return fmt.Errorf("list tools: %w", err)
		}
		remote = append(remote, res.Tools...)
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}

	handlers := make([]tools.ToolHandler, 0, len(remote))
	for _, t := range remote {
		handlers = append(handlers, newRemoteTool(name, session, t, b.logger))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.sessions[name]; dup {
		session.Close()
		return fmt.Errorf("server %q already connected", name)
	}
	b.sessions[name] = session
	b.tools = append(b.tools, handlers...)
	b.logger.Info("MCP server connected", zap.String("server", name), zap.Int("tools", len(handlers)))
	return nil
}

// Tools returns the capabilities of every connected server, sorted by name.
func (b *Bridge) Tools() []tools.ToolHandler {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := append([]tools.ToolHandler(nil), b.tools...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Servers returns the names of connected servers.
func (b *Bridge) Servers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.sessions))
	for n := range b.sessions {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Close ends every session.
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var first error
	for name, s := range b.sessions {
		if err := s.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", name, err)
		}
	}
	b.sessions = make(map[string]*mcp.ClientSession)
	b.tools = nil
	return first
}

// QualifiedName is the capability name of a remote tool.
func QualifiedName(server, tool string) string {
	return "mcp__" + server + "__" + tool
}

// remoteTool forwards invocations to one tool of one server.
type remoteTool struct {
	name    string
	remote  string
	session *mcp.ClientSession
	spec    tools.ToolSpec
	logger  *zap.Logger
}

func newRemoteTool(server string, session *mcp.ClientSession, t *mcp.Tool, logger *zap.Logger) *remoteTool {
	name := QualifiedName(server, t.Name)
	desc := strings.TrimSpace(t.Description)
	if i := strings.IndexByte(desc, '\n'); i > 0 {
		desc = desc[:i]
	}
	if desc == "" {
		desc = "Tool " + t.Name + " from MCP server " + server
	}
	return &remoteTool{
		name:    name,
		remote:  t.Name,
		session: session,
		spec:    tools.ToolSpec{Name: name, Description: desc, Parameters: schemaParameters(t.InputSchema)},
		logger:  logger,
	}
}

func (t *remoteTool) Name() string                          { return t.name }
func (t *remoteTool) Kind() tools.ToolKind                  { return tools.ToolKindExternal }
func (t *remoteTool) Spec() tools.ToolSpec                  { return t.spec }
func (t *remoteTool) IsMutating(*tools.ToolInvocation) bool { return true }

func (t *remoteTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	args := invocation.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	res, err := t.session.CallTool(ctx, &mcp.CallToolParams{Name: t.remote, Arguments: args})
	if err != nil {
		t.logger.Warn("MCP call failed", zap.String("tool", t.name), zap.Error(err))
		return tools.NewFailure("MCP call %s failed: %v", t.remote, err), nil
	}

	var texts []string
	for _, c := range res.Content {
		if tc, ok := c.(*mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}
	content := strings.Join(texts, "\n")
	if res.IsError {
		if content == "" {
			content = "remote tool reported an error"
		}
		return tools.NewFailure("%s", content), nil
	}
	if content == "" {
		content = "OK"
	}
	return tools.NewSuccess(content, res.StructuredContent), nil
}

// schemaParameters reads top-level properties from a JSON schema of any
// representation.
func schemaParameters(schema any) []tools.ToolParameter {
	if schema == nil {
		return nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var s struct {
		Properties map[string]struct {
			Type        any    `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	required := make(map[string]bool, len(s.Required))
	for _, r := range s.Required {
		required[r] = true
	}

	names := make([]string, 0, len(s.Properties))
	for n := range s.Properties {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if required[names[i]] != required[names[j]] {
			return required[names[i]]
		}
		return names[i] < names[j]
	})

	params := make([]tools.ToolParameter, 0, len(names))
	for _, n := range names {
		p := s.Properties[n]
		params = append(params, tools.ToolParameter{
			Name:        n,
			Type:        schemaType(p.Type),
			Description: p.Description,
			Required:    required[n],
		})
	}
	return params
}

func schemaType(t any) string {
	name, _ := t.(string)
	switch name {
	case "string":
		return "str"
	case "integer":
		return "int"
	case "number":
		return "float"
	case "boolean":
		return "bool"
	case "array":
		return "list"
	case "object":
		return "dict"
	default:
		return "any"
	}
}
