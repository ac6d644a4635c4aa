package search

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/tools"
)

// Tool is the web_search capability.
type Tool struct {
	provider Provider
	logger   *zap.Logger
}

// NewTool wraps provider as a capability.
func NewTool(provider Provider, logger *zap.Logger) *Tool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tool{provider: provider, logger: logger}
}

type args struct {
	Query string `json:"query"`
	Count int    `json:"count"`
}

func (a *args) Validate() error {
	if err := tools.RequireString("query", a.Query); err != nil {
		return err
	}
	if a.Count < 0 {
		return tools.Validationf("count must be positive")
	}
	return nil
}

// Payload is the structured result of a search.
type Payload struct {
	Query    string   `json:"query"`
	Provider string   `json:"provider"`
	Results  []Result `json:"results"`
}

func (t *Tool) Name() string         { return "web_search" }
func (t *Tool) Kind() tools.ToolKind { return tools.ToolKindExternal }

func (t *Tool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Search the web",
		Parameters: []tools.ToolParameter{
			{Name: "query", Type: "str", Description: "Search query", Required: true},
			{Name: "count", Type: "int", Description: "Number of results (default 5)"},
		},
	}
}

func (t *Tool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *Tool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var a args
	if err := tools.DecodeArgs(invocation.Arguments, &a); err != nil {
		return nil, err
	}
	count := a.Count
	if count == 0 {
		count = DefaultCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	ctx, cancel := context.WithTimeout(ctx, Timeout)
	defer cancel()

	results, err := t.provider.Search(ctx, a.Query, count)
	if err != nil {
		t.logger.Warn("Web search failed", zap.String("provider", t.provider.Name()), zap.Error(err))
		return tools.NewFailure("Search failed: %v", err), nil
	}
	t.logger.Info("Web search completed",
		zap.String("provider", t.provider.Name()),
		zap.String("query", a.Query),
		zap.Int("results", len(results)))

	if results == nil {
		results = []Result{}
	}
	return tools.NewSuccess(fmt.Sprintf("%d results for %q", len(results), a.Query),
		Payload{Query: a.Query, Provider: t.provider.Name(), Results: results}), nil
}
