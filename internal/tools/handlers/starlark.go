package handlers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	starlarkjson "go.starlark.net/lib/json"
	starlarkmath "go.starlark.net/lib/math"
	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/capture"
	"github.com/mfateev/sandbox-agent/internal/tools"
)

const (
	starlarkMaxSteps = 10_000_000
	starlarkTimeout  = 10 * time.Second
)

var starlarkFileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// StarlarkTool evaluates a Starlark script with no filesystem, network or
// process access. It gives the reasoner a calculator and data-shaping
// language that cannot touch the workspace.
type StarlarkTool struct {
	logger *zap.Logger
}

// NewStarlarkTool creates the run_starlark capability.
func NewStarlarkTool(logger *zap.Logger) *StarlarkTool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StarlarkTool{logger: logger}
}

type starlarkArgs struct {
	Script string `json:"script"`
}

func (a *starlarkArgs) Validate() error { return tools.RequireString("script", a.Script) }

// StarlarkResult is the payload of run_starlark.
type StarlarkResult struct {
	Output  string            `json:"output,omitempty"`
	Result  string            `json:"result,omitempty"`
	Globals map[string]string `json:"globals,omitempty"`
}

func (t *StarlarkTool) Name() string         { return "run_starlark" }
func (t *StarlarkTool) Kind() tools.ToolKind { return tools.ToolKindCommand }

func (t *StarlarkTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: "Evaluate a Starlark (Python-like) script for calculations; json and math modules are available, set `result` to return a value",
		Parameters:  []tools.ToolParameter{{Name: "script", Type: "str", Description: "Starlark source", Required: true}},
	}
}

func (t *StarlarkTool) IsMutating(*tools.ToolInvocation) bool { return false }

func (t *StarlarkTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args starlarkArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}

	printed := capture.NewBuffer(capture.DefaultLimit)
	thread := &starlark.Thread{
		Name: "run_starlark",
		Print: func(_ *starlark.Thread, msg string) {
			fmt.Fprintln(printed, msg)
		},
	}
	thread.SetMaxExecutionSteps(starlarkMaxSteps)

	runCtx, cancel := context.WithTimeout(ctx, starlarkTimeout)
	defer cancel()
	stop := context.AfterFunc(runCtx, func() { thread.Cancel("evaluation timed out") })
	defer stop()

	predeclared := starlark.StringDict{
		"json": starlarkjson.Module,
		"math": starlarkmath.Module,
	}
	globals, err := starlark.ExecFileOptions(starlarkFileOptions, thread, "script.star", args.Script, predeclared)
	if err != nil {
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			t.logger.Debug("starlark evaluation failed", zap.String("backtrace", evalErr.Backtrace()))
			return tools.NewFailure("Script failed: %s", evalErr.Msg), nil
		}
		return tools.NewFailure("Script failed: %v", err), nil
	}

	res := StarlarkResult{Output: printed.String(), Globals: map[string]string{}}
	names := make([]string, 0, len(globals))
	for name := range globals {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		v := globals[name]
		if name == "result" {
			res.Result = v.String()
			continue
		}
		if _, isFunc := v.(*starlark.Function); isFunc || strings.HasPrefix(name, "_") {
			continue
		}
		res.Globals[name] = v.String()
	}
	if len(res.Globals) == 0 {
		res.Globals = nil
	}

	msg := "Script evaluated"
	if res.Result != "" {
		msg = "Script evaluated: " + res.Result
	}
	return tools.NewSuccess(msg, res), nil
}
