package handlers

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"time"

	"github.com/creack/pty"
	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/capture"
	"github.com/mfateev/sandbox-agent/internal/shell"
	"github.com/mfateev/sandbox-agent/internal/tools"
	"github.com/mfateev/sandbox-agent/internal/workspace"
)

const (
	// DefaultCommandTimeout applies when run_command gets no timeout.
	DefaultCommandTimeout = 30 * time.Second
	// MaxCommandTimeout is the largest timeout a caller may request.
	MaxCommandTimeout = 5 * time.Minute
)

// CommandResult is the payload of run_command.
type CommandResult struct {
	Command    string `json:"command"`
	ReturnCode int    `json:"returncode"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr,omitempty"`
	TimedOut   bool   `json:"timed_out,omitempty"`
}

// RunCommandTool runs a command string through the configured shell with
// the workspace root as working directory.
type RunCommandTool struct {
	guard          *workspace.Guard
	shell          *shell.Shell
	defaultTimeout time.Duration
	outputLimit    int
	logger         *zap.Logger
}

// CommandOptions tunes RunCommandTool.
type CommandOptions struct {
	Shell          *shell.Shell
	DefaultTimeout time.Duration
	OutputLimit    int
	Logger         *zap.Logger
}

// NewRunCommandTool creates the run_command capability.
func NewRunCommandTool(guard *workspace.Guard, opts CommandOptions) *RunCommandTool {
	t := &RunCommandTool{
		guard:          guard,
		shell:          opts.Shell,
		defaultTimeout: opts.DefaultTimeout,
		outputLimit:    opts.OutputLimit,
		logger:         opts.Logger,
	}
	if t.shell == nil {
		t.shell = &shell.Shell{Type: shell.ShellTypeSh, Path: "/bin/sh"}
	}
	if t.defaultTimeout <= 0 {
		t.defaultTimeout = DefaultCommandTimeout
	}
	if t.outputLimit <= 0 {
		t.outputLimit = capture.DefaultLimit
	}
	if t.logger == nil {
		t.logger = zap.NewNop()
	}
	return t
}

type runCommandArgs struct {
	Cmd     string `json:"cmd"`
	Timeout int    `json:"timeout"`
	TTY     bool   `json:"tty"`
}

func (a *runCommandArgs) Validate() error {
	if err := tools.RequireString("cmd", a.Cmd); err != nil {
		return err
	}
	if a.Timeout < 0 {
		return tools.NewValidationError("timeout must be a positive number of seconds")
	}
	return nil
}

// Name returns "run_command".
func (t *RunCommandTool) Name() string { return "run_command" }

// Kind returns ToolKindCommand.
func (t *RunCommandTool) Kind() tools.ToolKind { return tools.ToolKindCommand }

func (t *RunCommandTool) Spec() tools.ToolSpec {
	return tools.ToolSpec{
		Name:        t.Name(),
		Description: `Run a shell command in the workspace (e.g. "python script.py"). Long-running servers will time out.`,
		Parameters: []tools.ToolParameter{
			{Name: "cmd", Type: "str", Description: "Command line", Required: true},
			{Name: "timeout", Type: "int", Description: "Timeout in seconds (default 30)"},
			{Name: "tty", Type: "bool", Description: "Attach a pseudo-terminal"},
		},
	}
}

// IsMutating returns true; arbitrary commands can change the workspace.
func (t *RunCommandTool) IsMutating(*tools.ToolInvocation) bool { return true }

// Handle runs the command. Non-zero exit and timeouts are failure outputs.
func (t *RunCommandTool) Handle(ctx context.Context, invocation *tools.ToolInvocation) (*tools.ToolOutput, error) {
	var args runCommandArgs
	if err := tools.DecodeArgs(invocation.Arguments, &args); err != nil {
		return nil, err
	}

	timeout := t.defaultTimeout
	if args.Timeout > 0 {
		timeout = time.Duration(args.Timeout) * time.Second
	}
	if timeout > MaxCommandTimeout {
		timeout = MaxCommandTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	argv := t.shell.CommandArgs(args.Cmd)
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Dir = t.guard.Root()
	cmd.WaitDelay = 2 * time.Second

	stdout := capture.NewBuffer(t.outputLimit)
	stderr := capture.NewBuffer(t.outputLimit)

	t.logger.Info("executing command", zap.String("cmd", args.Cmd), zap.Duration("timeout", timeout), zap.Bool("tty", args.TTY))

	var err error
	if args.TTY {
		err = runWithPTY(cmd, stdout)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		err = cmd.Run()
	}

	result := CommandResult{
		Command: args.Cmd,
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ReturnCode = -1
		t.logger.Warn("command timed out", zap.String("cmd", args.Cmd), zap.Duration("timeout", timeout))
		out := tools.NewFailure("Command timed out after %d seconds", int(timeout/time.Second))
		out.Payload = result
		return out, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			t.logger.Warn("command failed to start", zap.String("cmd", args.Cmd), zap.Error(err))
			return tools.NewFailure("Failed to execute command: %v", err), nil
		}
		result.ReturnCode = exitErr.ExitCode()
	}

	t.logger.Info("command completed", zap.String("cmd", args.Cmd), zap.Int("returncode", result.ReturnCode))

	if result.ReturnCode != 0 {
		out := tools.NewFailure("Command exited with code %d", result.ReturnCode)
		out.Payload = result
		return out, nil
	}
	return tools.NewSuccess("Command exited with code 0", result), nil
}

// runWithPTY starts cmd attached to a pseudo-terminal and copies its merged
// output into w until the process exits.
func runWithPTY(cmd *exec.Cmd, w io.Writer) error {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 160})
	if err != nil {
		return err
	}

	copied := make(chan struct{})
	go func() {
		// Reads end with EIO once the child side closes.
		_, _ = io.Copy(w, ptmx)
		close(copied)
	}()

	waitErr := cmd.Wait()
	select {
	case <-copied:
	case <-time.After(time.Second):
	}
	_ = ptmx.Close()
	<-copied
	return waitErr
}
