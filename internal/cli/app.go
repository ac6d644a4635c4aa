// Package cli implements the sandbox-agent command line: one-shot runs, an
// interactive REPL, a TUI progress view and inspection commands.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mfateev/sandbox-agent/internal/agent"
	"github.com/mfateev/sandbox-agent/internal/config"
	"github.com/mfateev/sandbox-agent/internal/llm"
	"github.com/mfateev/sandbox-agent/internal/logging"
)

// doubleInterruptWindow is how soon a second Ctrl+C must follow the first
// to abandon a run instead of stopping it gracefully.
const doubleInterruptWindow = 2 * time.Second

// Config holds CLI flags.
type Config struct {
	ConfigFile    string
	EnvFile       string
	Workspace     string
	Provider      string
	Model         string
	MaxIterations int
	Verbose       bool
	NoColor       bool
	NoMarkdown    bool
	Approve       bool
}

// App is the command line application.
type App struct {
	flags Config

	in     io.Reader
	out    io.Writer
	errOut io.Writer

	cfg    *config.Config
	logger *zap.Logger

	// reasoner replaces the configured provider; set by tests.
	reasoner llm.Reasoner
	// lookupEnv reads the environment; replaced by tests.
	lookupEnv func(string) (string, bool)
}

// NewApp creates an App bound to the given streams.
func NewApp(in io.Reader, out, errOut io.Writer) *App {
	return &App{in: in, out: out, errOut: errOut, lookupEnv: os.LookupEnv}
}

// exitError carries a process exit code without an error message.
type exitError struct{ code int }

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// Main runs the CLI with args and returns the process exit code.
func Main(args []string) int {
	app := NewApp(os.Stdin, os.Stdout, os.Stderr)
	cmd := app.Command()
	cmd.SetArgs(args)
	return app.exitCode(cmd.Execute())
}

func (a *App) exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(a.errOut, "Error:", err)
	return 1
}

// Command builds the cobra command tree.
func (a *App) Command() *cobra.Command {
	root := &cobra.Command{
		Use:   "agent",
		Short: "Autonomous agent confined to a sandbox workspace",
		Long: `sandbox-agent completes natural-language tasks by reasoning step by step and
calling capabilities (files, commands, search, email, git, MCP tools) that are
confined to a single workspace directory.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVarP(&a.flags.ConfigFile, "config", "c", "", "Config file (default: ./"+config.FileName+" if present)")
	pf.StringVar(&a.flags.EnvFile, "env-file", "", "Environment file (default: ./.env if present)")
	pf.StringVarP(&a.flags.Workspace, "workspace", "w", "", "Workspace directory (overrides SANDBOX_PATH)")
	pf.StringVar(&a.flags.Provider, "provider", "", "Reasoner provider: openai, anthropic, gemini, ollama")
	pf.StringVarP(&a.flags.Model, "model", "m", "", "Model name (overrides AI_MODEL)")
	pf.IntVar(&a.flags.MaxIterations, "max-iterations", 0, "Iteration budget per task")
	pf.BoolVarP(&a.flags.Verbose, "verbose", "v", false, "Enable debug logging")
	pf.BoolVar(&a.flags.NoColor, "no-color", false, "Disable colored output")
	pf.BoolVar(&a.flags.NoMarkdown, "no-markdown", false, "Print answers without markdown rendering")
	pf.BoolVar(&a.flags.Approve, "approve", false, "Ask before every mutating capability call")

	root.AddCommand(a.runCommand(), a.replCommand(), a.memoryCommand(), a.historyCommand(), a.toolsCommand())
	return root
}

func (a *App) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.flags.ConfigFile, a.flags.EnvFile)
	if err != nil {
		return err
	}
	if a.flags.Workspace != "" {
		cfg.Workspace.Root = a.flags.Workspace
	}
	cfg.SetReasoner(a.flags.Provider, a.flags.Model, a.lookupEnv)
	if a.flags.MaxIterations > 0 {
		cfg.Agent.MaxIterations = a.flags.MaxIterations
	}
	if a.flags.Approve {
		cfg.Agent.Approval = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		Verbose: a.flags.Verbose,
		JSON:    cfg.Log.JSON,
		Output:  a.errOut,
	})
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	logger.Debug("Configuration loaded",
		zap.String("workspace", cfg.Workspace.Root),
		zap.String("provider", cfg.Provider()),
		zap.String("model", cfg.Reasoner.Model),
		zap.Int("max_iterations", cfg.Agent.MaxIterations))
	return nil
}

func (a *App) noColor() bool { return a.flags.NoColor || colorDisabled(a.out) }
func (a *App) renderer() *Renderer { return NewRenderer(a.out, a.noColor(), a.flags.NoMarkdown) }

func (a *App) newRuntime(ctx context.Context, prompter Prompter) (*Runtime, error) {
	return NewRuntime(ctx, a.cfg, a.logger, RuntimeOptions{Prompter: prompter, Reasoner: a.reasoner})
}

func (a *App) inspectRuntime(ctx context.Context, withMCP bool) (*Runtime, error) {
	return NewRuntime(ctx, a.cfg, a.logger, RuntimeOptions{SkipReasoner: true, SkipMCP: !withMCP})
}

// --- run ---

func (a *App) runCommand() *cobra.Command {
	var useTUI bool
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Complete a single task and exit",
		Long: `Runs the reasoning loop on one task until the reasoner delivers a final answer,
the iteration budget runs out, or the run is interrupted.

Exit status is 0 when the task completed (or soft-landed after a successful
last action) and 1 otherwise.

Example:
  agent run "create hello.py that prints hello world and run it"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task := agent.Task{Description: strings.Join(args, " ")}
			if useTUI {
				return a.runWithTUI(cmd.Context(), task)
			}
			return a.runPlain(cmd.Context(), task)
		},
	}
	cmd.Flags().BoolVar(&useTUI, "tui", false, "Show progress in a full-screen view")
	return cmd
}

func (a *App) runPlain(ctx context.Context, task agent.Task) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	spin := NewSpinner(a.errOut)
	animate := isTerminal(a.errOut)

	var prompter Prompter
	if a.cfg.Agent.Approval {
		reader := bufio.NewReader(a.in)
		prompter = PromptFunc(func(q string) (string, error) {
			spin.Stop()
			fmt.Fprint(a.errOut, q)
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return "", err
			}
			return line, nil
		})
	}

	rt, err := a.newRuntime(ctx, prompter)
	if err != nil {
		return err
	}
	defer rt.Close()

	r := a.renderer()
	progress := func(e agent.Event) {
		spin.Stop()
		r.RenderEvent(e)
		if animate {
			spin.Start(PhaseMessage(e))
		}
	}

	if animate {
		spin.Start("Thinking...")
	}
	run := rt.Agent.Start(ctx, task, agent.WithProgress(progress))
	stopInterrupts := a.watchInterrupts(run, cancel)
	res := run.Wait()
	stopInterrupts()
	spin.Stop()

	return a.finish(r, res)
}

func (a *App) runWithTUI(ctx context.Context, task agent.Task) error {
	if a.cfg.Agent.Approval {
		return errors.New("--approve cannot be combined with --tui")
	}
	rt, err := a.newRuntime(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := runTUI(ctx, rt.Agent, task, a.in, a.out, a.noColor())
	if err != nil {
		return err
	}
	return a.finish(a.renderer(), res)
}

func (a *App) finish(r *Renderer, res agent.Result) error {
	r.RenderResult(res)
	r.RenderStatusLine(a.cfg.Reasoner.Model, res)
	if !res.Success {
		return exitError{code: 1}
	}
	return nil
}

// watchInterrupts stops run on the first Ctrl+C and cancels the run's
// context on a second one within doubleInterruptWindow. The returned
// function stops watching.
func (a *App) watchInterrupts(run *agent.Run, cancel context.CancelFunc) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})

	go func() {
		var last time.Time
		for {
			select {
			case <-done:
				return
			case <-sigCh:
				now := time.Now()
				if !last.IsZero() && now.Sub(last) < doubleInterruptWindow {
					fmt.Fprintln(a.errOut, "\nAbandoning run...")
					cancel()
					continue
				}
				last = now
				fmt.Fprintln(a.errOut, "\nStopping after the current step... (press Ctrl+C again to abandon)")
				run.Stop()
			}
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// --- memory ---

func (a *App) memoryCommand() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Show tasks recorded in the workspace project memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.inspectRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			r := a.renderer()
			r.RenderHeader(fmt.Sprintf("Project memory (%d tasks, %s)", rt.Memory.Len(), rt.Memory.Path()))
			fmt.Fprint(a.out, rt.Memory.Summary(n))
			if rt.Memory.Len() == 0 {
				fmt.Fprintln(a.out)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 10, "Number of tasks to show")
	return cmd
}

// --- history ---

func (a *App) historyCommand() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recent runs, or the events of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := a.inspectRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.Runlog == nil {
				return errors.New("the run log is disabled")
			}

			if len(args) == 1 {
				return a.printEvents(ctx, rt, args[0])
			}
			return a.printRuns(ctx, rt, n)
		},
	}
	cmd.Flags().IntVarP(&n, "limit", "n", 20, "Number of runs to show")
	return cmd
}

func (a *App) printRuns(ctx context.Context, rt *Runtime, n int) error {
	runs, err := rt.Runlog.Recent(ctx, n)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(a.out, "No runs recorded.")
		return nil
	}
	for _, run := range runs {
		outcome := run.Outcome
		if outcome == "" {
			outcome = "running"
		}
		fmt.Fprintf(a.out, "%s  %s  %-11s %3d  %s\n",
			run.ID, run.StartedAt.Local().Format("2006-01-02 15:04"), outcome, run.Iterations, oneLine(run.Task, 60))
	}
	return nil
}

func (a *App) printEvents(ctx context.Context, rt *Runtime, runID string) error {
	events, err := rt.Runlog.Events(ctx, runID)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events recorded for run %s", runID)
	}
	r := a.renderer()
	iteration := 0
	for _, e := range events {
		if e.Iteration != iteration {
			iteration = e.Iteration
			r.RenderHeader(fmt.Sprintf("Step %d", iteration))
		}
		r.RenderEvent(agent.Event{
			RunID:     e.RunID,
			Type:      agent.EntryType(e.Type),
			Content:   e.Content,
			Tool:      e.Tool,
			Input:     decodeInput(e.Input),
			Success:   e.Success,
			Iteration: e.Iteration,
		})
	}
	return nil
}

// --- tools ---

func (a *App) toolsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "List the capabilities offered to the reasoner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.inspectRuntime(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer rt.Close()
			fmt.Fprintln(a.out, rt.Registry.Catalogue())
			return nil
		},
	}
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len([]rune(s)) > max {
		s = string([]rune(s)[:max-3]) + "..."
	}
	return s
}

func decodeInput(raw string) map[string]interface{} {
	if raw == "" {
		return nil
	}
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]interface{}{"raw": raw}
	}
	return input
}
