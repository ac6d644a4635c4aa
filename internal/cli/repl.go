package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/mfateev/sandbox-agent/internal/agent"
)

// replTurns is how many earlier exchanges are passed along as conversation.
const replTurns = 5

const replHelp = `Commands:
  /status   show active runs and the iteration budget
  /memory   show the project memory summary
  /tools    list capabilities
  /clear    forget the conversation so far
  /exit     leave (also /quit or Ctrl+D)
Anything else is sent to the agent as a task.`

type exchange struct {
	user  string
	agent string
}

// conversation renders the last replTurns exchanges for the prompt.
func conversation(history []exchange) string {
	if len(history) > replTurns {
		history = history[len(history)-replTurns:]
	}
	var b strings.Builder
	for _, ex := range history {
		fmt.Fprintf(&b, "User: %s\nAgent: %s\n", ex.user, ex.agent)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (a *App) replCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Give the agent tasks interactively",
		Long: `Reads tasks line by line and runs each one to completion. Earlier exchanges are
passed to the agent as conversation context. Ctrl+C stops a running task; at
the prompt it clears the line, or exits when the line is empty.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.repl(cmd.Context())
		},
	}
}

func (a *App) repl(ctx context.Context) error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		Stdin:           io.NopCloser(a.in),
		Stdout:          a.out,
		Stderr:          a.errOut,
	})
	if err != nil {
		return fmt.Errorf("failed to init readline: %w", err)
	}
	defer rl.Close()

	spin := NewSpinner(a.errOut)
	var prompter Prompter
	if a.cfg.Agent.Approval {
		prompter = readlinePrompter(rl, spin.Stop)
	}
	rt, err := a.newRuntime(ctx, prompter)
	if err != nil {
		return err
	}
	defer rt.Close()

	r := a.renderer()
	fmt.Fprintf(a.errOut, "sandbox-agent in %s (type /help for commands, /exit to quit)\n", rt.Guard.Root())

	var history []exchange
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if strings.TrimSpace(line) == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			quit, cleared := a.replMeta(rt, r, line)
			if quit {
				return nil
			}
			if cleared {
				history = nil
			}
			continue
		}

		task := agent.Task{Description: line, UserMessage: line, Conversation: conversation(history)}
		res := a.replRun(ctx, rt, r, spin, task)
		reply := res.Answer
		if !res.Success {
			reply = "(failed) " + res.Error
		}
		history = append(history, exchange{user: line, agent: reply})
		if ctx.Err() != nil {
			return nil
		}
	}
}

// replMeta handles a slash command. It reports whether the REPL should
// exit and whether the conversation was cleared.
func (a *App) replMeta(rt *Runtime, r *Renderer, line string) (quit, cleared bool) {
	switch strings.Fields(line)[0] {
	case "/exit", "/quit":
		return true, false
	case "/help":
		fmt.Fprintln(a.out, replHelp)
	case "/clear":
		fmt.Fprintln(a.out, "Conversation cleared.")
		return false, true
	case "/tools":
		fmt.Fprintln(a.out, rt.Registry.Catalogue())
	case "/memory":
		r.RenderHeader(fmt.Sprintf("Project memory (%d tasks)", rt.Memory.Len()))
		fmt.Fprintln(a.out, rt.Memory.Summary(10))
	case "/status":
		st := rt.Agent.Status()
		fmt.Fprintf(a.out, "model %s · budget %d steps · %d tools\n",
			a.cfg.Reasoner.Model, st.MaxIterations, len(rt.Registry.Names()))
		if !st.Running {
			fmt.Fprintln(a.out, "No active runs.")
		}
		for _, run := range st.Runs {
			fmt.Fprintf(a.out, "%s  step %d  %s\n", run.ID, run.Iteration, oneLine(run.Task, 60))
		}
	default:
		fmt.Fprintf(a.out, "Unknown command %s (try /help)\n", line)
	}
	return false, false
}

// replRun executes one task with progress output. Interrupts stop the task
// without leaving the REPL.
func (a *App) replRun(ctx context.Context, rt *Runtime, r *Renderer, spin *Spinner, task agent.Task) agent.Result {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	animate := isTerminal(a.errOut)
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
	run := rt.Agent.Start(runCtx, task, agent.WithProgress(progress))
	stopInterrupts := a.watchInterrupts(run, cancel)
	res := run.Wait()
	stopInterrupts()
	spin.Stop()

	r.RenderResult(res)
	r.RenderStatusLine(a.cfg.Reasoner.Model, res)
	return res
}

// readlinePrompter asks approval questions on the REPL's line editor. The
// last line of the question becomes the prompt.
func readlinePrompter(rl *readline.Instance, pause func()) Prompter {
	return PromptFunc(func(question string) (string, error) {
		pause()
		lines := strings.Split(question, "\n")
		for _, l := range lines[:len(lines)-1] {
			fmt.Fprintln(rl.Stderr(), l)
		}
		rl.SetPrompt(lines[len(lines)-1])
		defer rl.SetPrompt("> ")
		return rl.Readline()
	})
}
