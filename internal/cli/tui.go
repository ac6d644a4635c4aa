package cli

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/mfateev/sandbox-agent/internal/agent"
)

// Runner starts agent runs. *agent.Agent implements it.
type Runner interface {
	StatusSource
	Start(ctx context.Context, task agent.Task, opts ...agent.RunOption) *agent.Run
}

type (
	eventMsg  agent.Event
	resultMsg agent.Result
)

// tuiModel shows the event log of one run under a spinner.
type tuiModel struct {
	spinner  spinner.Model
	renderer *Renderer
	buf      *bytes.Buffer

	lines    []string
	status   string
	step     string
	height   int
	stop     func()
	stopping bool
	result   *agent.Result
}

func newTUIModel(noColor bool, stop func()) tuiModel {
	buf := &bytes.Buffer{}
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	return tuiModel{
		spinner:  s,
		renderer: NewRenderer(buf, noColor, true),
		buf:      buf,
		status:   "Thinking...",
		stop:     stop,
	}
}

func (m tuiModel) Init() tea.Cmd { return m.spinner.Tick }

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type != tea.KeyCtrlC {
			return m, nil
		}
		if m.stopping {
			return m, tea.Quit
		}
		m.stopping = true
		m.status = "Stopping... (press Ctrl+C again to exit)"
		m.stop()
		return m, nil

	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil

	case eventMsg:
		e := agent.Event(msg)
		m.buf.Reset()
		if m.renderer.RenderEvent(e) {
			m.lines = append(m.lines, strings.Split(strings.TrimRight(m.buf.String(), "\n"), "\n")...)
		}
		if !m.stopping {
			m.status = PhaseMessage(e)
		}
		return m, nil

	case PollResult:
		m.step = msg.StepLabel()
		return m, nil

	case resultMsg:
		res := agent.Result(msg)
		m.result = &res
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m tuiModel) View() string {
	lines := m.lines
	if m.height > 2 && len(lines) > m.height-2 {
		lines = lines[len(lines)-(m.height-2):]
	}
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	if m.result == nil {
		b.WriteString(m.spinner.View() + " " + m.status)
		if m.step != "" {
			b.WriteString("  " + m.step)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// runTUI executes task under a full-screen progress view and returns the
// run's result once it finishes.
func runTUI(ctx context.Context, runner Runner, task agent.Task, in io.Reader, out io.Writer, noColor bool) (agent.Result, error) {
	var (
		mu  sync.Mutex
		run *agent.Run
	)
	stop := func() {
		mu.Lock()
		defer mu.Unlock()
		if run != nil {
			run.Stop()
		}
	}

	p := tea.NewProgram(newTUIModel(noColor, stop), tea.WithInput(in), tea.WithOutput(out))

	mu.Lock()
	run = runner.Start(ctx, task, agent.WithProgress(func(e agent.Event) { p.Send(eventMsg(e)) }))
	mu.Unlock()

	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()
	polls := make(chan PollResult)

	var g errgroup.Group
	g.Go(func() error {
		_, err := p.Run()
		// Leaving the view early must not leave the run going.
		stop()
		return err
	})
	g.Go(func() error {
		res := run.Wait()
		cancelPoll()
		p.Send(resultMsg(res))
		return nil
	})
	g.Go(func() error {
		NewPoller(runner, run.ID(), PollInterval).RunPolling(pollCtx, polls)
		close(polls)
		return nil
	})
	g.Go(func() error {
		for r := range polls {
			p.Send(r)
		}
		return nil
	})

	err := g.Wait()
	return run.Wait(), err
}
