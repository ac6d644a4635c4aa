package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	glamourstyles "github.com/charmbracelet/glamour/styles"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/mfateev/sandbox-agent/internal/agent"
)

// maxOutputLines bounds how much of an observation is echoed.
const maxOutputLines = 20

// Renderer prints agent progress and results to a terminal.
type Renderer struct {
	w     io.Writer
	width int

	thought lipgloss.Style
	tool    lipgloss.Style
	args    lipgloss.Style
	ok      lipgloss.Style
	failed  lipgloss.Style
	dim     lipgloss.Style
	header  lipgloss.Style

	markdown *glamour.TermRenderer
}

// NewRenderer creates a renderer writing to w. With noColor no escape codes
// are emitted; with noMarkdown answers are printed verbatim.
func NewRenderer(w io.Writer, noColor, noMarkdown bool) *Renderer {
	lr := lipgloss.NewRenderer(w)
	if noColor {
		lr.SetColorProfile(termenv.Ascii)
	} else {
		lr.SetColorProfile(termenv.ANSI256)
	}

	r := &Renderer{
		w:       w,
		width:   terminalWidth(w),
		thought: lr.NewStyle().Italic(true).Foreground(lipgloss.Color("245")),
		tool:    lr.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		args:    lr.NewStyle().Foreground(lipgloss.Color("250")),
		ok:      lr.NewStyle().Foreground(lipgloss.Color("42")),
		failed:  lr.NewStyle().Foreground(lipgloss.Color("196")),
		dim:     lr.NewStyle().Faint(true),
		header:  lr.NewStyle().Bold(true),
	}

	if !noMarkdown {
		style := glamourstyles.DarkStyleConfig
		if noColor {
			style = glamourstyles.ASCIIStyleConfig
		}
		// Answers are short; "###" prefixes only add noise.
		style.H2.Prefix = ""
		style.H3.Prefix = ""
		style.H4.Prefix = ""
		style.H5.Prefix = ""
		style.H6.Prefix = ""
		md, err := glamour.NewTermRenderer(
			glamour.WithStyles(style),
			glamour.WithWordWrap(r.width-4),
		)
		if err == nil {
			r.markdown = md
		}
	}
	return r
}

// RenderEvent prints one progress event. It reports whether anything was
// written.
func (r *Renderer) RenderEvent(e agent.Event) bool {
	switch e.Type {
	case agent.EntryThought:
		if strings.TrimSpace(e.Content) == "" {
			return false
		}
		fmt.Fprintln(r.w, r.thought.Render("• "+e.Content))
		return true

	case agent.EntryAction:
		fmt.Fprintf(r.w, "%s %s\n", r.tool.Render("▶ "+e.Tool), r.args.Render(formatArgs(e.Input)))
		return true

	case agent.EntryObservation:
		style := r.ok
		if e.Success != nil && !*e.Success {
			style = r.failed
		}
		lines := strings.Split(strings.TrimRight(e.Content, "\n"), "\n")
		shown := lines
		if len(lines) > maxOutputLines {
			shown = lines[:maxOutputLines]
		}
		for _, line := range shown {
			fmt.Fprintln(r.w, style.Render("  "+line))
		}
		if len(lines) > maxOutputLines {
			fmt.Fprintln(r.w, r.dim.Render(fmt.Sprintf("  ... %d more lines", len(lines)-maxOutputLines)))
		}
		return true
	}
	return false
}

// RenderResult prints the final outcome of a run.
func (r *Renderer) RenderResult(res agent.Result) {
	switch res.Outcome {
	case agent.OutcomeCompleted, agent.OutcomeSoftLanded:
		fmt.Fprintln(r.w)
		fmt.Fprint(r.w, r.renderMarkdown(res.Answer))
		if res.Note != "" {
			fmt.Fprintln(r.w, r.dim.Render("("+res.Note+")"))
		}
	default:
		msg := res.Error
		if msg == "" {
			msg = string(res.Outcome)
		}
		fmt.Fprintln(r.w, r.failed.Render("✗ "+msg))
	}
}

// RenderStatusLine prints a one-line summary after a run.
func (r *Renderer) RenderStatusLine(model string, res agent.Result) {
	parts := []string{model, fmt.Sprintf("%d steps", res.Iterations), strings.ReplaceAll(string(res.Outcome), "_", " ")}
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		parts = append(parts, formatDuration(res.FinishedAt.Sub(res.StartedAt)))
	}
	fmt.Fprintln(r.w, r.dim.Render("── "+strings.Join(parts, " · ")))
}

// RenderHeader prints a bold heading line.
func (r *Renderer) RenderHeader(text string) {
	fmt.Fprintln(r.w, r.header.Render(text))
}

func (r *Renderer) renderMarkdown(text string) string {
	if r.markdown != nil {
		if out, err := r.markdown.Render(text); err == nil {
			return out
		}
	}
	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}
	return text
}

// PhaseMessage is the spinner text after event e.
func PhaseMessage(e agent.Event) string {
	if e.Type == agent.EntryAction {
		if e.Tool == "" {
			return "Running tool..."
		}
		return "Running " + e.Tool + "..."
	}
	return "Thinking..."
}

func formatArgs(input map[string]interface{}) string {
	if len(input) == 0 {
		return ""
	}
	data, err := json.Marshal(input)
	if err != nil {
		return fmt.Sprint(input)
	}
	s := string(data)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
