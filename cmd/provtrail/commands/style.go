package commands

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"
	"golang.org/x/term"
)

// styler colors output only when it goes to a terminal.
type styler struct {
	tty   bool
	good  *color.Color
	bad   *color.Color
	warn  *color.Color
	dim   *color.Color
	panel lipgloss.Style
	title lipgloss.Style
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func newStyler(w io.Writer) *styler {
	s := &styler{
		tty:  isTerminal(w) && os.Getenv("NO_COLOR") == "",
		good: color.New(color.FgGreen, color.Bold),
		bad:  color.New(color.FgRed, color.Bold),
		warn: color.New(color.FgYellow),
		dim:  color.New(color.Faint),
		panel: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1),
		title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
	}
	for _, c := range []*color.Color{s.good, s.bad, s.warn, s.dim} {
		if s.tty {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return s
}

// Panel renders a titled block of lines, boxed on a terminal.
func (s *styler) Panel(title string, lines []string) string {
	if !s.tty {
		return title + "\n" + indent(lines) + "\n"
	}
	body := lipgloss.JoinVertical(lipgloss.Left, append([]string{s.title.Render(title)}, lines...)...)
	return s.panel.Render(body) + "\n"
}

func (s *styler) Status(status string) string {
	switch status {
	case "completed":
		return s.good.Sprint(status)
	case "failed":
		return s.bad.Sprint(status)
	default:
		return s.warn.Sprint(status)
	}
}

func indent(lines []string) string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = "  " + l
	}
	return strings.Join(out, "\n")
}

func short(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
