package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme is the palette of rendered frames.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
	Alert   lipgloss.Color
}

var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
	Alert:   lipgloss.Color("#ff5f5f"),
}

// Styles are derived from a Theme.
type Styles struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Border lipgloss.Style
	Dim    lipgloss.Style
	Alert  lipgloss.Style
}

func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Label:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Border: lipgloss.NewStyle().Foreground(t.Primary),
		Dim:    lipgloss.NewStyle().Foreground(t.Dim),
		Alert:  lipgloss.NewStyle().Bold(true).Foreground(t.Alert),
	}
}

// Section is a labeled block of lines, such as one channel of a session.
type Section struct {
	Label string
	Note  string
	Lines []string
}

// Frame is a boxed view with a title line and labeled sections.
type Frame struct {
	Styles   Styles
	Title    string
	Status   string
	Sections []Section

	// MaxLines keeps the last MaxLines lines of each section. Zero keeps all.
	MaxLines int
}

// Render draws the frame width columns wide.
func (f Frame) Render(width int) string {
	width = max(width, 20)
	bc := f.Styles.Border
	inner := width - 4

	var out []string
	out = append(out, bc.Render("╭"+strings.Repeat("─", width-2)+"╮"))

	title := f.Styles.Title.Render(f.Title)
	status := ""
	if f.Status != "" {
		status = f.Styles.Dim.Render("[" + f.Status + "]")
	}
	pad := max(0, width-5-lipgloss.Width(title)-lipgloss.Width(status))
	out = append(out, bc.Render("│")+" "+title+" "+status+strings.Repeat(" ", pad)+" "+bc.Render("│"))

	for _, sec := range f.Sections {
		label := f.Styles.Label.Render(sec.Label)
		if sec.Note != "" {
			label += " " + f.Styles.Dim.Render(sec.Note)
		}
		fill := max(0, width-3-lipgloss.Width(label))
		out = append(out, bc.Render("├─")+label+bc.Render(strings.Repeat("─", fill)+"┤"))

		lines := sec.Lines
		if f.MaxLines > 0 && len(lines) > f.MaxLines {
			lines = lines[len(lines)-f.MaxLines:]
		}
		if len(lines) == 0 {
			lines = []string{f.Styles.Dim.Render("(empty)")}
		}
		for _, text := range lines {
			if lipgloss.Width(text) > inner {
				text = truncate(text, inner-1) + "…"
			}
			out = append(out, bc.Render("│")+" "+text+strings.Repeat(" ", max(0, inner-lipgloss.Width(text)))+" "+bc.Render("│"))
		}
	}
	out = append(out, bc.Render("╰"+strings.Repeat("─", width-2)+"╯"))
	return strings.Join(out, "\n")
}

// truncate cuts s to at most width display columns.
func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	w := 0
	for i, r := range s {
		rw := lipgloss.Width(string(r))
		if w+rw > width {
			return s[:i]
		}
		w += rw
	}
	return s
}
