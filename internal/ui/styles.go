package ui

import "github.com/charmbracelet/lipgloss"

// Semantic color palette.
var (
	colorPrimary = lipgloss.Color("#00BFFF") // Cyan: headings
	colorAccent  = lipgloss.Color("#FFD700") // Gold: warnings
	colorSuccess = lipgloss.Color("#00E676") // Green: ok
	colorDanger  = lipgloss.Color("#FF5252") // Red: errors
	colorMuted   = lipgloss.Color("#636363") // Gray: de-emphasized
	colorBlue    = lipgloss.Color("#5B8DEF") // Blue: working
)

// Status icons for task states.
const (
	iconOK       = "✓"
	iconErrors   = "✗"
	iconWarnings = "⚠"
	iconWorking  = "◎"
	iconIdle     = "·"
)

// styles are bound to one renderer so color support follows the printer's
// writer rather than stdout.
type styles struct {
	heading  lipgloss.Style
	ok       lipgloss.Style
	errors   lipgloss.Style
	warnings lipgloss.Style
	working  lipgloss.Style
	muted    lipgloss.Style
	task     lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		heading:  r.NewStyle().Foreground(colorPrimary).Bold(true),
		ok:       r.NewStyle().Foreground(colorSuccess).Bold(true),
		errors:   r.NewStyle().Foreground(colorDanger).Bold(true),
		warnings: r.NewStyle().Foreground(colorAccent),
		working:  r.NewStyle().Foreground(colorBlue),
		muted:    r.NewStyle().Foreground(colorMuted),
		task:     r.NewStyle().Bold(true).Width(16),
	}
}
