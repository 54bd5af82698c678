package tui

import "github.com/charmbracelet/lipgloss"

// Kestrel color palette
var (
	ColorAccent = lipgloss.Color("#D9A441") // Amber for accents
	ColorDim    = lipgloss.Color("#596E79") // Muted secondary text
	ColorText   = lipgloss.Color("#E0E0E0") // Primary text
	ColorAlert  = lipgloss.Color("#FF6B6B") // Crashed / errors
	ColorGood   = lipgloss.Color("#4ECDC4") // Running
	ColorWarn   = lipgloss.Color("#FFE66D") // Starting / stopping
	ColorMuted  = lipgloss.Color("#6c757d") // Stopped / suspended
)

// Styles
var (
	StyleTitle = lipgloss.NewStyle().
			Foreground(ColorAccent).
			Bold(true)

	StyleSubtitle = lipgloss.NewStyle().
			Foreground(ColorDim).
			Italic(true)

	StyleStatusGood = lipgloss.NewStyle().Foreground(ColorGood).Bold(true)
	StyleStatusBad  = lipgloss.NewStyle().Foreground(ColorAlert).Bold(true)
	StyleStatusWarn = lipgloss.NewStyle().Foreground(ColorWarn).Bold(true)
	StyleStatusOff  = lipgloss.NewStyle().Foreground(ColorMuted)

	StyleConsole = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorDim).
			Padding(0, 1)

	StyleStderr = lipgloss.NewStyle().Foreground(ColorWarn)

	StyleInputPrompt = lipgloss.NewStyle().Foreground(ColorAccent)

	StyleHelp = lipgloss.NewStyle().
			Foreground(ColorMuted).
			Faint(true)

	StyleApp = lipgloss.NewStyle().Margin(1, 2)
)

// StateStyle picks the style for a lifecycle state label.
func StateStyle(state string) lipgloss.Style {
	switch state {
	case "running":
		return StyleStatusGood
	case "crashed", "error":
		return StyleStatusBad
	case "installing", "starting", "stopping":
		return StyleStatusWarn
	default:
		return StyleStatusOff
	}
}
