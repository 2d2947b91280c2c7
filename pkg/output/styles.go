package output

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
)

// Amber color theme. Primary amber (#f59e0b) for key elements.
var (
	ColorAmber = lipgloss.Color("#f59e0b")
	ColorWhite = lipgloss.Color("#fafaf9")
	ColorMuted = lipgloss.Color("#78716c")
	ColorGreen = lipgloss.Color("#10b981")
	ColorRed   = lipgloss.Color("#f43f5e")
	ColorGray  = lipgloss.Color("#a8a29e")
)

// amberStyles returns charmbracelet/log styles with the amber theme.
func amberStyles() *log.Styles {
	styles := log.DefaultStyles()

	styles.Levels[log.InfoLevel] = lipgloss.NewStyle().
		SetString("INFO").
		Foreground(ColorAmber).
		Bold(true)

	styles.Levels[log.WarnLevel] = lipgloss.NewStyle().
		SetString("WARN").
		Foreground(lipgloss.Color("#eab308")).
		Bold(true)

	styles.Levels[log.ErrorLevel] = lipgloss.NewStyle().
		SetString("ERROR").
		Foreground(ColorRed).
		Bold(true)

	styles.Levels[log.DebugLevel] = lipgloss.NewStyle().
		SetString("DEBUG").
		Foreground(ColorMuted)

	styles.Timestamp = lipgloss.NewStyle().
		Foreground(ColorMuted)

	styles.Key = lipgloss.NewStyle().
		Foreground(ColorAmber)

	styles.Value = lipgloss.NewStyle().
		Foreground(ColorGray)

	return styles
}
