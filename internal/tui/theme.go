package tui

import "github.com/charmbracelet/lipgloss"

// Palette
var (
	colorBg     = lipgloss.Color("#1a1b26")
	colorBorder = lipgloss.Color("#414868")
	colorMuted  = lipgloss.Color("#565f89")
	colorSubtle = lipgloss.Color("#787c99")
	colorText   = lipgloss.Color("#a9b1d6")

	colorPrimary = lipgloss.Color("#7aa2f7")
	colorSuccess = lipgloss.Color("#9ece6a")
	colorWarning = lipgloss.Color("#e0af68")
	colorAudio   = lipgloss.Color("#bb9af7")
	colorAccent  = lipgloss.Color("#7dcfff")
	colorError   = lipgloss.Color("#f7768e")
)

func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

func badge(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(colorBg).Background(c).Padding(0, 1).Bold(true)
}

func boxed(vertical, horizontal int) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorBorder).
		Padding(vertical, horizontal)
}

// Styles
var (
	headerStyle  = boxed(0, 2)
	contentStyle = boxed(1, 2)

	titleStyle    = fg(colorPrimary).Bold(true)
	subtitleStyle = fg(colorAccent).Bold(true)
	labelStyle    = fg(colorMuted)
	normalStyle   = fg(colorText)
	dimStyle      = fg(colorMuted)

	successStyle = fg(colorSuccess).Bold(true)
	warningStyle = fg(colorWarning)
	errorStyle   = fg(colorError).Bold(true)

	helpStyle    = fg(colorMuted)
	keyHelpStyle = fg(colorSubtle)
	spinnerStyle = fg(colorPrimary)

	progressActive = fg(colorPrimary)
	progressWait   = fg(colorMuted)

	videoBadge    = badge(colorPrimary)
	audioBadge    = badge(colorAudio)
	subtitleBadge = badge(colorAccent)

	statLabelStyle = fg(colorSubtle)
	statValueStyle = fg(colorAccent).Bold(true)
)

var spinner = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
