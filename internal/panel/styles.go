package panel

import "github.com/charmbracelet/lipgloss"

var (
	colorRed     = lipgloss.Color("#FF0000")
	colorGreen   = lipgloss.Color("#00FF00")
	colorYellow  = lipgloss.Color("#FFFF00")
	colorCyan    = lipgloss.Color("#00FFFF")
	colorGray    = lipgloss.Color("#666666")
	colorDimGray = lipgloss.Color("#444444")
	colorMagenta = lipgloss.Color("#FF00FF")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	liveDotStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	idleDotStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	closedDotStyle = lipgloss.NewStyle().
			Foreground(colorRed)

	speakingStyle = lipgloss.NewStyle().
			Foreground(colorMagenta)

	userLabelStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	agentLabelStyle = lipgloss.NewStyle().
			Foreground(colorCyan).
			Bold(true)

	taskStyle = lipgloss.NewStyle().
			Foreground(colorGreen)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	dividerStyle = lipgloss.NewStyle().
			Foreground(colorDimGray)
)
