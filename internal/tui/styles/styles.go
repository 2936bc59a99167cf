// Package styles holds the dashboard's lipgloss styles.
package styles

import (
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/lipgloss"
)

// Palette. Adaptive colors keep the dashboard readable on light terminals.
var (
	Accent     = lipgloss.AdaptiveColor{Light: "#1D4ED8", Dark: "#60A5FA"}
	Good       = lipgloss.AdaptiveColor{Light: "#047857", Dark: "#34D399"}
	Warn       = lipgloss.AdaptiveColor{Light: "#B45309", Dark: "#FBBF24"}
	Bad        = lipgloss.AdaptiveColor{Light: "#B91C1C", Dark: "#F87171"}
	MutedColor = lipgloss.AdaptiveColor{Light: "#6B7280", Dark: "#9CA3AF"}
	OnAccent   = lipgloss.Color("#FFFFFF")
)

var (
	Title    = lipgloss.NewStyle().Bold(true).Foreground(Accent).MarginBottom(1)
	Subtitle = lipgloss.NewStyle().Foreground(MutedColor).Italic(true)
	Muted    = lipgloss.NewStyle().Foreground(MutedColor)
	Help     = lipgloss.NewStyle().Foreground(MutedColor).MarginTop(1)

	StatusWarning = lipgloss.NewStyle().Foreground(Warn).Bold(true)
	StatusError   = lipgloss.NewStyle().Foreground(Bad).Bold(true)

	Box = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Accent).
		Padding(0, 1)

	TabActive   = lipgloss.NewStyle().Foreground(OnAccent).Background(Accent).Bold(true).Padding(0, 2)
	TabInactive = lipgloss.NewStyle().Foreground(MutedColor).Padding(0, 2)

	// Average interval cards on the metrics view.
	MetricCard = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(MutedColor).
			Padding(0, 2).
			Width(18)
	MetricValue = lipgloss.NewStyle().Bold(true).Foreground(Good)
	MetricLabel = lipgloss.NewStyle().Foreground(MutedColor)
)

// Table returns the styles used by tenant and case tables.
func Table() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		Bold(true).
		Foreground(Accent).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(MutedColor)
	s.Selected = s.Selected.
		Foreground(OnAccent).
		Background(Accent).
		Bold(false)
	return s
}
