// Package tui provides a terminal dashboard for MTTx metrics.
package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"secops-toolkit/internal/tui/api"
	"secops-toolkit/internal/tui/scenes"
	"secops-toolkit/internal/tui/styles"
)

// Scene represents the current view
type Scene int

const (
	SceneTenants Scene = iota
	SceneMetrics
)

const sceneCount = 2

// Options configures the dashboard.
type Options struct {
	BaseURL  string
	APIKey   string
	TimeUnit string
	StartVal int
}

// Model is the main TUI model
type Model struct {
	client *api.Client
	scene  Scene

	tenants *scenes.TenantsScene
	metrics *scenes.MetricsScene

	width  int
	height int

	quitting bool
}

// New creates a new TUI model
func New(opts Options) *Model {
	if opts.TimeUnit == "" {
		opts.TimeUnit = "DAY"
	}
	if opts.StartVal <= 0 {
		opts.StartVal = 30
	}
	client := api.NewClient(opts.BaseURL, opts.APIKey)
	return &Model{
		client:  client,
		scene:   SceneTenants,
		tenants: scenes.NewTenantsScene(client),
		metrics: scenes.NewMetricsScene(client, opts.TimeUnit, opts.StartVal),
	}
}

// Init loads tenants and starts the tenant refresh ticker.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.tenants.Init(), m.tenants.TickCmd())
}

// Scene returns the active scene.
func (m *Model) Scene() Scene {
	return m.scene
}

// Update handles all messages
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "1":
			return m, m.switchTo(SceneTenants)
		case "2":
			return m, m.switchTo(SceneMetrics)
		case "tab":
			return m, m.switchTo((m.scene + 1) % sceneCount)
		case "r":
			if m.scene == SceneTenants {
				return m, m.tenants.Refresh()
			}
			return m, m.metrics.Refresh()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.tenants, _ = m.tenants.Update(msg)
		m.metrics, _ = m.metrics.Update(msg)
		return m, nil

	case scenes.TenantSelectedMsg:
		m.scene = SceneMetrics
		return m, m.metrics.SetTenant(msg.Tenant)

	case scenes.TickMsg:
		// Tenants keep refreshing only while visible.
		if m.scene != SceneTenants {
			return m, nil
		}
		var cmd tea.Cmd
		m.tenants, cmd = m.tenants.Update(msg)
		return m, tea.Batch(cmd, m.tenants.TickCmd())
	}

	// Data messages go to both scenes; each ignores what isn't its own.
	var cmd tea.Cmd
	if _, ok := msg.(tea.KeyMsg); ok {
		switch m.scene {
		case SceneTenants:
			m.tenants, cmd = m.tenants.Update(msg)
		case SceneMetrics:
			m.metrics, cmd = m.metrics.Update(msg)
		}
		return m, cmd
	}
	var cmd2 tea.Cmd
	m.tenants, cmd = m.tenants.Update(msg)
	m.metrics, cmd2 = m.metrics.Update(msg)
	return m, tea.Batch(cmd, cmd2)
}

func (m *Model) switchTo(s Scene) tea.Cmd {
	if m.scene == s {
		return nil
	}
	m.scene = s
	if s == SceneTenants {
		return tea.Batch(m.tenants.Refresh(), m.tenants.TickCmd())
	}
	return nil
}

// View renders the current view
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	switch m.scene {
	case SceneTenants:
		b.WriteString(m.tenants.View())
	case SceneMetrics:
		b.WriteString(m.metrics.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	tabs := []struct {
		name  string
		key   string
		scene Scene
	}{
		{"Tenants", "1", SceneTenants},
		{"Metrics", "2", SceneMetrics},
	}

	var tabViews []string
	for _, tab := range tabs {
		label := fmt.Sprintf(" %s %s ", tab.key, tab.name)
		if tab.scene == m.scene {
			tabViews = append(tabViews, styles.TabActive.Render(label))
		} else {
			tabViews = append(tabViews, styles.TabInactive.Render(label))
		}
	}

	tabBar := lipgloss.JoinHorizontal(lipgloss.Top, tabViews...)

	return lipgloss.NewStyle().
		BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(styles.MutedColor).
		Width(m.width).
		Render(tabBar)
}

func (m *Model) renderFooter() string {
	return styles.Help.Render(" [1-2] Switch tabs  [Tab] Next tab  [↑↓/jk] Navigate  [r] Refresh  [q] Quit ")
}

// Run starts the TUI application
func Run(opts Options) error {
	p := tea.NewProgram(New(opts), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
