// Package scenes provides the dashboard's views.
package scenes

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"secops-toolkit/internal/tui/api"
	"secops-toolkit/internal/tui/styles"
)

const tenantsRefresh = 30 * time.Second

// TickMsg is sent on each tick - exported for use by parent model
type TickMsg struct {
	Scene string
	Time  time.Time
}

// TenantSelectedMsg is emitted when the user picks a tenant.
type TenantSelectedMsg struct {
	Tenant api.Tenant
}

type tenantsMsg struct {
	tenants []api.Tenant
	err     error
}

// TenantsScene lists tenants and lets the user pick one.
type TenantsScene struct {
	client     *api.Client
	table      table.Model
	tenants    []api.Tenant
	err        error
	loading    bool
	lastUpdate time.Time
	width      int
	height     int
}

// NewTenantsScene creates the tenant picker.
func NewTenantsScene(client *api.Client) *TenantsScene {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 6},
			{Title: "Name", Width: 28},
			{Title: "Region", Width: 16},
			{Title: "Customer ID", Width: 38},
			{Title: "Default", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(styles.Table())
	return &TenantsScene{client: client, table: t, loading: true}
}

// Init fetches the tenant list.
func (s *TenantsScene) Init() tea.Cmd {
	return s.fetch()
}

// Refresh reloads the tenant list.
func (s *TenantsScene) Refresh() tea.Cmd {
	s.loading = true
	return s.fetch()
}

func (s *TenantsScene) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tenants, err := s.client.ListTenants(ctx)
		return tenantsMsg{tenants: tenants, err: err}
	}
}

// TickCmd returns a command that ticks every interval
func (s *TenantsScene) TickCmd() tea.Cmd {
	return tea.Tick(tenantsRefresh, func(t time.Time) tea.Msg {
		return TickMsg{Scene: "tenants", Time: t}
	})
}

// Tenants returns the last loaded tenants.
func (s *TenantsScene) Tenants() []api.Tenant {
	return s.tenants
}

// Update handles messages for the tenant picker.
func (s *TenantsScene) Update(msg tea.Msg) (*TenantsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.table.SetHeight(max(msg.Height-10, 5))
		return s, nil

	case tenantsMsg:
		s.loading = false
		s.err = msg.err
		if msg.err == nil {
			s.tenants = msg.tenants
			s.table.SetRows(TenantRows(msg.tenants))
		}
		s.lastUpdate = time.Now()
		return s, nil

	case TickMsg:
		if msg.Scene == "tenants" {
			return s, s.fetch()
		}
		return s, nil

	case tea.KeyMsg:
		if msg.String() == "enter" {
			i := s.table.Cursor()
			if i < 0 || i >= len(s.tenants) {
				return s, nil
			}
			tenant := s.tenants[i]
			return s, func() tea.Msg { return TenantSelectedMsg{Tenant: tenant} }
		}
	}

	var cmd tea.Cmd
	s.table, cmd = s.table.Update(msg)
	return s, cmd
}

// TenantRows renders tenants as table rows.
func TenantRows(tenants []api.Tenant) []table.Row {
	rows := make([]table.Row, 0, len(tenants))
	for _, t := range tenants {
		def := ""
		if t.IsDefault {
			def = "yes"
		}
		rows = append(rows, table.Row{strconv.FormatInt(t.ID, 10), t.Name, t.Region, t.GUID, def})
	}
	return rows
}

// View renders the tenant picker.
func (s *TenantsScene) View() string {
	var b strings.Builder
	b.WriteString(styles.Title.Render("  Tenants"))
	b.WriteString("\n")

	switch {
	case s.loading && len(s.tenants) == 0:
		b.WriteString(styles.Muted.Render("  Loading..."))
		return b.String()
	case s.err != nil:
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", s.err)))
		b.WriteString("\n\n")
	case len(s.tenants) == 0:
		b.WriteString(styles.Muted.Render("  No tenants configured. Add one with POST /api/tenants."))
		return b.String()
	}

	b.WriteString(styles.Box.Render(s.table.View()))
	b.WriteString("\n")
	b.WriteString(styles.Muted.Render("  [enter] Show metrics"))
	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("    Last updated: %s", s.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}
