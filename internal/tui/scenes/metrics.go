package scenes

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"secops-toolkit/internal/mttx"
	"secops-toolkit/internal/tui/api"
	"secops-toolkit/internal/tui/styles"
)

type metricsMsg struct {
	tenantID int64
	metrics  *api.Metrics
	err      error
}

// MetricsScene shows averages, completion rates and per-case intervals for
// one tenant.
type MetricsScene struct {
	client   *api.Client
	timeUnit string
	startVal int

	tenant     *api.Tenant
	metrics    *api.Metrics
	err        error
	loading    bool
	spinner    spinner.Model
	table      table.Model
	lastUpdate time.Time
	width      int
	height     int
}

// NewMetricsScene creates the metrics view for analyses over the last
// startVal timeUnits.
func NewMetricsScene(client *api.Client, timeUnit string, startVal int) *MetricsScene {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Case", Width: 10},
			{Title: "Environment", Width: 16},
			{Title: "Detection rule", Width: 30},
			{Title: "MTTD", Width: 10},
			{Title: "MTTA", Width: 10},
			{Title: "MTTC", Width: 10},
			{Title: "MTTR", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	t.SetStyles(styles.Table())

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.StatusWarning

	return &MetricsScene{
		client:   client,
		timeUnit: timeUnit,
		startVal: startVal,
		spinner:  sp,
		table:    t,
	}
}

// Tenant returns the selected tenant, or nil.
func (s *MetricsScene) Tenant() *api.Tenant {
	return s.tenant
}

// SetTenant selects a tenant and starts an analysis.
func (s *MetricsScene) SetTenant(t api.Tenant) tea.Cmd {
	s.tenant = &t
	s.metrics = nil
	s.table.SetRows(nil)
	return s.Refresh()
}

// Refresh re-runs the analysis for the selected tenant.
func (s *MetricsScene) Refresh() tea.Cmd {
	if s.tenant == nil || s.loading {
		return nil
	}
	s.loading = true
	s.err = nil
	id := s.tenant.ID
	fetch := func() tea.Msg {
		m, err := s.client.Analyze(context.Background(), id, s.timeUnit, s.startVal)
		return metricsMsg{tenantID: id, metrics: m, err: err}
	}
	return tea.Batch(fetch, s.spinner.Tick)
}

// Update handles messages for the metrics view.
func (s *MetricsScene) Update(msg tea.Msg) (*MetricsScene, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		s.width = msg.Width
		s.height = msg.Height
		s.table.SetHeight(max(msg.Height-18, 5))
		return s, nil

	case metricsMsg:
		if s.tenant == nil || msg.tenantID != s.tenant.ID {
			return s, nil
		}
		s.loading = false
		s.err = msg.err
		if msg.err == nil {
			s.metrics = msg.metrics
			s.table.SetRows(CaseRows(msg.metrics.IndividualCases))
		}
		s.lastUpdate = time.Now()
		return s, nil

	case spinner.TickMsg:
		if !s.loading {
			return s, nil
		}
		var cmd tea.Cmd
		s.spinner, cmd = s.spinner.Update(msg)
		return s, cmd
	}

	var cmd tea.Cmd
	s.table, cmd = s.table.Update(msg)
	return s, cmd
}

// CaseRows renders per-case metrics ordered by numeric case id.
func CaseRows(cases map[string]*mttx.CaseMetrics) []table.Row {
	ids := make([]string, 0, len(cases))
	for id := range cases {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, errA := strconv.ParseInt(ids[i], 10, 64)
		b, errB := strconv.ParseInt(ids[j], 10, 64)
		if errA == nil && errB == nil {
			return a < b
		}
		return ids[i] < ids[j]
	})

	rows := make([]table.Row, 0, len(ids))
	for _, id := range ids {
		c := cases[id]
		if c == nil {
			continue
		}
		rows = append(rows, table.Row{
			id,
			c.Environment,
			c.DetectionRuleName,
			FormatSeconds(c.MTTD),
			FormatSeconds(c.MTTA),
			FormatSeconds(c.MTTC),
			FormatSeconds(c.MTTR),
		})
	}
	return rows
}

// FormatSeconds renders an interval as "1h 2m 3s", or "-" when unknown.
func FormatSeconds(s mttx.Seconds) string {
	if !s.Valid {
		return "-"
	}
	return formatDuration(s.Value)
}

func formatDuration(seconds int64) string {
	neg := seconds < 0
	if neg {
		seconds = -seconds
	}
	d := time.Duration(seconds) * time.Second
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	var out string
	switch {
	case days > 0:
		out = fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	case hours > 0:
		out = fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	case mins > 0:
		out = fmt.Sprintf("%dm %ds", mins, secs)
	default:
		out = fmt.Sprintf("%ds", secs)
	}
	if neg {
		return "-" + out
	}
	return out
}

// View renders the metrics view.
func (s *MetricsScene) View() string {
	var b strings.Builder

	if s.tenant == nil {
		b.WriteString(styles.Title.Render("  MTTx Metrics"))
		b.WriteString("\n")
		b.WriteString(styles.Muted.Render("  Select a tenant on the Tenants tab."))
		return b.String()
	}

	b.WriteString(styles.Title.Render(fmt.Sprintf("  MTTx Metrics: %s", s.tenant.Name)))
	b.WriteString("\n")
	b.WriteString(styles.Subtitle.Render(fmt.Sprintf("  Last %d %s(s)", s.startVal, strings.ToLower(s.timeUnit))))
	b.WriteString("\n\n")

	if s.loading {
		b.WriteString(fmt.Sprintf("  %s Running analysis...\n\n", s.spinner.View()))
	}
	if s.err != nil {
		b.WriteString(styles.StatusError.Render(fmt.Sprintf("  Error: %v", s.err)))
		b.WriteString("\n\n")
	}
	if s.metrics == nil {
		return b.String()
	}

	avg := s.metrics.AverageMetrics
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		renderMetricCard("Avg MTTD", formatDuration(avg.MTTD)),
		renderMetricCard("Avg MTTA", formatDuration(avg.MTTA)),
		renderMetricCard("Avg MTTC", formatDuration(avg.MTTC)),
		renderMetricCard("Avg MTTR", formatDuration(avg.MTTR)),
	))
	b.WriteString("\n")

	rates := s.metrics.CompletionRates
	b.WriteString(styles.Subtitle.Render(fmt.Sprintf(
		"  Completion over %d cases  MTTD %.1f%%  MTTA %.1f%%  MTTC %.1f%%  MTTR %.1f%%",
		rates.TotalCases, rates.MTTD, rates.MTTA, rates.MTTC, rates.MTTR)))
	b.WriteString("\n\n")

	b.WriteString(styles.Box.Render(s.table.View()))
	b.WriteString("\n")
	if !s.lastUpdate.IsZero() {
		b.WriteString(styles.Muted.Render(fmt.Sprintf("  Last updated: %s", s.lastUpdate.Format("15:04:05"))))
	}
	return b.String()
}

func renderMetricCard(label, value string) string {
	content := fmt.Sprintf("%s\n%s",
		styles.MetricValue.Render(value),
		styles.MetricLabel.Render(label),
	)
	return styles.MetricCard.Render(content)
}
