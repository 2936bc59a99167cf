package mttx

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/storage"
)

// Store is the subset of the repository an Analyzer needs.
type Store interface {
	GetTenant(ctx context.Context, id int64) (*storage.Tenant, error)
	EnsureQueryConfigs(ctx context.Context, tenantID int64, defaults []storage.QueryConfig) ([]storage.QueryConfig, error)
	ListMTTxConfigs(ctx context.Context, tenantID int64) ([]storage.MTTxConfig, error)
}

// Querier runs dashboard queries against one SecOps instance.
type Querier interface {
	ExecuteDashboardQuery(ctx context.Context, query string, interval chronicle.Interval) (json.RawMessage, error)
}

// QuerierFactory builds a Querier for a tenant.
type QuerierFactory func(ctx context.Context, t *storage.Tenant) (Querier, error)

// ChronicleQuerier returns a factory that creates Chronicle clients from the
// tenant's project, region and customer guid.
func ChronicleQuerier(cfg chronicle.Config, logger *slog.Logger) QuerierFactory {
	return func(ctx context.Context, t *storage.Tenant) (Querier, error) {
		return chronicle.NewClient(ctx, cfg, chronicle.Instance{
			ProjectID:  t.GCPProjectID,
			Region:     t.Region,
			CustomerID: t.GUID,
		}, chronicle.WithLogger(logger))
	}
}

// AnalysisResult holds the raw responses of both dashboard queries.
type AnalysisResult struct {
	CaseHistoryData json.RawMessage `json:"case_history_data"`
	CaseMTTDData    json.RawMessage `json:"case_mttd_data"`
}

// Analyzer runs a tenant's dashboard queries and calculates metrics.
type Analyzer struct {
	store      Store
	newQuerier QuerierFactory
	logger     *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(store Store, newQuerier QuerierFactory, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{store: store, newQuerier: newQuerier, logger: logger}
}

// Run executes the history and case queries for the last startVal timeUnits.
// Missing default queries are seeded first.
func (a *Analyzer) Run(ctx context.Context, tenantID int64, timeUnit string, startVal int) (*AnalysisResult, error) {
	tenant, err := a.store.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	configs, err := a.store.EnsureQueryConfigs(ctx, tenantID, DefaultQueryRows(tenantID))
	if err != nil {
		return nil, fmt.Errorf("load queries: %w", err)
	}
	queries := make(map[string]string, len(configs))
	for _, q := range configs {
		queries[q.Name] = q.QueryText
	}

	q, err := a.newQuerier(ctx, tenant)
	if err != nil {
		return nil, fmt.Errorf("create chronicle client: %w", err)
	}

	interval := chronicle.RelativeInterval(timeUnit, startVal)
	a.logger.Info("running analysis queries",
		"tenant", tenant.Name,
		"time_unit", timeUnit,
		"start_time_val", startVal,
	)

	history, err := q.ExecuteDashboardQuery(ctx, queries[QueryHistory], interval)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", QueryHistory, err)
	}
	cases, err := q.ExecuteDashboardQuery(ctx, queries[QueryCase], interval)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", QueryCase, err)
	}

	return &AnalysisResult{CaseHistoryData: history, CaseMTTDData: cases}, nil
}

// Calculate decodes both query responses and applies the tenant's metric
// configs. It returns ErrNoData when nothing is measurable.
func (a *Analyzer) Calculate(ctx context.Context, tenantID int64, historyRaw, casesRaw json.RawMessage) (*Metrics, error) {
	history, err := DecodeTable(historyRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", QueryHistory, err)
	}
	cases, err := DecodeTable(casesRaw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", QueryCase, err)
	}

	rows, err := a.store.ListMTTxConfigs(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load metric configs: %w", err)
	}

	m, err := Calculate(history, cases, ConfigsFromRows(rows))
	if err != nil {
		return nil, err
	}
	a.logger.Debug("metrics calculated",
		"tenant_id", tenantID,
		"total_cases", m.CompletionRates.TotalCases,
	)
	return m, nil
}
