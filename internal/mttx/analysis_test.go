package mttx

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"secops-toolkit/internal/chronicle"
	"secops-toolkit/internal/storage"
)

type fakeStore struct {
	tenants map[int64]*storage.Tenant
	queries []storage.QueryConfig
	configs []storage.MTTxConfig
	seeded  int
}

func (f *fakeStore) GetTenant(ctx context.Context, id int64) (*storage.Tenant, error) {
	t, ok := f.tenants[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return t, nil
}

func (f *fakeStore) EnsureQueryConfigs(ctx context.Context, tenantID int64, defaults []storage.QueryConfig) ([]storage.QueryConfig, error) {
	if len(f.queries) == 0 {
		f.queries = defaults
		f.seeded++
	}
	return f.queries, nil
}

func (f *fakeStore) ListMTTxConfigs(ctx context.Context, tenantID int64) ([]storage.MTTxConfig, error) {
	return f.configs, nil
}

type fakeQuerier struct {
	calls     []string
	intervals []chronicle.Interval
	responses map[string]json.RawMessage
}

func (f *fakeQuerier) ExecuteDashboardQuery(ctx context.Context, query string, interval chronicle.Interval) (json.RawMessage, error) {
	f.calls = append(f.calls, query)
	f.intervals = append(f.intervals, interval)
	return f.responses[query], nil
}

func TestAnalyzerRun(t *testing.T) {
	store := &fakeStore{tenants: map[int64]*storage.Tenant{1: {ID: 1, Name: "Acme", GUID: "g", Region: "eu", GCPProjectID: "p"}}}
	q := &fakeQuerier{responses: map[string]json.RawMessage{
		defaultHistoryQuery: json.RawMessage(`{"results":[{"column":"h"}]}`),
		defaultCaseQuery:    json.RawMessage(`{"results":[{"column":"c"}]}`),
	}}

	var gotTenant *storage.Tenant
	a := NewAnalyzer(store, func(ctx context.Context, t *storage.Tenant) (Querier, error) {
		gotTenant = t
		return q, nil
	}, nil)

	res, err := a.Run(context.Background(), 1, "WEEK", 2)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if store.seeded != 1 {
		t.Errorf("seeded = %d, want 1", store.seeded)
	}
	if gotTenant == nil || gotTenant.Name != "Acme" {
		t.Errorf("factory tenant = %+v", gotTenant)
	}
	if len(q.calls) != 2 || q.calls[0] != defaultHistoryQuery || q.calls[1] != defaultCaseQuery {
		t.Errorf("query order wrong: %d calls", len(q.calls))
	}
	rel := q.intervals[0].RelativeTime
	if rel.TimeUnit != "WEEK" || rel.StartTimeVal != "2" {
		t.Errorf("interval = %+v", rel)
	}
	if string(res.CaseHistoryData) != `{"results":[{"column":"h"}]}` {
		t.Errorf("CaseHistoryData = %s", res.CaseHistoryData)
	}
}

func TestAnalyzerRunUnknownTenant(t *testing.T) {
	a := NewAnalyzer(&fakeStore{}, nil, nil)
	if _, err := a.Run(context.Background(), 9, "DAY", 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Run() error = %v, want ErrNotFound", err)
	}
}

const historyJSON = `{"results":[
	{"column":"case_history_case_id","values":[
		{"value":{"stringVal":"c1"}},{"value":{"stringVal":"c1"}},{"value":{"stringVal":"c1"}}]},
	{"column":"case_history_case_activity","values":[
		{"value":{"stringVal":"CREATE_CASE"}},{"value":{"stringVal":"STAGE_CHANGE"}},{"value":{"stringVal":"STAGE_CHANGE"}}]},
	{"column":"case_history_case_event_time","values":[
		{"value":{"int64Val":"100"}},{"value":{"int64Val":"160"}},{"value":{"int64Val":"400"}}]},
	{"column":"case_history_stage","values":[
		{"value":{"stringVal":"Triage"}},{"value":{"stringVal":"Triage"}},{"value":{"stringVal":"Contained"}}]},
	{"column":"case_history_status","values":[
		{"value":{"stringVal":"OPENED"}},{"value":{"stringVal":"OPENED"}},{"value":{"stringVal":"OPENED"}}]}
]}`

const casesJSON = `{"results":[
	{"column":"case_id","values":[{"value":{"stringVal":"c1"}}]},
	{"column":"created_time","values":[{"value":{"int64Val":"100"}}]},
	{"column":"min_event_ts","values":[{"value":{"int64Val":"40"}}]},
	{"column":"tags","values":[{"list":{"values":[{"stringVal":"phishing"}]}}]}
]}`

func TestAnalyzerCalculate(t *testing.T) {
	store := &fakeStore{configs: []storage.MTTxConfig{
		{MetricType: MetricContain, ConfigKey: "case_history_stage", ConfigValue: "Contained"},
	}}
	a := NewAnalyzer(store, nil, nil)

	m, err := a.Calculate(context.Background(), 1, json.RawMessage(historyJSON), json.RawMessage(casesJSON))
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	c1 := m.IndividualCases["c1"]
	if c1 == nil {
		t.Fatal("c1 missing")
	}
	if c1.MTTA != Known(60) || c1.MTTC != Known(240) || c1.MTTD != Known(60) {
		t.Errorf("c1 = %+v", c1)
	}
	if c1.MTTR.Valid {
		t.Errorf("c1 MTTR = %v, want unknown", c1.MTTR)
	}
	if len(c1.Tags) != 1 || c1.Tags[0] != "phishing" {
		t.Errorf("c1 tags = %v", c1.Tags)
	}
}

func TestAnalyzerCalculateNoData(t *testing.T) {
	a := NewAnalyzer(&fakeStore{}, nil, nil)
	_, err := a.Calculate(context.Background(), 1, json.RawMessage(`{"results":[]}`), json.RawMessage(casesJSON))
	if !errors.Is(err, ErrNoData) {
		t.Errorf("Calculate() error = %v, want ErrNoData", err)
	}
}
