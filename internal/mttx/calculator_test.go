package mttx

import (
	"encoding/json"
	"errors"
	"reflect"
	"strconv"
	"testing"
)

func historyRow(id, activity, ts, stage, status string) Row {
	return Row{
		ColHistoryCaseID:      id,
		ColHistoryActivity:    activity,
		ColHistoryEventTime:   ts,
		"case_history_stage":  stage,
		"case_history_status": status,
	}
}

func sampleTables() (Table, Table) {
	history := Table{Rows: []Row{
		historyRow("c1", ActivityStageChange, "1300", "Incident", "OPENED"),
		historyRow("c1", ActivityCreateCase, "1000", "Triage", "OPENED"),
		historyRow("c2", ActivityCreateCase, "500", "Triage", "OPENED"),
		historyRow("c1", ActivityStageChange, "1100", "Triage", "OPENED"),
		historyRow("c3", ActivityCreateCase, "10", "Triage", "OPENED"),
		historyRow("c4", ActivityStageChange, "70", "Triage", "OPENED"),
		historyRow("c1", "STATUS_CHANGE", "2000", "Incident", "CLOSED"),
	}}
	cases := Table{Rows: []Row{
		{
			ColCaseID:        "c1",
			ColCreatedTime:   "1000",
			ColMinEventTS:    "900",
			ColEnvironment:   "prod",
			ColDetectionRule: "r1",
			ColTags:          []any{"a", "b"},
		},
		{
			ColCaseID:      "c2",
			ColCreatedTime: "500",
			ColMinEventTS:  "600",
		},
		{ColCaseID: "c4"},
	}}
	return history, cases
}

func TestCalculate(t *testing.T) {
	history, cases := sampleTables()

	m, err := Calculate(history, cases, DefaultMetricConfigs())
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}

	if !reflect.DeepEqual(m.CaseOrder, []string{"c1", "c2"}) {
		t.Errorf("CaseOrder = %v, want [c1 c2]", m.CaseOrder)
	}
	if _, ok := m.IndividualCases["c4"]; ok {
		t.Error("c4 has no CREATE_CASE and should be skipped")
	}
	if _, ok := m.IndividualCases["c3"]; ok {
		t.Error("c3 is not in the case table and should be filtered")
	}

	c1 := m.IndividualCases["c1"]
	if c1.MTTA != Known(100) || c1.MTTC != Known(200) || c1.MTTR != Known(900) || c1.MTTD != Known(100) {
		t.Errorf("c1 = %+v", c1)
	}
	if c1.Environment != "prod" || c1.DetectionRuleName != "r1" {
		t.Errorf("c1 labels = %q, %q", c1.Environment, c1.DetectionRuleName)
	}
	if !reflect.DeepEqual(c1.Tags, []string{"a", "b"}) {
		t.Errorf("c1 tags = %v", c1.Tags)
	}

	c2 := m.IndividualCases["c2"]
	if c2.MTTA.Valid || c2.MTTC.Valid || c2.MTTR.Valid {
		t.Errorf("c2 intervals should be unknown: %+v", c2)
	}
	if c2.MTTD.Valid {
		t.Errorf("c2 MTTD = %v, want unknown for negative detection time", c2.MTTD)
	}
	if c2.Environment != "Unknown" || c2.DetectionRuleName != "Unknown" {
		t.Errorf("c2 labels = %q, %q, want Unknown", c2.Environment, c2.DetectionRuleName)
	}
	if c2.Tags == nil || len(c2.Tags) != 0 {
		t.Errorf("c2 tags = %#v, want empty list", c2.Tags)
	}

	wantAvg := AverageMetrics{MTTA: 100, MTTC: 200, MTTR: 900, MTTD: 100}
	if m.AverageMetrics != wantAvg {
		t.Errorf("AverageMetrics = %+v, want %+v", m.AverageMetrics, wantAvg)
	}
	wantRates := CompletionRates{MTTA: 33.33, MTTC: 33.33, MTTR: 33.33, MTTD: 33.33, TotalCases: 3}
	if m.CompletionRates != wantRates {
		t.Errorf("CompletionRates = %+v, want %+v", m.CompletionRates, wantRates)
	}
}

func TestCalculateCustomConfig(t *testing.T) {
	history, cases := sampleTables()
	cfg := MetricConfigs{
		Contained: MatchRule{Key: "case_history_stage", Value: "Triage"},
		Resolved:  MatchRule{Key: "no_such_column", Value: "x"},
	}

	m, err := Calculate(history, cases, cfg)
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	c1 := m.IndividualCases["c1"]
	// The earliest Triage row is the CREATE_CASE row, before the first action.
	if c1.MTTC != Known(-100) {
		t.Errorf("c1 MTTC = %v, want -100", c1.MTTC)
	}
	if c1.MTTR.Valid {
		t.Errorf("c1 MTTR = %v, want unknown", c1.MTTR)
	}
}

func TestCalculateTruncatedMean(t *testing.T) {
	history := Table{Rows: []Row{
		historyRow("a", ActivityCreateCase, "0", "", ""),
		historyRow("a", ActivityStageChange, "10", "", ""),
		historyRow("b", ActivityCreateCase, "0", "", ""),
		historyRow("b", ActivityStageChange, "11", "", ""),
	}}
	cases := Table{Rows: []Row{{ColCaseID: "a"}, {ColCaseID: "b"}}}

	m, err := Calculate(history, cases, DefaultMetricConfigs())
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if m.AverageMetrics.MTTA != 10 {
		t.Errorf("Average MTTA = %d, want 10", m.AverageMetrics.MTTA)
	}
	if m.CompletionRates.MTTA != 100 || m.CompletionRates.MTTD != 0 {
		t.Errorf("CompletionRates = %+v", m.CompletionRates)
	}
}

func TestPercentRoundsHalfEven(t *testing.T) {
	tests := []struct {
		n, total int
		want     float64
	}{
		{1, 32, 3.12},
		{5, 32, 15.62},
		{3, 32, 9.38},
		{1, 8, 12.5},
		{1, 3, 33.33},
		{2, 3, 66.67},
		{0, 0, 0},
	}
	for _, tt := range tests {
		if got := percent(tt.n, tt.total); got != tt.want {
			t.Errorf("percent(%d, %d) = %v, want %v", tt.n, tt.total, got, tt.want)
		}
	}
}

func TestCalculateCompletionTie(t *testing.T) {
	var history, cases Table
	for i := 0; i < 32; i++ {
		id := "c" + strconv.Itoa(i)
		history.Rows = append(history.Rows, historyRow(id, ActivityCreateCase, "1000", "Triage", "OPENED"))
		cases.Rows = append(cases.Rows, Row{ColCaseID: id})
	}
	history.Rows = append(history.Rows, historyRow("c0", ActivityStageChange, "1100", "Incident", "OPENED"))

	m, err := Calculate(history, cases, DefaultMetricConfigs())
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	if m.CompletionRates.MTTA != 3.12 {
		t.Errorf("MTTA completion = %v, want 3.12", m.CompletionRates.MTTA)
	}
	if m.CompletionRates.TotalCases != 32 {
		t.Errorf("TotalCases = %d, want 32", m.CompletionRates.TotalCases)
	}
}

func TestCalculateNoData(t *testing.T) {
	history, cases := sampleTables()
	tests := []struct {
		name    string
		history Table
		cases   Table
	}{
		{"empty history", Table{}, cases},
		{"empty cases", history, Table{}},
		{"no overlap", history, Table{Rows: []Row{{ColCaseID: "zzz"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Calculate(tt.history, tt.cases, DefaultMetricConfigs())
			if !errors.Is(err, ErrNoData) {
				t.Errorf("Calculate() error = %v, want ErrNoData", err)
			}
		})
	}
}

func TestCalculateBadEventTime(t *testing.T) {
	history := Table{Rows: []Row{historyRow("a", ActivityCreateCase, "yesterday", "", "")}}
	cases := Table{Rows: []Row{{ColCaseID: "a"}}}
	if _, err := Calculate(history, cases, DefaultMetricConfigs()); err == nil {
		t.Error("Calculate() error = nil, want error for non-numeric time")
	}
}

func TestMetricsJSON(t *testing.T) {
	m := &Metrics{
		IndividualCases: map[string]*CaseMetrics{
			"7": {MTTA: Known(5), Tags: []string{}, Environment: "Unknown", DetectionRuleName: "Unknown"},
		},
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var out map[string]map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	c := out["individual_cases"]["7"].(map[string]any)
	if c["MTTA"] != float64(5) || c["MTTC"] != "-" {
		t.Errorf("case 7 = %v", c)
	}
	if _, ok := out["average_metrics"]["Average_MTTD_seconds"]; !ok {
		t.Errorf("average_metrics = %v", out["average_metrics"])
	}
	if _, ok := out["completion_rates"]["total_cases"]; !ok {
		t.Errorf("completion_rates = %v", out["completion_rates"])
	}
}

func TestConfigsFromRows(t *testing.T) {
	cfg := ConfigsFromRows(nil)
	if cfg != DefaultMetricConfigs() {
		t.Errorf("ConfigsFromRows(nil) = %+v, want defaults", cfg)
	}
}
