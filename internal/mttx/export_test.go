package mttx

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleMetrics(t *testing.T) *Metrics {
	t.Helper()
	history, cases := sampleTables()
	m, err := Calculate(history, cases, DefaultMetricConfigs())
	if err != nil {
		t.Fatalf("Calculate() error = %v", err)
	}
	return m
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return records
}

func TestWriteCSV(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "exports", "metrics.csv")
	now := time.Date(2024, 7, 1, 9, 30, 0, 0, time.UTC)

	paths, err := WriteCSV(dest, "Acme", sampleMetrics(t), Outputs{true, true, true}, now)
	if err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}

	want := []string{
		filepath.Join(dir, "exports", "metrics_average_metrics.csv"),
		filepath.Join(dir, "exports", "metrics_completion_rates.csv"),
		filepath.Join(dir, "exports", "metrics_individual_cases.csv"),
	}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %s, want %s", i, paths[i], want[i])
		}
	}

	avg := readCSV(t, paths[0])
	if avg[0][0] != "Average_MTTA_seconds" || avg[1][0] != "100" {
		t.Errorf("average csv = %v", avg)
	}
	if avg[1][4] != "Acme" || avg[1][5] != "2024-07-01T09:30:00.000000+00:00" {
		t.Errorf("average csv tenant/time = %v", avg[1])
	}

	rates := readCSV(t, paths[1])
	if rates[1][0] != "33.33" || rates[1][4] != "3" {
		t.Errorf("completion csv = %v", rates)
	}

	cases := readCSV(t, paths[2])
	if cases[0][0] != "case_id" {
		t.Errorf("individual header = %v", cases[0])
	}
	if len(cases) != 3 {
		t.Fatalf("individual rows = %d, want 3", len(cases))
	}
	if strings.Join(cases[1][:6], ",") != `c1,100,200,900,100,["a","b"]` {
		t.Errorf("c1 row = %v", cases[1])
	}
	if cases[2][0] != "c2" || cases[2][1] != "-" || cases[2][6] != "Unknown" {
		t.Errorf("c2 row = %v", cases[2])
	}
}

func TestWriteCSVSelectedOutputs(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "m.csv")
	paths, err := WriteCSV(dest, "Acme", sampleMetrics(t), Outputs{CompletionRates: true}, time.Now())
	if err != nil {
		t.Fatalf("WriteCSV() error = %v", err)
	}
	if len(paths) != 1 || !strings.HasSuffix(paths[0], "m_completion_rates.csv") {
		t.Errorf("paths = %v", paths)
	}
}

func TestOutputsFilter(t *testing.T) {
	m := sampleMetrics(t)
	got := Outputs{AverageMetrics: true, IndividualCases: true}.Filter(m)
	if _, ok := got[OutputAverageMetrics]; !ok {
		t.Error("average_metrics missing")
	}
	if _, ok := got[OutputCompletionRates]; ok {
		t.Error("completion_rates should be filtered out")
	}
	if _, ok := got[OutputIndividualCases]; !ok {
		t.Error("individual_cases missing")
	}
}

func TestFtoaKeepsDecimal(t *testing.T) {
	tests := map[float64]string{
		50:    "50.0",
		0:     "0.0",
		100:   "100.0",
		33.33: "33.33",
		12.5:  "12.5",
		3.12:  "3.12",
	}
	for in, want := range tests {
		if got := ftoa(in); got != want {
			t.Errorf("ftoa(%v) = %q, want %q", in, got, want)
		}
	}
}
