package mttx

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Output names used in filtered results and export file suffixes.
const (
	OutputAverageMetrics  = "average_metrics"
	OutputCompletionRates = "completion_rates"
	OutputIndividualCases = "individual_cases"
)

// ExportTimeLayout matches an ISO 8601 timestamp with microseconds and offset.
const ExportTimeLayout = "2006-01-02T15:04:05.000000-07:00"

// Outputs selects which parts of a result are exported.
type Outputs struct {
	AverageMetrics  bool
	CompletionRates bool
	IndividualCases bool
}

// Filter returns the selected parts keyed by output name.
func (o Outputs) Filter(m *Metrics) map[string]any {
	out := make(map[string]any, 3)
	if o.AverageMetrics {
		out[OutputAverageMetrics] = m.AverageMetrics
	}
	if o.CompletionRates {
		out[OutputCompletionRates] = m.CompletionRates
	}
	if o.IndividualCases {
		out[OutputIndividualCases] = m.IndividualCases
	}
	return out
}

// ExportFile is one rendered CSV document.
type ExportFile struct {
	Name string
	Body []byte
}

// RenderCSV renders the selected outputs as CSV documents. Each document gets
// tenant_name and export_datetime columns.
func RenderCSV(m *Metrics, outputs Outputs, tenantName string, now time.Time) ([]ExportFile, error) {
	exportedAt := now.UTC().Format(ExportTimeLayout)
	var files []ExportFile

	if outputs.AverageMetrics {
		a := m.AverageMetrics
		body, err := writeRecords(
			[]string{"Average_MTTA_seconds", "Average_MTTC_seconds", "Average_MTTR_seconds", "Average_MTTD_seconds", "tenant_name", "export_datetime"},
			[][]string{{itoa(a.MTTA), itoa(a.MTTC), itoa(a.MTTR), itoa(a.MTTD), tenantName, exportedAt}},
		)
		if err != nil {
			return nil, err
		}
		files = append(files, ExportFile{Name: OutputAverageMetrics, Body: body})
	}

	if outputs.CompletionRates {
		c := m.CompletionRates
		body, err := writeRecords(
			[]string{"MTTA_completion_percent", "MTTC_completion_percent", "MTTR_completion_percent", "MTTD_completion_percent", "total_cases", "tenant_name", "export_datetime"},
			[][]string{{ftoa(c.MTTA), ftoa(c.MTTC), ftoa(c.MTTR), ftoa(c.MTTD), strconv.Itoa(c.TotalCases), tenantName, exportedAt}},
		)
		if err != nil {
			return nil, err
		}
		files = append(files, ExportFile{Name: OutputCompletionRates, Body: body})
	}

	if outputs.IndividualCases && len(m.IndividualCases) > 0 {
		rows := make([][]string, 0, len(m.IndividualCases))
		for _, id := range m.caseIDs() {
			cm := m.IndividualCases[id]
			tags, err := json.Marshal(cm.Tags)
			if err != nil {
				return nil, fmt.Errorf("encode tags for case %s: %w", id, err)
			}
			rows = append(rows, []string{
				id,
				cm.MTTA.String(), cm.MTTC.String(), cm.MTTR.String(), cm.MTTD.String(),
				string(tags), cm.Environment, cm.DetectionRuleName,
				tenantName, exportedAt,
			})
		}
		body, err := writeRecords(
			[]string{"case_id", "MTTA", "MTTC", "MTTR", "MTTD", "tags", "environment", "detection_rule_name", "tenant_name", "export_datetime"},
			rows,
		)
		if err != nil {
			return nil, err
		}
		files = append(files, ExportFile{Name: OutputIndividualCases, Body: body})
	}

	return files, nil
}

// WriteCSV writes the selected outputs next to dest. A dest of
// "out/metrics.csv" produces "out/metrics_average_metrics.csv" and so on.
// It returns the paths written.
func WriteCSV(dest, tenantName string, m *Metrics, outputs Outputs, now time.Time) ([]string, error) {
	files, err := RenderCSV(m, outputs, tenantName, now)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(dest); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create export directory: %w", err)
		}
	}

	ext := filepath.Ext(dest)
	base := strings.TrimSuffix(dest, ext)

	paths := make([]string, 0, len(files))
	for _, f := range files {
		p := fmt.Sprintf("%s_%s%s", base, f.Name, ext)
		if err := os.WriteFile(p, f.Body, 0o644); err != nil {
			return paths, fmt.Errorf("write %s: %w", p, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// caseIDs returns case ids in first-seen order, falling back to sorted order
// for results that were decoded rather than calculated.
func (m *Metrics) caseIDs() []string {
	if len(m.CaseOrder) == len(m.IndividualCases) {
		return m.CaseOrder
	}
	ids := make([]string, 0, len(m.IndividualCases))
	for id := range m.IndividualCases {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func writeRecords(header []string, rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(header); err != nil {
		return nil, err
	}
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("write csv: %w", err)
	}
	return buf.Bytes(), nil
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

// ftoa keeps one decimal on integral values so 50 renders as "50.0".
func ftoa(v float64) string {
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}
