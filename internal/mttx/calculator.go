package mttx

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Column names produced by the default dashboard queries.
const (
	ColHistoryCaseID    = "case_history_case_id"
	ColHistoryActivity  = "case_history_case_activity"
	ColHistoryEventTime = "case_history_case_event_time"
	ColCaseID           = "case_id"
	ColCreatedTime      = "created_time"
	ColMinEventTS       = "min_event_ts"
	ColTags             = "tags"
	ColEnvironment      = "environment"
	ColDetectionRule    = "detection_rule_name"
)

// Case activities used as lifecycle milestones.
const (
	ActivityCreateCase  = "CREATE_CASE"
	ActivityStageChange = "STAGE_CHANGE"
)

const unknownLabel = "Unknown"

// ErrNoData is returned when the inputs contain nothing to measure.
var ErrNoData = errors.New("mttx: no calculable data")

// Seconds is a metric interval in seconds. Unknown intervals render as "-".
type Seconds struct {
	Value int64
	Valid bool
}

// Known returns a valid interval.
func Known(v int64) Seconds {
	return Seconds{Value: v, Valid: true}
}

// String renders the interval the way exports display it.
func (s Seconds) String() string {
	if !s.Valid {
		return "-"
	}
	return strconv.FormatInt(s.Value, 10)
}

// MarshalJSON implements json.Marshaler.
func (s Seconds) MarshalJSON() ([]byte, error) {
	if !s.Valid {
		return []byte(`"-"`), nil
	}
	return []byte(strconv.FormatInt(s.Value, 10)), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Seconds) UnmarshalJSON(b []byte) error {
	str := strings.TrimSpace(string(b))
	if str == `"-"` || str == "null" {
		*s = Seconds{}
		return nil
	}
	v, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid interval %s", str)
	}
	*s = Known(v)
	return nil
}

// CaseMetrics holds the intervals measured for a single case.
type CaseMetrics struct {
	MTTA              Seconds  `json:"MTTA"`
	MTTC              Seconds  `json:"MTTC"`
	MTTR              Seconds  `json:"MTTR"`
	MTTD              Seconds  `json:"MTTD"`
	Tags              []string `json:"tags"`
	Environment       string   `json:"environment"`
	DetectionRuleName string   `json:"detection_rule_name"`
}

// AverageMetrics holds fleet-wide mean intervals, truncated to whole seconds.
type AverageMetrics struct {
	MTTA int64 `json:"Average_MTTA_seconds"`
	MTTC int64 `json:"Average_MTTC_seconds"`
	MTTR int64 `json:"Average_MTTR_seconds"`
	MTTD int64 `json:"Average_MTTD_seconds"`
}

// CompletionRates holds the share of cases for which each metric was measurable.
type CompletionRates struct {
	MTTA       float64 `json:"MTTA_completion_percent"`
	MTTC       float64 `json:"MTTC_completion_percent"`
	MTTR       float64 `json:"MTTR_completion_percent"`
	MTTD       float64 `json:"MTTD_completion_percent"`
	TotalCases int     `json:"total_cases"`
}

// Metrics is the full result of a calculation.
type Metrics struct {
	IndividualCases map[string]*CaseMetrics `json:"individual_cases"`
	AverageMetrics  AverageMetrics          `json:"average_metrics"`
	CompletionRates CompletionRates         `json:"completion_rates"`

	// CaseOrder lists case ids in the order they were first seen in the history.
	CaseOrder []string `json:"-"`
}

type historyEvent struct {
	row     Row
	time    float64
	hasTime bool
}

// Calculate derives per-case and aggregate MTTx metrics.
//
// history is the case history table (one row per case activity) and cases
// is the case table carrying creation time and earliest event timestamp.
// ErrNoData is returned when either table is empty or when no history row
// belongs to a case present in the case table.
func Calculate(history, cases Table, cfg MetricConfigs) (*Metrics, error) {
	if history.Empty() || cases.Empty() {
		return nil, ErrNoData
	}

	validIDs := make(map[string]struct{}, cases.Len())
	for _, row := range cases.Rows {
		if id, ok := cellString(row[ColCaseID]); ok {
			validIDs[id] = struct{}{}
		}
	}

	perCase := make(map[string][]historyEvent)
	var order []string
	for _, row := range history.Rows {
		id, ok := cellString(row[ColHistoryCaseID])
		if !ok {
			continue
		}
		if _, valid := validIDs[id]; !valid {
			continue
		}
		ts, hasTime, err := cellNumber(row[ColHistoryEventTime])
		if err != nil {
			return nil, fmt.Errorf("case %s: %s: %w", id, ColHistoryEventTime, err)
		}
		if _, seen := perCase[id]; !seen {
			order = append(order, id)
		}
		perCase[id] = append(perCase[id], historyEvent{row: row, time: ts, hasTime: hasTime})
	}

	if len(order) == 0 {
		return nil, ErrNoData
	}
	totalCases := len(order)

	m := &Metrics{IndividualCases: make(map[string]*CaseMetrics, totalCases)}
	var mtta, mttc, mttr, mttd []float64

	for _, id := range order {
		events := perCase[id]
		sortEvents(events)

		created, hasCreate := findCreated(events)
		if !hasCreate {
			continue
		}

		firstAction := minTime(events, func(e historyEvent) bool {
			return created.hasTime && e.time > created.time && activity(e.row) == ActivityStageChange
		})
		contained := minTime(events, cfg.Contained.matches)
		closed := minTime(events, cfg.Resolved.matches)

		cm := &CaseMetrics{}
		if firstAction.hasTime {
			d := firstAction.time - created.time
			cm.MTTA = Known(int64(d))
			mtta = append(mtta, d)

			if contained.hasTime {
				d := contained.time - firstAction.time
				cm.MTTC = Known(int64(d))
				mttc = append(mttc, d)
			}
			if closed.hasTime {
				d := closed.time - firstAction.time
				cm.MTTR = Known(int64(d))
				mttr = append(mttr, d)
			}
		}

		m.IndividualCases[id] = cm
		m.CaseOrder = append(m.CaseOrder, id)
	}

	for _, row := range cases.Rows {
		id, ok := cellString(row[ColCaseID])
		if !ok {
			continue
		}
		cm, present := m.IndividualCases[id]
		if !present {
			continue
		}

		cm.Tags = cellStrings(row[ColTags])
		cm.Environment = labelOrUnknown(row, ColEnvironment)
		cm.DetectionRuleName = labelOrUnknown(row, ColDetectionRule)

		createdAt, okCreated, err := cellNumber(row[ColCreatedTime])
		if err != nil {
			return nil, fmt.Errorf("case %s: %s: %w", id, ColCreatedTime, err)
		}
		minEvent, okMin, err := cellNumber(row[ColMinEventTS])
		if err != nil {
			return nil, fmt.Errorf("case %s: %s: %w", id, ColMinEventTS, err)
		}
		if okCreated && okMin && createdAt-minEvent >= 0 {
			d := createdAt - minEvent
			cm.MTTD = Known(int64(d))
			mttd = append(mttd, d)
		} else {
			cm.MTTD = Seconds{}
		}
	}

	for _, cm := range m.IndividualCases {
		if cm.Tags == nil {
			cm.Tags = []string{}
		}
		if cm.Environment == "" {
			cm.Environment = unknownLabel
		}
		if cm.DetectionRuleName == "" {
			cm.DetectionRuleName = unknownLabel
		}
	}

	m.AverageMetrics = AverageMetrics{
		MTTA: mean(mtta),
		MTTC: mean(mttc),
		MTTR: mean(mttr),
		MTTD: mean(mttd),
	}
	m.CompletionRates = CompletionRates{
		MTTA:       percent(len(mtta), totalCases),
		MTTC:       percent(len(mttc), totalCases),
		MTTR:       percent(len(mttr), totalCases),
		MTTD:       percent(len(mttd), totalCases),
		TotalCases: totalCases,
	}

	return m, nil
}

// sortEvents orders events by time; events without a time sort last.
func sortEvents(events []historyEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.hasTime != b.hasTime {
			return a.hasTime
		}
		return a.time < b.time
	})
}

func findCreated(events []historyEvent) (historyEvent, bool) {
	for _, e := range events {
		if activity(e.row) == ActivityCreateCase {
			return e, true
		}
	}
	return historyEvent{}, false
}

func minTime(events []historyEvent, match func(historyEvent) bool) historyEvent {
	var best historyEvent
	for _, e := range events {
		if !e.hasTime || !match(e) {
			continue
		}
		if !best.hasTime || e.time < best.time {
			best = e
		}
	}
	return best
}

func activity(row Row) string {
	s, _ := cellString(row[ColHistoryActivity])
	return s
}

func labelOrUnknown(row Row, col string) string {
	if s, ok := cellString(row[col]); ok && s != "" {
		return s
	}
	return unknownLabel
}

func mean(vals []float64) int64 {
	if len(vals) == 0 {
		return 0
	}
	var sum float64
	for _, v := range vals {
		sum += v
	}
	return int64(sum / float64(len(vals)))
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	// Round on the shortest decimal form so ties go to even.
	v, _ := strconv.ParseFloat(strconv.FormatFloat(float64(n)/float64(total)*100, 'f', 2, 64), 64)
	return v
}

// cellString renders a scalar cell as a string.
func cellString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	default:
		return fmt.Sprint(x), true
	}
}

// cellNumber parses a numeric cell. Nil and empty cells report ok=false;
// non-numeric text is an error.
func cellNumber(v any) (float64, bool, error) {
	switch x := v.(type) {
	case nil:
		return 0, false, nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false, fmt.Errorf("not numeric: %q", x.String())
		}
		return f, true, nil
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false, fmt.Errorf("not numeric: %q", x)
		}
		return f, true, nil
	case float64:
		return x, !math.IsNaN(x), nil
	case int:
		return float64(x), true, nil
	case int64:
		return float64(x), true, nil
	default:
		return 0, false, fmt.Errorf("not numeric: %v", x)
	}
}

func cellStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := cellString(item); ok {
			out = append(out, s)
		}
	}
	return out
}
