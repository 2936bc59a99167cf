package mttx

import (
	"secops-toolkit/internal/storage"
)

// Metric types that carry a configurable milestone rule.
const (
	MetricContain = "MTTC"
	MetricRespond = "MTTR"
)

// Names of the two dashboard queries an analysis runs.
const (
	QueryHistory = "query_history"
	QueryCase    = "query_case"
)

// MatchRule identifies history rows where column Key equals Value.
type MatchRule struct {
	Key   string `json:"config_key"`
	Value string `json:"config_value"`
}

// matches reports whether the event row satisfies the rule.
func (r MatchRule) matches(e historyEvent) bool {
	s, ok := cellString(e.row[r.Key])
	return ok && s == r.Value
}

// MetricConfigs selects the milestones used for containment and resolution.
type MetricConfigs struct {
	Contained MatchRule
	Resolved  MatchRule
}

// DefaultMetricConfigs returns the rules used when a tenant has none stored.
func DefaultMetricConfigs() MetricConfigs {
	return MetricConfigs{
		Contained: MatchRule{Key: "case_history_stage", Value: "Incident"},
		Resolved:  MatchRule{Key: "case_history_status", Value: "CLOSED"},
	}
}

// ConfigsFromRows overlays stored tenant rows on the defaults.
func ConfigsFromRows(rows []storage.MTTxConfig) MetricConfigs {
	cfg := DefaultMetricConfigs()
	for _, r := range rows {
		rule := MatchRule{Key: r.ConfigKey, Value: r.ConfigValue}
		switch r.MetricType {
		case MetricContain:
			cfg.Contained = rule
		case MetricRespond:
			cfg.Resolved = rule
		}
	}
	return cfg
}

// DefaultMTTxConfigRows returns the rows seeded for a tenant without configs.
func DefaultMTTxConfigRows(tenantID int64) []storage.MTTxConfig {
	d := DefaultMetricConfigs()
	return []storage.MTTxConfig{
		{MetricType: MetricContain, ConfigKey: d.Contained.Key, ConfigValue: d.Contained.Value, TenantID: tenantID},
		{MetricType: MetricRespond, ConfigKey: d.Resolved.Key, ConfigValue: d.Resolved.Value, TenantID: tenantID},
	}
}

const defaultHistoryQuery = `
$case_history_case_id = case_history.case_response_platform_info.case_id
$case_history_case_activity = case_history.case_activity
$case_history_case_event_time = case_history.event_time.seconds
$case_history_stage = case_history.stage
$case_history_status = case_history.status
match: $case_history_case_id, $case_history_case_activity, $case_history_case_event_time, $case_history_stage, $case_history_status
order: $case_history_case_id desc
limit: 1000
`

const defaultCaseQuery = `
$case_id = case.response_platform_info.response_platform_id
$created_time = case.create_time.seconds
$environment = case.environment
cast.as_int(case.alerts.metadata.collection_elements.references.event.metadata.event_timestamp.seconds) > 0
$detection_rule_name = case.alerts.metadata.detection.rule_name
match: $case_id, $environment, $created_time, $detection_rule_name
outcome:
    $min_event_ts = min(case.alerts.metadata.collection_elements.references.event.metadata.event_timestamp.seconds)
    $tags = array_distinct(case.tags.name)
order: $case_id desc
limit: 1000
`

// DefaultQueryRows returns the dashboard queries seeded for a tenant.
func DefaultQueryRows(tenantID int64) []storage.QueryConfig {
	return []storage.QueryConfig{
		{Name: QueryHistory, QueryText: defaultHistoryQuery, TenantID: tenantID},
		{Name: QueryCase, QueryText: defaultCaseQuery, TenantID: tenantID},
	}
}

// DefaultCaseStatuses returns the fixed SOAR case status catalogue.
func DefaultCaseStatuses() []storage.CaseStatus {
	return []storage.CaseStatus{
		{ID: 0, Name: "UNSPECIFIED"},
		{ID: 1, Name: "OPENED"},
		{ID: 2, Name: "CLOSED"},
		{ID: 3, Name: "ALL"},
		{ID: 4, Name: "MERGED"},
		{ID: 5, Name: "CREATION_PENDING"},
	}
}
