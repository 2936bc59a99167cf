package storage

import (
	"context"
	"database/sql"
	"errors"
)

// Destination types accepted for schedule exports.
const (
	DestinationCSV        = "CSV"
	DestinationS3         = "S3"
	DestinationKafka      = "KAFKA"
	DestinationClickHouse = "CLICKHOUSE"
)

// Schedule is a recurring MTTx analysis for one tenant.
type Schedule struct {
	ID                    int64                 `json:"id"`
	TenantID              int64                 `json:"tenant_id" validate:"required,gt=0"`
	CronSchedule          string                `json:"cron_schedule" validate:"required,cron"`
	TimeUnit              string                `json:"time_unit" validate:"required,time_unit"`
	StartTimeVal          int                   `json:"start_time_val" validate:"gte=1"`
	OutputAvgMetrics      bool                  `json:"output_avg_metrics"`
	OutputCompletionRates bool                  `json:"output_completion_rates"`
	OutputIndividualCases bool                  `json:"output_individual_cases"`
	IsEnabled             bool                  `json:"is_enabled"`
	Destinations          []ScheduleDestination `json:"destinations"`
}

// NewSchedule returns a schedule populated with column defaults.
func NewSchedule() *Schedule {
	return &Schedule{
		TimeUnit:              "DAY",
		StartTimeVal:          1,
		OutputAvgMetrics:      true,
		OutputCompletionRates: true,
		IsEnabled:             true,
		Destinations:          []ScheduleDestination{},
	}
}

// ScheduleDestination is an export target for a schedule's output.
type ScheduleDestination struct {
	ID              int64  `json:"id"`
	ScheduleID      int64  `json:"schedule_id" validate:"required,gt=0"`
	DestinationType string `json:"destination_type" validate:"required,destination_type"`
	Path            string `json:"path"`
	IsEnabled       bool   `json:"is_enabled"`
}

// NewScheduleDestination returns a destination populated with column defaults.
func NewScheduleDestination() *ScheduleDestination {
	return &ScheduleDestination{DestinationType: DestinationCSV, IsEnabled: true}
}

const scheduleColumns = `id, tenant_id, cron_schedule, time_unit, start_time_val,
	output_avg_metrics, output_completion_rates, output_individual_cases, is_enabled`

func scanSchedule(row interface{ Scan(...any) error }) (*Schedule, error) {
	s := &Schedule{Destinations: []ScheduleDestination{}}
	if err := row.Scan(&s.ID, &s.TenantID, &s.CronSchedule, &s.TimeUnit, &s.StartTimeVal,
		&s.OutputAvgMetrics, &s.OutputCompletionRates, &s.OutputIndividualCases, &s.IsEnabled); err != nil {
		return nil, err
	}
	return s, nil
}

// CreateSchedule inserts a schedule.
func (d *DB) CreateSchedule(ctx context.Context, s *Schedule) (*Schedule, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO schedules (tenant_id, cron_schedule, time_unit, start_time_val,
			output_avg_metrics, output_completion_rates, output_individual_cases, is_enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.TenantID, s.CronSchedule, s.TimeUnit, s.StartTimeVal,
		boolInt(s.OutputAvgMetrics), boolInt(s.OutputCompletionRates),
		boolInt(s.OutputIndividualCases), boolInt(s.IsEnabled))
	if err != nil {
		return nil, wrapQueryError("CreateSchedule", "schedules", err)
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return nil, wrapQueryError("CreateSchedule", "schedules", err)
	}
	if s.Destinations == nil {
		s.Destinations = []ScheduleDestination{}
	}
	return s, nil
}

// UpdateSchedule stores every field of s.
func (d *DB) UpdateSchedule(ctx context.Context, s *Schedule) (*Schedule, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE schedules SET tenant_id = ?, cron_schedule = ?, time_unit = ?, start_time_val = ?,
			output_avg_metrics = ?, output_completion_rates = ?, output_individual_cases = ?, is_enabled = ?
		WHERE id = ?`,
		s.TenantID, s.CronSchedule, s.TimeUnit, s.StartTimeVal,
		boolInt(s.OutputAvgMetrics), boolInt(s.OutputCompletionRates),
		boolInt(s.OutputIndividualCases), boolInt(s.IsEnabled), s.ID)
	if err != nil {
		return nil, wrapQueryError("UpdateSchedule", "schedules", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound("UpdateSchedule", "schedules", s.ID)
	}
	return d.GetSchedule(ctx, s.ID)
}

// DeleteSchedule removes a schedule and its destinations.
func (d *DB) DeleteSchedule(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return wrapQueryError("DeleteSchedule", "schedules", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("DeleteSchedule", "schedules", id)
	}
	return nil
}

// GetSchedule returns a schedule with its destinations.
func (d *DB) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	s, err := scanSchedule(d.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetSchedule", "schedules", id)
	}
	if err != nil {
		return nil, wrapQueryError("GetSchedule", "schedules", err)
	}
	if s.Destinations, err = d.ListDestinations(ctx, id); err != nil {
		return nil, err
	}
	return s, nil
}

// ListSchedules returns the schedules of a tenant.
func (d *DB) ListSchedules(ctx context.Context, tenantID int64) ([]Schedule, error) {
	return d.querySchedules(ctx, "ListSchedules",
		`SELECT `+scheduleColumns+` FROM schedules WHERE tenant_id = ? ORDER BY id`, tenantID)
}

// ListEnabledSchedules returns every enabled schedule.
func (d *DB) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	return d.querySchedules(ctx, "ListEnabledSchedules",
		`SELECT `+scheduleColumns+` FROM schedules WHERE is_enabled = 1 ORDER BY id`)
}

func (d *DB) querySchedules(ctx context.Context, op, query string, args ...any) ([]Schedule, error) {
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapQueryError(op, "schedules", err)
	}
	schedules := []Schedule{}
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, wrapQueryError(op, "schedules", err)
		}
		schedules = append(schedules, *s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, wrapQueryError(op, "schedules", err)
	}

	for i := range schedules {
		if schedules[i].Destinations, err = d.ListDestinations(ctx, schedules[i].ID); err != nil {
			return nil, err
		}
	}
	return schedules, nil
}

const destinationColumns = `id, schedule_id, destination_type, path, is_enabled`

func scanDestination(row interface{ Scan(...any) error }) (*ScheduleDestination, error) {
	var dst ScheduleDestination
	if err := row.Scan(&dst.ID, &dst.ScheduleID, &dst.DestinationType, &dst.Path, &dst.IsEnabled); err != nil {
		return nil, err
	}
	return &dst, nil
}

// CreateDestination inserts a schedule destination.
func (d *DB) CreateDestination(ctx context.Context, dst *ScheduleDestination) (*ScheduleDestination, error) {
	res, err := d.db.ExecContext(ctx, `
		INSERT INTO schedule_destinations (schedule_id, destination_type, path, is_enabled)
		VALUES (?, ?, ?, ?)`,
		dst.ScheduleID, dst.DestinationType, dst.Path, boolInt(dst.IsEnabled))
	if err != nil {
		return nil, wrapQueryError("CreateDestination", "schedule_destinations", err)
	}
	if dst.ID, err = res.LastInsertId(); err != nil {
		return nil, wrapQueryError("CreateDestination", "schedule_destinations", err)
	}
	return dst, nil
}

// GetDestination returns a destination by id.
func (d *DB) GetDestination(ctx context.Context, id int64) (*ScheduleDestination, error) {
	dst, err := scanDestination(d.db.QueryRowContext(ctx,
		`SELECT `+destinationColumns+` FROM schedule_destinations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("GetDestination", "schedule_destinations", id)
	}
	if err != nil {
		return nil, wrapQueryError("GetDestination", "schedule_destinations", err)
	}
	return dst, nil
}

// UpdateDestination stores every field of dst.
func (d *DB) UpdateDestination(ctx context.Context, dst *ScheduleDestination) (*ScheduleDestination, error) {
	res, err := d.db.ExecContext(ctx, `
		UPDATE schedule_destinations SET schedule_id = ?, destination_type = ?, path = ?, is_enabled = ?
		WHERE id = ?`,
		dst.ScheduleID, dst.DestinationType, dst.Path, boolInt(dst.IsEnabled), dst.ID)
	if err != nil {
		return nil, wrapQueryError("UpdateDestination", "schedule_destinations", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, notFound("UpdateDestination", "schedule_destinations", dst.ID)
	}
	return dst, nil
}

// DeleteDestination removes a destination.
func (d *DB) DeleteDestination(ctx context.Context, id int64) error {
	res, err := d.db.ExecContext(ctx, `DELETE FROM schedule_destinations WHERE id = ?`, id)
	if err != nil {
		return wrapQueryError("DeleteDestination", "schedule_destinations", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("DeleteDestination", "schedule_destinations", id)
	}
	return nil
}

// ListDestinations returns the destinations of a schedule.
func (d *DB) ListDestinations(ctx context.Context, scheduleID int64) ([]ScheduleDestination, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT `+destinationColumns+` FROM schedule_destinations WHERE schedule_id = ? ORDER BY id`, scheduleID)
	if err != nil {
		return nil, wrapQueryError("ListDestinations", "schedule_destinations", err)
	}
	defer rows.Close()

	dests := []ScheduleDestination{}
	for rows.Next() {
		dst, err := scanDestination(rows)
		if err != nil {
			return nil, wrapQueryError("ListDestinations", "schedule_destinations", err)
		}
		dests = append(dests, *dst)
	}
	return dests, rows.Err()
}
