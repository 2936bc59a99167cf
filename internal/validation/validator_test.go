package validation

import (
	"errors"
	"testing"
)

type scheduleRequest struct {
	TenantID     int64  `json:"tenant_id" validate:"required,min=1"`
	CronSchedule string `json:"cron_schedule" validate:"required,cron"`
	TimeUnit     string `json:"time_unit" validate:"omitempty,time_unit"`
}

type destinationRequest struct {
	Type string `json:"destination_type" validate:"required,destination_type"`
	Path string `json:"path" validate:"required"`
}

func TestValidCron(t *testing.T) {
	tests := []struct {
		expr string
		want bool
	}{
		{"0 6 * * *", true},
		{"*/15 * * * 1-5", true},
		{"@daily", true},
		{"0 0 6 * * *", false},
		{"not a cron", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := ValidCron(tt.expr); got != tt.want {
			t.Errorf("ValidCron(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestStruct(t *testing.T) {
	v := New()

	tests := []struct {
		name       string
		req        any
		wantFields []string
	}{
		{"valid schedule", scheduleRequest{TenantID: 1, CronSchedule: "0 6 * * *", TimeUnit: "DAY"}, nil},
		{"missing tenant", scheduleRequest{CronSchedule: "0 6 * * *"}, []string{"tenant_id"}},
		{"bad cron and unit", scheduleRequest{TenantID: 1, CronSchedule: "every day", TimeUnit: "YEAR"}, []string{"cron_schedule", "time_unit"}},
		{"valid destination", destinationRequest{Type: "KAFKA", Path: "mttx"}, nil},
		{"bad destination", destinationRequest{Type: "FTP"}, []string{"destination_type", "path"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Struct(tt.req)
			if len(tt.wantFields) == 0 {
				if err != nil {
					t.Fatalf("Struct() error = %v", err)
				}
				return
			}
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("Struct() error = %v, want *Error", err)
			}
			if len(verr.Fields) != len(tt.wantFields) {
				t.Errorf("Fields = %v, want keys %v", verr.Fields, tt.wantFields)
			}
			for _, f := range tt.wantFields {
				if _, ok := verr.Fields[f]; !ok {
					t.Errorf("Fields missing %q: %v", f, verr.Fields)
				}
			}
		})
	}
}

func TestStructExcept(t *testing.T) {
	v := New()
	if err := v.StructExcept(destinationRequest{Type: "S3"}, "Path"); err != nil {
		t.Errorf("StructExcept(Path) error = %v", err)
	}
	var verr *Error
	if err := v.StructExcept(destinationRequest{Type: "FTP"}, "Path"); !errors.As(err, &verr) {
		t.Fatalf("StructExcept() error = %v, want *Error", err)
	}
	if _, ok := verr.Fields["destination_type"]; !ok || len(verr.Fields) != 1 {
		t.Errorf("Fields = %v, want only destination_type", verr.Fields)
	}
}
