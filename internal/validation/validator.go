// Package validation checks API request bodies with struct tags.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
)

// TimeUnits are the relative time units accepted by dashboard queries.
var TimeUnits = []string{"SECOND", "MINUTE", "HOUR", "DAY", "WEEK", "MONTH"}

// DestinationTypes are the supported schedule destinations.
var DestinationTypes = []string{"CSV", "S3", "KAFKA", "CLICKHOUSE"}

// Error lists the failing fields of a request.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Validator wraps a configured validator.Validate.
type Validator struct {
	validate *validator.Validate
}

// New creates a Validator with the cron, time_unit and destination_type rules.
func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())

	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterValidation("cron", func(fl validator.FieldLevel) bool {
		return ValidCron(fl.Field().String())
	})
	v.RegisterValidation("time_unit", func(fl validator.FieldLevel) bool {
		return oneOf(fl.Field().String(), TimeUnits)
	})
	v.RegisterValidation("destination_type", func(fl validator.FieldLevel) bool {
		return oneOf(fl.Field().String(), DestinationTypes)
	})

	return &Validator{validate: v}
}

// Struct validates s, returning *Error for field failures.
func (v *Validator) Struct(s any) error {
	return fieldErrors(v.validate.Struct(s))
}

// StructExcept validates s while skipping the named Go struct fields.
func (v *Validator) StructExcept(s any, fields ...string) error {
	return fieldErrors(v.validate.StructExcept(s, fields...))
}

func fieldErrors(err error) error {
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := &Error{Fields: make(map[string]string, len(verrs))}
	for _, fe := range verrs {
		out.Fields[fe.Field()] = message(fe)
	}
	return out
}

// ValidCron reports whether expr is a standard five-field crontab expression.
func ValidCron(expr string) bool {
	_, err := cron.ParseStandard(expr)
	return err == nil
}

func oneOf(s string, allowed []string) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must be at most " + fe.Param()
	case "url":
		return "must be a URL"
	case "cron":
		return "must be a five-field cron expression"
	case "time_unit":
		return "must be one of " + strings.Join(TimeUnits, ", ")
	case "destination_type":
		return "must be one of " + strings.Join(DestinationTypes, ", ")
	default:
		return "failed " + fe.Tag()
	}
}
