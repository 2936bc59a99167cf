// Package errors keeps internal details out of error messages returned to
// API clients.
package errors

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-.]+(?:/[a-zA-Z0-9_\-.]+)+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)
	urlPattern      = regexp.MustCompile(`https?://[^\s"']+`)
	ipPattern       = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)

	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|sqlite|constraint failed|no such table|syntax error|password=|secret=|token=|api[_-]?key=)`)
)

var productionMode atomic.Bool

// SetProductionMode toggles sanitising. Call once during startup.
func SetProductionMode(production bool) {
	productionMode.Store(production)
}

// IsProduction reports whether messages are sanitised.
func IsProduction() bool {
	return productionMode.Load()
}

// userFacing lists message fragments that are safe to return unchanged.
var userFacing = []string{
	"not found",
	"no tenants configured",
	"no calculable data",
	"validation failed",
	"invalid request",
	"unauthorized",
	"forbidden",
	"already exists",
}

// SanitizeString removes paths, URLs, addresses and storage details from s.
// Outside production mode s is returned unchanged.
func SanitizeString(s string) string {
	if !IsProduction() {
		return s
	}

	if internalErrorPattern.MatchString(s) {
		return "database operation failed"
	}
	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return "internal server error"
	}

	s = urlPattern.ReplaceAllString(s, "[url]")
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})
	s = ipPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := strings.Split(match, ".")
		return fmt.Sprintf("%s.%s.x.x", parts[0], parts[1])
	})
	return s
}

// SafeErrorMessage returns the message an API client may see for err.
func SafeErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if !IsProduction() {
		return msg
	}

	lower := strings.ToLower(msg)
	for _, safe := range userFacing {
		if strings.Contains(lower, safe) {
			return SanitizeString(msg)
		}
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return SanitizeString(msg)
}
