package logging

import (
	"log/slog"
	"regexp"
	"strings"
)

// MaskedValue replaces sensitive values.
const MaskedValue = "[REDACTED]"

// sensitiveKeywords are matched case-insensitively as substrings of field names.
var sensitiveKeywords = []string{
	"password",
	"secret",
	"token",
	"api_key",
	"apikey",
	"appkey",
	"x-apikey",
	"authorization",
	"bearer",
	"credentials",
	"private_key",
	"client_secret",
	"cookie",
}

// IsSensitiveField reports whether a field name looks like it holds a secret.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, kw := range sensitiveKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// MaskSensitiveValue masks value when fieldName is sensitive.
func MaskSensitiveValue(fieldName, value string) string {
	if value == "" || !IsSensitiveField(fieldName) {
		return value
	}
	return MaskedValue
}

// MaskAPIKey keeps the first and last four characters of a key.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|appkey|token|secret|password)(["']?\s*[=:]\s*["']?)([A-Za-z0-9_\-\.]+)`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9_\-\.]+`),
	regexp.MustCompile(`ya29\.[A-Za-z0-9_\-\.]+`),
}

// MaskSensitivePatterns masks credentials embedded in free text such as
// response bodies.
func MaskSensitivePatterns(s string) string {
	for _, p := range sensitivePatterns {
		s = p.ReplaceAllStringFunc(s, func(m string) string {
			if sub := p.FindStringSubmatch(m); len(sub) == 4 {
				return sub[1] + sub[2] + MaskedValue
			}
			return MaskedValue
		})
	}
	return s
}

// redactAttr is a slog ReplaceAttr hook that masks sensitive string attributes.
func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString && IsSensitiveField(a.Key) {
		return slog.String(a.Key, MaskSensitiveValue(a.Key, a.Value.String()))
	}
	return a
}
