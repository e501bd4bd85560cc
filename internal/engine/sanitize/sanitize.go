// Package sanitize strips credentials from trigger payloads and error text
// before they are persisted in execution records.
package sanitize

import (
	"net/url"
	"regexp"
	"strings"
)

// sensitiveFieldPatterns match field names case-insensitively.
// "*x" matches suffixes, "x*" prefixes, "*x*" substrings.
var sensitiveFieldPatterns = []string{
	"*token",
	"*secret",
	"*password",
	"*passwd",
	"api_key",
	"apikey",
	"private_key",
	"authorization",
	"*_auth",
	"cookie",
	"set-cookie",
	"credential*",
	"*signature*",
}

// serviceSensitiveFields are dropped for one service only.
var serviceSensitiveFields = map[string][]string{
	"slack": {
		"bot_profile",
		"app_id",
	},
	"github": {
		"installation",
	},
}

var redactPatterns = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`Bearer [a-zA-Z0-9_\-.=]+`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`Basic [a-zA-Z0-9+/=]+`), "Basic [REDACTED]"},
	{regexp.MustCompile(`token=[a-zA-Z0-9_\-.]+`), "token=[REDACTED]"},
	{regexp.MustCompile(`access_token=[a-zA-Z0-9_\-.]+`), "access_token=[REDACTED]"},
	{regexp.MustCompile(`gh[pousr]_[a-zA-Z0-9]+`), "[REDACTED-GITHUB-TOKEN]"},
	{regexp.MustCompile(`xox[bpas]-[a-zA-Z0-9-]+`), "[REDACTED-SLACK-TOKEN]"},
}

// Payload returns a copy of event without sensitive fields, recursing into
// nested objects and arrays.
func Payload(event map[string]any, service string) map[string]any {
	if event == nil {
		return nil
	}
	cleaned := make(map[string]any, len(event))

	for key, value := range event {
		if isSensitiveField(key) || isServiceSensitiveField(key, service) {
			continue
		}

		switch v := value.(type) {
		case map[string]any:
			cleaned[key] = Payload(v, service)
		case []any:
			cleaned[key] = array(v, service)
		default:
			cleaned[key] = value
		}
	}

	return cleaned
}

// URL renders a reaction endpoint for logs, redacting query parameters
// named like credentials and any userinfo password.
func URL(u *url.URL) string {
	if u == nil {
		return ""
	}

	safe := *u
	if u.User != nil {
		if _, ok := u.User.Password(); ok {
			safe.User = url.UserPassword(u.User.Username(), "REDACTED")
		}
	}
	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if isSensitiveField(name) {
				q.Set(name, "[REDACTED]")
			}
		}
		safe.RawQuery = q.Encode()
	}
	return safe.String()
}

// ErrorMessage returns err's text with credentials redacted.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return Text(err.Error())
}

// Text redacts credentials from s.
func Text(s string) string {
	for _, p := range redactPatterns {
		s = p.pattern.ReplaceAllString(s, p.replacement)
	}
	return s
}

func isSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, pattern := range sensitiveFieldPatterns {
		if matchesPattern(lower, pattern) {
			return true
		}
	}
	return false
}

func isServiceSensitiveField(fieldName, service string) bool {
	for _, f := range serviceSensitiveFields[service] {
		if strings.EqualFold(fieldName, f) {
			return true
		}
	}
	return false
}

func matchesPattern(fieldName, pattern string) bool {
	switch {
	case strings.HasPrefix(pattern, "*") && strings.HasSuffix(pattern, "*"):
		return strings.Contains(fieldName, strings.Trim(pattern, "*"))
	case strings.HasPrefix(pattern, "*"):
		return strings.HasSuffix(fieldName, strings.TrimPrefix(pattern, "*"))
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(fieldName, strings.TrimSuffix(pattern, "*"))
	default:
		return fieldName == pattern
	}
}

func array(arr []any, service string) []any {
	cleaned := make([]any, 0, len(arr))
	for _, item := range arr {
		switch v := item.(type) {
		case map[string]any:
			cleaned = append(cleaned, Payload(v, service))
		case []any:
			cleaned = append(cleaned, array(v, service))
		default:
			cleaned = append(cleaned, item)
		}
	}
	return cleaned
}
