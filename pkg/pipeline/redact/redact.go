package redact

import (
	"regexp"
	"sort"
	"strings"
)

var (
	// Matches "Bearer <token>" and "Basic <credentials>".
	bearerTokenRe = regexp.MustCompile(`(?i)\b(Bearer|Basic)\s+[^\s"']+`)

	// Common key=value formats that sometimes leak in error strings and URLs.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|access[_-]?token|token|secret|password)\b\s*[:=]\s*[^\s"'&]+`)
)

// Header names whose values are never logged.
var sensitiveHeaders = map[string]struct{}{
	"authorization":       {},
	"proxy-authorization": {},
	"cookie":              {},
	"set-cookie":          {},
	"x-api-key":           {},
	"x-auth-token":        {},
}

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := s
	out = bearerTokenRe.ReplaceAllString(out, "$1 <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	return strings.TrimSpace(out)
}

// Headers returns a copy of h safe for logging: values of credential headers are replaced
// and every other value is passed through Secrets.
func Headers(h map[string]string) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if _, ok := sensitiveHeaders[strings.ToLower(strings.TrimSpace(k))]; ok {
			out[k] = "<redacted>"
			continue
		}
		out[k] = Secrets(v)
	}
	return out
}

// HeaderNames returns the sorted header names of h.
func HeaderNames(h map[string]string) []string {
	names := make([]string, 0, len(h))
	for k := range h {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Truncate redacts b, flattens newlines and caps it at max bytes, appending "..." when cut.
func Truncate(b []byte, max int) string {
	if len(b) == 0 {
		return ""
	}
	cut := b
	if max > 0 && len(cut) > max {
		cut = cut[:max]
	}
	s := Secrets(string(cut))
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if max > 0 && len(b) > max {
		return s + "..."
	}
	return s
}
