// Package redact scrubs secret-bearing substrings out of free-form text
// before it reaches a log line or a ticket note. It matches known
// secret-key patterns in key/value, JSON, and NAME=value shapes and
// replaces the value with a fixed placeholder.
package redact

import "regexp"

// Placeholder replaces any matched secret value.
const Placeholder = "[REDACTED]"

// secretKeys are the case-insensitive key fragments treated as
// secret-bearing. Matching is deliberately broad: a false positive just
// redacts something harmless, a false negative leaks a credential.
var secretKeys = []string{
	"token",
	"password",
	"passwd",
	"secret",
	"api[_-]?key",
	"apikey",
	"auth",
	"bearer",
	"pfx[_-]?password",
	"private[_-]?key",
	"access[_-]?key",
	"client[_-]?secret",
}

var patterns []*regexp.Regexp

func init() {
	for _, key := range secretKeys {
		// NAME=value or NAME: value, value runs until whitespace, comma,
		// quote, or closing brace/bracket.
		patterns = append(patterns,
			regexp.MustCompile(`(?i)(`+key+`)\s*[:=]\s*"?([^",\s}\]]+)"?`),
		)
		// JSON "name": "value"
		patterns = append(patterns,
			regexp.MustCompile(`(?i)"([^"]*`+key+`[^"]*)"\s*:\s*"([^"]*)"`),
		)
	}
}

// String scrubs all recognised secret-bearing substrings out of s.
func String(s string) string {
	out := s
	for _, p := range patterns {
		out = p.ReplaceAllString(out, "${1}="+Placeholder)
	}
	return out
}

// Map returns a copy of m with any value whose key looks secret-bearing
// replaced by the placeholder. Used for scrubbing config dumps.
func Map(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if looksSecret(k) {
			out[k] = Placeholder
		} else {
			out[k] = v
		}
	}
	return out
}

var keyMatcher *regexp.Regexp

func init() {
	expr := ""
	for i, key := range secretKeys {
		if i > 0 {
			expr += "|"
		}
		expr += key
	}
	keyMatcher = regexp.MustCompile(`(?i)(` + expr + `)`)
}

func looksSecret(key string) bool {
	return keyMatcher.MatchString(key)
}
