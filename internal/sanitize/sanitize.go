// Package sanitize masks sensitive values before a context tree or event
// payload is logged or persisted: an explicit traversal over a closed set
// of sensitive key matchers and value patterns, bounded to a fixed
// recursion depth.
package sanitize

import (
	"regexp"
	"strings"
)

// DefaultMask is substituted for any value judged sensitive.
const DefaultMask = "***MASKED***"

// DefaultMaxDepth bounds traversal of nested maps/slices; values beyond it
// are masked outright rather than walked further.
const DefaultMaxDepth = 10

// sensitiveKeys is the closed set of key name fragments (case-insensitive)
// that mark a map entry as sensitive regardless of its value's shape.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_key":    true,
	"secret_key":    true,
	"private_key":   true,
	"authorization": true,
	"credential":    true,
	"ciphertext":    true,
	"encrypted_key": true,
	"client_secret": true,
	"session_id":    true,
	"cookie":        true,
}

// valuePatterns catches secret-shaped values even under an innocuous key.
var valuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^AKIA[0-9A-Z]{16}$`),           // AWS access key id
	regexp.MustCompile(`^(?i)bearer\s+\S+$`),           // Authorization: Bearer ...
	regexp.MustCompile(`^[A-Za-z0-9_-]{20,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}$`), // JWT-shaped
}

// Sanitizer masks sensitive values in context trees and event payloads
// before they reach a log sink or a persisted record.
type Sanitizer struct {
	mask     string
	maxDepth int
}

// New constructs a Sanitizer with the default mask and depth cap.
func New() *Sanitizer {
	return &Sanitizer{mask: DefaultMask, maxDepth: DefaultMaxDepth}
}

// WithMask returns a copy of the Sanitizer using a custom mask string.
func (s *Sanitizer) WithMask(mask string) *Sanitizer {
	return &Sanitizer{mask: mask, maxDepth: s.maxDepth}
}

// Map returns a masked copy of data, leaving the input untouched.
func (s *Sanitizer) Map(data map[string]any) map[string]any {
	out, _ := s.walk(data, 0).(map[string]any)
	if out == nil {
		return map[string]any{}
	}
	return out
}

// Value returns a masked copy of an arbitrary value (map, slice, or scalar).
func (s *Sanitizer) Value(v any) any {
	return s.walk(v, 0)
}

func (s *Sanitizer) walk(v any, depth int) any {
	if depth >= s.maxDepth {
		return s.maskIfSensitiveValue(v)
	}

	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, val := range typed {
			if isSensitiveKey(key) {
				out[key] = s.mask
				continue
			}
			out[key] = s.walk(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = s.walk(item, depth+1)
		}
		return out
	case string:
		return s.maskIfSensitiveValue(typed)
	default:
		return typed
	}
}

func (s *Sanitizer) maskIfSensitiveValue(v any) any {
	str, ok := v.(string)
	if !ok {
		return v
	}
	for _, pattern := range valuePatterns {
		if pattern.MatchString(str) {
			return s.mask
		}
	}
	return str
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if sensitiveKeys[lower] {
		return true
	}
	for fragment := range sensitiveKeys {
		if strings.Contains(lower, fragment) {
			return true
		}
	}
	return false
}

// MaskString replaces every occurrence of each known secret substring with
// the mask, for free-text fields (error messages, tracebacks) that aren't
// structured trees.
func (s *Sanitizer) MaskString(input string, secrets []string) string {
	if input == "" || len(secrets) == 0 {
		return input
	}
	out := input
	for _, secret := range secrets {
		if secret != "" {
			out = strings.ReplaceAll(out, secret, s.mask)
		}
	}
	return out
}
