package safety

import "strings"

// redactedPlaceholder replaces sensitive values in audit entries.
const redactedPlaceholder = "[REDACTED]"

// sensitiveKeys are the map keys whose values never reach the audit log.
// Matching is case-insensitive on the exact key name.
var sensitiveKeys = map[string]bool{
	"token":        true,
	"password":     true,
	"secret":       true,
	"key":          true,
	"api_key":      true,
	"access_token": true,
}

// Redact sanitizes an argument value before it is logged. Map keys whose
// case-insensitive name is sensitive get their value replaced with
// [REDACTED]; nested maps and slices are walked recursively. Non-map
// values pass through unchanged.
func Redact(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			if sensitiveKeys[strings.ToLower(k)] {
				out[k] = redactedPlaceholder
			} else {
				out[k] = Redact(inner)
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = Redact(inner)
		}
		return out
	default:
		return v
	}
}

// RedactArgs sanitizes a whole argument map.
func RedactArgs(args map[string]any) map[string]any {
	if args == nil {
		return nil
	}
	return Redact(args).(map[string]any)
}
