package security

import (
	"regexp"
	"strings"
)

// sensitiveFields contains field names that should be masked.
var sensitiveFields = map[string]bool{
	"password":     true,
	"secret":       true,
	"token":        true,
	"access_token": true,
	"api_key":      true,
	"dsn":          true,
	"credential":   true,
	"credentials":  true,
}

// sensitivePatterns match credentials embedded in free text.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|secret|token|api[_-]?key)=([^\s&"']+)`),
	regexp.MustCompile(`(?i)(://[^:/\s]+:)([^@\s]+)(@)`),
}

// MaskCredential masks a credential value for display.
func MaskCredential(value string) string {
	if len(value) == 0 {
		return ""
	}
	if len(value) <= 4 {
		return strings.Repeat("*", len(value))
	}
	if len(value) <= 8 {
		return value[:2] + strings.Repeat("*", len(value)-2)
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// MaskSensitive masks credentials inside a string such as a DSN or URL.
func MaskSensitive(input string) string {
	result := sensitivePatterns[0].ReplaceAllStringFunc(input, func(match string) string {
		parts := strings.SplitN(match, "=", 2)
		return parts[0] + "=" + MaskCredential(parts[1])
	})
	return sensitivePatterns[1].ReplaceAllString(result, "${1}****${3}")
}

// RedactDetails returns a copy of data with sensitive values masked.
func RedactDetails(data map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(data))
	for k, v := range data {
		switch {
		case sensitiveFields[strings.ToLower(k)]:
			if s, ok := v.(string); ok {
				result[k] = MaskCredential(s)
			} else {
				result[k] = "***"
			}
		default:
			if s, ok := v.(string); ok {
				result[k] = MaskSensitive(s)
			} else {
				result[k] = v
			}
		}
	}
	return result
}

// IsSensitiveKey reports whether a config key holds a secret. Nested keys
// such as "clickhouse.password" are matched on their last segment.
func IsSensitiveKey(key string) bool {
	if i := strings.LastIndex(key, "."); i >= 0 {
		key = key[i+1:]
	}
	return sensitiveFields[strings.ToLower(key)]
}

func maskValue(v interface{}) interface{} {
	if s, ok := v.(string); ok {
		return MaskCredential(s)
	}
	return "***"
}
