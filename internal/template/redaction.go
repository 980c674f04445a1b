package template

import (
	"strings"

	"github.com/opflow-labs/opflow/internal/secrets"
)

// RedactedSecretValue is the placeholder substituted for any tracked secret
// found in data destined for reports, logs or module summaries.
const RedactedSecretValue = "[REDACTED_SECRET]"

// RedactStringMap returns a copy of input with the value of every key that
// matches a redaction keyword (lowercase comparison) replaced by
// "[REDACTED]". The input map is left untouched. When no redaction is
// needed the input map is returned as is.
func RedactStringMap(input map[string]string, keywords map[string]struct{}) map[string]string {
	if len(keywords) == 0 || input == nil {
		return input
	}
	output := make(map[string]string, len(input))
	for k, v := range input {
		if _, redact := keywords[strings.ToLower(k)]; redact {
			output[k] = "[REDACTED]"
		} else {
			output[k] = v
		}
	}
	return output
}

// RedactTrackedSecrets recursively walks a data structure and masks every
// occurrence of a tracked secret inside any string it finds, preserving the
// surrounding text. It returns the (possibly new) value and whether anything
// was redacted. Captured command output stays readable this way: only the
// secret itself is replaced, not the whole line around it.
func RedactTrackedSecrets(data interface{}, tracker *secrets.SecretTracker) (interface{}, bool) {
	if tracker == nil || data == nil {
		return data, false
	}

	switch v := data.(type) {
	case string:
		if tracker.ContainsTrackedSecret(v) {
			return redactString(v, tracker), true
		}
		return v, false

	case map[string]interface{}:
		redacted := false
		out := make(map[string]interface{}, len(v))
		for key, val := range v {
			newVal, changed := RedactTrackedSecrets(val, tracker)
			out[key] = newVal
			redacted = redacted || changed
		}
		if !redacted {
			return v, false
		}
		return out, true

	case []interface{}:
		redacted := false
		out := make([]interface{}, len(v))
		for i, val := range v {
			newVal, changed := RedactTrackedSecrets(val, tracker)
			out[i] = newVal
			redacted = redacted || changed
		}
		if !redacted {
			return v, false
		}
		return out, true

	default:
		return data, false
	}
}

// redactString replaces each occurrence of a tracked secret within s while
// preserving the surrounding text.
func redactString(s string, tracker *secrets.SecretTracker) string {
	out := s
	for _, secret := range tracker.TrackedValues() {
		if secret == "" {
			continue
		}
		out = strings.ReplaceAll(out, secret, RedactedSecretValue)
	}
	return out
}
