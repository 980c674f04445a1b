package template

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"text/template"
	"time"

	"github.com/opflow-labs/opflow/internal/secrets"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/events"
	pkgsecrets "github.com/opflow-labs/opflow/pkg/opflow/v1/secrets"
)

// GetFuncMap creates the standard function map for manifest templates.
// It accepts a run-specific SecretTracker to taint secrets resolved during
// a render, so later redaction can scrub them wherever they surface.
func GetFuncMap(secretsProvider pkgsecrets.Provider, bus events.Bus, tracker *secrets.SecretTracker) template.FuncMap {
	return template.FuncMap{
		"env": funcEnv,
		"eq": func(a, b interface{}) bool {
			return reflect.DeepEqual(a, b)
		},
		"default": funcDefault,
		"secret":  createSecretFunc(secretsProvider, bus, tracker),
	}
}

// funcEnv retrieves an environment variable.
func funcEnv(key string) string {
	return os.Getenv(key)
}

// funcDefault returns the fallback when the value is nil or an empty string.
func funcDefault(fallback, value interface{}) interface{} {
	if value == nil {
		return fallback
	}
	if s, ok := value.(string); ok && s == "" {
		return fallback
	}
	return value
}

// createSecretFunc builds the 'secret' template function as a closure over
// the provider, the event bus and the run-local tracker.
func createSecretFunc(provider pkgsecrets.Provider, bus events.Bus, tracker *secrets.SecretTracker) func(string) (string, error) {
	return func(key string) (string, error) {
		if provider == nil {
			return "", fmt.Errorf("cannot resolve secret '%s': no secrets provider configured", key)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		value, found, err := provider.GetSecret(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to retrieve secret '%s': %w", key, err)
		}
		if !found {
			return "", fmt.Errorf("secret '%s' not found", key)
		}

		if bus != nil {
			bus.Emit(events.Event{
				Type:      events.SecretAccessed,
				Timestamp: time.Now(),
				Payload:   map[string]interface{}{"secret_key": key},
			})
		}

		// Taint the resolved value for the duration of this run.
		if tracker != nil {
			tracker.Add(value)
		}

		return value, nil
	}
}

// RedactSecretsInString performs a simple keyword-based redaction on a
// string. This covers output like logs and errors where no SecretTracker is
// available: any line mentioning a sensitive keyword has everything after
// the keyword's separator replaced.
func RedactSecretsInString(input string, keywords map[string]struct{}) string {
	if len(keywords) == 0 || input == "" {
		return input
	}

	redacted := false
	lines := strings.Split(input, "\n")
	outputLines := make([]string, len(lines))

	for i, line := range lines {
		outputLine := line
		lowerLine := strings.ToLower(line)
		for keyword := range keywords {
			if idx := strings.Index(lowerLine, keyword); idx != -1 {
				redactStart := idx + len(keyword)
				for redactStart < len(line) && strings.ContainsAny(string(line[redactStart]), ":= '\"") {
					redactStart++
				}

				if redactStart < len(line) {
					outputLine = line[:redactStart] + "[REDACTED]"
					redacted = true
					break
				}
			}
		}
		outputLines[i] = outputLine
	}

	if !redacted {
		return input
	}
	return strings.Join(outputLines, "\n")
}

// RedactSecretsInError redacts sensitive keywords within an error's message.
func RedactSecretsInError(err error, keywords map[string]struct{}) error {
	if err == nil || len(keywords) == 0 {
		return err
	}
	errMsg := err.Error()
	redactedMsg := RedactSecretsInString(errMsg, keywords)
	if errMsg != redactedMsg {
		return errors.New(redactedMsg)
	}
	return err
}
