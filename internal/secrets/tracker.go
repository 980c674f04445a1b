package secrets

import (
	"strings"
	"sync"
)

// SecretTracker records secret values resolved while building one operation,
// so they can be scrubbed from module results, reported errors and captured
// command output before any of those reach the operation context or the run
// report. One tracker serves one run and is never shared across runs.
type SecretTracker struct {
	mu              sync.RWMutex
	resolvedSecrets map[string]struct{} // raw secret values
}

// NewSecretTracker creates a new, empty tracker.
func NewSecretTracker() *SecretTracker {
	return &SecretTracker{
		resolvedSecrets: make(map[string]struct{}),
	}
}

// Add marks a secret value as having been seen by this tracker instance.
// It is thread-safe. Empty strings are ignored.
func (t *SecretTracker) Add(secretValue string) {
	if secretValue == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resolvedSecrets[secretValue] = struct{}{}
}

// IsTracked checks if a given string value is a tracked secret.
// This performs an exact match and is thread-safe.
func (t *SecretTracker) IsTracked(value string) bool {
	if value == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, found := t.resolvedSecrets[value]
	return found
}

// ContainsTrackedSecret reports whether the input contains any tracked
// secret value as a substring. This is the primary redaction check: it
// catches secrets embedded in larger strings such as connection URLs or
// authorization headers. It is thread-safe.
func (t *SecretTracker) ContainsTrackedSecret(input string) bool {
	if input == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.resolvedSecrets) == 0 {
		return false
	}

	for secret := range t.resolvedSecrets {
		if strings.Contains(input, secret) {
			return true
		}
	}
	return false
}

// TrackedValues returns a snapshot of all tracked secret values. Callers use
// this to substitute occurrences inside larger strings during redaction.
func (t *SecretTracker) TrackedValues() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	values := make([]string, 0, len(t.resolvedSecrets))
	for secret := range t.resolvedSecrets {
		values = append(values, secret)
	}
	return values
}
