// Package state defines the interfaces for the shared operation context:
// the key-value mapping seeded by the caller and progressively augmented by
// each module's output data over the lifetime of one run.
package state

import (
	"errors"
)

// ErrKeyNotFound indicates that a requested key does not exist in the context store.
var ErrKeyNotFound = errors.New("key not found in context store")

// StateReader defines the read-only interface for accessing the operation context.
// Modules receive an implementation of this interface for their ShouldRun and
// ValidatePrerequisites checks. Implementations must be thread-safe.
//
// IMPORTANT: When retrieving complex types like maps or slices, the caller may
// receive a reference to the underlying data depending on the store's access
// mode. The caller MUST treat this data as immutable to prevent race conditions
// and unexpected side effects.
type StateReader interface {
	// Get retrieves the value associated with the given key.
	// It returns the value (interface{}) and true if the key exists,
	// otherwise it returns nil and false.
	Get(key string) (interface{}, bool)

	// GetAll returns a representation of the entire current context map.
	// Callers should be mindful of the potential size of the context.
	// Implementations should clarify whether this is a copy or a reference,
	// but callers MUST treat the result as read-only, especially nested complex types.
	GetAll() map[string]interface{}
}

// Store defines the full interface for the operation context storage.
// Implementations must be thread-safe: during a parallel batch every module
// in the batch may read and write concurrently, and the engine serializes
// each module's output merge through the store's own locking.
type Store interface {
	StateReader // Embed the read-only interface

	// Set stores the value associated with the given key, potentially overwriting
	// an existing value. Returns an error if the operation fails.
	Set(key string, value interface{}) error

	// Delete removes the key and its associated value from the store.
	// It returns ErrKeyNotFound if the key does not exist. Otherwise, returns nil
	// on success or another error if the operation fails.
	Delete(key string) error

	// Load overwrites the current context with the provided map.
	// This is used to seed the initial context at the start of a run.
	// Returns an error if the operation fails.
	Load(data map[string]interface{}) error

	// Close releases any resources held by the store (e.g., database connections).
	Close() error
}
