package state

import (
	"maps"
	"sync"

	"github.com/opflow-labs/opflow/internal/util"
	opflowstate "github.com/opflow-labs/opflow/pkg/opflow/v1/state"
)

// AccessMode selects how reads return complex values from the store.
type AccessMode string

const (
	// AccessDeepCopy (default) returns a deep copy of every value read,
	// making it impossible for a module to mutate shared context through a
	// map or slice reference. This is the safest and recommended mode.
	AccessDeepCopy AccessMode = "deep_copy"

	// AccessUnsafeDirectReference returns direct references to stored
	// values. Fastest, but callers must guarantee they never mutate what
	// they read. Intended for trusted, performance-critical operations.
	AccessUnsafeDirectReference AccessMode = "unsafe_direct_reference"
)

// MemoryStore implements the operation context store using a map protected
// by a sync.RWMutex. It backs every run unless the caller supplies a custom
// store. Its write lock is also what serializes module output merges during
// parallel batches: each merged key passes through Set while sibling modules
// keep executing outside the lock.
type MemoryStore struct {
	data map[string]interface{}
	mu   sync.RWMutex
	mode AccessMode
}

// NewMemoryStore creates an empty MemoryStore in deep-copy mode.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithMode(AccessDeepCopy)
}

// NewMemoryStoreWithMode creates an empty MemoryStore with the given access
// mode. Unknown modes fall back to deep-copy.
func NewMemoryStoreWithMode(mode AccessMode) *MemoryStore {
	if mode != AccessUnsafeDirectReference {
		mode = AccessDeepCopy
	}
	return &MemoryStore{
		data: make(map[string]interface{}),
		mode: mode,
	}
}

// Get retrieves the value associated with the given key. In deep-copy mode
// the caller receives an isolated copy.
func (s *MemoryStore) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, exists := s.data[key]
	if !exists {
		return nil, false
	}
	if s.mode == AccessUnsafeDirectReference {
		return val, true
	}
	return util.DeepCopy(val), true
}

// GetAll returns a copy of the entire context map. In deep-copy mode nested
// values are isolated as well; in unsafe mode only the top-level map is
// cloned and nested values remain shared references.
func (s *MemoryStore) GetAll() map[string]interface{} {
	s.mu.RLock()
	// Shallow-clone inside the lock to keep the critical section short.
	flat := maps.Clone(s.data)
	s.mu.RUnlock()

	if flat == nil {
		return make(map[string]interface{})
	}
	if s.mode == AccessUnsafeDirectReference {
		return flat
	}
	copied := make(map[string]interface{}, len(flat))
	for k, v := range flat {
		copied[k] = util.DeepCopy(v)
	}
	return copied
}

// Set stores the value associated with the given key, potentially
// overwriting. Complex values are stored by reference and isolated on read.
func (s *MemoryStore) Set(key string, value interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = value
	return nil
}

// Delete removes the key and its associated value from the store.
// Returns state.ErrKeyNotFound if the key does not exist.
func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data[key]; !exists {
		return opflowstate.ErrKeyNotFound
	}
	delete(s.data, key)
	return nil
}

// Load replaces the entire context with a shallow copy of the provided map.
// Used to seed the initial context at the start of a run.
func (s *MemoryStore) Load(data map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = maps.Clone(data)
	if s.data == nil {
		s.data = make(map[string]interface{})
	}
	return nil
}

// Close is a no-op for the MemoryStore as there are no external resources.
func (s *MemoryStore) Close() error {
	return nil
}

// Compile-time check that MemoryStore satisfies the public context store interface.
var _ opflowstate.Store = (*MemoryStore)(nil)
