package state

import (
	"fmt"
	"testing"
)

// benchmarkResult is a package-level sink that keeps the compiler from
// optimizing away the call being measured.
var benchmarkResult interface{}

// createNestedMap builds a sample context value for measuring the cost of
// deep-copy reads against direct-reference reads.
func createNestedMap(depth, width int) map[string]interface{} {
	if depth <= 0 {
		return map[string]interface{}{"leaf_key": "leaf_value"}
	}
	m := make(map[string]interface{}, width)
	for i := 0; i < width; i++ {
		key := fmt.Sprintf("key_d%d_w%d", depth, i)
		m[key] = createNestedMap(depth-1, width)
	}
	return m
}

// largeNestedMap is the consistent input for all benchmarks so results stay
// comparable.
var largeNestedMap = createNestedMap(4, 10)

// BenchmarkGet_DeepCopy measures the default secure read path, where every
// Get isolates the caller from the shared context.
func BenchmarkGet_DeepCopy(b *testing.B) {
	store := NewMemoryStore()
	store.Set("test_key", largeNestedMap)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchmarkResult, _ = store.Get("test_key")
	}
}

// BenchmarkGet_UnsafeDirectReference measures the opt-in reference read
// path, the ceiling the deep-copy mode is compared against.
func BenchmarkGet_UnsafeDirectReference(b *testing.B) {
	store := NewMemoryStoreWithMode(AccessUnsafeDirectReference)
	store.Set("test_key", largeNestedMap)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchmarkResult, _ = store.Get("test_key")
	}
}

// BenchmarkGetAll_DeepCopy measures whole-context snapshots in deep-copy
// mode, the read shape a module takes when it inspects the full context.
func BenchmarkGetAll_DeepCopy(b *testing.B) {
	store := NewMemoryStore()
	store.Set("test_key", largeNestedMap)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		benchmarkResult = store.GetAll()
	}
}
