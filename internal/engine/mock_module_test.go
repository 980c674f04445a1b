package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opflow-labs/opflow/internal/engine"
	"github.com/opflow-labs/opflow/internal/logger"
	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/state"
	"github.com/stretchr/testify/require"
)

// callRecorder captures lifecycle calls across modules of one run. All
// methods are safe for concurrent use so parallel batches can share one
// recorder.
type callRecorder struct {
	mu            sync.Mutex
	starts        []string
	ends          []string
	rollbacks     []string
	concurrent    int
	maxConcurrent int
}

func newCallRecorder() *callRecorder {
	return &callRecorder{}
}

func (r *callRecorder) executeStarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts = append(r.starts, id)
	r.concurrent++
	if r.concurrent > r.maxConcurrent {
		r.maxConcurrent = r.concurrent
	}
}

func (r *callRecorder) executeEnded(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ends = append(r.ends, id)
	r.concurrent--
}

func (r *callRecorder) rolledBack(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks = append(r.rollbacks, id)
}

func (r *callRecorder) Starts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.starts...)
}

func (r *callRecorder) Ends() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ends...)
}

func (r *callRecorder) Rollbacks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.rollbacks...)
}

func (r *callRecorder) MaxConcurrent() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.maxConcurrent
}

// mockModule is a configurable module for exercising engine behavior.
// Zero-value fields mean "succeed immediately with no output".
type mockModule struct {
	meta module.Metadata
	rec  *callRecorder

	skip           bool
	validateIssues []string
	sleep          time.Duration
	execErr        error
	failMsg        string
	panicMsg       string
	data           map[string]interface{}
	rollbackErr    error
	rollbackPanic  bool

	// execFn, when set, replaces the canned Execute behavior entirely.
	execFn func(ctx context.Context, octx state.Store) (*module.Result, error)
}

// newMock builds a mock with the given scheduling shape. Behavior fields
// are set directly on the returned value.
func newMock(rec *callRecorder, id string, phase module.Phase, priority int, deps ...string) *mockModule {
	return &mockModule{
		meta: module.Metadata{
			ID:        id,
			Name:      id,
			Phase:     phase,
			Priority:  priority,
			DependsOn: deps,
		},
		rec: rec,
	}
}

func (m *mockModule) Meta() module.Metadata { return m.meta }

func (m *mockModule) ShouldRun(context.Context, state.StateReader) bool { return !m.skip }

func (m *mockModule) ValidatePrerequisites(context.Context, state.StateReader) (bool, []string) {
	if len(m.validateIssues) > 0 {
		return false, m.validateIssues
	}
	return true, nil
}

func (m *mockModule) Execute(ctx context.Context, octx state.Store) (*module.Result, error) {
	if m.rec != nil {
		m.rec.executeStarted(m.meta.ID)
		defer m.rec.executeEnded(m.meta.ID)
	}

	if m.execFn != nil {
		return m.execFn(ctx, octx)
	}
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.sleep > 0 {
		select {
		case <-time.After(m.sleep):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.execErr != nil {
		return nil, m.execErr
	}
	if m.failMsg != "" {
		return module.NewFailureResult(m.failMsg), nil
	}
	return module.NewSuccessResult("mock completed", m.data), nil
}

func (m *mockModule) Rollback(context.Context, state.Store) error {
	if m.rec != nil {
		m.rec.rolledBack(m.meta.ID)
	}
	if m.rollbackPanic {
		panic("rollback panic")
	}
	return m.rollbackErr
}

var _ module.Module = (*mockModule)(nil)

// newTestEngine builds an engine with quiet logging for tests.
func newTestEngine(t *testing.T, opts ...opflow.EngineOption) *engine.Engine {
	t.Helper()
	e, err := engine.NewEngine(logger.NewDefaultLogger("error"), opts...)
	require.NoError(t, err)
	return e
}

// operationOf wraps mocks into an operation with the given name.
func operationOf(name string, mods ...module.Module) *opflow.Operation {
	return &opflow.Operation{Name: name, Modules: mods}
}

// indexOf returns the position of id in list, or -1.
func indexOf(list []string, id string) int {
	for i, v := range list {
		if v == id {
			return i
		}
	}
	return -1
}
