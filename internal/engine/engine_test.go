package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opflow-labs/opflow/internal/engine"
	"github.com/opflow-labs/opflow/internal/logger"
	intstate "github.com/opflow-labs/opflow/internal/state"
	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngine_RequiresLogger(t *testing.T) {
	_, err := engine.NewEngine(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logger")
}

func TestNewEngine_AppliesDefaults(t *testing.T) {
	e := newTestEngine(t)
	assert.NotNil(t, e.MetricsRegistryProvider())
	assert.NotNil(t, e.TracerProvider())
}

func TestRunOperation_NilOperation(t *testing.T) {
	e := newTestEngine(t)
	report, err := e.RunOperation(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, report)
}

func TestRunOperation_DuplicateModuleID(t *testing.T) {
	rec := newCallRecorder()
	e := newTestEngine(t)
	op := operationOf("dup",
		newMock(rec, "same", module.PhaseExecute, 100),
		newMock(rec, "same", module.PhaseExecute, 100),
	)
	report, err := e.RunOperation(context.Background(), op)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Contains(t, err.Error(), "duplicate")
	assert.Empty(t, rec.Starts())
}

func TestRunOperation_EmptyOperation(t *testing.T) {
	e := newTestEngine(t)
	report, err := e.RunOperation(context.Background(), operationOf("empty"))
	require.NoError(t, err)
	require.NotNil(t, report)
	assert.True(t, report.Success)
	assert.Equal(t, "Completed", report.OverallStatus)
	assert.Zero(t, report.TotalModules)
	assert.Zero(t, report.Parallel.TotalBatches)
}

func TestRunOperation_SequentialChain(t *testing.T) {
	rec := newCallRecorder()
	a := newMock(rec, "a", module.PhaseExecute, 100)
	a.data = map[string]interface{}{"release": "v2.4.1"}
	b := newMock(rec, "b", module.PhaseExecute, 100, "a")
	b.execFn = func(_ context.Context, octx state.Store) (*module.Result, error) {
		val, ok := octx.Get("release")
		if !ok {
			return module.NewFailureResult("release not visible"), nil
		}
		return module.NewSuccessResult("saw "+val.(string), map[string]interface{}{"migrated": true}), nil
	}
	c := newMock(rec, "c", module.PhaseExecute, 100, "b")

	e := newTestEngine(t)
	report, err := e.RunOperation(context.Background(), operationOf("chain", a, b, c))
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, report.Success)
	assert.Equal(t, []string{"a", "b", "c"}, rec.Starts())
	assert.Equal(t, []string{"a", "b", "c"}, report.Executed)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, report.Succeeded)
	assert.Empty(t, report.Failed)
	assert.Empty(t, report.Skipped)
	assert.Empty(t, rec.Rollbacks())
	assert.Equal(t, 3, report.Parallel.TotalBatches)
	assert.Zero(t, report.Parallel.ParallelBatches)
	assert.Zero(t, report.Parallel.EstimatedTimeSaved)

	require.Contains(t, report.Results, "b")
	assert.Equal(t, "saw v2.4.1", report.Results["b"].Message)
}

func TestRunOperation_ParallelBatchThenDependent(t *testing.T) {
	rec := newCallRecorder()
	a := newMock(rec, "a", module.PhaseExecute, 100)
	a.sleep = 40 * time.Millisecond
	b := newMock(rec, "b", module.PhaseExecute, 100)
	b.sleep = 40 * time.Millisecond
	c := newMock(rec, "c", module.PhaseExecute, 100, "a", "b")

	e := newTestEngine(t)
	report, err := e.RunOperation(context.Background(), operationOf("fan-in", a, b, c))
	require.NoError(t, err)
	require.True(t, report.Success)

	assert.Equal(t, 2, report.Parallel.TotalBatches)
	assert.Equal(t, 1, report.Parallel.ParallelBatches)
	assert.Equal(t, 2, report.Parallel.ParallelModules)
	assert.Greater(t, report.Parallel.EstimatedTimeSaved, time.Duration(0))
	assert.Equal(t, 2, rec.MaxConcurrent())

	// c must not start until both batch members finished.
	starts := rec.Starts()
	ends := rec.Ends()
	require.Equal(t, 3, len(starts))
	assert.Equal(t, "c", starts[2])
	assert.Greater(t, indexOf(starts, "c"), indexOf(ends, "a"))
	assert.Greater(t, indexOf(starts, "c"), indexOf(ends, "b"))
}

func TestRunOperation_WorkerPoolBoundsConcurrency(t *testing.T) {
	rec := newCallRecorder()
	var mods []module.Module
	for _, id := range []string{"w1", "w2", "w3", "w4", "w5"} {
		m := newMock(rec, id, module.PhaseExecute, 100)
		m.sleep = 20 * time.Millisecond
		mods = append(mods, m)
	}

	e := newTestEngine(t, opflow.WithWorkerPoolSize(2))
	report, err := e.RunOperation(context.Background(), operationOf("bounded", mods...))
	require.NoError(t, err)
	require.True(t, report.Success)

	assert.Equal(t, 1, report.Parallel.TotalBatches)
	assert.Equal(t, 5, report.Parallel.ParallelModules)
	assert.LessOrEqual(t, rec.MaxConcurrent(), 2)
}

func TestRunOperation_SkippedModule(t *testing.T) {
	rec := newCallRecorder()
	a := newMock(rec, "a", module.PhaseExecute, 100)
	b := newMock(rec, "b", module.PhaseExecute, 100)
	b.skip = true
	c := newMock(rec, "c", module.PhaseExecute, 100, "b")

	e := newTestEngine(t)
	report, err := e.RunOperation(context.Background(), operationOf("skipping", a, b, c))
	require.NoError(t, err)

	assert.True(t, report.Success)
	assert.Equal(t, []string{"b"}, report.Skipped)
	assert.NotContains(t, report.Executed, "b")
	assert.NotContains(t, report.Succeeded, "b")
	assert.NotContains(t, report.Failed, "b")
	assert.NotContains(t, report.Results, "b")
	// Skipping b does not stop its dependent from running.
	assert.Contains(t, report.Succeeded, "c")
	assert.Empty(t, rec.Rollbacks())
}

func TestRunOperation_PhaseOrdering(t *testing.T) {
	rec := newCallRecorder()
	finalize := newMock(rec, "report-status", module.PhaseFinalize, 100)
	execute := newMock(rec, "apply-change", module.PhaseExecute, 100)
	preflight := newMock(rec, "check-access", module.PhasePreFlight, 100)

	e := newTestEngine(t)
	// Declared in reverse phase order on purpose.
	report, err := e.RunOperation(context.Background(), operationOf("phased", finalize, execute, preflight))
	require.NoError(t, err)
	require.True(t, report.Success)

	assert.Equal(t, []string{"check-access", "apply-change", "report-status"}, rec.Starts())
	assert.Equal(t, 3, report.Parallel.TotalBatches)
}

func TestRunOperation_VarsSeedContext(t *testing.T) {
	rec := newCallRecorder()
	m := newMock(rec, "reader", module.PhaseExecute, 100)
	m.execFn = func(_ context.Context, octx state.Store) (*module.Result, error) {
		env, ok := octx.Get("environment")
		if !ok || env != "staging" {
			return module.NewFailureResult("environment var missing"), nil
		}
		return module.NewSuccessResult("ok", nil), nil
	}

	store := intstate.NewMemoryStore()
	e := newTestEngine(t, opflow.WithContextStore(store))
	op := operationOf("seeded", m)
	op.Vars = map[string]interface{}{"environment": "staging"}

	report, err := e.RunOperation(context.Background(), op)
	require.NoError(t, err)
	assert.True(t, report.Success)
}

func TestRunOperation_CycleFallsBackToDeclarationOrder(t *testing.T) {
	rec := newCallRecorder()
	a := newMock(rec, "a", module.PhaseExecute, 100, "b")
	b := newMock(rec, "b", module.PhaseExecute, 100, "a")

	e := newTestEngine(t)
	report, err := e.RunOperation(context.Background(), operationOf("cyclic", a, b))
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.True(t, report.Success)
	assert.Equal(t, []string{"a", "b"}, rec.Starts())
	assert.NotEmpty(t, report.Warnings)
	// Cycle members run one at a time.
	assert.Equal(t, 2, report.Parallel.TotalBatches)
	assert.Zero(t, report.Parallel.ParallelBatches)
}

func TestRunOperation_DanglingDependencyIgnored(t *testing.T) {
	rec := newCallRecorder()
	m := newMock(rec, "lonely", module.PhaseExecute, 100, "never-declared")

	e := newTestEngine(t)
	report, err := e.RunOperation(context.Background(), operationOf("dangling", m))
	require.NoError(t, err)
	assert.True(t, report.Success)
	assert.Equal(t, []string{"lonely"}, report.Succeeded)
}

func TestRunOperation_Deterministic(t *testing.T) {
	build := func(rec *callRecorder) *opflow.Operation {
		a := newMock(rec, "a", module.PhaseExecute, 50)
		b := newMock(rec, "b", module.PhaseExecute, 10, "a")
		c := newMock(rec, "c", module.PhaseExecute, 20, "a")
		d := newMock(rec, "d", module.PhaseVerify, 100, "b", "c")
		return operationOf("repeat", a, b, c, d)
	}

	e := newTestEngine(t)
	rec1 := newCallRecorder()
	rep1, err := e.RunOperation(context.Background(), build(rec1))
	require.NoError(t, err)
	rec2 := newCallRecorder()
	rep2, err := e.RunOperation(context.Background(), build(rec2))
	require.NoError(t, err)

	assert.Equal(t, rep1.Executed, rep2.Executed)
	assert.Equal(t, rep1.Parallel.TotalBatches, rep2.Parallel.TotalBatches)
	assert.Equal(t, rep1.Parallel.ParallelBatches, rep2.Parallel.ParallelBatches)
}

type chanHook struct {
	calls chan hookCall
}

type hookCall struct {
	operationName string
	report        *opflow.OperationReport
	labels        map[string]string
}

func (h *chanHook) OperationCompleted(_ context.Context, operationName string, report *opflow.OperationReport, labels map[string]string) error {
	h.calls <- hookCall{operationName: operationName, report: report, labels: labels}
	return nil
}

type panicHook struct{ called chan struct{} }

func (h *panicHook) OperationCompleted(context.Context, string, *opflow.OperationReport, map[string]string) error {
	close(h.called)
	panic("hook exploded")
}

func TestRunOperation_CompletionHookReceivesReport(t *testing.T) {
	hook := &chanHook{calls: make(chan hookCall, 1)}
	rec := newCallRecorder()
	m := newMock(rec, "only", module.PhaseExecute, 100)

	e := newTestEngine(t, opflow.WithCompletionHooks(hook))
	op := operationOf("hooked", m)
	op.Labels = map[string]string{"team": "platform"}

	report, err := e.RunOperation(context.Background(), op)
	require.NoError(t, err)
	require.True(t, report.Success)

	select {
	case call := <-hook.calls:
		assert.Equal(t, "hooked", call.operationName)
		assert.Equal(t, "platform", call.labels["team"])
		require.NotNil(t, call.report)
		assert.True(t, call.report.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("completion hook was not invoked")
	}
}

func TestRunOperation_PanickingHookDoesNotAffectRun(t *testing.T) {
	hook := &panicHook{called: make(chan struct{})}
	rec := newCallRecorder()
	m := newMock(rec, "only", module.PhaseExecute, 100)

	e := newTestEngine(t, opflow.WithCompletionHooks(hook))
	report, err := e.RunOperation(context.Background(), operationOf("hook-panic", m))
	require.NoError(t, err)
	assert.True(t, report.Success)

	select {
	case <-hook.called:
	case <-time.After(2 * time.Second):
		t.Fatal("completion hook was not invoked")
	}
}

func TestRunOperation_ConcurrentRunsShareEngine(t *testing.T) {
	e := newTestEngine(t)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	reports := make([]*opflow.OperationReport, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := newCallRecorder()
			a := newMock(rec, "a", module.PhaseExecute, 100)
			a.sleep = 10 * time.Millisecond
			b := newMock(rec, "b", module.PhaseExecute, 100, "a")
			reports[i], errs[i] = e.RunOperation(context.Background(), operationOf("concurrent", a, b))
		}(i)
	}
	wg.Wait()

	for i := 0; i < 4; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, reports[i])
		assert.True(t, reports[i].Success)
		assert.Equal(t, []string{"a", "b"}, reports[i].Executed)
	}
}

func TestEngine_SetterValidation(t *testing.T) {
	e, err := engine.NewEngine(logger.NewDefaultLogger("error"))
	require.NoError(t, err)

	assert.Error(t, e.SetContextStore(nil))
	assert.Error(t, e.SetEventBus(nil))
	assert.Error(t, e.SetMetricsRegistryProvider(nil))
	assert.Error(t, e.SetTracerProvider(nil))
	assert.Error(t, e.SetWorkerPoolSize(0))
	assert.Error(t, e.SetWorkerPoolSize(-2))
	assert.Error(t, e.SetDefaultModuleTimeout(-time.Second))

	assert.NoError(t, e.SetWorkerPoolSize(8))
	assert.NoError(t, e.SetDefaultModuleTimeout(0))
	assert.NoError(t, e.SetContextStore(intstate.NewMemoryStore()))
}
