package engine

import (
	"testing"
	"time"

	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReportBuilder_ParallelStats(t *testing.T) {
	b := newReportBuilder()
	b.batchCompleted(1, 10*time.Millisecond, 10*time.Millisecond)
	b.batchCompleted(3, 20*time.Millisecond, 50*time.Millisecond)
	b.batchCompleted(2, 15*time.Millisecond, 25*time.Millisecond)

	op := &opflow.Operation{Name: "stats"}
	start := time.Now()
	report := b.finalize(op, start, start.Add(45*time.Millisecond))

	assert.Equal(t, 3, report.Parallel.TotalBatches)
	assert.Equal(t, 2, report.Parallel.ParallelBatches)
	assert.Equal(t, 5, report.Parallel.ParallelModules)
	// (50-20)ms from the first parallel batch plus (25-15)ms from the
	// second.
	assert.Equal(t, 40*time.Millisecond, report.Parallel.EstimatedTimeSaved)
}

func TestReportBuilder_TimeSavedNeverNegative(t *testing.T) {
	b := newReportBuilder()
	// Wall time exceeding the summed member durations (scheduling
	// overhead) must not subtract from the total.
	b.batchCompleted(2, 30*time.Millisecond, 20*time.Millisecond)
	b.batchCompleted(2, 10*time.Millisecond, 18*time.Millisecond)

	start := time.Now()
	report := b.finalize(&opflow.Operation{Name: "clamped"}, start, start)

	assert.Equal(t, 8*time.Millisecond, report.Parallel.EstimatedTimeSaved)
}

func TestReportBuilder_SuccessAccounting(t *testing.T) {
	b := newReportBuilder()
	b.moduleExecuted("a")
	b.moduleSucceeded("a", module.NewSuccessResult("done", nil))
	b.moduleExecuted("b")
	b.moduleFailed("b", module.NewFailureResult("nope"), false, "module 'b' execution failed: nope")
	b.moduleSkipped("c")

	start := time.Now()
	op := &opflow.Operation{ID: "run-7", Name: "accounting", Modules: make([]module.Module, 3)}
	report := b.finalize(op, start, start.Add(time.Second))

	// Only an optional module failed, so the run still succeeds.
	assert.True(t, report.Success)
	assert.Equal(t, "Completed", report.OverallStatus)
	assert.Equal(t, "run-7", report.OperationID)
	assert.Equal(t, 3, report.TotalModules)
	assert.Equal(t, time.Second, report.Duration)
	assert.Equal(t, []string{"a", "b"}, report.Executed)
	assert.Equal(t, []string{"a"}, report.Succeeded)
	assert.Equal(t, []string{"b"}, report.Failed)
	assert.Equal(t, []string{"c"}, report.Skipped)
	require.Contains(t, report.Results, "a")
	assert.NotContains(t, report.Results, "c")
	assert.Contains(t, report.Errors, "module 'b' execution failed: nope")
}

func TestReportBuilder_RequiredFailureFlipsSuccess(t *testing.T) {
	b := newReportBuilder()
	b.moduleExecuted("a")
	b.moduleFailed("a", module.NewFailureResult("bad"), true, "module 'a' execution failed: bad")

	assert.True(t, b.hasRequiredFailure())
	start := time.Now()
	report := b.finalize(&opflow.Operation{Name: "failing"}, start, start)
	assert.False(t, report.Success)
	assert.Equal(t, "Failed", report.OverallStatus)
}

func TestReportBuilder_CancelledFlipsSuccess(t *testing.T) {
	b := newReportBuilder()
	b.moduleExecuted("a")
	b.moduleSucceeded("a", module.NewSuccessResult("done", nil))
	b.markCancelled()

	start := time.Now()
	report := b.finalize(&opflow.Operation{Name: "cancelled"}, start, start)
	assert.False(t, report.Success)
	assert.Equal(t, "Failed", report.OverallStatus)
	assert.False(t, b.hasRequiredFailure())
}
