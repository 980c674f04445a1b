package engine

import (
	"sync"
	"time"

	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
)

// batchStat captures what the reporter needs from one finished batch: how
// many modules it held, its wall-clock duration, and the sum of its members'
// individual durations (the sequential estimate).
type batchStat struct {
	size       int
	wall       time.Duration
	sequential time.Duration
}

// reportBuilder accumulates per-module outcomes while batches run. All
// methods are safe for concurrent use; modules of one batch record their
// results from separate goroutines.
type reportBuilder struct {
	mu sync.Mutex

	executed  []string
	succeeded []string
	failed    []string
	skipped   []string
	results   map[string]*module.Result
	errors    []string
	warnings  []string
	batches   []batchStat

	requiredFailure bool
	cancelled       bool
}

func newReportBuilder() *reportBuilder {
	return &reportBuilder{
		executed:  []string{},
		succeeded: []string{},
		failed:    []string{},
		skipped:   []string{},
		results:   make(map[string]*module.Result),
	}
}

// moduleExecuted records that a module's Execute was invoked. It is called
// immediately before the call so that a panicking module is still listed,
// keeping the executed list aligned with the rollback stack.
func (b *reportBuilder) moduleExecuted(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.executed = append(b.executed, id)
}

func (b *reportBuilder) moduleSucceeded(id string, result *module.Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.succeeded = append(b.succeeded, id)
	b.results[id] = result
}

// moduleFailed records a failure. required distinguishes failures that
// abort the run from optional ones that merely degrade it.
func (b *reportBuilder) moduleFailed(id string, result *module.Result, required bool, errMsg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, id)
	b.results[id] = result
	if errMsg != "" {
		b.errors = append(b.errors, errMsg)
	}
	if required {
		b.requiredFailure = true
	}
}

// moduleSkipped records a module that declined to run. Skipped modules are
// listed only here; they never enter the results map.
func (b *reportBuilder) moduleSkipped(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.skipped = append(b.skipped, id)
}

func (b *reportBuilder) addError(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.errors = append(b.errors, msg)
}

func (b *reportBuilder) addWarning(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warnings = append(b.warnings, msg)
}

func (b *reportBuilder) addWarnings(msgs []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.warnings = append(b.warnings, msgs...)
}

func (b *reportBuilder) batchCompleted(size int, wall, sequential time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.batches = append(b.batches, batchStat{size: size, wall: wall, sequential: sequential})
}

func (b *reportBuilder) markCancelled() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = true
}

func (b *reportBuilder) hasRequiredFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requiredFailure
}

// finalize assembles the public report. Success is false exactly when a
// required module failed or the run was cancelled before finishing; optional
// failures leave it true. The parallel statistics estimate the time saved as
// the difference between each multi-module batch's sequential estimate (sum
// of member durations) and its wall-clock duration, never negative.
func (b *reportBuilder) finalize(op *opflow.Operation, start, end time.Time) *opflow.OperationReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	report := &opflow.OperationReport{
		OperationID:   op.ID,
		OperationName: op.Name,
		StartTime:     start,
		EndTime:       end,
		Duration:      end.Sub(start),
		TotalModules:  len(op.Modules),
		Executed:      append([]string(nil), b.executed...),
		Succeeded:     append([]string(nil), b.succeeded...),
		Failed:        append([]string(nil), b.failed...),
		Skipped:       append([]string(nil), b.skipped...),
		Results:       make(map[string]*module.Result, len(b.results)),
		Errors:        append([]string(nil), b.errors...),
		Warnings:      append([]string(nil), b.warnings...),
	}
	for id, res := range b.results {
		report.Results[id] = res
	}

	report.Success = !b.requiredFailure && !b.cancelled
	if report.Success {
		report.OverallStatus = "Completed"
	} else {
		report.OverallStatus = "Failed"
	}

	stats := opflow.ParallelStats{TotalBatches: len(b.batches)}
	for _, bs := range b.batches {
		if bs.size <= 1 {
			continue
		}
		stats.ParallelBatches++
		stats.ParallelModules += bs.size
		if saved := bs.sequential - bs.wall; saved > 0 {
			stats.EstimatedTimeSaved += saved
		}
	}
	report.Parallel = stats

	return report
}
