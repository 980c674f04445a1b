package v1

import (
	"context"
	"runtime"
	"time"

	"github.com/opflow-labs/opflow/pkg/opflow/v1/events"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/metrics"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/state"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/tracing"
)

// Operation is the unit of scheduling: an explicitly constructed module list
// plus the initial context it runs against. Callers assemble the list
// themselves (or via the registry's manifest builder); the engine holds no
// implicit global module set.
type Operation struct {
	// ID is an optional per-run identifier used only for labeling the
	// report, events and completion hooks.
	ID string
	// Name is the operation's display name.
	Name string
	// Labels is a small metadata map handed to completion hooks untouched.
	Labels map[string]string
	// Vars seeds the shared operation context before the first batch runs.
	Vars map[string]interface{}
	// Modules is the full module set for the run, in declaration order.
	// Declaration order is the tie-break of last resort and the fallback
	// order when a dependency cycle defeats topological sorting.
	Modules []module.Module
}

// EngineV1 defines the public interface for the opflow scheduling engine.
type EngineV1 interface {
	// RunOperation resolves, batches and executes the operation's modules.
	// The returned report is always complete, even when the run aborted;
	// module failures are reported through the report's Success flag and
	// Errors list, never as a RunOperation error. A non-nil error means the
	// operation could not be scheduled at all (nil operation, duplicate
	// module IDs, engine misconfiguration).
	RunOperation(ctx context.Context, op *Operation) (*OperationReport, error)

	// MetricsRegistryProvider returns the underlying metrics provider.
	MetricsRegistryProvider() metrics.RegistryProvider
	// TracerProvider returns the underlying tracing provider.
	TracerProvider() tracing.TracerProvider

	// Setter methods for configuring engine components programmatically.
	SetContextStore(store state.Store) error
	SetEventBus(bus events.Bus) error
	SetMetricsRegistryProvider(provider metrics.RegistryProvider) error
	SetTracerProvider(provider tracing.TracerProvider) error
	SetWorkerPoolSize(size int) error
	SetDefaultModuleTimeout(timeout time.Duration) error
	SetCompletionHooks(hooks ...CompletionHook) error
	SetRedactedKeywords(keywords []string) error
}

// EngineOption is a function type used to configure the opflow engine at creation.
type EngineOption func(EngineV1) error

// CompletionHook receives the finished run, fire-and-forget. The engine
// invokes hooks on a detached goroutine after the report is final; a hook's
// error (or panic) is logged and counted but never alters the reported
// outcome. Typical hooks ship the report to notification or audit sinks.
type CompletionHook interface {
	OperationCompleted(ctx context.Context, operationName string, report *OperationReport, labels map[string]string) error
}

// ParallelStats summarizes how much of the run executed concurrently.
type ParallelStats struct {
	// ParallelModules counts modules that ran in multi-module batches.
	ParallelModules int `json:"parallel_modules"`
	// ParallelBatches counts batches holding more than one module.
	ParallelBatches int `json:"parallel_batches"`
	// TotalBatches counts all batches, singleton ones included.
	TotalBatches int `json:"total_batches"`
	// EstimatedTimeSaved approximates the wall-clock time parallel batches
	// saved versus running their modules sequentially. It is derived from
	// batch durations, not measured per module.
	EstimatedTimeSaved time.Duration `json:"estimated_time_saved"`
}

// OperationReport provides a comprehensive summary of a completed run.
type OperationReport struct {
	OperationID   string        `json:"operation_id,omitempty"`
	OperationName string        `json:"operation_name"`
	OverallStatus string        `json:"overall_status"`
	StartTime     time.Time     `json:"start_time"`
	EndTime       time.Time     `json:"end_time"`
	Duration      time.Duration `json:"duration"`
	TotalModules  int           `json:"total_modules"`

	// Executed lists, in invocation order, every module whose Execute ran,
	// regardless of outcome. Rollback walks this list in reverse.
	Executed  []string `json:"executed"`
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
	// Skipped lists modules whose ShouldRun returned false. They appear
	// nowhere else in the report.
	Skipped []string `json:"skipped"`

	// Results maps module ID to the result of its execution attempt.
	// Skipped modules have no entry.
	Results map[string]*module.Result `json:"results"`

	// Success is false exactly when a required module failed (or the run
	// was cancelled before finishing). Optional failures leave it true.
	Success bool `json:"success"`
	// Errors accumulates failure and rollback error strings.
	Errors []string `json:"errors,omitempty"`
	// Warnings surfaces degraded-but-not-failed conditions, notably
	// dependency cycles that forced fallback to declaration ordering.
	Warnings []string `json:"warnings,omitempty"`

	Parallel ParallelStats `json:"parallel"`
}

// WithContextStore is an engine option to provide a custom context store.
func WithContextStore(store state.Store) EngineOption {
	return func(e EngineV1) error {
		if store == nil {
			return opflowerrors.NewConfigError("context store cannot be nil", nil)
		}
		return e.SetContextStore(store)
	}
}

// WithEventBus is an engine option to provide a custom event bus.
func WithEventBus(bus events.Bus) EngineOption {
	return func(e EngineV1) error {
		if bus == nil {
			return opflowerrors.NewConfigError("event bus cannot be nil", nil)
		}
		return e.SetEventBus(bus)
	}
}

// WithMetricsRegistryProvider is an engine option to provide a custom metrics provider.
func WithMetricsRegistryProvider(provider metrics.RegistryProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return opflowerrors.NewConfigError("metrics registry provider cannot be nil", nil)
		}
		return e.SetMetricsRegistryProvider(provider)
	}
}

// WithTracerProvider is an engine option to provide a custom tracing provider.
func WithTracerProvider(provider tracing.TracerProvider) EngineOption {
	return func(e EngineV1) error {
		if provider == nil {
			return opflowerrors.NewConfigError("tracer provider cannot be nil", nil)
		}
		return e.SetTracerProvider(provider)
	}
}

// WithWorkerPoolSize is an engine option bounding how many modules of one
// batch run concurrently. Sizes <= 0 select the machine's CPU count.
func WithWorkerPoolSize(size int) EngineOption {
	return func(e EngineV1) error {
		effectiveSize := size
		if effectiveSize <= 0 {
			effectiveSize = runtime.NumCPU()
		}
		return e.SetWorkerPoolSize(effectiveSize)
	}
}

// WithDefaultModuleTimeout is an engine option bounding each module's
// Execute call when the module's own metadata declares no timeout.
// Zero disables the default bound.
func WithDefaultModuleTimeout(timeout time.Duration) EngineOption {
	return func(e EngineV1) error {
		if timeout < 0 {
			return opflowerrors.NewConfigError("default module timeout cannot be negative", nil)
		}
		return e.SetDefaultModuleTimeout(timeout)
	}
}

// WithCompletionHooks is an engine option registering post-run hooks.
func WithCompletionHooks(hooks ...CompletionHook) EngineOption {
	return func(e EngineV1) error {
		for _, h := range hooks {
			if h == nil {
				return opflowerrors.NewConfigError("completion hook cannot be nil", nil)
			}
		}
		return e.SetCompletionHooks(hooks...)
	}
}

// WithRedactedKeywords is an engine option to configure the list of keywords
// for secret redaction in reported errors and span attributes.
func WithRedactedKeywords(keywords []string) EngineOption {
	return func(e EngineV1) error {
		return e.SetRedactedKeywords(keywords)
	}
}
