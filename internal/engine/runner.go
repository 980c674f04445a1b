package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opflow-labs/opflow/internal/template"
	intTracing "github.com/opflow-labs/opflow/internal/tracing"
	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/events"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"

	"go.opentelemetry.io/otel/attribute"
	codes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// moduleOutcome classifies what one lifecycle pass produced.
type moduleOutcome int

const (
	outcomeSucceeded moduleOutcome = iota
	outcomeFailed
	outcomeSkipped
)

// operationRun bundles the state of one RunOperation call. Keeping it off
// the Engine lets a single Engine serve concurrent runs.
type operationRun struct {
	op       *opflow.Operation
	report   *reportBuilder
	rollback *rollbackManager
	tracer   oteltrace.Tracer

	// abort flips when a required module fails. Modules of the failing batch
	// still finish; no later batch starts.
	abort atomic.Bool

	// mergeMu serializes result-data merges into the shared context so one
	// module's output lands atomically even during parallel batches.
	mergeMu sync.Mutex
}

// runModule drives one module through its lifecycle: ShouldRun, prerequisite
// validation, Execute under the effective timeout, and result merge. It
// records the outcome in the run's report and returns the module's measured
// duration for the batch statistics.
func (e *Engine) runModule(ctx context.Context, run *operationRun, sm *scheduledModule) time.Duration {
	meta := sm.meta
	modLogger := e.log.With("module_id", meta.ID, "module_name", meta.Name)

	if e.activeWorkersGauge != nil {
		e.activeWorkersGauge.Inc()
		defer e.activeWorkersGauge.Dec()
	}

	modCtx, span := run.tracer.Start(ctx, "opflow.module.run", oteltrace.WithAttributes(intTracing.RedactAttributes([]attribute.KeyValue{
		attribute.String("opflow.module.id", meta.ID),
		attribute.String("opflow.module.name", meta.Name),
		attribute.String("opflow.module.phase", meta.Phase.String()),
		attribute.Bool("opflow.module.optional", meta.Optional),
	}, e.redactedKeywords)...))
	defer span.End()

	e.eventBus.Emit(events.Event{
		Type:          events.ModuleExecutionStart,
		Timestamp:     time.Now(),
		OperationName: run.op.Name,
		ModuleID:      meta.ID,
		ModuleName:    meta.Name,
		Payload:       map[string]interface{}{"phase": meta.Phase.String(), "optional": meta.Optional},
	})

	start := time.Now()
	outcome, result, modErr := e.executeLifecycle(modCtx, run, sm, modLogger)
	duration := time.Since(start)

	var status module.Status
	switch outcome {
	case outcomeSkipped:
		status = module.StatusSkipped
		run.report.moduleSkipped(meta.ID)
		modLogger.Infof("Module skipped (should_run returned false)")
		span.SetStatus(codes.Ok, "module skipped")
	case outcomeSucceeded:
		status = module.StatusCompleted
		run.report.moduleSucceeded(meta.ID, result)
		modLogger.Debugf("Module completed in %v", duration.Truncate(time.Millisecond))
		span.SetStatus(codes.Ok, "")
	case outcomeFailed:
		status = module.StatusFailed
		redactedErr := template.RedactSecretsInError(modErr, e.redactedKeywords)
		errMsg := ""
		if redactedErr != nil {
			errMsg = redactedErr.Error()
		}
		run.report.moduleFailed(meta.ID, result, !meta.Optional, errMsg)
		if meta.Optional {
			modLogger.Warnf("Optional module failed, continuing: %v", redactedErr)
		} else {
			run.abort.Store(true)
			modLogger.Errorf("Required module failed, aborting operation: %v", redactedErr)
		}
		intTracing.RecordErrorWithContext(span, modErr, e.redactedKeywords)
	}

	span.SetAttributes(attribute.String("opflow.module.status", string(status)))

	if e.moduleCounter != nil {
		e.moduleCounter.WithLabelValues(run.op.Name, meta.Name, meta.Phase.String(), string(status)).Inc()
	}
	if e.moduleDuration != nil && outcome != outcomeSkipped {
		e.moduleDuration.WithLabelValues(run.op.Name, meta.Name, meta.Phase.String()).Observe(duration.Seconds())
	}

	endPayload := map[string]interface{}{"status": string(status), "duration_ms": duration.Milliseconds()}
	if modErr != nil {
		endPayload["error"] = template.RedactSecretsInError(modErr, e.redactedKeywords).Error()
	}
	e.eventBus.Emit(events.Event{
		Type:          events.ModuleExecutionEnd,
		Timestamp:     time.Now(),
		OperationName: run.op.Name,
		ModuleID:      meta.ID,
		ModuleName:    meta.Name,
		Payload:       endPayload,
	})
	e.eventBus.Emit(events.Event{
		Type:          events.ModuleStatusChanged,
		Timestamp:     time.Now(),
		OperationName: run.op.Name,
		ModuleID:      meta.ID,
		ModuleName:    meta.Name,
		Payload:       map[string]interface{}{"new_status": string(status)},
	})

	return duration
}

// executeLifecycle performs the actual lifecycle calls behind a single panic
// boundary. A panic anywhere in the module's code is converted into a
// failure; if Execute had already been entered the module stays on the
// rollback stack.
func (e *Engine) executeLifecycle(ctx context.Context, run *operationRun, sm *scheduledModule, modLogger opflowlog.Logger) (outcome moduleOutcome, result *module.Result, err error) {
	meta := sm.meta

	defer func() {
		if rec := recover(); rec != nil {
			modLogger.Errorf("Module panicked: %v", rec)
			outcome = outcomeFailed
			result = module.NewFailureResult(fmt.Sprintf("module panicked: %v", rec))
			err = opflowerrors.NewModuleExecutionError(meta.ID, fmt.Errorf("panic: %v", rec))
		}
	}()

	if ctx.Err() != nil {
		return outcomeFailed,
			module.NewFailureResult("operation cancelled before module start"),
			opflowerrors.NewModuleExecutionError(meta.ID, ctx.Err())
	}

	if !sm.mod.ShouldRun(ctx, e.store) {
		return outcomeSkipped, nil, nil
	}

	if ok, issues := sm.mod.ValidatePrerequisites(ctx, e.store); !ok {
		if len(issues) == 0 {
			issues = []string{"prerequisite validation failed without detail"}
		}
		return outcomeFailed,
			module.NewFailureResult("prerequisite validation failed", issues...),
			opflowerrors.NewModuleExecutionError(meta.ID, fmt.Errorf("prerequisite validation failed: %s", strings.Join(issues, "; ")))
	}

	effectiveTimeout := e.defaultModuleTimeout
	if meta.Timeout > 0 {
		effectiveTimeout = meta.Timeout
	}
	execCtx := ctx
	if effectiveTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, effectiveTimeout)
		defer cancel()
	}

	// From this point on the module counts as executed: the rollback stack
	// entry and the report's executed list are written before the call so a
	// panic or timeout inside Execute is still unwound.
	run.rollback.push(sm)
	run.report.moduleExecuted(meta.ID)

	result, execErr := sm.mod.Execute(execCtx, e.store)

	if execErr != nil {
		if errors.Is(execErr, context.DeadlineExceeded) && effectiveTimeout > 0 && ctx.Err() == nil {
			execErr = fmt.Errorf("module timed out after %v: %w", effectiveTimeout, execErr)
		}
		if result == nil {
			result = module.NewFailureResult(execErr.Error())
		} else if result.Success {
			result = module.NewFailureResult(execErr.Error())
		}
		return outcomeFailed, result, opflowerrors.NewModuleExecutionError(meta.ID, execErr)
	}

	if result == nil {
		return outcomeFailed,
			module.NewFailureResult("module returned neither result nor error"),
			opflowerrors.NewModuleExecutionError(meta.ID, errors.New("module returned neither result nor error"))
	}

	if !result.Success {
		failureErr := errors.New(result.Message)
		if len(result.Errors) > 0 {
			failureErr = errors.New(strings.Join(result.Errors, "; "))
		}
		return outcomeFailed, result, opflowerrors.NewModuleExecutionError(meta.ID, failureErr)
	}

	if len(result.Data) > 0 {
		run.mergeMu.Lock()
		mergeErr := e.mergeResultData(result.Data)
		run.mergeMu.Unlock()
		if mergeErr != nil {
			return outcomeFailed,
				module.NewFailureResult(fmt.Sprintf("failed to merge module output into context: %v", mergeErr)),
				opflowerrors.NewModuleExecutionError(meta.ID, mergeErr)
		}
	}

	return outcomeSucceeded, result, nil
}

// mergeResultData writes a successful module's output into the shared
// context. Callers hold the run's merge mutex so the whole map lands as one
// unit.
func (e *Engine) mergeResultData(data map[string]interface{}) error {
	for key, value := range data {
		if err := e.store.Set(key, value); err != nil {
			return fmt.Errorf("set %q: %w", key, err)
		}
	}
	return nil
}
