// Package engine implements the opflow scheduling and execution core: it
// resolves an operation's modules into a phase-aware order, plans them into
// parallel batches, drives each module through its lifecycle under a bounded
// worker pool, and unwinds completed work in reverse order when a required
// module fails.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	intEvents "github.com/opflow-labs/opflow/internal/events"
	intMetrics "github.com/opflow-labs/opflow/internal/metrics"
	intState "github.com/opflow-labs/opflow/internal/state"
	"github.com/opflow-labs/opflow/internal/template"
	intTracing "github.com/opflow-labs/opflow/internal/tracing"
	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/events"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/metrics"
	opflowstate "github.com/opflow-labs/opflow/pkg/opflow/v1/state"
	opflowtracing "github.com/opflow-labs/opflow/pkg/opflow/v1/tracing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	codes "go.opentelemetry.io/otel/codes"
)

const (
	tracerName = "opflow-engine"

	// defaultWorkerPoolSize bounds intra-batch concurrency unless overridden.
	defaultWorkerPoolSize = 4

	// completionHookTimeout bounds the detached post-run hook invocations.
	completionHookTimeout = 10 * time.Second
)

// Engine is the core orchestration component of opflow.
type Engine struct {
	store           opflowstate.Store
	eventBus        events.Bus
	metricsProvider metrics.RegistryProvider
	tracerProvider  opflowtracing.TracerProvider
	log             opflowlog.Logger
	hooks           []opflow.CompletionHook

	workerPoolSize       int
	defaultModuleTimeout time.Duration
	redactedKeywords     map[string]struct{}

	operationCounter     *prometheus.CounterVec
	operationDuration    prometheus.Histogram
	moduleDuration       *prometheus.HistogramVec
	moduleCounter        *prometheus.CounterVec
	activeWorkersGauge   prometheus.Gauge
	parallelBatchCounter prometheus.Counter
	timeSavedCounter     prometheus.Counter
	secretsAccessEvents  prometheus.Counter
	rollbackFailures     prometheus.Counter
	hookFailures         prometheus.Counter
}

var _ opflow.EngineV1 = (*Engine)(nil)

// NewEngine constructs an Engine with the given options. Components not
// supplied through options fall back to in-process defaults: an in-memory
// context store, a no-op event bus, a fresh Prometheus registry and a no-op
// tracer.
func NewEngine(log opflowlog.Logger, opts ...opflow.EngineOption) (*Engine, error) {
	if log == nil {
		return nil, opflowerrors.NewConfigError("logger cannot be nil", nil)
	}

	e := &Engine{
		log:                  log,
		hooks:                []opflow.CompletionHook{},
		workerPoolSize:       defaultWorkerPoolSize,
		defaultModuleTimeout: 0,
		redactedKeywords:     make(map[string]struct{}),
	}

	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, opflowerrors.NewConfigError(fmt.Sprintf("failed to apply engine option: %v", err), err)
		}
	}

	if e.store == nil {
		e.log.Warnf("No context store provided, using default in-memory store.")
		e.store = intState.NewMemoryStore()
	}
	if e.eventBus == nil {
		e.log.Warnf("No event bus provided, using default NoOp bus.")
		e.eventBus = intEvents.NewNoOpEventBus()
	}
	if e.metricsProvider == nil {
		e.log.Warnf("No metrics provider provided, using default Prometheus provider.")
		e.metricsProvider = intMetrics.NewPrometheusRegistryProvider()
	}
	if e.tracerProvider == nil {
		e.log.Warnf("No tracer provider provided, using default NoOp provider.")
		tp, err := intTracing.NewNoOpProvider()
		if err != nil {
			return nil, opflowerrors.NewConfigError("failed to create default NoOp tracer provider", err)
		}
		e.tracerProvider = tp
	}

	e.initMetrics()

	return e, nil
}

// GetSecretAccessCounter exposes the counter the metrics event listener
// increments for each SecretAccessed event.
func (e *Engine) GetSecretAccessCounter() prometheus.Counter {
	return e.secretsAccessEvents
}

// GetRollbackFailureCounter exposes the counter the metrics event listener
// increments for each RollbackModuleFailed event.
func (e *Engine) GetRollbackFailureCounter() prometheus.Counter {
	return e.rollbackFailures
}

func (e *Engine) initMetrics() {
	if e.metricsProvider == nil {
		e.log.Warnf("Metrics provider is nil, skipping metrics initialization.")
		return
	}
	reg := e.metricsProvider.Registry()
	if reg == nil {
		e.log.Errorf("Metrics provider returned a nil registry, cannot initialize metrics.")
		return
	}

	e.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opflow_operation_runs_total", Help: "Total number of operation runs by final status."},
		[]string{"operation_name", "status"},
	)
	reg.MustRegister(e.operationCounter)

	e.operationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "opflow_operation_run_duration_seconds", Help: "Duration of operation runs in seconds.", Buckets: prometheus.DefBuckets},
	)
	reg.MustRegister(e.operationDuration)

	e.moduleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "opflow_module_run_duration_seconds", Help: "Duration of individual module executions in seconds.", Buckets: prometheus.DefBuckets},
		[]string{"operation_name", "module_name", "phase"},
	)
	reg.MustRegister(e.moduleDuration)

	e.moduleCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "opflow_module_runs_total", Help: "Total number of module executions by final status."},
		[]string{"operation_name", "module_name", "phase", "status"},
	)
	reg.MustRegister(e.moduleCounter)

	e.activeWorkersGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "opflow_engine_active_workers", Help: "Number of currently active module execution workers."},
	)
	reg.MustRegister(e.activeWorkersGauge)

	e.parallelBatchCounter = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "opflow_parallel_batches_total", Help: "Total number of executed batches holding more than one module."},
	)
	reg.MustRegister(e.parallelBatchCounter)

	e.timeSavedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "opflow_parallel_time_saved_seconds_total", Help: "Accumulated estimate of wall-clock seconds saved by parallel batches."},
	)
	reg.MustRegister(e.timeSavedCounter)

	e.secretsAccessEvents = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "opflow_secrets_accessed_total", Help: "Total number of secrets resolved via the 'secret' template function."},
	)
	if err := reg.Register(e.secretsAccessEvents); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			e.log.Warnf("Failed to register secretsAccessEvents metric collector: %v", err)
		}
	}

	e.rollbackFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "opflow_rollback_module_failures_total", Help: "Total number of module rollbacks that failed during abort handling."},
	)
	if err := reg.Register(e.rollbackFailures); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			e.log.Warnf("Failed to register rollbackFailures metric collector: %v", err)
		}
	}

	e.hookFailures = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "opflow_completion_hook_failures_total", Help: "Total number of completion hook invocations that returned an error or panicked."},
	)
	if err := reg.Register(e.hookFailures); err != nil {
		if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
			e.log.Warnf("Failed to register hookFailures metric collector: %v", err)
		}
	}

	e.log.Debugf("Prometheus metrics initialized and registered.")
}

// RunOperation resolves, batches and executes the operation's modules.
// Module failures never surface as a returned error; they are reported via
// the report's Success flag, Failed list and Errors. A non-nil error means
// the input could not be scheduled at all.
func (e *Engine) RunOperation(ctx context.Context, op *opflow.Operation) (*opflow.OperationReport, error) {
	if op == nil {
		return nil, opflowerrors.NewValidationError("operation cannot be nil", nil)
	}

	sched, err := resolveSchedule(op.Modules)
	if err != nil {
		e.log.Errorf("Operation '%s' cannot be scheduled: %v", op.Name, err)
		return nil, err
	}

	if err := e.store.Load(op.Vars); err != nil {
		return nil, opflowerrors.NewConfigError("failed to seed operation context", err)
	}

	tracer := e.tracerProvider.GetTracer(tracerName)
	runCtx, span := tracer.Start(ctx, "opflow.operation.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("opflow.operation.name", op.Name),
		attribute.Int("opflow.operation.total_modules", len(op.Modules)),
	)

	startTime := time.Now()
	e.log.Infof("Starting operation '%s' (%d modules)", op.Name, len(op.Modules))
	e.eventBus.Emit(events.Event{
		Type:          events.OperationStart,
		Timestamp:     startTime,
		OperationName: op.Name,
		Payload:       map[string]interface{}{"operation_id": op.ID, "total_modules": len(op.Modules)},
	})

	run := &operationRun{
		op:       op,
		report:   newReportBuilder(),
		rollback: newRollbackManager(),
		tracer:   tracer,
	}
	run.report.addWarnings(sched.warnings)

	batches, groupWarnings := planBatches(sched)
	run.report.addWarnings(groupWarnings)
	for _, w := range append(append([]string(nil), sched.warnings...), groupWarnings...) {
		e.log.Warnf("%s", w)
	}
	e.log.Debugf("Planned %d batches for operation '%s'", len(batches), op.Name)

	e.executeBatches(runCtx, run, batches)

	if run.report.hasRequiredFailure() {
		rbCtx := context.WithoutCancel(runCtx)
		for _, rbErr := range run.rollback.rollbackAll(rbCtx, e.store, e.eventBus, e.log, op.Name) {
			run.report.addError(template.RedactSecretsInError(rbErr, e.redactedKeywords).Error())
		}
	}

	endTime := time.Now()
	report := run.report.finalize(op, startTime, endTime)

	if e.operationDuration != nil {
		e.operationDuration.Observe(report.Duration.Seconds())
	}
	if e.operationCounter != nil {
		e.operationCounter.WithLabelValues(op.Name, report.OverallStatus).Inc()
	}
	if e.parallelBatchCounter != nil {
		e.parallelBatchCounter.Add(float64(report.Parallel.ParallelBatches))
	}
	if e.timeSavedCounter != nil {
		e.timeSavedCounter.Add(report.Parallel.EstimatedTimeSaved.Seconds())
	}

	span.SetAttributes(
		attribute.String("opflow.operation.status", report.OverallStatus),
		attribute.Int64("opflow.operation.duration_ms", report.Duration.Milliseconds()),
		attribute.Int("opflow.operation.succeeded", len(report.Succeeded)),
		attribute.Int("opflow.operation.failed", len(report.Failed)),
		attribute.Int("opflow.operation.skipped", len(report.Skipped)),
		attribute.Int("opflow.operation.parallel_batches", report.Parallel.ParallelBatches),
	)
	if report.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, strings.Join(report.Errors, "; "))
	}

	e.eventBus.Emit(events.Event{
		Type:          events.OperationEnd,
		Timestamp:     endTime,
		OperationName: op.Name,
		Payload: map[string]interface{}{
			"operation_id":  op.ID,
			"status":        report.OverallStatus,
			"duration_ms":   report.Duration.Milliseconds(),
			"total_modules": report.TotalModules,
			"succeeded":     len(report.Succeeded),
			"failed":        len(report.Failed),
			"skipped":       len(report.Skipped),
		},
	})
	e.log.Infof("Operation '%s' finished: %s (%d succeeded, %d failed, %d skipped)",
		op.Name, report.OverallStatus, len(report.Succeeded), len(report.Failed), len(report.Skipped))

	e.fireCompletionHooks(op, report)

	return report, nil
}

// executeBatches runs the planned batches in order. A singleton batch runs
// inline on the calling goroutine; larger batches run on a bounded worker
// pool, with every member submitted before the barrier so in-flight
// siblings always finish even when one of them fails and flips the abort
// flag. No batch starts after the flag is set.
func (e *Engine) executeBatches(ctx context.Context, run *operationRun, batches [][]*scheduledModule) {
	for batchIdx, batch := range batches {
		if run.abort.Load() {
			e.log.Warnf("Skipping %d remaining batch(es) after required module failure.", len(batches)-batchIdx)
			return
		}
		if ctx.Err() != nil {
			run.report.markCancelled()
			run.report.addError(fmt.Sprintf("operation cancelled before batch %d: %v", batchIdx+1, ctx.Err()))
			e.log.Warnf("Operation context cancelled, %d batch(es) not started.", len(batches)-batchIdx)
			return
		}

		ids := batchIDs(batch)
		e.eventBus.Emit(events.Event{
			Type:          events.BatchStart,
			Timestamp:     time.Now(),
			OperationName: run.op.Name,
			Payload: map[string]interface{}{
				"batch_index": batchIdx,
				"batch_size":  len(batch),
				"phase":       phaseOf(batch).String(),
				"module_ids":  ids,
			},
		})
		e.log.Debugf("Executing batch %d/%d (phase %s, %d module(s): %s)",
			batchIdx+1, len(batches), phaseOf(batch), len(batch), strings.Join(ids, ", "))

		batchStart := time.Now()
		var sequentialNanos atomic.Int64

		if len(batch) == 1 {
			dur := e.runModule(ctx, run, batch[0])
			sequentialNanos.Add(int64(dur))
		} else {
			var wg sync.WaitGroup
			sem := make(chan struct{}, e.workerPoolSize)
			for _, sm := range batch {
				wg.Add(1)
				go func(sm *scheduledModule) {
					defer wg.Done()
					sem <- struct{}{}
					defer func() { <-sem }()
					dur := e.runModule(ctx, run, sm)
					sequentialNanos.Add(int64(dur))
				}(sm)
			}
			wg.Wait()
		}

		batchWall := time.Since(batchStart)
		run.report.batchCompleted(len(batch), batchWall, time.Duration(sequentialNanos.Load()))
		e.eventBus.Emit(events.Event{
			Type:          events.BatchEnd,
			Timestamp:     time.Now(),
			OperationName: run.op.Name,
			Payload: map[string]interface{}{
				"batch_index": batchIdx,
				"batch_size":  len(batch),
				"duration_ms": batchWall.Milliseconds(),
			},
		})
	}
}

// fireCompletionHooks notifies registered hooks on a detached goroutine.
// Hook errors and panics are logged and counted; they never influence the
// already-final report.
func (e *Engine) fireCompletionHooks(op *opflow.Operation, report *opflow.OperationReport) {
	if len(e.hooks) == 0 {
		return
	}
	hooks := append([]opflow.CompletionHook(nil), e.hooks...)
	go func() {
		hookCtx, cancel := context.WithTimeout(context.Background(), completionHookTimeout)
		defer cancel()
		for _, hook := range hooks {
			e.invokeCompletionHook(hookCtx, hook, op, report)
		}
	}()
}

func (e *Engine) invokeCompletionHook(ctx context.Context, hook opflow.CompletionHook, op *opflow.Operation, report *opflow.OperationReport) {
	defer func() {
		if rec := recover(); rec != nil {
			e.log.Warnf("Completion hook %T panicked: %v", hook, rec)
			if e.hookFailures != nil {
				e.hookFailures.Inc()
			}
		}
	}()
	if err := hook.OperationCompleted(ctx, op.Name, report, op.Labels); err != nil {
		e.log.Warnf("Completion hook %T failed: %v", hook, err)
		if e.hookFailures != nil {
			e.hookFailures.Inc()
		}
	}
}

// MetricsRegistryProvider returns the engine's metrics provider.
func (e *Engine) MetricsRegistryProvider() metrics.RegistryProvider { return e.metricsProvider }

// TracerProvider returns the engine's tracing provider.
func (e *Engine) TracerProvider() opflowtracing.TracerProvider { return e.tracerProvider }

// SetContextStore replaces the shared operation context store.
func (e *Engine) SetContextStore(store opflowstate.Store) error {
	if store == nil {
		return opflowerrors.NewConfigError("context store cannot be nil", nil)
	}
	e.store = store
	return nil
}

// SetEventBus replaces the event bus.
func (e *Engine) SetEventBus(bus events.Bus) error {
	if bus == nil {
		return opflowerrors.NewConfigError("event bus cannot be nil", nil)
	}
	e.eventBus = bus
	return nil
}

// SetMetricsRegistryProvider replaces the metrics provider and re-registers
// the engine's collectors against its registry.
func (e *Engine) SetMetricsRegistryProvider(provider metrics.RegistryProvider) error {
	if provider == nil {
		return opflowerrors.NewConfigError("metrics registry provider cannot be nil", nil)
	}
	e.metricsProvider = provider
	e.initMetrics()
	return nil
}

// SetTracerProvider replaces the tracing provider.
func (e *Engine) SetTracerProvider(provider opflowtracing.TracerProvider) error {
	if provider == nil {
		return opflowerrors.NewConfigError("tracer provider cannot be nil", nil)
	}
	e.tracerProvider = provider
	return nil
}

// SetWorkerPoolSize bounds how many modules of one batch run concurrently.
func (e *Engine) SetWorkerPoolSize(size int) error {
	if size <= 0 {
		return opflowerrors.NewConfigError("worker pool size must be positive", nil)
	}
	e.workerPoolSize = size
	return nil
}

// SetDefaultModuleTimeout sets the Execute deadline applied to modules whose
// metadata declares none. Zero disables the default.
func (e *Engine) SetDefaultModuleTimeout(timeout time.Duration) error {
	if timeout < 0 {
		return opflowerrors.NewConfigError("default module timeout cannot be negative", nil)
	}
	e.defaultModuleTimeout = timeout
	return nil
}

// SetCompletionHooks replaces the registered completion hooks.
func (e *Engine) SetCompletionHooks(hooks ...opflow.CompletionHook) error {
	for _, h := range hooks {
		if h == nil {
			return opflowerrors.NewConfigError("completion hook cannot be nil", nil)
		}
	}
	e.hooks = hooks
	return nil
}

// SetRedactedKeywords installs the keyword set scrubbed from reported and
// logged error text.
func (e *Engine) SetRedactedKeywords(keywords []string) error {
	newMap := make(map[string]struct{})
	for _, k := range keywords {
		keyLower := strings.ToLower(strings.TrimSpace(k))
		if keyLower != "" {
			newMap[keyLower] = struct{}{}
		}
	}
	e.redactedKeywords = newMap
	return nil
}
