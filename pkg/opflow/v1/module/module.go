// Package module defines the contract every opflow work unit implements:
// immutable scheduling metadata (phase, priority, dependencies, optional
// flag) plus the four lifecycle operations the engine drives (ShouldRun,
// ValidatePrerequisites, Execute and Rollback).
package module

import (
	"context"
	"fmt"
	"time"

	"github.com/opflow-labs/opflow/pkg/opflow/v1/state"
)

// Phase is a coarse ordering bucket for modules. All modules in an earlier
// phase complete before any module in a later phase starts; dependencies
// only need to be declared between modules of the same phase.
type Phase int

// The canonical phases, in execution order. The numeric value of each
// constant is its ordering position.
const (
	// PhasePreFlight runs first: environment and input checks.
	PhasePreFlight Phase = iota
	// PhaseSnapshot captures restorable system state before any mutation.
	PhaseSnapshot
	// PhaseExecute performs the operation's actual work.
	PhaseExecute
	// PhaseVerify checks the outcome of the execute phase.
	PhaseVerify
	// PhaseFinalize runs last: reporting, notifications, cleanup.
	PhaseFinalize
)

// phaseNames maps each phase to its manifest spelling.
var phaseNames = map[Phase]string{
	PhasePreFlight: "pre_flight",
	PhaseSnapshot:  "snapshot",
	PhaseExecute:   "execute",
	PhaseVerify:    "verify",
	PhaseFinalize:  "finalize",
}

// String returns the manifest spelling of the phase.
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Position returns the numeric ordering position of the phase.
// Lower positions run first.
func (p Phase) Position() int { return int(p) }

// ParsePhase converts a manifest phase name into its Phase value.
func ParsePhase(name string) (Phase, error) {
	for p, n := range phaseNames {
		if n == name {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown phase %q (valid: %v)", name, PhaseNames())
}

// PhaseNames returns the manifest spellings of all phases in execution order.
func PhaseNames() []string {
	names := make([]string, 0, len(phaseNames))
	for p := PhasePreFlight; p <= PhaseFinalize; p++ {
		names = append(names, phaseNames[p])
	}
	return names
}

// Status is the terminal outcome of one module within a run.
type Status string

const (
	StatusCompleted Status = "Completed"
	StatusFailed    Status = "Failed"
	StatusSkipped   Status = "Skipped"
)

// Metadata describes a module to the scheduler. It is defined once by the
// module author and treated as immutable for the duration of a run.
type Metadata struct {
	// ID uniquely identifies the module within a single run. Duplicate IDs
	// in one operation are rejected before anything executes.
	ID string
	// Name is the human-readable module name used in logs and reports.
	Name string
	// Phase places the module into a coarse ordering bucket.
	Phase Phase
	// Priority orders modules within the same phase and topological rank.
	// Lower numbers run first.
	Priority int
	// DependsOn lists the IDs of modules that must complete before this one
	// starts. Entries naming modules absent from the run are ignored, not
	// errors, so module sets can be composed freely.
	DependsOn []string
	// Optional marks a module whose failure is recorded but does not abort
	// the run. Required (non-optional) module failures abort the run and
	// trigger rollback.
	Optional bool
	// Timeout bounds a single Execute call. Zero means the engine's default
	// module timeout applies (which may itself be "none").
	Timeout time.Duration
}

// Result is produced once per module execution attempt.
type Result struct {
	// Success reports whether the module's work completed.
	Success bool `json:"success"`
	// Status is the enumerated outcome matching Success.
	Status Status `json:"status"`
	// Message is a short human-readable summary of what happened.
	Message string `json:"message,omitempty"`
	// Data holds output key-values. The engine merges Data into the shared
	// operation context only after the module succeeds.
	Data map[string]interface{} `json:"data,omitempty"`
	// Errors lists failure details accumulated during the attempt.
	Errors []string `json:"errors,omitempty"`
}

// NewSuccessResult builds a completed Result carrying the given output data.
func NewSuccessResult(message string, data map[string]interface{}) *Result {
	return &Result{
		Success: true,
		Status:  StatusCompleted,
		Message: message,
		Data:    data,
	}
}

// NewFailureResult builds a failed Result carrying the given error details.
func NewFailureResult(message string, errs ...string) *Result {
	return &Result{
		Success: false,
		Status:  StatusFailed,
		Message: message,
		Errors:  errs,
	}
}

// Module is the unit of work the opflow engine schedules and executes.
//
// All four lifecycle operations receive the shared operation context. The
// read-only checks get a StateReader; Execute and Rollback get the full
// Store. During parallel batches modules must not assume exclusive access
// to the context: reads of a sibling's writes from the same batch carry no
// ordering guarantee, and only dependency ordering across batches makes a
// producer's output reliably visible to a consumer.
type Module interface {
	// Meta returns the module's scheduling metadata. It must be constant
	// for the lifetime of a run.
	Meta() Metadata

	// ShouldRun decides whether the module applies to the current context.
	// Returning false records the module as skipped; none of its other
	// operations are invoked.
	ShouldRun(ctx context.Context, octx state.StateReader) bool

	// ValidatePrerequisites is a pre-flight check distinct from dependency
	// satisfaction (e.g., required context keys, reachable endpoints).
	// Returning ok=false is treated identically to an execution failure,
	// with the issue strings surfaced as the failure's errors.
	ValidatePrerequisites(ctx context.Context, octx state.StateReader) (ok bool, issues []string)

	// Execute performs the module's work and returns a typed Result. A
	// non-nil error, a Result with Success=false, or a panic (recovered by
	// the engine as a last-resort boundary) all count as failure. The
	// passed context carries the per-module deadline when one is
	// configured; implementations must respect cancellation.
	Execute(ctx context.Context, octx state.Store) (*Result, error)

	// Rollback undoes effects already committed by Execute, best-effort.
	// It is invoked only during an abort, in strict reverse execution
	// order. A non-nil error is logged and reported but never retried and
	// never stops the remaining rollbacks.
	Rollback(ctx context.Context, octx state.Store) error
}

// Base provides default implementations of the optional contract methods:
// always run, no prerequisites, nothing to roll back. Embed it in modules
// that only need Meta and Execute.
type Base struct{}

func (Base) ShouldRun(context.Context, state.StateReader) bool { return true }

func (Base) ValidatePrerequisites(context.Context, state.StateReader) (bool, []string) {
	return true, nil
}

func (Base) Rollback(context.Context, state.Store) error { return nil }

// DryRunKey is the context key signaling modules to describe what they
// would do instead of doing it. Modules with side effects must check it:
//
//	if ctx.Value(module.DryRunKey{}) == true { ... }
type DryRunKey struct{}
