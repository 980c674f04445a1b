package errors

import (
	"fmt"
)

// --- opflow Core Error Types ---

// ConfigError represents an error encountered during the loading, parsing,
// or validation of an operation manifest or engine options.
type ConfigError struct {
	Message string
	Cause   error
}

func NewConfigError(message string, cause error) *ConfigError {
	return &ConfigError{Message: message, Cause: cause}
}
func (e *ConfigError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("configuration error: %s", e.Message)
}
func (e *ConfigError) Unwrap() error { return e.Cause }

// ValidationError indicates that some input (e.g., manifest structure,
// schema version, module metadata, parameters) failed validation checks.
type ValidationError struct {
	Message string
	Cause   error
}

func NewValidationError(message string, cause error) *ValidationError {
	return &ValidationError{Message: message, Cause: cause}
}
func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}
func (e *ValidationError) Unwrap() error { return e.Cause }

// ModuleExecutionError represents a failure that occurred while a specific
// module's Execute operation was running. The engine converts it, like any
// other execution error, into a failed module result; it never escapes a run.
type ModuleExecutionError struct {
	ModuleID string
	Cause    error
}

func NewModuleExecutionError(moduleID string, cause error) *ModuleExecutionError {
	return &ModuleExecutionError{ModuleID: moduleID, Cause: cause}
}
func (e *ModuleExecutionError) Error() string {
	if e.ModuleID == "" {
		return fmt.Sprintf("module execution failed: %v", e.Cause)
	}
	return fmt.Sprintf("module '%s' execution failed: %v", e.ModuleID, e.Cause)
}
func (e *ModuleExecutionError) Unwrap() error { return e.Cause }

// ModuleNotFoundError indicates that a module type named in an operation
// manifest could not be found in the module registry.
type ModuleNotFoundError struct {
	ModuleName string
}

func NewModuleNotFoundError(moduleName string) *ModuleNotFoundError {
	return &ModuleNotFoundError{ModuleName: moduleName}
}
func (e *ModuleNotFoundError) Error() string {
	return fmt.Sprintf("module not found: %s", e.ModuleName)
}

// RollbackError represents a failure of a module's Rollback operation during
// an abort. Rollback is best-effort: these errors are appended to the run
// report and logged, but never stop the remaining rollbacks.
type RollbackError struct {
	ModuleID string
	Cause    error
}

func NewRollbackError(moduleID string, cause error) *RollbackError {
	return &RollbackError{ModuleID: moduleID, Cause: cause}
}
func (e *RollbackError) Error() string {
	if e.ModuleID == "" {
		return fmt.Sprintf("rollback failed: %v", e.Cause)
	}
	return fmt.Sprintf("rollback of module '%s' failed: %v", e.ModuleID, e.Cause)
}
func (e *RollbackError) Unwrap() error { return e.Cause }
