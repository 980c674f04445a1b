// Package config defines the operation manifest model and its loader. A
// manifest is the YAML description of one operation: shared vars, a context
// access policy, and the list of module specs the registry turns into
// runnable modules.
package config

import (
	"time"
)

// DefaultPriority is assigned to modules that do not declare one. Lower
// values run earlier among otherwise tied modules.
const DefaultPriority = 100

// DefaultPhaseName is assigned to modules that do not declare a phase.
const DefaultPhaseName = "execute"

// Manifest is the top-level structure of an operation YAML file.
type Manifest struct {
	SchemaVersion string                 `yaml:"schemaVersion"`
	Name          string                 `yaml:"name"`
	Labels        map[string]string      `yaml:"labels,omitempty"`
	Vars          map[string]interface{} `yaml:"vars,omitempty"`

	// ContextPolicy controls how modules read from the shared operation
	// context. Optional; the default policy deep-copies on read.
	ContextPolicy *ContextPolicy `yaml:"context_policy,omitempty"`

	Modules []ModuleSpec `yaml:"modules"`

	// FilePath records where the manifest was loaded from, for logging and
	// error messages. It is not parsed from the YAML.
	FilePath string `yaml:"-"`
}

// ModuleSpec describes one module of an operation: which registered module
// type to build ('uses'), how to schedule it, and its parameters.
type ModuleSpec struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name,omitempty"`
	Uses      string   `yaml:"uses"`
	Phase     string   `yaml:"phase,omitempty"`
	Priority  *int     `yaml:"priority,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`
	Optional  bool     `yaml:"optional,omitempty"`
	Timeout   string   `yaml:"timeout,omitempty"`

	// When is a template condition evaluated against the operation vars at
	// build time. When it renders to a falsy string ("", "false", "0") the
	// module reports itself as not runnable and is skipped.
	When string `yaml:"when,omitempty"`

	// Requires lists context keys that must be present before the module
	// may execute. Missing keys fail prerequisite validation.
	Requires []string `yaml:"requires,omitempty"`

	Params map[string]interface{} `yaml:"params,omitempty"`

	// RollbackParams, when set, replaces Params for the module's Rollback
	// call. Modules without rollback behavior ignore it.
	RollbackParams map[string]interface{} `yaml:"rollback_params,omitempty"`
}

// DisplayName returns the human-facing name, falling back to the ID.
func (m *ModuleSpec) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

// GetPhaseName returns the declared phase name or the default.
func (m *ModuleSpec) GetPhaseName() string {
	if m.Phase != "" {
		return m.Phase
	}
	return DefaultPhaseName
}

// GetPriority returns the declared priority or the default.
func (m *ModuleSpec) GetPriority() int {
	if m.Priority != nil {
		return *m.Priority
	}
	return DefaultPriority
}

// GetTimeout returns the configured per-module timeout, or 0 when unset or
// invalid. Validation rejects invalid values earlier; this getter stays
// forgiving for programmatic construction.
func (m *ModuleSpec) GetTimeout() time.Duration {
	if m.Timeout == "" {
		return 0
	}
	duration, err := time.ParseDuration(m.Timeout)
	if err != nil || duration < 0 {
		return 0
	}
	return duration
}
