// Package registry maps module type names to factories and builds runnable
// operations from loaded manifests. There is no global registry: the caller
// constructs one, registers the module types it wants available, and hands
// it the manifest. What is not registered explicitly does not exist.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/opflow-labs/opflow/internal/secrets"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	pkgsecrets "github.com/opflow-labs/opflow/pkg/opflow/v1/secrets"
)

// BuildContext carries everything a factory needs to construct one module
// instance: resolved metadata, rendered parameters, and the run's shared
// services.
type BuildContext struct {
	// Meta is the module's scheduling metadata, fully resolved from the
	// manifest (phase parsed, defaults applied).
	Meta module.Metadata

	// Params holds the module's parameters with all templates rendered.
	Params map[string]interface{}

	// RollbackParams, when non-nil, holds the rendered parameters for the
	// module's Rollback call.
	RollbackParams map[string]interface{}

	// Log is scoped to the module being built.
	Log opflowlog.Logger

	// Secrets resolves secret references a module needs at execution time.
	Secrets pkgsecrets.Provider

	// Tracker taints secret values resolved during this run so module
	// output can be scrubbed before it reaches logs or reports.
	Tracker *secrets.SecretTracker

	// RedactedKeywords is the keyword set modules apply when logging
	// key-value material such as environment maps.
	RedactedKeywords map[string]struct{}
}

// Factory builds one module instance. Factories validate their params here,
// at build time, so malformed manifests fail before anything runs.
type Factory func(bc BuildContext) (module.Module, error)

// Registry is a thread-safe map of module type names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register associates a module type name with its factory. Empty names,
// nil factories and duplicate registrations are errors.
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name == "" {
		return opflowerrors.NewConfigError("module registration error: name cannot be empty", nil)
	}
	if factory == nil {
		return opflowerrors.NewConfigError(fmt.Sprintf("module registration error for '%s': factory cannot be nil", name), nil)
	}
	if _, exists := r.factories[name]; exists {
		return opflowerrors.NewConfigError(fmt.Sprintf("module registration error: duplicate module type '%s'", name), nil)
	}

	r.factories[name] = factory
	return nil
}

// MustRegister is Register for wiring code, where a registration failure is
// a programming mistake. It panics on error.
func (r *Registry) MustRegister(name string, factory Factory) {
	if err := r.Register(name, factory); err != nil {
		panic(fmt.Errorf("failed to register module type '%s': %w", name, err))
	}
}

// Get returns the factory for a module type name, or a ModuleNotFoundError.
func (r *Registry) Get(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factory, exists := r.factories[name]
	if !exists {
		return nil, opflowerrors.NewModuleNotFoundError(name)
	}
	return factory, nil
}

// List returns the registered module type names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
