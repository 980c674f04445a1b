package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/opflow-labs/opflow/internal/config"
	"github.com/opflow-labs/opflow/internal/secrets"
	"github.com/opflow-labs/opflow/internal/template"
	opflow "github.com/opflow-labs/opflow/pkg/opflow/v1"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	opflowlog "github.com/opflow-labs/opflow/pkg/opflow/v1/log"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	pkgsecrets "github.com/opflow-labs/opflow/pkg/opflow/v1/secrets"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/state"
)

// BuildDeps are the run-scoped services the builder threads into every
// module it constructs. Renderer and Tracker belong to exactly one run.
type BuildDeps struct {
	Log      opflowlog.Logger
	Secrets  pkgsecrets.Provider
	Tracker  *secrets.SecretTracker
	Renderer *template.Renderer

	// RedactedKeywords is forwarded to every BuildContext so modules can
	// scrub sensitive keys from what they log.
	RedactedKeywords map[string]struct{}
}

// BuildOperation turns a loaded manifest into a runnable Operation. Every
// module spec is resolved against the registry, its templates are rendered
// against the manifest vars, and its factory runs with the rendered params.
// Template rendering happens here, once: modules see final values only.
func (r *Registry) BuildOperation(manifest *config.Manifest, deps BuildDeps) (*opflow.Operation, error) {
	if manifest == nil {
		return nil, opflowerrors.NewConfigError("cannot build operation from nil manifest", nil)
	}
	if deps.Renderer == nil {
		return nil, opflowerrors.NewConfigError("cannot build operation without a template renderer", nil)
	}
	if deps.Log == nil {
		return nil, opflowerrors.NewConfigError("cannot build operation without a logger", nil)
	}

	mods := make([]module.Module, 0, len(manifest.Modules))
	for i := range manifest.Modules {
		spec := &manifest.Modules[i]
		mod, err := r.buildModule(spec, manifest, deps)
		if err != nil {
			return nil, fmt.Errorf("module '%s': %w", spec.ID, err)
		}
		mods = append(mods, mod)
	}

	return &opflow.Operation{
		Name:    manifest.Name,
		Labels:  manifest.Labels,
		Vars:    manifest.Vars,
		Modules: mods,
	}, nil
}

func (r *Registry) buildModule(spec *config.ModuleSpec, manifest *config.Manifest, deps BuildDeps) (module.Module, error) {
	factory, err := r.Get(spec.Uses)
	if err != nil {
		return nil, err
	}

	phase, err := module.ParsePhase(spec.GetPhaseName())
	if err != nil {
		return nil, opflowerrors.NewValidationError(err.Error(), err)
	}

	params, err := deps.Renderer.RenderParams(spec.Params, manifest.Vars)
	if err != nil {
		return nil, fmt.Errorf("rendering params: %w", err)
	}
	rollbackParams, err := deps.Renderer.RenderParams(spec.RollbackParams, manifest.Vars)
	if err != nil {
		return nil, fmt.Errorf("rendering rollback_params: %w", err)
	}

	log := deps.Log
	if log != nil {
		log = log.With("module_id", spec.ID)
	}

	mod, err := factory(BuildContext{
		Meta: module.Metadata{
			ID:        spec.ID,
			Name:      spec.DisplayName(),
			Phase:     phase,
			Priority:  spec.GetPriority(),
			DependsOn: spec.DependsOn,
			Optional:  spec.Optional,
			Timeout:   spec.GetTimeout(),
		},
		Params:           params,
		RollbackParams:   rollbackParams,
		Log:              log,
		Secrets:          deps.Secrets,
		Tracker:          deps.Tracker,
		RedactedKeywords: deps.RedactedKeywords,
	})
	if err != nil {
		return nil, err
	}

	// The when condition is decided here, against the vars, not per
	// execution: one render, one answer for the whole run.
	runnable := true
	if spec.When != "" {
		rendered, err := deps.Renderer.Render(spec.When, manifest.Vars)
		if err != nil {
			return nil, fmt.Errorf("rendering when condition: %w", err)
		}
		runnable = isTruthy(rendered)
	}

	if spec.When != "" || len(spec.Requires) > 0 {
		mod = &conditionalModule{
			Module:   mod,
			runnable: runnable,
			requires: spec.Requires,
		}
	}
	return mod, nil
}

// isTruthy interprets a rendered when condition. Empty strings, "false" and
// "0" (after trimming, case-insensitive) are falsy; everything else runs
// the module.
func isTruthy(rendered string) bool {
	switch strings.ToLower(strings.TrimSpace(rendered)) {
	case "", "false", "0":
		return false
	default:
		return true
	}
}

// conditionalModule wraps a built module with the manifest-level when and
// requires directives, keeping that logic out of individual module types.
type conditionalModule struct {
	module.Module
	runnable bool
	requires []string
}

func (c *conditionalModule) ShouldRun(ctx context.Context, reader state.StateReader) bool {
	if !c.runnable {
		return false
	}
	return c.Module.ShouldRun(ctx, reader)
}

func (c *conditionalModule) ValidatePrerequisites(ctx context.Context, reader state.StateReader) (bool, []string) {
	var issues []string
	for _, key := range c.requires {
		if _, ok := reader.Get(key); !ok {
			issues = append(issues, fmt.Sprintf("required context key %q is missing", key))
		}
	}
	ok, inner := c.Module.ValidatePrerequisites(ctx, reader)
	if !ok {
		issues = append(issues, inner...)
	}
	return len(issues) == 0, issues
}
