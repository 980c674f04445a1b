package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/opflow-labs/opflow/internal/config"
	"github.com/opflow-labs/opflow/internal/logger"
	"github.com/opflow-labs/opflow/internal/registry"
	intstate "github.com/opflow-labs/opflow/internal/state"
	"github.com/opflow-labs/opflow/internal/template"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps() registry.BuildDeps {
	return registry.BuildDeps{
		Log:      logger.NewDefaultLogger("error"),
		Renderer: template.NewRenderer(nil, nil, nil),
	}
}

func intPtr(v int) *int { return &v }

func TestBuildOperation_ResolvesMetadata(t *testing.T) {
	var built []*recordingModule
	r := registry.New()
	r.MustRegister("command", recordingFactory(&built))

	manifest := &config.Manifest{
		Name:   "release",
		Labels: map[string]string{"team": "infra"},
		Vars:   map[string]interface{}{"environment": "staging"},
		Modules: []config.ModuleSpec{
			{
				ID:        "stop-traffic",
				Name:      "Stop traffic",
				Uses:      "command",
				Phase:     "pre_flight",
				Priority:  intPtr(5),
				DependsOn: []string{"warm-standby"},
				Optional:  true,
				Timeout:   "45s",
			},
			{ID: "deploy", Uses: "command"},
		},
	}

	op, err := r.BuildOperation(manifest, testDeps())
	require.NoError(t, err)
	require.NotNil(t, op)

	assert.Equal(t, "release", op.Name)
	assert.Equal(t, "infra", op.Labels["team"])
	assert.Equal(t, "staging", op.Vars["environment"])
	require.Len(t, op.Modules, 2)
	require.Len(t, built, 2)

	meta := built[0].bc.Meta
	assert.Equal(t, "stop-traffic", meta.ID)
	assert.Equal(t, "Stop traffic", meta.Name)
	assert.Equal(t, module.PhasePreFlight, meta.Phase)
	assert.Equal(t, 5, meta.Priority)
	assert.Equal(t, []string{"warm-standby"}, meta.DependsOn)
	assert.True(t, meta.Optional)
	assert.Equal(t, 45*time.Second, meta.Timeout)

	defaulted := built[1].bc.Meta
	assert.Equal(t, "deploy", defaulted.Name)
	assert.Equal(t, module.PhaseExecute, defaulted.Phase)
	assert.Equal(t, config.DefaultPriority, defaulted.Priority)
	assert.Zero(t, defaulted.Timeout)
}

func TestBuildOperation_RendersParams(t *testing.T) {
	var built []*recordingModule
	r := registry.New()
	r.MustRegister("command", recordingFactory(&built))

	manifest := &config.Manifest{
		Name: "render",
		Vars: map[string]interface{}{"environment": "staging", "replicas": 3},
		Modules: []config.ModuleSpec{
			{
				ID:   "scale",
				Uses: "command",
				Params: map[string]interface{}{
					"command": "kubectl",
					"args":    []interface{}{"scale", "--replicas", "{{ .replicas }}", "deploy/{{ .environment }}"},
				},
				RollbackParams: map[string]interface{}{
					"command": "kubectl",
					"args":    []interface{}{"rollout", "undo", "deploy/{{ .environment }}"},
				},
			},
		},
	}

	_, err := r.BuildOperation(manifest, testDeps())
	require.NoError(t, err)
	require.Len(t, built, 1)

	params := built[0].bc.Params
	args := params["args"].([]interface{})
	// Whole-value variable references keep their original type.
	assert.Equal(t, 3, args[2])
	assert.Equal(t, "deploy/staging", args[3])

	rollbackArgs := built[0].bc.RollbackParams["args"].([]interface{})
	assert.Equal(t, "deploy/staging", rollbackArgs[2])
}

func TestBuildOperation_UnknownModuleType(t *testing.T) {
	r := registry.New()
	manifest := &config.Manifest{
		Name:    "unknown",
		Modules: []config.ModuleSpec{{ID: "x", Uses: "teleport"}},
	}

	_, err := r.BuildOperation(manifest, testDeps())
	require.Error(t, err)
	var nfErr *opflowerrors.ModuleNotFoundError
	assert.ErrorAs(t, err, &nfErr)
	assert.Contains(t, err.Error(), "'x'")
}

func TestBuildOperation_WhenConditionGatesShouldRun(t *testing.T) {
	r := registry.New()
	r.MustRegister("command", recordingFactory(nil))

	build := func(enabled interface{}) module.Module {
		manifest := &config.Manifest{
			Name: "gated",
			Vars: map[string]interface{}{"enabled": enabled},
			Modules: []config.ModuleSpec{
				{ID: "guarded", Uses: "command", When: "{{ .enabled }}"},
			},
		}
		op, err := r.BuildOperation(manifest, testDeps())
		require.NoError(t, err)
		return op.Modules[0]
	}

	reader := intstate.NewMemoryStore()
	assert.False(t, build(false).ShouldRun(context.Background(), reader))
	assert.False(t, build("").ShouldRun(context.Background(), reader))
	assert.False(t, build(0).ShouldRun(context.Background(), reader))
	assert.True(t, build(true).ShouldRun(context.Background(), reader))
	assert.True(t, build("yes").ShouldRun(context.Background(), reader))
}

func TestBuildOperation_RequiresChecksContextKeys(t *testing.T) {
	r := registry.New()
	r.MustRegister("command", recordingFactory(nil))

	manifest := &config.Manifest{
		Name: "requiring",
		Modules: []config.ModuleSpec{
			{ID: "verify", Uses: "command", Requires: []string{"release_tag", "build_id"}},
		},
	}
	op, err := r.BuildOperation(manifest, testDeps())
	require.NoError(t, err)
	mod := op.Modules[0]

	store := intstate.NewMemoryStore()
	ok, issues := mod.ValidatePrerequisites(context.Background(), store)
	assert.False(t, ok)
	assert.Len(t, issues, 2)
	assert.Contains(t, issues[0], "release_tag")

	require.NoError(t, store.Set("release_tag", "v2.4.1"))
	require.NoError(t, store.Set("build_id", 81411))
	ok, issues = mod.ValidatePrerequisites(context.Background(), store)
	assert.True(t, ok)
	assert.Empty(t, issues)
}

func TestBuildOperation_WhenRenderFailure(t *testing.T) {
	r := registry.New()
	r.MustRegister("command", recordingFactory(nil))

	manifest := &config.Manifest{
		Name: "broken",
		Vars: map[string]interface{}{},
		Modules: []config.ModuleSpec{
			{ID: "guarded", Uses: "command", When: "{{ .never_defined }}"},
		},
	}
	_, err := r.BuildOperation(manifest, testDeps())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "when condition")
	assert.Contains(t, err.Error(), "guarded")
}

func TestBuildOperation_ParamRenderFailure(t *testing.T) {
	r := registry.New()
	r.MustRegister("command", recordingFactory(nil))

	manifest := &config.Manifest{
		Name: "broken-param",
		Vars: map[string]interface{}{},
		Modules: []config.ModuleSpec{
			{ID: "x", Uses: "command", Params: map[string]interface{}{
				"command": "{{ .never_defined }}",
			}},
		},
	}
	_, err := r.BuildOperation(manifest, testDeps())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "'x'")
}

func TestBuildOperation_InputValidation(t *testing.T) {
	r := registry.New()

	_, err := r.BuildOperation(nil, testDeps())
	require.Error(t, err)

	_, err = r.BuildOperation(&config.Manifest{Name: "n"}, registry.BuildDeps{})
	require.Error(t, err)
}

func TestBuildOperation_PlainModulesAreNotWrapped(t *testing.T) {
	var built []*recordingModule
	r := registry.New()
	r.MustRegister("command", recordingFactory(&built))

	manifest := &config.Manifest{
		Name:    "plain",
		Modules: []config.ModuleSpec{{ID: "direct", Uses: "command"}},
	}
	op, err := r.BuildOperation(manifest, testDeps())
	require.NoError(t, err)

	// No when or requires directives, so the factory's instance is used
	// as is.
	assert.Same(t, built[0], op.Modules[0])
}
