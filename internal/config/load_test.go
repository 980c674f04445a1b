package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opflow-labs/opflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validManifest = `
schemaVersion: "1.0"
name: deploy-api
labels:
  team: platform
vars:
  environment: staging
  replicas: 3
context_policy:
  access_mode: deep_copy
modules:
  - id: check-disk
    name: Check disk space
    uses: command
    phase: pre_flight
    priority: 10
    params:
      command: df
      args: ["-h"]
  - id: snapshot-db
    uses: command
    phase: snapshot
    timeout: 90s
    params:
      command: pg_dump
  - id: deploy
    uses: command
    depends_on: [another-id]
    params:
      command: kubectl
      args: ["apply", "-f", "{{ .environment }}.yaml"]
  - id: announce
    uses: set_fact
    phase: finalize
    optional: true
    when: "{{ eq .environment \"production\" }}"
    params:
      facts:
        announced: true
`

func TestLoadManifest_Valid(t *testing.T) {
	m, err := config.LoadManifest([]byte(validManifest), "deploy.yaml")
	require.NoError(t, err)
	require.NotNil(t, m)

	assert.Equal(t, "deploy-api", m.Name)
	assert.Equal(t, "1.0", m.SchemaVersion)
	assert.Equal(t, "platform", m.Labels["team"])
	assert.Equal(t, "staging", m.Vars["environment"])
	assert.Equal(t, "deploy.yaml", m.FilePath)
	require.Len(t, m.Modules, 4)

	first := m.Modules[0]
	assert.Equal(t, "check-disk", first.ID)
	assert.Equal(t, "Check disk space", first.DisplayName())
	assert.Equal(t, "pre_flight", first.GetPhaseName())
	assert.Equal(t, 10, first.GetPriority())

	second := m.Modules[1]
	assert.Equal(t, "snapshot-db", second.DisplayName())
	assert.Equal(t, 90*time.Second, second.GetTimeout())

	third := m.Modules[2]
	assert.Equal(t, "execute", third.GetPhaseName())
	assert.Equal(t, config.DefaultPriority, third.GetPriority())
	assert.Zero(t, third.GetTimeout())

	fourth := m.Modules[3]
	assert.True(t, fourth.Optional)
	assert.NotEmpty(t, fourth.When)
}

func TestLoadManifest_Empty(t *testing.T) {
	_, err := config.LoadManifest(nil, "empty.yaml")
	require.Error(t, err)
}

func TestLoadManifest_MissingName(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
modules:
  - id: a
    uses: command
`
	_, err := config.LoadManifest([]byte(yaml), "noname.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation")
}

func TestLoadManifest_NoModules(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: hollow
modules: []
`
	_, err := config.LoadManifest([]byte(yaml), "hollow.yaml")
	require.Error(t, err)
}

func TestLoadManifest_UnknownTopLevelField(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: typo
taks:
  - id: a
    uses: command
modules:
  - id: a
    uses: command
`
	_, err := config.LoadManifest([]byte(yaml), "typo.yaml")
	require.Error(t, err)
}

func TestLoadManifest_UnknownModuleField(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: typo
modules:
  - id: a
    uses: command
    dependson: [b]
`
	_, err := config.LoadManifest([]byte(yaml), "typo.yaml")
	require.Error(t, err)
}

func TestLoadManifest_UnsupportedSchemaVersion(t *testing.T) {
	yaml := `
schemaVersion: "2.0"
name: future
modules:
  - id: a
    uses: command
`
	_, err := config.LoadManifest([]byte(yaml), "future.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not compatible")
}

func TestLoadManifest_InvalidPhase(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: bad-phase
modules:
  - id: a
    uses: command
    phase: warmup
`
	_, err := config.LoadManifest([]byte(yaml), "badphase.yaml")
	require.Error(t, err)
}

func TestLoadManifest_DuplicateModuleID(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: dup
modules:
  - id: same
    uses: command
  - id: same
    uses: command
`
	_, err := config.LoadManifest([]byte(yaml), "dup.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate module id")
}

func TestLoadManifest_SelfDependency(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: navel
modules:
  - id: a
    uses: command
    depends_on: [a]
`
	_, err := config.LoadManifest([]byte(yaml), "navel.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot reference itself")
}

func TestLoadManifest_DanglingDependencyAccepted(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: partial
modules:
  - id: a
    uses: command
    depends_on: [declared-elsewhere]
    params:
      command: "true"
`
	m, err := config.LoadManifest([]byte(yaml), "partial.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"declared-elsewhere"}, m.Modules[0].DependsOn)
}

func TestLoadManifest_InvalidTimeout(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: bad-timeout
modules:
  - id: a
    uses: command
    timeout: ninety-seconds
`
	_, err := config.LoadManifest([]byte(yaml), "badtimeout.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestLoadManifest_InvalidTemplateInWhen(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: bad-template
modules:
  - id: a
    uses: command
    when: "{{ .environment"
`
	_, err := config.LoadManifest([]byte(yaml), "badtmpl.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "template")
}

func TestLoadManifest_InvalidTemplateInParams(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: bad-param-template
modules:
  - id: a
    uses: command
    params:
      command: "{{ if }}"
`
	_, err := config.LoadManifest([]byte(yaml), "badparam.yaml")
	require.Error(t, err)
}

func TestLoadManifest_InvalidAccessMode(t *testing.T) {
	yaml := `
schemaVersion: "1.0"
name: bad-mode
context_policy:
  access_mode: shallow_copy
modules:
  - id: a
    uses: command
`
	_, err := config.LoadManifest([]byte(yaml), "badmode.yaml")
	require.Error(t, err)
}

func TestManifest_EffectiveAccessMode(t *testing.T) {
	m := &config.Manifest{}
	assert.Equal(t, config.ContextAccessDeepCopy, m.EffectiveAccessMode())

	m.ContextPolicy = &config.ContextPolicy{AccessMode: config.ContextAccessUnsafeDirectReference}
	assert.Equal(t, config.ContextAccessUnsafeDirectReference, m.EffectiveAccessMode())
}

func TestLoadManifestFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "op.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validManifest), 0o600))

	m, err := config.LoadManifestFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "deploy-api", m.Name)
	assert.Contains(t, m.FilePath, "op.yaml")
}

func TestLoadManifestFromFile_Missing(t *testing.T) {
	_, err := config.LoadManifestFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)

	_, err = config.LoadManifestFromFile("")
	require.Error(t, err)
}
