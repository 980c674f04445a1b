package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/opflow-labs/opflow/internal/template"
	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
	"github.com/opflow-labs/opflow/pkg/opflow/v1/module"
)

// moduleIDRegex constrains module IDs and dependency references to names
// that stay readable in logs and reports.
var moduleIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// moduleTypeRegex constrains the 'uses' field to registered type names.
var moduleTypeRegex = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidateManifestStructure performs logical validation of a parsed
// Manifest: cross-field consistency and rules JSON schema alone cannot
// express. It returns every violation found, not just the first.
//
// Dependencies referencing module IDs absent from the manifest are NOT
// errors: the scheduler ignores dangling references, which lets manifests
// share module blocks across variants that omit some modules.
func ValidateManifestStructure(m *Manifest) []error {
	var errs []error

	if len(m.Modules) == 0 {
		errs = append(errs, opflowerrors.NewValidationError("manifest must contain at least one module in 'modules' list", nil))
	}

	if m.ContextPolicy != nil {
		if mode := m.ContextPolicy.AccessMode; mode != "" && mode != ContextAccessDeepCopy && mode != ContextAccessUnsafeDirectReference {
			errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("context_policy has invalid access_mode: '%s'", mode), nil))
		}
	}

	// A renderer with no providers suffices for syntax checking.
	syntaxChecker := template.NewRenderer(nil, nil, nil)

	moduleIDs := make(map[string]bool)
	for i := range m.Modules {
		spec := &m.Modules[i]
		displayName := fmt.Sprintf("module %d", i)
		if spec.ID != "" {
			displayName = fmt.Sprintf("module %d ('%s')", i, spec.ID)
		}

		if spec.ID == "" {
			errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: 'id' is required", displayName), nil))
		} else {
			if !moduleIDRegex.MatchString(spec.ID) {
				errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: id contains invalid characters (allowed: alphanumeric, underscore, hyphen)", displayName), nil))
			}
			if moduleIDs[spec.ID] {
				errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: duplicate module id found", displayName), nil))
			}
			moduleIDs[spec.ID] = true
		}

		if spec.Uses == "" {
			errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: 'uses' is required", displayName), nil))
		} else if !moduleTypeRegex.MatchString(spec.Uses) {
			errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: 'uses' value '%s' is not a valid module type name", displayName, spec.Uses), nil))
		}

		if spec.Phase != "" {
			if _, err := module.ParsePhase(spec.Phase); err != nil {
				errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: %v", displayName, err), nil))
			}
		}

		for _, dep := range spec.DependsOn {
			if !moduleIDRegex.MatchString(dep) {
				errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: 'depends_on' entry '%s' contains invalid characters", displayName, dep), nil))
			}
			if spec.ID != "" && dep == spec.ID {
				errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: 'depends_on' cannot reference itself", displayName), nil))
			}
		}

		if spec.Timeout != "" {
			if d, err := time.ParseDuration(spec.Timeout); err != nil {
				errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: invalid format for 'timeout': %v", displayName, err), nil))
			} else if d < 0 {
				errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: 'timeout' cannot be negative", displayName), nil))
			}
		}

		for _, key := range spec.Requires {
			if strings.TrimSpace(key) == "" {
				errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: 'requires' entries cannot be empty", displayName), nil))
			}
		}

		// Syntax-check every template the spec carries. Execution errors
		// (missing vars, failed secret lookups) surface at build time.
		for _, tmplStr := range collectTemplatesToScan(spec) {
			if err := syntaxChecker.CheckSyntax(tmplStr); err != nil {
				errs = append(errs, opflowerrors.NewValidationError(fmt.Sprintf("%s: invalid template [%s]: %v", displayName, tmplStr, err), err))
			}
		}
	}

	return errs
}

// collectTemplatesToScan gathers the spec's string fields that may contain
// templates: the when condition plus any templated string leaf of params
// and rollback_params.
func collectTemplatesToScan(spec *ModuleSpec) []string {
	templates := []string{}
	if spec.When != "" {
		templates = append(templates, spec.When)
	}
	collectTemplatedStrings(spec.Params, &templates)
	collectTemplatedStrings(spec.RollbackParams, &templates)
	return templates
}

func collectTemplatedStrings(value interface{}, out *[]string) {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, "{{") && strings.Contains(v, "}}") {
			*out = append(*out, v)
		}
	case map[string]interface{}:
		for _, val := range v {
			collectTemplatedStrings(val, out)
		}
	case []interface{}:
		for _, val := range v {
			collectTemplatedStrings(val, out)
		}
	}
}
