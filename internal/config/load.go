package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
)

// SupportedSchemaVersionConstraint is the major schema version this engine
// accepts. Manifests declaring any other major version are rejected.
const SupportedSchemaVersionConstraint = "v1"

// LoadManifest parses manifest YAML bytes into a Manifest. The bytes pass
// through four gates in order: JSON schema validation of the raw document,
// strict YAML decoding (unknown fields are errors), a schema version
// compatibility check, and logical validation of cross-field rules the
// schema cannot express.
func LoadManifest(manifestYAML []byte, filePathHint string) (*Manifest, error) {
	if len(manifestYAML) == 0 {
		return nil, opflowerrors.NewConfigError("manifest content cannot be empty", nil)
	}

	if err := ValidateWithSchema(manifestYAML); err != nil {
		return nil, opflowerrors.NewConfigError(fmt.Sprintf("manifest '%s' failed schema validation", filePathHint), err)
	}

	var manifest Manifest
	if err := yamlUnmarshalStrict(manifestYAML, &manifest); err != nil {
		return nil, opflowerrors.NewConfigError(fmt.Sprintf("failed to parse manifest YAML '%s'", filePathHint), err)
	}
	manifest.FilePath = filePathHint

	if manifest.SchemaVersion == "" {
		return nil, opflowerrors.NewValidationError(fmt.Sprintf("manifest '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	manifestSemVer := manifest.SchemaVersion
	if !strings.HasPrefix(manifestSemVer, "v") {
		manifestSemVer = "v" + manifestSemVer
	}
	if !semver.IsValid(manifestSemVer) {
		return nil, opflowerrors.NewValidationError(fmt.Sprintf("manifest '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, manifest.SchemaVersion), nil)
	}
	if semver.Major(manifestSemVer) != SupportedSchemaVersionConstraint {
		return nil, opflowerrors.NewValidationError(
			fmt.Sprintf("manifest '%s' schemaVersion '%s' is not compatible with engine requirement '%s'",
				filePathHint, manifest.SchemaVersion, SupportedSchemaVersionConstraint),
			nil,
		)
	}

	validationErrs := ValidateManifestStructure(&manifest)
	if len(validationErrs) > 0 {
		var messages []string
		for _, vErr := range validationErrs {
			messages = append(messages, vErr.Error())
		}
		combined := fmt.Sprintf("manifest '%s' has %d validation error(s):\n- %s",
			filePathHint, len(messages), strings.Join(messages, "\n- "))
		return nil, opflowerrors.NewValidationError(combined, validationErrs[0])
	}

	return &manifest, nil
}

// LoadManifestFromFile reads and loads a manifest from disk.
func LoadManifestFromFile(filePath string) (*Manifest, error) {
	if filePath == "" {
		return nil, opflowerrors.NewConfigError("manifest file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, opflowerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	yamlFile, err := os.ReadFile(absPath)
	if err != nil {
		return nil, opflowerrors.NewConfigError(fmt.Sprintf("failed to read manifest file '%s'", absPath), err)
	}
	return LoadManifest(yamlFile, absPath)
}

// yamlUnmarshalStrict decodes YAML while rejecting fields the target struct
// does not declare, so typos in manifests surface as load errors instead of
// silently ignored settings.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(strings.NewReader(string(in)))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
