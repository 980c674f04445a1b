package config

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	opflowerrors "github.com/opflow-labs/opflow/pkg/opflow/v1/errors"
)

// The manifest schema ships inside the binary so validation never depends
// on files alongside the executable.
//
//go:embed opflow_schema_v1.0.0.json
var schemaV1Bytes []byte

var (
	schemaV1   *gojsonschema.Schema
	schemaOnce sync.Once
	schemaErr  error
)

// loadSchema compiles the embedded schema exactly once.
func loadSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		if len(schemaV1Bytes) == 0 {
			schemaErr = opflowerrors.NewConfigError("embedded schema 'opflow_schema_v1.0.0.json' is empty or not found", nil)
			return
		}
		schemaV1, schemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schemaV1Bytes))
		if schemaErr != nil {
			schemaErr = opflowerrors.NewConfigError("failed to compile embedded schema 'opflow_schema_v1.0.0.json'", schemaErr)
		}
	})
	return schemaV1, schemaErr
}

// ValidateWithSchema validates raw manifest YAML against the embedded v1
// schema. The YAML is first decoded into generic Go data because the
// validator speaks JSON structures, not YAML text.
func ValidateWithSchema(documentYAML []byte) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	var jsonData interface{}
	if err := yaml.Unmarshal(documentYAML, &jsonData); err != nil {
		return opflowerrors.NewConfigError("failed to parse manifest YAML for schema validation", err)
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(jsonData))
	if err != nil {
		return opflowerrors.NewConfigError("schema validation process failed", err)
	}

	if !result.Valid() {
		errMsg := "Manifest failed JSON schema validation:"
		for _, desc := range result.Errors() {
			field := desc.Field()
			if field == "(root)" || field == "" {
				field = desc.Context().String()
			}
			errMsg += fmt.Sprintf("\n  - Field '%s': %s", field, desc.Description())
		}
		return opflowerrors.NewValidationError(errMsg, nil)
	}

	return nil
}
