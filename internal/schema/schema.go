// Package schema validates step outputs against their declared JSON Schema.
package schema

import (
	"github.com/xeipuuv/gojsonschema"

	"github.com/stagerun/stagerun/pkg/api"
)

// Validate checks value against the JSON Schema document. A mismatch, or a
// schema document that cannot be compiled, is reported as an
// *api.SchemaValidationError naming the step. A nil schema always passes.
func Validate(stepName string, schemaDoc map[string]any, value any) error {
	if schemaDoc == nil {
		return nil
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(schemaDoc),
		gojsonschema.NewGoLoader(value),
	)
	if err != nil {
		return &api.SchemaValidationError{Step: stepName, Causes: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}

	causes := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		causes = append(causes, desc.String())
	}
	return &api.SchemaValidationError{Step: stepName, Causes: causes}
}
