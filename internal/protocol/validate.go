// Copyright 2025 James Ross
package protocol

import (
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// inferenceRequestSchema encodes the validation rules enforced at the
// transport boundary per §6.1: model_id non-empty, prompt non-empty,
// max_tokens > 0, temperature >= 0, 0 < top_p <= 1.
const inferenceRequestSchema = `{
	"type": "object",
	"properties": {
		"model_id": {"type": "string", "minLength": 1},
		"prompt": {"type": "string", "minLength": 1},
		"parameters": {
			"type": "object",
			"properties": {
				"max_tokens": {"type": "integer", "exclusiveMinimum": 0},
				"temperature": {"type": "number", "minimum": 0},
				"top_p": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
			},
			"required": ["max_tokens", "temperature", "top_p"]
		}
	},
	"required": ["model_id", "prompt", "parameters"]
}`

var inferenceRequestValidator = gojsonschema.NewStringLoader(inferenceRequestSchema)

// ValidateInferenceRequest checks a raw inference_request frame against the
// boundary validation rules before it is admitted.
func ValidateInferenceRequest(raw []byte) error {
	result, err := gojsonschema.Validate(inferenceRequestValidator, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return fmt.Errorf("protocol: schema validation error: %w", err)
	}
	if !result.Valid() {
		return fmt.Errorf("protocol: invalid inference_request: %s", result.Errors()[0].String())
	}
	return nil
}
