// Package validate compiles and applies the JSON Schemas spec.md §9's
// "validator layer" calls for: the run-start payload and the callback
// payload, rejecting unknown/malformed shapes before they reach the queue
// or the callback ingestor.
package validate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentctl/runctl/internal/apperr"
)

const runStartSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["provider", "sessionId"],
  "properties": {
    "provider": {"type": "string", "minLength": 1},
    "model": {"type": "string"},
    "sessionId": {"type": "string", "minLength": 1},
    "requireHumanLoop": {"type": "boolean"},
    "executionProfile": {"type": "string"},
    "providerOptions": {"type": "object"},
    "messages": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["role", "content"],
        "properties": {
          "role": {"type": "string", "enum": ["system", "user", "assistant"]},
          "content": {"type": "string"}
        }
      }
    }
  }
}`

const callbackSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventId", "kind"],
  "properties": {
    "eventId": {"type": "string", "minLength": 1},
    "kind": {
      "type": "string",
      "enum": ["message.stop", "todo.update", "human_loop.requested", "human_loop.resolved", "run.finished"]
    },
    "todoId": {"type": "string"},
    "todoStatus": {"type": "string"},
    "todoContent": {"type": "string"},
    "questionId": {"type": "string"},
    "prompt": {"type": "string"},
    "metadata": {"type": "object"},
    "finishStatus": {"type": "string", "enum": ["succeeded", "failed", "canceled"]},
    "errorMessage": {"type": "string"},
    "inputTokens": {"type": "integer", "minimum": 0},
    "outputTokens": {"type": "integer", "minimum": 0}
  }
}`

// Validator holds the compiled schemas used at the HTTP boundary.
type Validator struct {
	runStart *jsonschema.Schema
	callback *jsonschema.Schema
}

// New compiles both schemas; a compile failure here is a programmer error,
// not a runtime condition, so it is fatal at startup.
func New() (*Validator, error) {
	runStart, err := compile("run-start.json", runStartSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile run-start schema: %w", err)
	}
	callback, err := compile("callback.json", callbackSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile callback schema: %w", err)
	}
	return &Validator{runStart: runStart, callback: callback}, nil
}

func compile(name, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(name)
}

// ValidateRunStart checks raw against the run-start schema.
func (v *Validator) ValidateRunStart(raw []byte) error {
	return v.validate(v.runStart, raw)
}

// ValidateCallback checks raw against the callback schema.
func (v *Validator) ValidateCallback(raw []byte) error {
	return v.validate(v.callback, raw)
}

func (v *Validator) validate(schema *jsonschema.Schema, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return apperr.Validation(fmt.Sprintf("invalid json: %s", err))
	}
	if err := schema.Validate(doc); err != nil {
		return apperr.Validation(fmt.Sprintf("schema validation failed: %s", err))
	}
	return nil
}
