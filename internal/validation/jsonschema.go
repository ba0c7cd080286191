package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/chainflow/pkg/schema"
)

const chainSchemaURL = "https://chainflow.dev/schemas/chain.json"

// chainSchemaJSON is the structural JSON Schema of a chain document. It
// checks shape only; references, cycles and policies are checked on the
// decoded Chain.
const chainSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://chainflow.dev/schemas/chain.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "tags": { "type": ["array", "null"], "items": { "type": "string" } },
    "metadata": { "type": ["object", "null"] },
    "steps": {
      "type": "object",
      "additionalProperties": { "$ref": "#/$defs/step" }
    },
    "dependencies": {
      "type": ["array", "null"],
      "items": { "$ref": "#/$defs/dependency" }
    },
    "variables": {
      "type": ["object", "null"],
      "additionalProperties": { "$ref": "#/$defs/variable" }
    },
    "error_handling": { "$ref": "#/$defs/strategy" },
    "max_parallel_steps": { "type": ["integer", "null"] },
    "timeout": { "$ref": "#/$defs/seconds" }
  },
  "additionalProperties": false,
  "$defs": {
    "seconds": { "type": ["integer", "null"], "minimum": 0 },
    "tagged": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": { "type": "string", "minLength": 1 },
        "config": {}
      },
      "additionalProperties": false
    },
    "optional_tagged": {
      "oneOf": [ { "type": "null" }, { "$ref": "#/$defs/tagged" } ]
    },
    "role": {
      "oneOf": [
        { "type": "null" },
        { "type": "string", "enum": ["system", "user", "assistant", "function", "tool"] },
        {
          "type": "object",
          "required": ["custom"],
          "properties": { "custom": { "type": "string" } },
          "additionalProperties": false
        }
      ]
    },
    "strategy": {
      "oneOf": [
        { "type": "null" },
        { "type": "string", "enum": ["stop_on_error", "continue_on_error"] },
        {
          "type": "object",
          "required": ["retry_with_different_params"],
          "properties": {
            "retry_with_different_params": {
              "type": "object",
              "properties": {
                "max_retries": { "type": "integer" },
                "params": { "type": ["object", "null"] }
              },
              "additionalProperties": false
            }
          },
          "additionalProperties": false
        }
      ]
    },
    "retry_policy": {
      "type": ["object", "null"],
      "properties": {
        "max_retries": { "type": "integer" },
        "retry_interval": { "$ref": "#/$defs/seconds" },
        "retry_backoff_factor": { "type": "number" },
        "retry_on_error_codes": { "type": ["array", "null"], "items": { "type": "string" } }
      },
      "additionalProperties": false
    },
    "input": {
      "type": "object",
      "required": ["name", "source"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "source": { "$ref": "#/$defs/tagged" },
        "transform": { "$ref": "#/$defs/optional_tagged" },
        "required": { "type": "boolean" },
        "default_value": {}
      },
      "additionalProperties": false
    },
    "output": {
      "type": "object",
      "required": ["name", "target"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "target": { "$ref": "#/$defs/tagged" },
        "transform": { "$ref": "#/$defs/optional_tagged" }
      },
      "additionalProperties": false
    },
    "step": {
      "type": "object",
      "required": ["id", "step_type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "step_type": { "$ref": "#/$defs/tagged" },
        "role": { "$ref": "#/$defs/role" },
        "inputs": { "type": ["array", "null"], "items": { "$ref": "#/$defs/input" } },
        "outputs": { "type": ["array", "null"], "items": { "$ref": "#/$defs/output" } },
        "condition": { "$ref": "#/$defs/optional_tagged" },
        "retry_policy": { "$ref": "#/$defs/retry_policy" },
        "timeout": { "$ref": "#/$defs/seconds" },
        "error_handler": { "$ref": "#/$defs/optional_tagged" }
      },
      "additionalProperties": false
    },
    "dependency": {
      "type": "object",
      "required": ["dependent_step", "dependency_type"],
      "properties": {
        "dependent_step": { "type": "string", "minLength": 1 },
        "dependency_type": { "$ref": "#/$defs/tagged" }
      },
      "additionalProperties": false
    },
    "variable": {
      "type": "object",
      "required": ["name"],
      "properties": {
        "name": { "type": "string", "minLength": 1 },
        "description": { "type": "string" },
        "data_type": { "type": "string", "enum": ["string", "number", "boolean", "object", "array", "any"] },
        "initial_value": {},
        "required": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// dataTypeSchemas maps each DataType to the schema a value of that type
// must satisfy.
var dataTypeSchemas = map[schema.DataType]string{
	schema.DataTypeString:  `{"type": "string"}`,
	schema.DataTypeNumber:  `{"type": "number"}`,
	schema.DataTypeBoolean: `{"type": "boolean"}`,
	schema.DataTypeObject:  `{"type": "object"}`,
	schema.DataTypeArray:   `{"type": "array"}`,
	schema.DataTypeAny:     `{}`,
}

// JSONSchemaValidator checks chain documents and typed values with JSON
// Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	chainSchema *jsonschema.Schema
	types       map[schema.DataType]*jsonschema.Schema
}

// NewJSONSchemaValidator compiles the chain document schema and the
// DataType schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	chainSchema, err := compile(c, chainSchemaURL, chainSchemaJSON)
	if err != nil {
		return nil, err
	}

	types := make(map[schema.DataType]*jsonschema.Schema, len(dataTypeSchemas))
	for dt, src := range dataTypeSchemas {
		s, err := compile(c, "https://chainflow.dev/schemas/types/"+string(dt)+".json", src)
		if err != nil {
			return nil, err
		}
		types[dt] = s
	}

	return &JSONSchemaValidator{chainSchema: chainSchema, types: types}, nil
}

func compile(c *jsonschema.Compiler, url, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", url, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", url, err)
	}
	return s, nil
}

var (
	defaultSchemas     *JSONSchemaValidator
	defaultSchemasErr  error
	defaultSchemasOnce sync.Once
)

// Schemas returns a process-wide JSONSchemaValidator.
func Schemas() (*JSONSchemaValidator, error) {
	defaultSchemasOnce.Do(func() {
		defaultSchemas, defaultSchemasErr = NewJSONSchemaValidator()
	})
	return defaultSchemas, defaultSchemasErr
}

// ValidateDocument checks a JSON chain document against the chain schema.
// Violations are reported as one SCHEMA_VIOLATION error listing each
// offending location.
func (v *JSONSchemaValidator) ValidateDocument(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return schema.NewError(schema.ErrCodeInvalidDocument, "chain document is not valid JSON").WithCause(err)
	}
	if err := v.chainSchema.Validate(doc); err != nil {
		return toChainError(err)
	}
	return nil
}

// CheckType reports whether value conforms to dt. An empty DataType is
// treated as any.
func (v *JSONSchemaValidator) CheckType(value any, dt schema.DataType) error {
	if dt == "" {
		dt = schema.DataTypeAny
	}
	s, ok := v.types[dt]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeTypeDeclaration, "unknown data type %q", dt)
	}
	doc, err := toJSONValue(value)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeVariableType, "value is not JSON-encodable: %v", err).WithCause(err)
	}
	if err := s.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeVariableType, "expected %s, got %s", dt, describe(value)).WithCause(err)
	}
	return nil
}

// CheckType validates value against dt with the process-wide validator.
func CheckType(value any, dt schema.DataType) error {
	v, err := Schemas()
	if err != nil {
		return err
	}
	return v.CheckType(value, dt)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func describe(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case float64, float32, int, int64, int32, json.Number:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// toChainError converts a jsonschema.ValidationError into a ChainError whose
// details carry every leaf violation.
func toChainError(err error) *schema.ChainError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeSchemaViolation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeSchemaViolation, verr.Error())
	}

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("chain document has %d schema violations", len(violations))
	}
	return schema.NewError(schema.ErrCodeSchemaViolation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
