package schema

import (
	"encoding/json"
	"fmt"
)

// DataType is the declared type of a chain variable.
type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeBoolean DataType = "boolean"
	DataTypeObject  DataType = "object"
	DataTypeArray   DataType = "array"
	DataTypeAny     DataType = "any"
)

// Valid reports whether t is a known data type.
func (t DataType) Valid() bool {
	switch t {
	case DataTypeString, DataTypeNumber, DataTypeBoolean, DataTypeObject, DataTypeArray, DataTypeAny:
		return true
	}
	return false
}

// Variable is a named, typed slot in an execution's variable store.
type Variable struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	DataType     DataType `json:"data_type"`
	InitialValue any      `json:"initial_value"`
	Required     bool     `json:"required"`
}

// DataSource is where an input mapping reads its raw value from.
type DataSource interface {
	SourceType() string
	isDataSource()
}

// DataTarget is where an output mapping writes its value to.
type DataTarget interface {
	TargetType() string
	isDataTarget()
}

// DataTransform reshapes a resolved value.
type DataTransform interface {
	TransformType() string
	isDataTransform()
}

type ChainInputSource struct {
	InputName string `json:"input_name"`
}

type VariableSource struct {
	VariableName string `json:"variable_name"`
}

// StepOutputSource reads a named output of a prior step. An empty
// OutputName selects the whole output map.
type StepOutputSource struct {
	StepID     string `json:"step_id"`
	OutputName string `json:"output_name"`
}

type LiteralSource struct {
	Value any `json:"value"`
}

// TemplateSource renders a {{path}} template against the execution scope.
type TemplateSource struct {
	Template string `json:"template"`
}

func (ChainInputSource) SourceType() string { return "ChainInput" }
func (VariableSource) SourceType() string   { return "Variable" }
func (StepOutputSource) SourceType() string { return "StepOutput" }
func (LiteralSource) SourceType() string    { return "Literal" }
func (TemplateSource) SourceType() string   { return "Template" }

func (ChainInputSource) isDataSource() {}
func (VariableSource) isDataSource()   {}
func (StepOutputSource) isDataSource() {}
func (LiteralSource) isDataSource()    {}
func (TemplateSource) isDataSource()   {}

func (s ChainInputSource) MarshalJSON() ([]byte, error) {
	type plain ChainInputSource
	return marshalTagged(s.SourceType(), plain(s))
}

func (s VariableSource) MarshalJSON() ([]byte, error) {
	type plain VariableSource
	return marshalTagged(s.SourceType(), plain(s))
}

func (s StepOutputSource) MarshalJSON() ([]byte, error) {
	type plain StepOutputSource
	return marshalTagged(s.SourceType(), plain(s))
}

func (s LiteralSource) MarshalJSON() ([]byte, error) {
	type plain LiteralSource
	return marshalTagged(s.SourceType(), plain(s))
}

func (s TemplateSource) MarshalJSON() ([]byte, error) {
	type plain TemplateSource
	return marshalTagged(s.SourceType(), plain(s))
}

type ChainOutputTarget struct {
	OutputName string `json:"output_name"`
}

type VariableTarget struct {
	VariableName string `json:"variable_name"`
}

// StepInputTarget pre-seeds another step's declared input.
type StepInputTarget struct {
	StepID    string `json:"step_id"`
	InputName string `json:"input_name"`
}

func (ChainOutputTarget) TargetType() string { return "ChainOutput" }
func (VariableTarget) TargetType() string    { return "Variable" }
func (StepInputTarget) TargetType() string   { return "StepInput" }

func (ChainOutputTarget) isDataTarget() {}
func (VariableTarget) isDataTarget()    {}
func (StepInputTarget) isDataTarget()   {}

func (t ChainOutputTarget) MarshalJSON() ([]byte, error) {
	type plain ChainOutputTarget
	return marshalTagged(t.TargetType(), plain(t))
}

func (t VariableTarget) MarshalJSON() ([]byte, error) {
	type plain VariableTarget
	return marshalTagged(t.TargetType(), plain(t))
}

func (t StepInputTarget) MarshalJSON() ([]byte, error) {
	type plain StepInputTarget
	return marshalTagged(t.TargetType(), plain(t))
}

// JSONPathTransform extracts a sub-value with a JSONPath such as $.a.b[0].
type JSONPathTransform struct {
	Path string `json:"path"`
}

// RegexTransform extracts a capture group; a nil Group means the whole match.
type RegexTransform struct {
	Pattern string `json:"pattern"`
	Group   *int   `json:"group"`
}

// TemplateTransform renders a template with the value as context.
type TemplateTransform struct {
	Template string `json:"template"`
}

// MapTransform substitutes exact matches of the stringified value.
type MapTransform struct {
	Mappings map[string]any `json:"mappings"`
	Default  any            `json:"default"`
}

type CustomTransform struct {
	Handler string         `json:"handler"`
	Config  map[string]any `json:"config"`
}

func (JSONPathTransform) TransformType() string { return "JsonPath" }
func (RegexTransform) TransformType() string    { return "Regex" }
func (TemplateTransform) TransformType() string { return "Template" }
func (MapTransform) TransformType() string      { return "Map" }
func (CustomTransform) TransformType() string   { return "Custom" }

func (JSONPathTransform) isDataTransform() {}
func (RegexTransform) isDataTransform()    {}
func (TemplateTransform) isDataTransform() {}
func (MapTransform) isDataTransform()      {}
func (CustomTransform) isDataTransform()   {}

func (t JSONPathTransform) MarshalJSON() ([]byte, error) {
	type plain JSONPathTransform
	return marshalTagged(t.TransformType(), plain(t))
}

func (t RegexTransform) MarshalJSON() ([]byte, error) {
	type plain RegexTransform
	return marshalTagged(t.TransformType(), plain(t))
}

func (t TemplateTransform) MarshalJSON() ([]byte, error) {
	type plain TemplateTransform
	return marshalTagged(t.TransformType(), plain(t))
}

func (t MapTransform) MarshalJSON() ([]byte, error) {
	type plain MapTransform
	return marshalTagged(t.TransformType(), plain(t))
}

func (t CustomTransform) MarshalJSON() ([]byte, error) {
	type plain CustomTransform
	return marshalTagged(t.TransformType(), plain(t))
}

var (
	sourceDecoders = map[string]decoder[DataSource]{
		"ChainInput": variant(func(v ChainInputSource) DataSource { return v }),
		"Variable":   variant(func(v VariableSource) DataSource { return v }),
		"StepOutput": variant(func(v StepOutputSource) DataSource { return v }),
		"Literal":    variant(func(v LiteralSource) DataSource { return v }),
		"Template":   variant(func(v TemplateSource) DataSource { return v }),
	}
	targetDecoders = map[string]decoder[DataTarget]{
		"ChainOutput": variant(func(v ChainOutputTarget) DataTarget { return v }),
		"Variable":    variant(func(v VariableTarget) DataTarget { return v }),
		"StepInput":   variant(func(v StepInputTarget) DataTarget { return v }),
	}
	transformDecoders = map[string]decoder[DataTransform]{
		"JsonPath": variant(func(v JSONPathTransform) DataTransform { return v }),
		"Regex":    variant(func(v RegexTransform) DataTransform { return v }),
		"Template": variant(func(v TemplateTransform) DataTransform { return v }),
		"Map":      variant(func(v MapTransform) DataTransform { return v }),
		"Custom":   variant(func(v CustomTransform) DataTransform { return v }),
	}
)

// InputMapping resolves one named input of a step.
type InputMapping struct {
	Name         string        `json:"name"`
	Source       DataSource    `json:"source"`
	Transform    DataTransform `json:"transform,omitempty"`
	Required     bool          `json:"required"`
	DefaultValue any           `json:"default_value,omitempty"`
}

func (m *InputMapping) UnmarshalJSON(data []byte) error {
	type plain InputMapping
	var aux struct {
		plain
		Source    json.RawMessage `json:"source"`
		Transform json.RawMessage `json:"transform"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	src, err := decodeTagged(aux.Source, "source", sourceDecoders)
	if err != nil {
		return fmt.Errorf("input %q: %w", aux.Name, err)
	}
	tr, err := decodeTagged(aux.Transform, "transform", transformDecoders)
	if err != nil {
		return fmt.Errorf("input %q: %w", aux.Name, err)
	}
	*m = InputMapping(aux.plain)
	m.Source = src
	m.Transform = tr
	return nil
}

// OutputMapping writes outputs[Name] of a step to a target.
type OutputMapping struct {
	Name      string        `json:"name"`
	Target    DataTarget    `json:"target"`
	Transform DataTransform `json:"transform,omitempty"`
}

func (m *OutputMapping) UnmarshalJSON(data []byte) error {
	type plain OutputMapping
	var aux struct {
		plain
		Target    json.RawMessage `json:"target"`
		Transform json.RawMessage `json:"transform"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	tgt, err := decodeTagged(aux.Target, "target", targetDecoders)
	if err != nil {
		return fmt.Errorf("output %q: %w", aux.Name, err)
	}
	tr, err := decodeTagged(aux.Transform, "transform", transformDecoders)
	if err != nil {
		return fmt.Errorf("output %q: %w", aux.Name, err)
	}
	*m = OutputMapping(aux.plain)
	m.Target = tgt
	m.Transform = tr
	return nil
}
