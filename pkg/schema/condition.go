package schema

import (
	"encoding/json"
	"fmt"
)

// Condition is a boolean predicate tree evaluated against execution state.
// Implementations are the *Condition variant types in this file.
type Condition interface {
	ConditionType() string
	isCondition()
}

// ComparisonOperator parameterizes a Comparison condition.
type ComparisonOperator string

const (
	OpEq         ComparisonOperator = "eq"
	OpNe         ComparisonOperator = "ne"
	OpLt         ComparisonOperator = "lt"
	OpLte        ComparisonOperator = "lte"
	OpGt         ComparisonOperator = "gt"
	OpGte        ComparisonOperator = "gte"
	OpContains   ComparisonOperator = "contains"
	OpStartsWith ComparisonOperator = "starts_with"
	OpEndsWith   ComparisonOperator = "ends_with"
	OpMatches    ComparisonOperator = "matches"
)

// Valid reports whether op is a known operator.
func (op ComparisonOperator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpLt, OpLte, OpGt, OpGte, OpContains, OpStartsWith, OpEndsWith, OpMatches:
		return true
	}
	return false
}

// EqualsCondition holds when the variable equals Value.
type EqualsCondition struct {
	Variable string `json:"variable"`
	Value    any    `json:"value"`
}

// ContainsCondition holds when the variable contains Value (substring,
// array element, object key or object subset).
type ContainsCondition struct {
	Variable string `json:"variable"`
	Value    any    `json:"value"`
}

// RegexCondition holds when the variable's string form matches Pattern.
type RegexCondition struct {
	Variable string `json:"variable"`
	Pattern  string `json:"pattern"`
}

type GreaterThanCondition struct {
	Variable string `json:"variable"`
	Value    any    `json:"value"`
}

type LessThanCondition struct {
	Variable string `json:"variable"`
	Value    any    `json:"value"`
}

// ComparisonCondition compares two operands. Each operand is a variable
// path, a {{path}} reference, or a literal.
type ComparisonCondition struct {
	Left     string             `json:"left"`
	Operator ComparisonOperator `json:"operator"`
	Right    string             `json:"right"`
}

// ExpressionCondition is an opaque expression handed to an external evaluator.
type ExpressionCondition struct {
	Expression string `json:"expression"`
}

type AndCondition struct {
	Conditions []Condition `json:"conditions"`
}

type OrCondition struct {
	Conditions []Condition `json:"conditions"`
}

type NotCondition struct {
	Condition Condition `json:"condition"`
}

// CustomCondition delegates to a named evaluator from the handler registry.
type CustomCondition struct {
	Evaluator string         `json:"evaluator"`
	Params    map[string]any `json:"params"`
}

func (EqualsCondition) ConditionType() string      { return "Equals" }
func (ContainsCondition) ConditionType() string    { return "Contains" }
func (RegexCondition) ConditionType() string       { return "Regex" }
func (GreaterThanCondition) ConditionType() string { return "GreaterThan" }
func (LessThanCondition) ConditionType() string    { return "LessThan" }
func (ComparisonCondition) ConditionType() string  { return "Comparison" }
func (ExpressionCondition) ConditionType() string  { return "Expression" }
func (AndCondition) ConditionType() string         { return "And" }
func (OrCondition) ConditionType() string          { return "Or" }
func (NotCondition) ConditionType() string         { return "Not" }
func (CustomCondition) ConditionType() string      { return "Custom" }

func (EqualsCondition) isCondition()      {}
func (ContainsCondition) isCondition()    {}
func (RegexCondition) isCondition()       {}
func (GreaterThanCondition) isCondition() {}
func (LessThanCondition) isCondition()    {}
func (ComparisonCondition) isCondition()  {}
func (ExpressionCondition) isCondition()  {}
func (AndCondition) isCondition()         {}
func (OrCondition) isCondition()          {}
func (NotCondition) isCondition()         {}
func (CustomCondition) isCondition()      {}

func (c EqualsCondition) MarshalJSON() ([]byte, error) {
	type plain EqualsCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c ContainsCondition) MarshalJSON() ([]byte, error) {
	type plain ContainsCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c RegexCondition) MarshalJSON() ([]byte, error) {
	type plain RegexCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c GreaterThanCondition) MarshalJSON() ([]byte, error) {
	type plain GreaterThanCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c LessThanCondition) MarshalJSON() ([]byte, error) {
	type plain LessThanCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c ComparisonCondition) MarshalJSON() ([]byte, error) {
	type plain ComparisonCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c ExpressionCondition) MarshalJSON() ([]byte, error) {
	type plain ExpressionCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c AndCondition) MarshalJSON() ([]byte, error) {
	type plain AndCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c OrCondition) MarshalJSON() ([]byte, error) {
	type plain OrCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c NotCondition) MarshalJSON() ([]byte, error) {
	type plain NotCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

func (c CustomCondition) MarshalJSON() ([]byte, error) {
	type plain CustomCondition
	return marshalTagged(c.ConditionType(), plain(c))
}

var conditionDecoders map[string]decoder[Condition]

func init() {
	conditionDecoders = map[string]decoder[Condition]{
		"Equals":      variant(func(v EqualsCondition) Condition { return v }),
		"Contains":    variant(func(v ContainsCondition) Condition { return v }),
		"Regex":       variant(func(v RegexCondition) Condition { return v }),
		"GreaterThan": variant(func(v GreaterThanCondition) Condition { return v }),
		"LessThan":    variant(func(v LessThanCondition) Condition { return v }),
		"Comparison":  variant(func(v ComparisonCondition) Condition { return v }),
		"Expression":  variant(func(v ExpressionCondition) Condition { return v }),
		"Custom":      variant(func(v CustomCondition) Condition { return v }),
		"And":         decodeConditionList(func(cs []Condition) Condition { return AndCondition{Conditions: cs} }),
		"Or":          decodeConditionList(func(cs []Condition) Condition { return OrCondition{Conditions: cs} }),
		"Not": func(raw json.RawMessage) (Condition, error) {
			var aux struct {
				Condition json.RawMessage `json:"condition"`
			}
			if err := json.Unmarshal(raw, &aux); err != nil {
				return nil, err
			}
			inner, err := DecodeCondition(aux.Condition)
			if err != nil {
				return nil, err
			}
			if inner == nil {
				return nil, fmt.Errorf("not: missing operand")
			}
			return NotCondition{Condition: inner}, nil
		},
	}
}

func decodeConditionList(wrap func([]Condition) Condition) decoder[Condition] {
	return func(raw json.RawMessage) (Condition, error) {
		var aux struct {
			Conditions []json.RawMessage `json:"conditions"`
		}
		if err := json.Unmarshal(raw, &aux); err != nil {
			return nil, err
		}
		var conds []Condition
		if aux.Conditions != nil {
			conds = make([]Condition, 0, len(aux.Conditions))
		}
		for i, r := range aux.Conditions {
			c, err := DecodeCondition(r)
			if err != nil {
				return nil, fmt.Errorf("conditions[%d]: %w", i, err)
			}
			conds = append(conds, c)
		}
		return wrap(conds), nil
	}
}

// DecodeCondition decodes a tagged condition document. null yields nil.
func DecodeCondition(raw json.RawMessage) (Condition, error) {
	return decodeTagged(raw, "condition", conditionDecoders)
}
