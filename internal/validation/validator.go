package validation

import (
	"github.com/rendis/chainflow/internal/handlers"
	"github.com/rendis/chainflow/pkg/schema"
)

// Validate runs every static check on a chain and returns the full list of
// issues. lookup may be nil to skip handler existence checks. The chain is
// not modified, so repeated calls return the same result.
func Validate(c *schema.Chain, lookup handlers.Lookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if c == nil {
		result.AddError("/", schema.ErrCodeValidation, "chain is nil")
		return result
	}

	result.Merge(validateSemantic(c, lookup))

	// Graph checks run on the edges between existing steps, so they stay
	// meaningful alongside reference errors.
	g := buildGraph(c)
	for _, cycle := range findCycles(g) {
		result.AddErrorf("dependencies", schema.ErrCodeCycleDetected,
			"dependency cycle: %s", joinPath(cycle))
	}
	result.Merge(validateGating(c, g))
	return result
}

// Validator is the chain validator used by the registry and the loader.
// It is safe for concurrent use.
type Validator struct {
	schemas  *JSONSchemaValidator
	handlers handlers.Lookup
}

// NewValidator creates a Validator. lookup may be nil to skip handler
// existence checks.
func NewValidator(lookup handlers.Lookup) (*Validator, error) {
	schemas, err := Schemas()
	if err != nil {
		return nil, err
	}
	return &Validator{schemas: schemas, handlers: lookup}, nil
}

// Validate returns the full validation result for c.
func (v *Validator) Validate(c *schema.Chain) *schema.ValidationResult {
	return Validate(c, v.handlers)
}

// ValidateChain returns nil for a valid chain, or a validation ChainError
// carrying every issue.
func (v *Validator) ValidateChain(c *schema.Chain) error {
	return v.Validate(c).ToError()
}

// ValidateDocument checks the structure of a JSON chain document.
func (v *Validator) ValidateDocument(data []byte) error {
	return v.schemas.ValidateDocument(data)
}
