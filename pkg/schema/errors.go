package schema

import (
	"errors"
	"fmt"
)

// ErrorKind groups error codes into the taxonomy callers branch on.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindEval       ErrorKind = "eval"
	KindMapping    ErrorKind = "mapping"
	KindConnector  ErrorKind = "connector"
	KindExecution  ErrorKind = "execution"
	KindRegistry   ErrorKind = "registry"
)

// Error codes for structured error reporting.
const (
	// validation
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeDanglingRef     = "DANGLING_REFERENCE"
	ErrCodeCycleDetected   = "CYCLE_DETECTED"
	ErrCodeInvalidPolicy   = "INVALID_POLICY"
	ErrCodeUndeclaredVar   = "UNDECLARED_VARIABLE"
	ErrCodeInvalidStepList = "INVALID_STEP_LIST"
	ErrCodeDuplicateOwner  = "DUPLICATE_OWNER"
	ErrCodeKeyMismatch     = "KEY_MISMATCH"
	ErrCodeTypeDeclaration = "TYPE_DECLARATION"
	ErrCodeUnknownHandler  = "UNKNOWN_HANDLER"
	ErrCodeSchemaViolation = "SCHEMA_VIOLATION"
	ErrCodeInvalidDocument = "INVALID_DOCUMENT"

	// eval
	ErrCodeEval             = "EVAL_ERROR"
	ErrCodeTypeMismatch     = "TYPE_MISMATCH"
	ErrCodeVariableNotFound = "VARIABLE_NOT_FOUND"
	ErrCodeMissingEvaluator = "MISSING_EVALUATOR"
	ErrCodeInvalidPattern   = "INVALID_PATTERN"

	// mapping
	ErrCodeMapping       = "MAPPING_ERROR"
	ErrCodeMissingInput  = "MISSING_INPUT"
	ErrCodeMissingOutput = "MISSING_OUTPUT"
	ErrCodeTransform     = "TRANSFORM_FAILED"
	ErrCodeTemplate      = "TEMPLATE_ERROR"
	ErrCodeVariableType  = "VARIABLE_TYPE"

	// connector
	ErrCodeConnector   = "CONNECTOR_ERROR"
	ErrCodeCircuitOpen = "CIRCUIT_OPEN"
	ErrCodeHandler     = "HANDLER_FAILED"

	// execution
	ErrCodeExecution       = "EXECUTION_ERROR"
	ErrCodeChainNotFound   = "CHAIN_NOT_FOUND"
	ErrCodeSchedulerStuck  = "SCHEDULER_STUCK"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeStepTimeout     = "STEP_TIMEOUT"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeStepFailed      = "STEP_FAILED"
	ErrCodeMissingVariable = "MISSING_VARIABLE"
	ErrCodeLoopLimit       = "LOOP_LIMIT"
	ErrCodeStore           = "STORE_ERROR"

	// registry
	ErrCodeNotFound = "NOT_FOUND"
	ErrCodeConflict = "CONFLICT"
)

var codeKinds = map[string]ErrorKind{
	ErrCodeValidation:      KindValidation,
	ErrCodeDanglingRef:     KindValidation,
	ErrCodeCycleDetected:   KindValidation,
	ErrCodeInvalidPolicy:   KindValidation,
	ErrCodeUndeclaredVar:   KindValidation,
	ErrCodeInvalidStepList: KindValidation,
	ErrCodeDuplicateOwner:  KindValidation,
	ErrCodeKeyMismatch:     KindValidation,
	ErrCodeTypeDeclaration: KindValidation,
	ErrCodeUnknownHandler:  KindValidation,
	ErrCodeSchemaViolation: KindValidation,
	ErrCodeInvalidDocument: KindValidation,

	ErrCodeEval:             KindEval,
	ErrCodeTypeMismatch:     KindEval,
	ErrCodeVariableNotFound: KindEval,
	ErrCodeMissingEvaluator: KindEval,
	ErrCodeInvalidPattern:   KindEval,

	ErrCodeMapping:       KindMapping,
	ErrCodeMissingInput:  KindMapping,
	ErrCodeMissingOutput: KindMapping,
	ErrCodeTransform:     KindMapping,
	ErrCodeTemplate:      KindMapping,
	ErrCodeVariableType:  KindMapping,

	ErrCodeConnector:   KindConnector,
	ErrCodeCircuitOpen: KindConnector,
	ErrCodeHandler:     KindConnector,

	ErrCodeNotFound: KindRegistry,
	ErrCodeConflict: KindRegistry,
}

// ChainError is the structured error type for all chain operations.
type ChainError struct {
	Kind    ErrorKind      `json:"kind"`
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ChainError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ChainError) Unwrap() error {
	return e.Cause
}

// NewError creates a new ChainError. The kind is derived from the code;
// unknown codes are execution errors.
func NewError(code, message string) *ChainError {
	return &ChainError{Kind: kindOf(code), Code: code, Message: message}
}

// NewErrorf creates a new ChainError with a formatted message.
func NewErrorf(code, format string, args ...any) *ChainError {
	return NewError(code, fmt.Sprintf(format, args...))
}

// NewConnectorError creates a connector error carrying a provider-defined code.
// Retry policies match retry_on_error_codes against this code.
func NewConnectorError(code, message string) *ChainError {
	return &ChainError{Kind: KindConnector, Code: code, Message: message}
}

// WithStep attaches a step ID to the error.
func (e *ChainError) WithStep(stepID string) *ChainError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *ChainError) WithCause(err error) *ChainError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ChainError) WithDetails(details map[string]any) *ChainError {
	e.Details = details
	return e
}

func kindOf(code string) ErrorKind {
	if k, ok := codeKinds[code]; ok {
		return k
	}
	return KindExecution
}

// AsChainError unwraps err to the outermost ChainError, if any.
func AsChainError(err error) (*ChainError, bool) {
	var ce *ChainError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// CodeOf returns the error code carried by err, or "" for plain errors.
func CodeOf(err error) string {
	if ce, ok := AsChainError(err); ok {
		return ce.Code
	}
	return ""
}

// KindOf returns the error kind carried by err. Plain errors are reported
// as connector errors since they originate outside the engine.
func KindOf(err error) ErrorKind {
	if ce, ok := AsChainError(err); ok {
		return ce.Kind
	}
	return KindConnector
}

// IssuesOf returns the validation issues carried by an error produced by
// ValidationResult.ToError.
func IssuesOf(err error) []ValidationIssue {
	ce, ok := AsChainError(err)
	if !ok || ce.Details == nil {
		return nil
	}
	issues, _ := ce.Details["errors"].([]ValidationIssue)
	return issues
}
