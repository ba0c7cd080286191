package engine

import (
	"context"

	"github.com/rendis/chainflow/pkg/schema"
)

// Connector invokes the external model or tool behind an LLMInference,
// FunctionCall or ToolUse step. Implementations must honor ctx; failures
// should be *schema.ChainError values created with schema.NewConnectorError
// so retry policies can match on their code.
type Connector interface {
	Invoke(ctx context.Context, step schema.StepType, inputs map[string]any) (map[string]any, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context, step schema.StepType, inputs map[string]any) (map[string]any, error)

func (f ConnectorFunc) Invoke(ctx context.Context, step schema.StepType, inputs map[string]any) (map[string]any, error) {
	return f(ctx, step, inputs)
}

// Target returns the circuit breaker key for a connector-backed step type,
// or "" for step types that do not reach a connector.
func Target(st schema.StepType) string {
	switch v := st.(type) {
	case schema.LLMInference:
		return "model:" + v.Model
	case schema.FunctionCall:
		return "function:" + v.FunctionName
	case schema.ToolUse:
		return "tool:" + v.ToolName
	}
	return ""
}
