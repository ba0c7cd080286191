// Package connectors holds connectors that serve LLMInference, FunctionCall
// and ToolUse steps.
package connectors

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/rendis/chainflow/pkg/schema"
)

// ErrCodeUnsupported is returned for step types the connector cannot serve.
const ErrCodeUnsupported = "UNSUPPORTED_STEP"

// Echo answers connector steps locally. It is used for dry runs and
// development when no provider is wired.
//
//   - LLMInference returns {"text": <prompt input or the inputs as JSON>, "model": <model>}
//   - FunctionCall returns the arguments overlaid with the inputs plus "function"
//   - ToolUse returns the arguments overlaid with the inputs plus "tool"
type Echo struct {
	// Latency delays every call; the delay honors ctx.
	Latency time.Duration
}

// NewEcho creates an Echo connector with no latency.
func NewEcho() *Echo { return &Echo{} }

func (e *Echo) Invoke(ctx context.Context, st schema.StepType, inputs map[string]any) (map[string]any, error) {
	if e.Latency > 0 {
		t := time.NewTimer(e.Latency)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch v := st.(type) {
	case schema.LLMInference:
		return map[string]any{"text": promptOf(inputs), "model": v.Model}, nil
	case schema.FunctionCall:
		out := overlay(v.Arguments, inputs)
		out["function"] = v.FunctionName
		return out, nil
	case schema.ToolUse:
		out := overlay(v.Arguments, inputs)
		out["tool"] = v.ToolName
		return out, nil
	}
	name := "<nil>"
	if st != nil {
		name = st.StepTypeName()
	}
	return nil, schema.NewConnectorError(ErrCodeUnsupported, "echo connector cannot serve "+name+" steps")
}

func promptOf(inputs map[string]any) string {
	if p, ok := inputs["prompt"].(string); ok {
		return p
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return ""
	}
	return string(raw)
}

func overlay(args, inputs map[string]any) map[string]any {
	out := make(map[string]any, len(args)+len(inputs)+1)
	maps.Copy(out, args)
	maps.Copy(out, inputs)
	return out
}
