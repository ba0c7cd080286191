package validation

import (
	"fmt"

	"github.com/rendis/chainflow/pkg/schema"
)

func llmStep(id string) schema.ChainStep {
	return schema.ChainStep{
		ID:       id,
		StepType: schema.LLMInference{Model: "gpt-test"},
		Role:     schema.Role{Kind: schema.RoleAssistant},
	}
}

func withType(step schema.ChainStep, st schema.StepType) schema.ChainStep {
	step.StepType = st
	return step
}

func newChain(steps ...schema.ChainStep) *schema.Chain {
	return &schema.Chain{
		ID:            "chain-1",
		Name:          "test chain",
		Version:       "1.0.0",
		Steps:         schema.NewStepMap(steps...),
		ErrorHandling: schema.StopOnError(),
	}
}

func dependsOnStep(dependent, required string) schema.StepDependency {
	return schema.StepDependency{
		DependentStep:  dependent,
		DependencyType: schema.SimpleDependency{RequiredStep: required},
	}
}

func stepIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("s%d", i)
	}
	return ids
}

func codes(issues []schema.ValidationIssue) []string {
	out := make([]string, len(issues))
	for i, is := range issues {
		out[i] = is.Code
	}
	return out
}
