package tools

import (
	"context"

	"github.com/nextlevelbuilder/clawrelay/internal/providers"
)

// Tool is an agent-invocable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// ToDefinition converts a tool to the provider schema.
func ToDefinition(t Tool) providers.ToolDefinition {
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		},
	}
}
