package domain

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes a tool for the LLM function-calling protocol.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolOutcome is what an executor reports for one call. Status is either
// ToolStatusResult or ToolStatusError.
type ToolOutcome struct {
	Status  ToolStatus `json:"status"`
	Payload any        `json:"payload,omitempty"`
}

// ToolExecutor performs a single tool call.
type ToolExecutor interface {
	Execute(ctx context.Context, toolCallID, toolName string, args map[string]any) (ToolOutcome, error)
}

// ToolExecutorFunc adapts a function to ToolExecutor.
type ToolExecutorFunc func(ctx context.Context, toolCallID, toolName string, args map[string]any) (ToolOutcome, error)

// Execute implements ToolExecutor.
func (f ToolExecutorFunc) Execute(ctx context.Context, toolCallID, toolName string, args map[string]any) (ToolOutcome, error) {
	return f(ctx, toolCallID, toolName, args)
}

// ToolExecutorRegistry abstracts executor lookup and the tool definitions
// advertised to the model.
type ToolExecutorRegistry interface {
	Get(name string) (ToolExecutor, error)
	Definitions() []ToolDefinition
}

// ToolResult is a result applied to a conversation through AddToolResult.
// Status must be terminal; Error is used when Status is ToolStatusError.
type ToolResult struct {
	ToolCallID string     `json:"toolCallId"`
	Status     ToolStatus `json:"status"`
	Result     any        `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}
