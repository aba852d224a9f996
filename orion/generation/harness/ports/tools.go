package harnessports

import (
	"context"
	"encoding/json"
)

// ToolSpec describes a callable tool exposed to the model.
type ToolSpec struct {
	Name        string // unique logical name
	Description string // concise doc for model selection
	JSONSchema  []byte // JSON schema for args
}

// ToolCall represents a model-invoked function with JSON arguments.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// Tool defines the runtime that executes a tool call.
type Tool interface {
	Name() string
	Description() string
	Schema() []byte
	// Mutates reports whether the tool changes stored state.
	Mutates() bool
	Invoke(ctx context.Context, args json.RawMessage) (any, error)
}

// ExecutionRecord is the per-call bookkeeping kept for summaries.
type ExecutionRecord struct {
	Name       string         `json:"name"`
	Args       map[string]any `json:"args,omitempty"`
	Success    bool           `json:"success"`
	Error      string         `json:"error,omitempty"`
	ResultSize int            `json:"result_size"`
}
