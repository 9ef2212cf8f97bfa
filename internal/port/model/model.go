// Package model defines the opaque language-model capability: given a
// message history and a set of callable tools, it produces either text or
// tool-call requests. Nothing else about the model leaks through this port.
package model

import (
	"context"

	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
)

// ToolSpec describes one callable tool offered to the model.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Request is one model invocation.
type Request struct {
	Messages []agentstate.Message `json:"messages"`
	Tools    []ToolSpec           `json:"tools,omitempty"`
}

// Response is either natural-language text or one or more tool calls,
// never both.
type Response struct {
	Text      string
	ToolCalls []agentstate.ToolCall
}

// Model is the port interface for language-model invocation.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
