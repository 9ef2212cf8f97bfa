// Package toolrunner defines the opaque tool-execution capability and the
// sandbox provider interface behind it.
package toolrunner

import (
	"context"

	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
)

// Runner executes named tool calls. Implementations apply their own
// per-call timeout; a timeout surfaces as a failed ToolResult, not an error.
type Runner interface {
	Execute(ctx context.Context, call agentstate.ToolCall) (agentstate.ToolResult, error)
}

// CommandResult is the outcome of a sandboxed command.
type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// Provider is the sandbox/runtime capability behind command and file tools.
// Providers are swappable implementations selected at construction.
type Provider interface {
	RunCommand(ctx context.Context, command string) (*CommandResult, error)
	ReadFile(ctx context.Context, path string) ([]byte, error)
	WriteFile(ctx context.Context, path string, data []byte) error
	HostURL(ctx context.Context, port int) (string, error)
	Terminate(ctx context.Context) error
}
