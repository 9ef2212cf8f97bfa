// Package sandbox provides an HTTP client for the tool-execution sandbox
// service. It implements both the toolrunner.Runner port (named tool calls)
// and the toolrunner.Provider port (raw command and file access).
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/port/toolrunner"
)

// Client talks to the sandbox service over HTTP.
type Client struct {
	baseURL     string
	callTimeout time.Duration
	httpClient  *http.Client
}

// NewClient creates a sandbox client from config.Sandbox.
func NewClient(cfg config.Sandbox) *Client {
	return &Client{
		baseURL:     cfg.URL,
		callTimeout: cfg.CallTimeout,
		// Per-call deadlines come from the context so that a slow tool
		// surfaces as a failed result instead of a transport error.
		httpClient: &http.Client{},
	}
}

type executeRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

type executeResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Execute runs one named tool call in the sandbox. A deadline or sandbox
// failure becomes a failed ToolResult; only transport-level surprises
// return an error.
func (c *Client) Execute(ctx context.Context, call agentstate.ToolCall) (agentstate.ToolResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	body, err := json.Marshal(executeRequest{Tool: call.Name, Args: call.Args})
	if err != nil {
		return agentstate.ToolResult{}, fmt.Errorf("marshal tool call %s: %w", call.Name, err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/tools/execute", body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return agentstate.ToolResult{
				CallID: call.CallID,
				Error:  fmt.Sprintf("tool %s timed out after %s", call.Name, c.callTimeout),
			}, nil
		}
		return agentstate.ToolResult{}, fmt.Errorf("execute tool %s: %w", call.Name, err)
	}

	var resp executeResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return agentstate.ToolResult{}, fmt.Errorf("unmarshal tool result for %s: %w", call.Name, err)
	}

	return agentstate.ToolResult{
		CallID:  call.CallID,
		Success: resp.Success,
		Output:  resp.Output,
		Error:   resp.Error,
	}, nil
}

// RunCommand executes a shell command in the sandbox.
func (c *Client) RunCommand(ctx context.Context, command string) (*toolrunner.CommandResult, error) {
	body, err := json.Marshal(map[string]string{"command": command})
	if err != nil {
		return nil, fmt.Errorf("marshal command: %w", err)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/v1/commands", body)
	if err != nil {
		return nil, fmt.Errorf("run command: %w", err)
	}

	var result toolrunner.CommandResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("unmarshal command result: %w", err)
	}
	return &result, nil
}

// ReadFile fetches a file from the sandbox filesystem.
func (c *Client) ReadFile(ctx context.Context, path string) ([]byte, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/v1/files?path="+path, nil)
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", path, err)
	}
	return data, nil
}

// WriteFile writes a file into the sandbox filesystem.
func (c *Client) WriteFile(ctx context.Context, path string, data []byte) error {
	body, err := json.Marshal(map[string]string{"path": path, "content": string(data)})
	if err != nil {
		return fmt.Errorf("marshal file write: %w", err)
	}

	if _, err := c.doRequest(ctx, http.MethodPut, "/v1/files", body); err != nil {
		return fmt.Errorf("write file %s: %w", path, err)
	}
	return nil
}

// HostURL returns the externally reachable URL for a port exposed inside
// the sandbox.
func (c *Client) HostURL(ctx context.Context, port int) (string, error) {
	data, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/host-url?port=%d", port), nil)
	if err != nil {
		return "", fmt.Errorf("host url for port %d: %w", port, err)
	}

	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal host url: %w", err)
	}
	return resp.URL, nil
}

// Terminate shuts the sandbox down and releases its resources.
func (c *Client) Terminate(ctx context.Context) error {
	if _, err := c.doRequest(ctx, http.MethodPost, "/v1/terminate", nil); err != nil {
		return fmt.Errorf("terminate sandbox: %w", err)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("sandbox API error %d: %s", resp.StatusCode, string(data))
	}

	return data, nil
}
