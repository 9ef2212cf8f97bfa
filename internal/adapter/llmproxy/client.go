// Package llmproxy provides an HTTP client for an OpenAI-compatible
// chat-completions proxy. It implements the model port.
package llmproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/pilotcrew/agentpilot/internal/config"
	"github.com/pilotcrew/agentpilot/internal/domain/agentstate"
	"github.com/pilotcrew/agentpilot/internal/port/model"
	"github.com/pilotcrew/agentpilot/internal/resilience"
)

// Client talks to the chat-completions endpoint of the model proxy.
type Client struct {
	baseURL    string
	apiKey     string
	modelName  string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new proxy client from config.Model.
func NewClient(cfg config.Model) *Client {
	return &Client{
		baseURL:   cfg.URL,
		apiKey:    cfg.APIKey,
		modelName: cfg.Name,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

// Wire types for the OpenAI-compatible chat completions API.

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireToolSpec `json:"function"`
}

type wireToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type completionRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
}

type completionResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends the transcript and tool specs to the proxy and decodes the
// assistant's reply into either text or tool calls.
func (c *Client) Complete(ctx context.Context, req model.Request) (*model.Response, error) {
	wireReq := completionRequest{
		Model:    c.modelName,
		Messages: toWireMessages(req.Messages),
		Tools:    toWireTools(req.Tools),
	}

	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal completion request: %w", err)
	}

	data, err := c.doRequest(ctx, "/v1/chat/completions", body)
	if err != nil {
		return nil, fmt.Errorf("complete: %w", err)
	}

	var wireResp completionResponse
	if err := json.Unmarshal(data, &wireResp); err != nil {
		return nil, fmt.Errorf("unmarshal completion response: %w", err)
	}
	if len(wireResp.Choices) == 0 {
		return nil, fmt.Errorf("completion response has no choices")
	}

	msg := wireResp.Choices[0].Message
	resp := &model.Response{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, fmt.Errorf("unmarshal tool call args for %s: %w", tc.Function.Name, err)
			}
		}
		resp.ToolCalls = append(resp.ToolCalls, agentstate.ToolCall{
			CallID: tc.ID,
			Name:   tc.Function.Name,
			Args:   args,
		})
	}
	if len(resp.ToolCalls) > 0 {
		resp.Text = ""
	}
	return resp, nil
}

func toWireMessages(msgs []agentstate.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		wm := wireMessage{Role: string(m.Role), Content: m.Content}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Args)
			if err != nil {
				args = []byte("{}")
			}
			wm.ToolCalls = append(wm.ToolCalls, wireToolCall{
				ID:   tc.CallID,
				Type: "function",
				Function: wireFunction{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(specs []model.ToolSpec) []wireTool {
	var out []wireTool
	for _, s := range specs {
		out = append(out, wireTool{
			Type: "function",
			Function: wireToolSpec{
				Name:        s.Name,
				Description: s.Description,
			},
		})
	}
	return out
}

func (c *Client) doRequest(ctx context.Context, path string, body []byte) ([]byte, error) {
	var result []byte
	call := func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("http request: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read response: %w", err)
		}

		if resp.StatusCode >= 400 {
			return fmt.Errorf("model proxy error %d: %s", resp.StatusCode, string(data))
		}

		result = data
		return nil
	}

	if c.breaker != nil {
		if err := c.breaker.Execute(ctx, call); err != nil {
			return nil, err
		}
		return result, nil
	}

	if err := call(ctx); err != nil {
		return nil, err
	}
	return result, nil
}
