// Package llm drives the bounded tool-calling loop behind the llm_task
// command: an OpenAI-compatible chat client, a tool registry with an
// allowlist, and the turn loop itself.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Settings carries the endpoint and loop limits for one llm_task run.
type Settings struct {
	BaseURL      string
	APIKey       string
	Model        string
	Temperature  float64
	MaxTokens    int
	MaxSteps     int
	AllowedTools []string
}

// Configured reports whether the endpoint is usable.
func (s Settings) Configured() bool { return s.BaseURL != "" && s.Model != "" }

// Message is one entry in the chat history.
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a model-requested function invocation.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the tool and carries its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSchema is an OpenAI-style function declaration served to the model.
type ToolSchema struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

// FunctionSchema describes one callable tool.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model       string       `json:"model"`
	Messages    []Message    `json:"messages"`
	Tools       []ToolSchema `json:"tools,omitempty"`
	Temperature float64      `json:"temperature"`
	MaxTokens   int          `json:"max_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Client posts chat completions to an OpenAI-compatible endpoint.
type Client struct {
	settings Settings
	http     *http.Client
}

// NewClient builds a chat client from settings. The timeout stays under the
// default claim lease so a slow model cannot outlive the job.
func NewClient(settings Settings) *Client {
	transport := otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return fmt.Sprintf("LLM %s %s", r.Method, r.URL.Host)
		}),
	)
	return &Client{settings: settings, http: &http.Client{Timeout: 55 * time.Second, Transport: transport}}
}

// ChatWithTools performs a single completion call and returns the first
// choice's message.
func (c *Client) ChatWithTools(ctx context.Context, messages []Message, tools []ToolSchema) (Message, error) {
	body, err := json.Marshal(chatRequest{
		Model:       c.settings.Model,
		Messages:    messages,
		Tools:       tools,
		Temperature: c.settings.Temperature,
		MaxTokens:   c.settings.MaxTokens,
	})
	if err != nil {
		return Message{}, fmt.Errorf("op=llm.ChatWithTools: marshal: %w", err)
	}
	url := strings.TrimRight(c.settings.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Message{}, fmt.Errorf("op=llm.ChatWithTools: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.settings.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Message{}, fmt.Errorf("op=llm.ChatWithTools: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Message{}, fmt.Errorf("op=llm.ChatWithTools: endpoint status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	var cr chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return Message{}, fmt.Errorf("op=llm.ChatWithTools: decode: %w", err)
	}
	if len(cr.Choices) == 0 {
		return Message{Role: "assistant"}, nil
	}
	msg := cr.Choices[0].Message
	if msg.Content != nil {
		trimmed := strings.TrimSpace(*msg.Content)
		if trimmed == "" {
			msg.Content = nil
		} else {
			msg.Content = &trimmed
		}
	}
	return msg, nil
}
