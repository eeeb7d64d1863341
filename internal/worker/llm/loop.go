package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fairyhunter13/openclaw/internal/adapter/observability"
	"github.com/fairyhunter13/openclaw/pkg/textx"
)

// toolOutputMaxBytes bounds what a single tool result may feed back into
// the conversation.
const toolOutputMaxBytes = 8000

// ChatFunc is the model call used by the loop. *Client satisfies it; tests
// substitute a fake.
type ChatFunc func(ctx context.Context, messages []Message, tools []ToolSchema) (Message, error)

// TaskRequest is the decoded llm_task payload.
type TaskRequest struct {
	Prompt      string       `json:"prompt"`
	Tools       []string     `json:"tools"`
	RepoContext *RepoContext `json:"repo_context"`
	MaxSteps    int          `json:"max_steps"`
}

// ToolCallAudit records one tool invocation for the result envelope.
type ToolCallAudit struct {
	Name            string `json:"name"`
	Args            any    `json:"args"`
	Status          string `json:"status"`
	TruncatedOutput string `json:"truncated_output"`
}

// Safety surfaces loop-level guardrail events without failing the job.
type Safety struct {
	Truncations     int    `json:"truncations,omitempty"`
	MaxStepsReached bool   `json:"max_steps_reached,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// Result is the llm_task result envelope, serialized as the job result.
type Result struct {
	Final     string          `json:"final"`
	ToolCalls []ToolCallAudit `json:"tool_calls"`
	Model     string          `json:"model"`
	WorkerID  string          `json:"worker_id"`
	Safety    Safety          `json:"safety"`
}

// RunTask executes the llm_task handler end to end: payload validation,
// tool filtering, the turn loop, and envelope serialization.
func RunTask(ctx context.Context, payload string, settings Settings, chat ChatFunc, bridge Bridge) (string, error) {
	var req TaskRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return "", fmt.Errorf("invalid llm_task payload: %w", err)
	}
	if req.Prompt == "" {
		return "", fmt.Errorf("prompt required")
	}
	if !settings.Configured() {
		return "", fmt.Errorf("LLM_BASE_URL and LLM_MODEL must be configured")
	}
	maxSteps := settings.MaxSteps
	if req.MaxSteps > 0 && req.MaxSteps < maxSteps {
		maxSteps = req.MaxSteps
	}
	if maxSteps < 1 {
		maxSteps = 1
	}

	result, err := runLoop(ctx, req, settings, maxSteps, chat, bridge)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("op=llm.RunTask: marshal result: %w", err)
	}
	return string(b), nil
}

func runLoop(ctx context.Context, req TaskRequest, settings Settings, maxSteps int, chat ChatFunc, bridge Bridge) (Result, error) {
	allowed := bridge.AllowedTools()
	toolNames := intersect(req.Tools, allowed)
	if len(toolNames) == 0 {
		toolNames = allowed
	}
	schema := ToolsSchema(toolNames)
	result := Result{
		ToolCalls: []ToolCallAudit{},
		Model:     settings.Model,
		WorkerID:  bridge.WorkerID(),
	}
	if len(schema) == 0 {
		result.Final = "No tools available or configured."
		result.Safety.Reason = "no_tools"
		return result, nil
	}

	system := fmt.Sprintf(
		"You are a helpful assistant with access to read-only repo tools (repo_list, repo_status, repo_grep, repo_readfile, etc.) "+
			"and plan_echo/approve_echo. Use the provided tools to answer the user. "+
			"You have at most %d tool-call rounds. "+
			"Tool output may be truncated. When you have enough information, respond with a final answer in plain text (no tool calls).",
		maxSteps)
	messages := []Message{
		{Role: "system", Content: strPtr(system)},
		{Role: "user", Content: strPtr(req.Prompt)},
	}

	var final *string
	for step := 0; step < maxSteps; step++ {
		start := time.Now()
		msg, err := chat(ctx, messages, schema)
		if err != nil {
			observability.LLMRequestsTotal.WithLabelValues(settings.Model, "error").Inc()
			return Result{}, err
		}
		observability.LLMRequestsTotal.WithLabelValues(settings.Model, "ok").Inc()
		observability.LLMRequestDuration.WithLabelValues(settings.Model).Observe(time.Since(start).Seconds())

		if msg.Content != nil && len(msg.ToolCalls) == 0 {
			final = msg.Content
			break
		}
		if len(msg.ToolCalls) == 0 {
			fallback := "(no response)"
			if msg.Content != nil {
				fallback = *msg.Content
			}
			final = &fallback
			break
		}

		messages = append(messages, Message{Role: "assistant", Content: msg.Content, ToolCalls: msg.ToolCalls})
		for _, tc := range msg.ToolCalls {
			name := tc.Function.Name
			args, err := ParseToolArgs(tc.Function.Arguments)
			if err != nil {
				observability.ToolCallsTotal.WithLabelValues(name, "error").Inc()
				result.ToolCalls = append(result.ToolCalls, ToolCallAudit{
					Name: name, Args: tc.Function.Arguments, Status: "error", TruncatedOutput: err.Error(),
				})
				messages = append(messages, toolMessage(tc.ID, "Error: "+err.Error()))
				continue
			}
			out, err := Dispatch(ctx, bridge, name, args, req.RepoContext)
			if err != nil {
				errMsg := err.Error()
				if errMsg == "" {
					errMsg = "unknown"
				}
				observability.ToolCallsTotal.WithLabelValues(name, "error").Inc()
				result.ToolCalls = append(result.ToolCalls, ToolCallAudit{
					Name: name, Args: args, Status: "error", TruncatedOutput: errMsg,
				})
				messages = append(messages, toolMessage(tc.ID, "Error: "+errMsg))
				continue
			}
			truncated, wasTruncated := textx.TruncateBytes(out, toolOutputMaxBytes)
			if wasTruncated {
				result.Safety.Truncations++
			}
			observability.ToolCallsTotal.WithLabelValues(name, "ok").Inc()
			result.ToolCalls = append(result.ToolCalls, ToolCallAudit{
				Name: name, Args: args, Status: "ok", TruncatedOutput: truncated,
			})
			messages = append(messages, toolMessage(tc.ID, truncated))
		}
	}

	if final == nil {
		result.Final = "Max tool steps reached without final answer."
		result.Safety.MaxStepsReached = true
	} else {
		result.Final = *final
	}
	return result, nil
}

func toolMessage(callID, content string) Message {
	return Message{Role: "tool", ToolCallID: callID, Content: strPtr(content)}
}

func strPtr(s string) *string { return &s }

func intersect(requested, allowed []string) []string {
	if len(requested) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(allowed))
	for _, n := range allowed {
		set[n] = struct{}{}
	}
	out := make([]string, 0, len(requested))
	for _, n := range requested {
		if _, ok := set[n]; ok {
			out = append(out, n)
		}
	}
	return out
}
