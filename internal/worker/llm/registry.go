package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Bridge exposes exactly the worker handlers the tools need, plus the
// allowlist and worker identity. The loop never touches the full command
// table.
type Bridge interface {
	WorkerID() string
	AllowedTools() []string

	RepoList(ctx context.Context) (string, error)
	RepoStatus(ctx context.Context, repo string) (string, error)
	RepoLastCommit(ctx context.Context, repo string) (string, error)
	RepoGrep(ctx context.Context, repo, query, path string) (string, error)
	RepoReadFile(ctx context.Context, repo, path string, startLine, endLine int) (string, error)
	PlanEcho(ctx context.Context, text string) (string, error)
	ApproveEcho(ctx context.Context, planID string) (string, error)
}

// RepoContext supplies defaults the model may omit on repo tool calls.
type RepoContext struct {
	Repo     string `json:"repo"`
	PathHint string `json:"path_hint"`
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func intProp(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func objSchema(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{"type": "object", "properties": props, "required": required}
}

// toolDefinitions is the full registry; the schema served to the model is
// filtered by allowlist per turn.
var toolDefinitions = []ToolSchema{
	{Type: "function", Function: FunctionSchema{
		Name:        "repo_list",
		Description: "List allowlisted git repos available on the runner.",
		Parameters:  objSchema(map[string]any{}),
	}},
	{Type: "function", Function: FunctionSchema{
		Name:        "repo_status",
		Description: "Get git status (branch, dirty, porcelain) for a repo.",
		Parameters: objSchema(map[string]any{
			"repo": strProp("Repo name from allowlist"),
		}, "repo"),
	}},
	{Type: "function", Function: FunctionSchema{
		Name:        "repo_last_commit",
		Description: "Get last commit hash, author, date, subject for a repo.",
		Parameters: objSchema(map[string]any{
			"repo": strProp("Repo name from allowlist"),
		}, "repo"),
	}},
	{Type: "function", Function: FunctionSchema{
		Name:        "repo_grep",
		Description: "Search for a query in a repo (ripgrep or git grep).",
		Parameters: objSchema(map[string]any{
			"repo":  strProp("Repo name from allowlist"),
			"query": strProp("Search query"),
			"path":  strProp("Optional path prefix to limit search"),
		}, "repo", "query"),
	}},
	{Type: "function", Function: FunctionSchema{
		Name:        "repo_readfile",
		Description: "Read a file in a repo by path and line range.",
		Parameters: objSchema(map[string]any{
			"repo":       strProp("Repo name from allowlist"),
			"path":       strProp("Relative path within repo"),
			"start_line": intProp("First line (1-based)"),
			"end_line":   intProp("Last line (inclusive)"),
		}, "repo", "path"),
	}},
	{Type: "function", Function: FunctionSchema{
		Name:        "plan_echo",
		Description: "Create a plan (echo scaffold) with the given text; returns plan_id for approve.",
		Parameters: objSchema(map[string]any{
			"text": strProp("Plan summary or description"),
		}, "text"),
	}},
	{Type: "function", Function: FunctionSchema{
		Name:        "approve_echo",
		Description: "Approve a plan by plan_id (echo scaffold).",
		Parameters: objSchema(map[string]any{
			"plan_id": strProp("Plan ID from plan_echo"),
		}, "plan_id"),
	}},
}

// ToolsSchema returns the registry filtered to allowed names, preserving
// registry order.
func ToolsSchema(allowed []string) []ToolSchema {
	set := make(map[string]struct{}, len(allowed))
	for _, n := range allowed {
		set[n] = struct{}{}
	}
	out := make([]ToolSchema, 0, len(allowed))
	for _, d := range toolDefinitions {
		if _, ok := set[d.Function.Name]; ok {
			out = append(out, d)
		}
	}
	return out
}

// ToolArgs is the union of every tool's parameters.
type ToolArgs struct {
	Repo      string `json:"repo"`
	Query     string `json:"query"`
	Path      string `json:"path"`
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Text      string `json:"text"`
	PlanID    string `json:"plan_id"`
}

// ParseToolArgs decodes a tool call's argument payload. An empty string is
// an empty argument set.
func ParseToolArgs(raw string) (ToolArgs, error) {
	var args ToolArgs
	if strings.TrimSpace(raw) == "" {
		return args, nil
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return args, fmt.Errorf("invalid tool arguments JSON: %w", err)
	}
	return args, nil
}

// Dispatch executes one tool by name, applying repo_context defaults when
// the model omitted repo or path.
func Dispatch(ctx context.Context, bridge Bridge, name string, args ToolArgs, rc *RepoContext) (string, error) {
	if !nameAllowed(bridge.AllowedTools(), name) {
		return "", fmt.Errorf("tool not allowed: %s", name)
	}
	repo := args.Repo
	pathHint := ""
	if rc != nil {
		if repo == "" {
			repo = rc.Repo
		}
		pathHint = rc.PathHint
	}

	switch name {
	case "repo_list":
		return bridge.RepoList(ctx)
	case "repo_status":
		if repo == "" {
			return "", fmt.Errorf("repo required")
		}
		return bridge.RepoStatus(ctx, repo)
	case "repo_last_commit":
		if repo == "" {
			return "", fmt.Errorf("repo required")
		}
		return bridge.RepoLastCommit(ctx, repo)
	case "repo_grep":
		if repo == "" {
			return "", fmt.Errorf("repo required")
		}
		path := args.Path
		if path == "" {
			path = pathHint
		}
		return bridge.RepoGrep(ctx, repo, args.Query, path)
	case "repo_readfile":
		if repo == "" {
			return "", fmt.Errorf("repo required")
		}
		if args.Path == "" {
			return "", fmt.Errorf("path required")
		}
		start, end := args.StartLine, args.EndLine
		if start == 0 {
			start = 1
		}
		if end == 0 {
			end = 200
		}
		return bridge.RepoReadFile(ctx, repo, args.Path, start, end)
	case "plan_echo":
		return bridge.PlanEcho(ctx, args.Text)
	case "approve_echo":
		planID := strings.TrimSpace(args.PlanID)
		if planID == "" {
			return "", fmt.Errorf("plan_id required")
		}
		return bridge.ApproveEcho(ctx, planID)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

func nameAllowed(allowed []string, name string) bool {
	for _, n := range allowed {
		if n == name {
			return true
		}
	}
	return false
}
