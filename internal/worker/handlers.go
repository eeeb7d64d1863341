package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/fairyhunter13/openclaw/internal/worker/llm"
	"github.com/fairyhunter13/openclaw/pkg/textx"
)

// Version reported by the capabilities command.
const Version = "1.0"

// supportedCommands is the vocabulary reported by capabilities, in dispatch
// order.
var supportedCommands = []string{
	"ping",
	"capabilities",
	"plan_echo",
	"approve_echo",
	"repo_list",
	"repo_status",
	"repo_last_commit",
	"repo_grep",
	"repo_readfile",
	"llm_task",
}

// Dispatch executes one job command. An unknown command is a successful
// result, not a failure: the broker records what the worker could not do.
func (w *Worker) Dispatch(ctx context.Context, command, payload string) (string, error) {
	switch command {
	case "ping":
		return "pong: " + payload, nil
	case "capabilities":
		return w.capabilities()
	case "plan_echo":
		return w.PlanEcho(ctx, payload)
	case "approve_echo":
		return w.ApproveEcho(ctx, strings.TrimSpace(payload))
	case "repo_list":
		return w.tools.List(ctx)
	case "repo_status":
		req, err := decodeRepoPayload(payload)
		if err != nil {
			return "", err
		}
		return w.tools.Status(ctx, req.Repo)
	case "repo_last_commit":
		req, err := decodeRepoPayload(payload)
		if err != nil {
			return "", err
		}
		return w.tools.LastCommit(ctx, req.Repo)
	case "repo_grep":
		req, err := decodeRepoPayload(payload)
		if err != nil {
			return "", err
		}
		return w.tools.Grep(ctx, req.Repo, req.Query, req.Path)
	case "repo_readfile":
		req, err := decodeRepoPayload(payload)
		if err != nil {
			return "", err
		}
		return w.tools.ReadFile(ctx, req.Repo, req.Path, req.Start, req.End)
	case "llm_task":
		return llm.RunTask(ctx, payload, w.settings, w.chat, w)
	default:
		return "unknown command: " + command, nil
	}
}

// repoPayload is the job payload shape shared by the repo_* commands.
type repoPayload struct {
	Repo  string `json:"repo"`
	Query string `json:"query"`
	Path  string `json:"path"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

func decodeRepoPayload(payload string) (repoPayload, error) {
	var req repoPayload
	if strings.TrimSpace(payload) == "" {
		return req, fmt.Errorf("payload required")
	}
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return req, fmt.Errorf("invalid payload JSON: %w", err)
	}
	if req.Repo == "" {
		return req, fmt.Errorf("repo required")
	}
	return req, nil
}

func (w *Worker) capabilities() (string, error) {
	out := map[string]any{
		"worker_id":    w.cfg.EffectiveWorkerID(),
		"capabilities": supportedCommands,
		"version":      Version,
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", fmt.Errorf("op=worker.capabilities: %w", err)
	}
	return string(b), nil
}

// plan is the scaffold persisted by plan_echo and located by approve_echo.
type plan struct {
	Type             string   `json:"type"`
	PlanID           string   `json:"plan_id"`
	Summary          string   `json:"summary"`
	ProposedActions  []string `json:"proposed_actions"`
	RequiresApproval bool     `json:"requires_approval"`
}

// PlanEcho persists a fresh plan scaffold under the plans directory and
// returns it.
func (w *Worker) PlanEcho(_ context.Context, text string) (string, error) {
	summary := "Echo plan (no payload)"
	if text != "" {
		trimmed, _ := textx.TruncateBytes(text, 200)
		summary = "Echo plan for: " + trimmed
	}
	p := plan{
		Type:             "plan",
		PlanID:           uuid.New().String(),
		Summary:          summary,
		ProposedActions:  []string{"(no-op)"},
		RequiresApproval: true,
	}
	b, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return "", fmt.Errorf("op=worker.PlanEcho: %w", err)
	}
	path := filepath.Join(w.plansDir, p.PlanID+".json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		return "", fmt.Errorf("op=worker.PlanEcho path=%s: %w", path, err)
	}
	out, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("op=worker.PlanEcho: %w", err)
	}
	return string(out), nil
}

// ApproveEcho confirms a previously persisted plan exists and returns an
// approval scaffold. Approval is a no-op; nothing is applied. The id must
// name a file directly inside the plans directory.
func (w *Worker) ApproveEcho(_ context.Context, planID string) (string, error) {
	if planID == "" {
		return "", fmt.Errorf("plan_id required")
	}
	if strings.ContainsAny(planID, `/\`) || strings.Contains(planID, "..") {
		return "", fmt.Errorf("invalid plan_id")
	}
	path := filepath.Join(w.plansDir, planID+".json")
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("unknown plan_id")
	}
	approval := map[string]any{
		"type":    "approval",
		"plan_id": planID,
		"status":  "approved",
		"applied": false,
		"note":    "no-op (scaffold)",
	}
	b, err := json.Marshal(approval)
	if err != nil {
		return "", fmt.Errorf("op=worker.ApproveEcho: %w", err)
	}
	return string(b), nil
}

// llm.Bridge implementation: the loop sees only these handlers.

// WorkerID reports this worker's identity for result envelopes.
func (w *Worker) WorkerID() string { return w.cfg.EffectiveWorkerID() }

// AllowedTools reports the tool names the model may invoke.
func (w *Worker) AllowedTools() []string { return w.allowedTools() }

// RepoList lists usable allowlisted repos.
func (w *Worker) RepoList(ctx context.Context) (string, error) {
	return w.tools.List(ctx)
}

// RepoStatus reports git status for an allowlisted repo.
func (w *Worker) RepoStatus(ctx context.Context, repo string) (string, error) {
	return w.tools.Status(ctx, repo)
}

// RepoLastCommit reports the HEAD commit of an allowlisted repo.
func (w *Worker) RepoLastCommit(ctx context.Context, repo string) (string, error) {
	return w.tools.LastCommit(ctx, repo)
}

// RepoGrep searches an allowlisted repo.
func (w *Worker) RepoGrep(ctx context.Context, repo, query, path string) (string, error) {
	return w.tools.Grep(ctx, repo, query, path)
}

// RepoReadFile reads a bounded line range from a file in an allowlisted repo.
func (w *Worker) RepoReadFile(ctx context.Context, repo, path string, startLine, endLine int) (string, error) {
	return w.tools.ReadFile(ctx, repo, path, startLine, endLine)
}
