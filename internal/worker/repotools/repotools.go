// Package repotools implements the read-only repository commands behind the
// worker's safety boundary: allowlist resolution, canonical path containment,
// argv-only subprocess execution with timeouts, and byte-budgeted output.
package repotools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fairyhunter13/openclaw/internal/domain"
	"github.com/fairyhunter13/openclaw/pkg/textx"
)

// Config carries the runner-side settings for repository access.
type Config struct {
	WorkerID       string
	ReposBase      string
	AllowlistPath  string
	StateDir       string
	CmdTimeout     time.Duration
	MaxOutputBytes int
	MaxFileBytes   int64
	MaxLines       int
}

// Tools executes the repo_* command family. The exec hooks are overridable
// for tests.
type Tools struct {
	cfg Config

	lookPath func(file string) (string, error)
	runCmd   func(ctx context.Context, dir string, argv ...string) (stdout, stderr string, exitCode int, err error)
}

// New constructs a Tools bound to cfg with real subprocess execution.
func New(cfg Config) *Tools {
	t := &Tools{cfg: cfg, lookPath: exec.LookPath}
	t.runCmd = t.execArgv
	return t
}

// Envelope is the uniform wire shape of every repo command result.
type Envelope struct {
	OK        bool   `json:"ok"`
	WorkerID  string `json:"worker_id"`
	Command   string `json:"command"`
	Repo      string `json:"repo,omitempty"`
	Truncated bool   `json:"truncated"`
	Data      any    `json:"data"`
	Error     string `json:"error,omitempty"`
}

func (t *Tools) envelope(command, repo string, truncated bool, data any) (string, error) {
	env := Envelope{
		OK:        true,
		WorkerID:  t.cfg.WorkerID,
		Command:   command,
		Repo:      repo,
		Truncated: truncated,
		Data:      data,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("op=repotools.envelope: %w", err)
	}
	return string(b), nil
}

// LoadAllowlist reads the repo allowlist map fresh from disk. The configured
// path is tried first, then <state dir>/repos.json.
func (t *Tools) LoadAllowlist() (map[string]string, error) {
	candidates := []string{}
	if t.cfg.AllowlistPath != "" {
		candidates = append(candidates, t.cfg.AllowlistPath)
	}
	if t.cfg.StateDir != "" {
		candidates = append(candidates, filepath.Join(t.cfg.StateDir, "repos.json"))
	}
	for _, p := range candidates {
		b, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("op=repotools.LoadAllowlist path=%s: %w", p, err)
		}
		var m map[string]string
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("op=repotools.LoadAllowlist path=%s: %w", p, err)
		}
		return m, nil
	}
	return map[string]string{}, nil
}

// ResolvePath maps an allowlisted repo name to its canonical directory.
// The result must equal the canonical base or lie strictly under it.
func (t *Tools) ResolvePath(name string) (string, error) {
	allow, err := t.LoadAllowlist()
	if err != nil {
		return "", err
	}
	spec, ok := allow[name]
	if !ok {
		return "", fmt.Errorf("%w: repo not allowlisted: %s", domain.ErrInvalidArgument, name)
	}
	candidate := spec
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(t.cfg.ReposBase, candidate)
	}
	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return "", fmt.Errorf("%w: repo path does not resolve: %s", domain.ErrInvalidArgument, name)
	}
	if t.cfg.ReposBase != "" {
		base, err := filepath.EvalSymlinks(t.cfg.ReposBase)
		if err != nil {
			return "", fmt.Errorf("op=repotools.ResolvePath base=%s: %w", t.cfg.ReposBase, err)
		}
		if resolved != base && !strings.HasPrefix(resolved, base+string(filepath.Separator)) {
			return "", fmt.Errorf("%w: repo path outside RUNNER_REPOS_BASE: %s", domain.ErrInvalidArgument, name)
		}
	}
	return resolved, nil
}

// resolveGitRepo resolves a name and requires a .git directory inside it.
func (t *Tools) resolveGitRepo(name string) (string, error) {
	dir, err := t.ResolvePath(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(filepath.Join(dir, ".git"))
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: not a git repo: %s", domain.ErrInvalidArgument, name)
	}
	return dir, nil
}

// List enumerates allowlisted repos that resolve and contain a .git
// directory, sorted by name.
func (t *Tools) List(_ context.Context) (string, error) {
	allow, err := t.LoadAllowlist()
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(allow))
	for name := range allow {
		if _, err := t.resolveGitRepo(name); err == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return t.envelope("repo_list", "", false, map[string]any{"repos": names})
}

// Status reports the current branch, dirty flag, and porcelain lines.
func (t *Tools) Status(ctx context.Context, repo string) (string, error) {
	dir, err := t.resolveGitRepo(repo)
	if err != nil {
		return "", err
	}
	branch, err := t.git(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	porcelain, err := t.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	lines := splitLines(porcelain)
	data := map[string]any{
		"branch":    strings.TrimSpace(branch),
		"dirty":     len(lines) > 0,
		"porcelain": lines,
	}
	return t.envelope("repo_status", repo, false, data)
}

// LastCommit reports hash, author, date, and subject of HEAD.
func (t *Tools) LastCommit(ctx context.Context, repo string) (string, error) {
	dir, err := t.resolveGitRepo(repo)
	if err != nil {
		return "", err
	}
	out, err := t.git(ctx, dir, "log", "-1", "--pretty=format:%H%n%an%n%ad%n%s")
	if err != nil {
		return "", err
	}
	parts := strings.SplitN(out, "\n", 4)
	for len(parts) < 4 {
		parts = append(parts, "")
	}
	data := map[string]any{
		"hash":    strings.TrimSpace(parts[0]),
		"author":  strings.TrimSpace(parts[1]),
		"date":    strings.TrimSpace(parts[2]),
		"subject": strings.TrimSpace(parts[3]),
	}
	return t.envelope("repo_last_commit", repo, false, data)
}

// Grep searches the repo with ripgrep when available, else git grep.
// Exit code 1 means no matches and is not an error.
func (t *Tools) Grep(ctx context.Context, repo, query, path string) (string, error) {
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("%w: query required", domain.ErrInvalidArgument)
	}
	dir, err := t.resolveGitRepo(repo)
	if err != nil {
		return "", err
	}
	var argv []string
	if _, err := t.lookPath("rg"); err == nil {
		argv = []string{"rg", "-n", "--no-heading", "--smart-case", query}
		if path != "" {
			argv = append(argv, path)
		}
	} else {
		argv = []string{"git", "grep", "-n", query}
		if path != "" {
			argv = append(argv, "--", path)
		}
	}
	stdout, stderr, code, err := t.runCmd(ctx, dir, argv...)
	if err != nil {
		return "", fmt.Errorf("op=repotools.Grep repo=%s: %w", repo, err)
	}
	if code != 0 && code != 1 {
		return "", fmt.Errorf("%w: grep failed (exit %d): %s", domain.ErrInternal, code, strings.TrimSpace(stderr))
	}
	matches, truncated := textx.TruncateBytes(stdout, t.cfg.MaxOutputBytes)
	data := map[string]any{"query": query, "matches": splitLines(matches)}
	return t.envelope("repo_grep", repo, truncated, data)
}

// ReadFile returns a validated, line-bounded slice of a file inside the repo.
func (t *Tools) ReadFile(_ context.Context, repo, path string, start, end int) (string, error) {
	dir, err := t.resolveGitRepo(repo)
	if err != nil {
		return "", err
	}
	if path == "" {
		return "", fmt.Errorf("%w: path required", domain.ErrInvalidArgument)
	}
	if filepath.IsAbs(path) || hasParentComponent(path) {
		return "", fmt.Errorf("%w: path must be relative and inside the repo: %s", domain.ErrInvalidArgument, path)
	}
	if start < 1 {
		return "", fmt.Errorf("%w: start must be >= 1", domain.ErrInvalidArgument)
	}
	if end < start {
		return "", fmt.Errorf("%w: end must be >= start", domain.ErrInvalidArgument)
	}
	if end-start+1 > t.cfg.MaxLines {
		return "", fmt.Errorf("%w: requested range exceeds RUNNER_MAX_LINES (%d)", domain.ErrInvalidArgument, t.cfg.MaxLines)
	}
	full := filepath.Join(dir, path)
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		return "", fmt.Errorf("%w: file not found: %s", domain.ErrNotFound, path)
	}
	if resolved != dir && !strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path must be relative and inside the repo: %s", domain.ErrInvalidArgument, path)
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("%w: file not found: %s", domain.ErrNotFound, path)
	}
	if info.Size() > t.cfg.MaxFileBytes {
		return "", fmt.Errorf("%w: file too large (%d bytes > RUNNER_MAX_FILE_BYTES %d)", domain.ErrInvalidArgument, info.Size(), t.cfg.MaxFileBytes)
	}
	raw, err := os.ReadFile(resolved)
	if err != nil {
		return "", fmt.Errorf("op=repotools.ReadFile path=%s: %w", path, err)
	}
	text := strings.ToValidUTF8(string(raw), "�")
	lines := splitLines(text)
	if end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		return "", fmt.Errorf("%w: start beyond end of file (%d lines)", domain.ErrInvalidArgument, len(lines))
	}
	slice := strings.Join(lines[start-1:end], "\n")
	data := map[string]any{"path": path, "start": start, "end": end, "content": slice}
	return t.envelope("repo_readfile", repo, false, data)
}

// git runs a git subcommand in dir and requires exit code 0.
func (t *Tools) git(ctx context.Context, dir string, args ...string) (string, error) {
	argv := append([]string{"git"}, args...)
	stdout, stderr, code, err := t.runCmd(ctx, dir, argv...)
	if err != nil {
		return "", fmt.Errorf("op=repotools.git dir=%s: %w", dir, err)
	}
	if code != 0 {
		return "", fmt.Errorf("%w: git %s failed (exit %d): %s", domain.ErrInternal, args[0], code, strings.TrimSpace(stderr))
	}
	return stdout, nil
}

// execArgv runs argv in dir under the configured timeout. Never a shell.
func (t *Tools) execArgv(ctx context.Context, dir string, argv ...string) (string, string, int, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.CmdTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", "", -1, fmt.Errorf("command timed out after %s: %s", t.cfg.CmdTimeout, argv[0])
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return "", "", -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

func hasParentComponent(path string) bool {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return []string{}
	}
	return strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}
