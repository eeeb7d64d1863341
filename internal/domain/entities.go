package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrConflict        = errors.New("conflict")
	ErrInternal        = errors.New("internal error")
)

type JobStatus string

const (
	JobQueued  JobStatus = "queued"
	JobRunning JobStatus = "running"
	JobDone    JobStatus = "done"
	JobFailed  JobStatus = "failed"
)

// Job is the sole persistent entity. Optional fields are pointers so the
// wire shape can carry explicit nulls.
// Invariants: queued rows have no claim/terminal fields; running rows carry
// started_at and lease_until; done/failed rows carry finished_at and no lease.
type Job struct {
	ID         string
	CreatedAt  int64
	StartedAt  *int64
	FinishedAt *int64
	LeaseUntil *int64
	Status     JobStatus
	Command    string
	Payload    string
	Result     *string
	Error      *string
	WorkerID   *string
	Requires   *string
}

// Terminal reports whether the job is in a terminal state.
func (j Job) Terminal() bool { return j.Status == JobDone || j.Status == JobFailed }

// requirement is the structured form of the requires column.
type requirement struct {
	Caps []string `json:"caps"`
}

// ParseRequirement extracts the capability set from a requires descriptor.
// Absent, invalid, or empty descriptors yield nil, meaning any worker matches.
func ParseRequirement(requires *string) []string {
	if requires == nil {
		return nil
	}
	s := strings.TrimSpace(*requires)
	if s == "" || s == "null" {
		return nil
	}
	var req requirement
	if err := json.Unmarshal([]byte(s), &req); err != nil {
		return nil
	}
	out := make([]string, 0, len(req.Caps))
	for _, c := range req.Caps {
		if c = strings.TrimSpace(c); c != "" {
			out = append(out, c)
		}
	}
	return out
}

// ParseCaps parses a worker capability header: either a JSON array of strings
// or a comma-separated list. Empty input yields nil.
func ParseCaps(h string) []string {
	h = strings.TrimSpace(h)
	if h == "" {
		return nil
	}
	if strings.HasPrefix(h, "[") {
		var caps []string
		if err := json.Unmarshal([]byte(h), &caps); err == nil {
			out := caps[:0]
			for _, c := range caps {
				if c = strings.TrimSpace(c); c != "" {
					out = append(out, c)
				}
			}
			return out
		}
		return nil
	}
	parts := strings.Split(h, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// CapsSatisfied reports whether required is a subset of offered.
func CapsSatisfied(required, offered []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(offered))
	for _, c := range offered {
		set[c] = struct{}{}
	}
	for _, c := range required {
		if _, ok := set[c]; !ok {
			return false
		}
	}
	return true
}

// TerminalOutcome reports the broker's decision for a result/fail post.
// Note is non-empty when the post was ignored against the opposite terminal
// state.
type TerminalOutcome struct {
	Status JobStatus
	Note   string
}

// JobRepository is the port for the persistent job store.
type JobRepository interface {
	Create(ctx context.Context, command, payload string, requires *string) (Job, error)
	Get(ctx context.Context, id string) (Job, error)
	// Claim atomically requeues stale running jobs and claims the oldest
	// queued job whose requirement set is satisfied by caps. Returns nil
	// when no job matches.
	Claim(ctx context.Context, workerID string, caps []string, lease time.Duration) (*Job, error)
	Finish(ctx context.Context, id, result string) (TerminalOutcome, error)
	Fail(ctx context.Context, id, errMsg string) (TerminalOutcome, error)
}
