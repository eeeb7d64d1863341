// Package worker implements the long-polling runner: claim a job, execute
// its command, post the terminal result or failure, repeat.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fairyhunter13/openclaw/internal/adapter/brokerclient"
	"github.com/fairyhunter13/openclaw/internal/adapter/observability"
	"github.com/fairyhunter13/openclaw/internal/config"
	"github.com/fairyhunter13/openclaw/internal/worker/llm"
	"github.com/fairyhunter13/openclaw/internal/worker/repotools"
	"github.com/fairyhunter13/openclaw/pkg/textx"
)

// defaultAllowedTools is used when LLM_ALLOWED_TOOLS is unset.
var defaultAllowedTools = []string{
	"repo_list",
	"repo_status",
	"repo_last_commit",
	"repo_grep",
	"repo_readfile",
	"plan_echo",
	"approve_echo",
}

// Broker is the claim/result/fail surface the loop depends on.
type Broker interface {
	Next(ctx context.Context) (*brokerclient.Job, error)
	PostResult(ctx context.Context, jobID, result string) error
	PostFail(ctx context.Context, jobID, errMsg string) error
}

// Worker runs jobs sequentially: one claim at a time, no parallelism.
type Worker struct {
	cfg      config.Config
	broker   Broker
	tools    *repotools.Tools
	chat     llm.ChatFunc
	settings llm.Settings
	log      *slog.Logger
	plansDir string
	caps     []string
}

// New wires a worker from config. The advertised capability set is computed
// once at startup: configured caps, plus the LLM capability when the
// endpoint is configured, plus repo_tools when the allowlist is non-empty.
func New(cfg config.Config, log *slog.Logger) (*Worker, error) {
	workerID := cfg.EffectiveWorkerID()
	tools := repotools.New(repotools.Config{
		WorkerID:       workerID,
		ReposBase:      cfg.RunnerReposBase,
		AllowlistPath:  cfg.RunnerRepoAllowlist,
		StateDir:       cfg.RunnerStateDir,
		CmdTimeout:     cfg.CmdTimeout(),
		MaxOutputBytes: cfg.RunnerMaxOutputBytes,
		MaxFileBytes:   cfg.RunnerMaxFileBytes,
		MaxLines:       cfg.RunnerMaxLines,
	})

	caps := append([]string{}, cfg.WorkerCaps...)
	if cfg.LLMConfigured() {
		caps = append(caps, cfg.LLMCap)
	}
	if allow, err := tools.LoadAllowlist(); err == nil && len(allow) > 0 {
		caps = append(caps, "repo_tools")
	}

	settings := llm.Settings{
		BaseURL:      cfg.LLMBaseURL,
		APIKey:       cfg.LLMAPIKey,
		Model:        cfg.LLMModel,
		Temperature:  cfg.LLMTemperature,
		MaxTokens:    cfg.LLMMaxTokens,
		MaxSteps:     cfg.LLMToolLoopMaxSteps,
		AllowedTools: cfg.LLMAllowedTools,
	}

	plansDir := filepath.Join(cfg.RunnerStateDir, "plans")
	if err := os.MkdirAll(plansDir, 0o750); err != nil {
		return nil, fmt.Errorf("op=worker.New plans_dir=%s: %w", plansDir, err)
	}

	w := &Worker{
		cfg:      cfg,
		broker:   brokerclient.New(cfg.BrokerURL, cfg.WorkerToken, workerID, caps),
		tools:    tools,
		settings: settings,
		log:      log,
		plansDir: plansDir,
		caps:     caps,
	}
	w.chat = llm.NewClient(settings).ChatWithTools
	return w, nil
}

// Caps returns the capability set advertised on claims.
func (w *Worker) Caps() []string { return w.caps }

// Run polls the broker until ctx is cancelled. While a job is in flight no
// further claim is issued.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		"broker", w.cfg.BrokerURL,
		"worker_id", w.cfg.EffectiveWorkerID(),
		"caps", w.caps,
		"poll_interval", w.cfg.PollInterval().String(),
	)
	for {
		job, err := w.broker.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("claim failed", "error", err)
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if job == nil {
			if !w.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		w.handleJob(ctx, job)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (w *Worker) handleJob(ctx context.Context, job *brokerclient.Job) {
	log := w.log.With("job_id", job.ID, "command", job.Command)
	log.Info("job claimed")
	start := time.Now()

	result, err := w.Dispatch(ctx, job.Command, job.Payload)
	observability.WorkerJobDuration.WithLabelValues(job.Command).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.WorkerJobsTotal.WithLabelValues(job.Command, "fail").Inc()
		errMsg := textx.SanitizeText(err.Error())
		if errMsg == "" {
			errMsg = "unknown"
		}
		log.Warn("job failed", "error", errMsg, "duration", time.Since(start).String())
		if postErr := w.broker.PostFail(ctx, job.ID, errMsg); postErr != nil {
			log.Error("fail post abandoned; lease will requeue", "error", postErr)
			return
		}
		log.Info("fail posted")
		return
	}

	observability.WorkerJobsTotal.WithLabelValues(job.Command, "ok").Inc()
	log.Info("job done", "duration", time.Since(start).String())
	if postErr := w.broker.PostResult(ctx, job.ID, result); postErr != nil {
		log.Error("result post abandoned; lease will requeue", "error", postErr)
		return
	}
	log.Info("result posted")
}

// sleep waits one poll interval; returns false when ctx was cancelled.
func (w *Worker) sleep(ctx context.Context) bool {
	t := time.NewTimer(w.cfg.PollInterval())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// allowedTools resolves the LLM tool allowlist, defaulting to the full
// registry when unset.
func (w *Worker) allowedTools() []string {
	if len(w.settings.AllowedTools) > 0 {
		return w.settings.AllowedTools
	}
	return defaultAllowedTools
}
