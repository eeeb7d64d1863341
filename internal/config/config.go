// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all configuration for the broker and worker processes,
// parsed from environment variables.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// Broker
	BrokerDB              string        `env:"BROKER_DB" envDefault:"broker.db"`
	BrokerHost            string        `env:"BROKER_HOST" envDefault:"127.0.0.1"`
	BrokerPort            int           `env:"BROKER_PORT" envDefault:"8000"`
	WorkerToken           string        `env:"WORKER_TOKEN"`
	BotToken              string        `env:"BOT_TOKEN"`
	LeaseSeconds          int           `env:"LEASE_SECONDS" envDefault:"60"`
	RateLimitPerMin       int           `env:"RATE_LIMIT_PER_MIN" envDefault:"120"`
	CORSAllowOrigins      string        `env:"CORS_ALLOW_ORIGINS" envDefault:"*"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`

	// Worker
	BrokerURL               string   `env:"BROKER_URL" envDefault:"http://127.0.0.1:8000"`
	WorkerID                string   `env:"WORKER_ID"`
	PollIntervalSec         int      `env:"POLL_INTERVAL_SEC" envDefault:"10"`
	RunnerStateDir          string   `env:"RUNNER_STATE_DIR" envDefault:"/var/lib/openclaw-runner/state"`
	RunnerReposBase         string   `env:"RUNNER_REPOS_BASE"`
	RunnerRepoAllowlist     string   `env:"RUNNER_REPO_ALLOWLIST"`
	RunnerCmdTimeoutSeconds int      `env:"RUNNER_CMD_TIMEOUT_SECONDS" envDefault:"15"`
	RunnerMaxOutputBytes    int      `env:"RUNNER_MAX_OUTPUT_BYTES" envDefault:"65536"`
	RunnerMaxFileBytes      int64    `env:"RUNNER_MAX_FILE_BYTES" envDefault:"1048576"`
	RunnerMaxLines          int      `env:"RUNNER_MAX_LINES" envDefault:"400"`
	WorkerCaps              []string `env:"WORKER_CAPS" envSeparator:","`
	LLMCap                  string   `env:"LLM_CAP" envDefault:"llm:vllm"`

	// LLM (OpenAI-compatible chat completions)
	LLMBaseURL          string   `env:"LLM_BASE_URL"`
	LLMAPIKey           string   `env:"LLM_API_KEY"`
	LLMModel            string   `env:"LLM_MODEL"`
	LLMTemperature      float64  `env:"LLM_TEMPERATURE" envDefault:"0.2"`
	LLMMaxTokens        int      `env:"LLM_MAX_TOKENS" envDefault:"4096"`
	LLMToolLoopMaxSteps int      `env:"LLM_TOOL_LOOP_MAX_STEPS" envDefault:"6"`
	LLMAllowedTools     []string `env:"LLM_ALLOWED_TOOLS" envSeparator:","`

	// Observability
	OTLPEndpoint    string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"openclaw"`
}

// Load parses environment variables into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	return cfg, nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// Lease returns the claim lease duration.
func (c Config) Lease() time.Duration { return time.Duration(c.LeaseSeconds) * time.Second }

// PollInterval returns the worker long-poll sleep between empty claims.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// CmdTimeout returns the per-subprocess timeout for repo commands.
func (c Config) CmdTimeout() time.Duration {
	return time.Duration(c.RunnerCmdTimeoutSeconds) * time.Second
}

// EffectiveWorkerID returns WORKER_ID, falling back to the hostname.
func (c Config) EffectiveWorkerID() string {
	if c.WorkerID != "" {
		return c.WorkerID
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "worker"
}

// LLMConfigured reports whether the tool loop has a usable endpoint.
func (c Config) LLMConfigured() bool { return c.LLMBaseURL != "" && c.LLMModel != "" }
