package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "agentpilot.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML file is optional; a missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Server.Port, "AGENTPILOT_PORT")
	setString(&cfg.Server.CORSOrigin, "AGENTPILOT_CORS_ORIGIN")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "AGENTPILOT_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "AGENTPILOT_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "AGENTPILOT_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "AGENTPILOT_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "AGENTPILOT_PG_HEALTH_CHECK")

	setString(&cfg.NATS.URL, "NATS_URL")

	setString(&cfg.Model.URL, "AGENTPILOT_MODEL_URL")
	setString(&cfg.Model.APIKey, "AGENTPILOT_MODEL_API_KEY")
	setString(&cfg.Model.Name, "AGENTPILOT_MODEL_NAME")
	setDuration(&cfg.Model.Timeout, "AGENTPILOT_MODEL_TIMEOUT")

	setString(&cfg.Sandbox.URL, "AGENTPILOT_SANDBOX_URL")
	setDuration(&cfg.Sandbox.CallTimeout, "AGENTPILOT_SANDBOX_CALL_TIMEOUT")

	setString(&cfg.Logging.Level, "AGENTPILOT_LOG_LEVEL")
	setString(&cfg.Logging.Service, "AGENTPILOT_LOG_SERVICE")

	setInt(&cfg.Breaker.MaxFailures, "AGENTPILOT_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "AGENTPILOT_BREAKER_TIMEOUT")

	setInt64(&cfg.Cache.MaxSizeMB, "AGENTPILOT_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "AGENTPILOT_CACHE_TTL")

	setBool(&cfg.Tracing.Enabled, "AGENTPILOT_TRACING_ENABLED")
	setString(&cfg.Tracing.Endpoint, "AGENTPILOT_TRACING_ENDPOINT")

	setString(&cfg.Router.FallbackAgent, "AGENTPILOT_ROUTER_FALLBACK")
	setInt(&cfg.Router.HistoryTurns, "AGENTPILOT_ROUTER_HISTORY_TURNS")
	setBool(&cfg.Router.ModelFallback, "AGENTPILOT_ROUTER_MODEL_FALLBACK")

	setInt(&cfg.Agent.MaxPlanRevisions, "AGENTPILOT_AGENT_MAX_PLAN_REVISIONS")
	setInt(&cfg.Agent.ErrorThreshold, "AGENTPILOT_AGENT_ERROR_THRESHOLD")
	setInt(&cfg.Agent.MaxHops, "AGENTPILOT_AGENT_MAX_HOPS")
	setInt(&cfg.Agent.HandoffTurns, "AGENTPILOT_AGENT_HANDOFF_TURNS")
	setInt(&cfg.Agent.MaxReasonRounds, "AGENTPILOT_AGENT_MAX_REASON_ROUNDS")

	setDuration(&cfg.Approval.Timeout, "AGENTPILOT_APPROVAL_TIMEOUT")

	setInt(&cfg.Queue.Workers, "AGENTPILOT_QUEUE_WORKERS")
	setInt(&cfg.Queue.MaxAttempts, "AGENTPILOT_QUEUE_MAX_ATTEMPTS")
	setDuration(&cfg.Queue.RetryBackoff, "AGENTPILOT_QUEUE_RETRY_BACKOFF")
	setDuration(&cfg.Queue.VisibilityTimeout, "AGENTPILOT_QUEUE_VISIBILITY_TIMEOUT")
	setDuration(&cfg.Queue.JobTimeout, "AGENTPILOT_QUEUE_JOB_TIMEOUT")

	setString(&cfg.Risk.CustomDir, "AGENTPILOT_RISK_DIR")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Agent.MaxPlanRevisions < 1 {
		return errors.New("agent.max_plan_revisions must be >= 1")
	}
	if cfg.Agent.ErrorThreshold < 1 {
		return errors.New("agent.error_threshold must be >= 1")
	}
	if cfg.Agent.MaxHops < 0 {
		return errors.New("agent.max_hops must be >= 0")
	}
	if cfg.Queue.Workers < 1 {
		return errors.New("queue.workers must be >= 1")
	}
	if cfg.Queue.MaxAttempts < 1 {
		return errors.New("queue.max_attempts must be >= 1")
	}
	if a := cfg.Router.FallbackAgent; a != "task" && a != "research" {
		return fmt.Errorf("router.fallback_agent must be task or research, got %q", a)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
