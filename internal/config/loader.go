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
const DefaultConfigFile = "conductor.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
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
	setString(&cfg.Server.Port, "CONDUCTOR_PORT")
	setString(&cfg.Server.CORSOrigin, "CONDUCTOR_CORS_ORIGIN")
	setFloat(&cfg.Server.RateLimitRPS, "CONDUCTOR_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "CONDUCTOR_RATE_LIMIT_BURST")
	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "CONDUCTOR_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "CONDUCTOR_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "CONDUCTOR_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "CONDUCTOR_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "CONDUCTOR_PG_HEALTH_CHECK")
	setString(&cfg.NATS.URL, "NATS_URL")
	setString(&cfg.Logging.Level, "CONDUCTOR_LOG_LEVEL")
	setString(&cfg.Logging.Service, "CONDUCTOR_LOG_SERVICE")
	setInt(&cfg.Breaker.MaxFailures, "CONDUCTOR_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "CONDUCTOR_BREAKER_TIMEOUT")
	setInt64(&cfg.Cache.PriorSizeMB, "CONDUCTOR_CACHE_PRIOR_SIZE_MB")
	setDuration(&cfg.Cache.PriorTTL, "CONDUCTOR_CACHE_PRIOR_TTL")
	setString(&cfg.Telemetry.OTLPEndpoint, "CONDUCTOR_OTLP_ENDPOINT")

	setInt(&cfg.Orchestrator.FloorConfidence, "CONDUCTOR_FLOOR_CONFIDENCE")
	setInt(&cfg.Orchestrator.TargetConfidence, "CONDUCTOR_TARGET_CONFIDENCE")
	setInt(&cfg.Orchestrator.MaxRetries, "CONDUCTOR_MAX_RETRIES")
	setInt(&cfg.Orchestrator.RollbackHistoryLimit, "CONDUCTOR_ROLLBACK_HISTORY_LIMIT")
	setInt(&cfg.Orchestrator.MaxParallel, "CONDUCTOR_MAX_PARALLEL")
	setInt(&cfg.Orchestrator.MaxConcurrentRuns, "CONDUCTOR_MAX_CONCURRENT_RUNS")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Server.Port == "" {
		return errors.New("server.port is required")
	}
	if cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if cfg.Postgres.MaxConns < 1 {
		return errors.New("postgres.max_conns must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	if cfg.Orchestrator.FloorConfidence < 0 || cfg.Orchestrator.FloorConfidence > 100 {
		return errors.New("orchestrator.floor_confidence must be within 0-100")
	}
	if cfg.Orchestrator.TargetConfidence < cfg.Orchestrator.FloorConfidence {
		return errors.New("orchestrator.target_confidence must be >= floor_confidence")
	}
	if cfg.Orchestrator.TargetConfidence > 100 {
		return errors.New("orchestrator.target_confidence must be <= 100")
	}
	if cfg.Orchestrator.MaxRetries < 0 {
		return errors.New("orchestrator.max_retries must be >= 0")
	}
	if cfg.Orchestrator.RollbackHistoryLimit < 1 {
		return errors.New("orchestrator.rollback_history_limit must be >= 1")
	}
	if cfg.Orchestrator.MaxParallel < 1 {
		return errors.New("orchestrator.max_parallel must be >= 1")
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

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
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

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
