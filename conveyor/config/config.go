package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6565"`
	DBDriver   string `env:"DB_DRIVER, default=sqlite3"`
	DBPath     string `env:"DB_PATH, default=conveyor.db"`
	Dev        bool   `env:"DEV, default=false"`
	LogLevel   string `env:"LOG_LEVEL, default=info"`
}

type Cache struct {
	Provider  string        `env:"PROVIDER, default=memory"`
	RedisAddr string        `env:"REDIS_ADDR, default=localhost:6379"`
	TTL       time.Duration `env:"TTL, default=1h"`
}

type Pipelines struct {
	Executor             string        `env:"EXECUTOR, default=dry"`
	DryRunDelay          time.Duration `env:"DRY_RUN_DELAY, default=100ms"`
	WorkspaceDir         string        `env:"WORKSPACE_DIR, default=/var/lib/conveyor/workspaces"`
	Image                string        `env:"IMAGE, default=docker.io/library/alpine:3"`
	QueueSize            int           `env:"QUEUE_SIZE, default=100"`
	Workers              int           `env:"WORKERS, default=2"`
	PermissiveConditions bool          `env:"PERMISSIVE_CONDITIONS, default=true"`
	RetentionDays        int           `env:"RETENTION_DAYS, default=30"`
	CleanupInterval      time.Duration `env:"CLEANUP_INTERVAL, default=24h"`
	PersistAttempts      uint          `env:"PERSIST_ATTEMPTS, default=5"`
}

type Artifacts struct {
	Endpoint  string `env:"ENDPOINT"`
	AccessKey string `env:"ACCESS_KEY"`
	SecretKey string `env:"SECRET_KEY"`
	Bucket    string `env:"BUCKET, default=conveyor-artifacts"`
	Region    string `env:"REGION"`
	UseSSL    bool   `env:"USE_SSL, default=false"`
}

func (a Artifacts) Enabled() bool {
	return a.Endpoint != ""
}

type Scheduler struct {
	RedisAddr string `env:"REDIS_ADDR"`
	Channel   string `env:"CHANNEL, default=conveyor:schedule"`
}

func (s Scheduler) Enabled() bool {
	return s.RedisAddr != ""
}

type Telemetry struct {
	Enabled bool `env:"ENABLED, default=false"`
}

type Config struct {
	Server    Server    `env:",prefix=CONVEYOR_SERVER_"`
	Cache     Cache     `env:",prefix=CONVEYOR_CACHE_"`
	Pipelines Pipelines `env:",prefix=CONVEYOR_PIPELINES_"`
	Artifacts Artifacts `env:",prefix=CONVEYOR_ARTIFACTS_"`
	Scheduler Scheduler `env:",prefix=CONVEYOR_SCHEDULER_"`
	Telemetry Telemetry `env:",prefix=CONVEYOR_TELEMETRY_"`
}

func Load(ctx context.Context) (*Config, error) {
	return load(ctx, envconfig.OsLookuper())
}

func load(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookuper,
	})
	if err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Server.DBDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("unsupported db driver: %s", c.Server.DBDriver)
	}

	switch c.Cache.Provider {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("unsupported cache provider: %s", c.Cache.Provider)
	}

	switch c.Pipelines.Executor {
	case "dry", "shell", "docker":
	default:
		return fmt.Errorf("unsupported executor: %s", c.Pipelines.Executor)
	}

	if c.Pipelines.QueueSize < 1 {
		return fmt.Errorf("queue size must be >= 1")
	}
	if c.Pipelines.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if c.Pipelines.PersistAttempts < 1 {
		return fmt.Errorf("persist attempts must be >= 1")
	}

	return nil
}
