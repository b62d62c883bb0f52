// Package config loads Runner options from the environment: executor and
// scheduler tick cadences, timeouts, and which optional background services
// (cron, trigger, registry reconciler) are enabled.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

type Config struct {
	Env  string `env:"ENV" envDefault:"local" validate:"required,oneof=local staging production"`
	Port string `env:"PORT" envDefault:"8080" validate:"required"`

	DatabaseURL string `env:"DATABASE_URL,required" validate:"required"`
	// DatabaseDriver is validated as "postgres" or "sqlite" but not read by
	// the runner, which picks the DAL implementation from DatabaseURL's scheme.
	DatabaseDriver string `env:"DATABASE_DRIVER" envDefault:"postgres" validate:"required,oneof=postgres sqlite"`

	MaxConcurrentTasks    int           `env:"MAX_CONCURRENT_TASKS" envDefault:"4" validate:"min=1"`
	ExecutorPollInterval  time.Duration `env:"EXECUTOR_POLL_INTERVAL" envDefault:"100ms" validate:"min=1ms"`
	SchedulerPollInterval time.Duration `env:"SCHEDULER_POLL_INTERVAL" envDefault:"100ms" validate:"min=1ms"`
	TaskTimeout           time.Duration `env:"TASK_TIMEOUT" envDefault:"5m" validate:"min=1ms"`

	EnableCronScheduling     bool          `env:"ENABLE_CRON_SCHEDULING" envDefault:"true"`
	CronPollInterval         time.Duration `env:"CRON_POLL_INTERVAL" envDefault:"5s" validate:"min=1ms"`
	CronRecoveryInterval     time.Duration `env:"CRON_RECOVERY_INTERVAL" envDefault:"30s" validate:"min=1ms"`
	CronLostThreshold        time.Duration `env:"CRON_LOST_THRESHOLD" envDefault:"10m" validate:"min=1ms"`
	CronMaxCatchupExecutions int           `env:"CRON_MAX_CATCHUP_EXECUTIONS" envDefault:"0" validate:"min=0"`

	EnableTriggerScheduling bool          `env:"ENABLE_TRIGGER_SCHEDULING" envDefault:"true"`
	TriggerBasePollInterval time.Duration `env:"TRIGGER_BASE_POLL_INTERVAL" envDefault:"1s" validate:"min=1ms"`

	RecoveryPollInterval  time.Duration `env:"RECOVERY_POLL_INTERVAL" envDefault:"30s" validate:"min=1ms"`
	RecoveryLostThreshold time.Duration `env:"RECOVERY_LOST_THRESHOLD" envDefault:"10m" validate:"min=1ms"`
	RecoveryBatchSize     int           `env:"RECOVERY_BATCH_SIZE" envDefault:"100" validate:"min=1"`

	EnableRegistryReconciler bool          `env:"ENABLE_REGISTRY_RECONCILER" envDefault:"false"`
	RegistryStoragePath      string        `env:"REGISTRY_STORAGE_PATH" envDefault:"" validate:"required_if=EnableRegistryReconciler true"`
	RegistryPollInterval     time.Duration `env:"REGISTRY_POLL_INTERVAL" envDefault:"30s" validate:"min=1ms"`
	RegistrySigningSecret    string        `env:"REGISTRY_SIGNING_SECRET" validate:"required_if=EnableRegistryReconciler true"`

	TenantScope        string `env:"TENANT_SCOPE" envDefault:""`
	SchedulerBatchSize int    `env:"SCHEDULER_BATCH_SIZE" envDefault:"100" validate:"min=1"`
	CronBatchSize      int    `env:"CRON_BATCH_SIZE" envDefault:"50" validate:"min=1"`

	MetricsPort string `env:"METRICS_PORT" envDefault:"9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"required,oneof=debug info warn error"`

	EnableNotifications bool   `env:"ENABLE_NOTIFICATIONS" envDefault:"false"`
	ResendAPIKey        string `env:"RESEND_API_KEY" validate:"required_if=EnableNotifications true"`
	ResendFrom          string `env:"RESEND_FROM" validate:"required_if=EnableNotifications true"`

	EnableAdminAPI       bool   `env:"ENABLE_ADMIN_API" envDefault:"false"`
	AdminAPIPort         string `env:"ADMIN_API_PORT" envDefault:"8081"`
	AdminAPIBearerSecret string `env:"ADMIN_API_BEARER_SECRET"`
}

func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.checkCombinations(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// checkCombinations rejects option combinations that validator's per-field
// tags can't express: an explicit zero/negative override of a duration or
// concurrency bound that bypassed its envDefault.
func (c *Config) checkCombinations() error {
	if c.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("max_concurrent_tasks must be positive, got %d", c.MaxConcurrentTasks)
	}
	for name, d := range map[string]time.Duration{
		"executor_poll_interval":     c.ExecutorPollInterval,
		"scheduler_poll_interval":    c.SchedulerPollInterval,
		"task_timeout":               c.TaskTimeout,
		"cron_poll_interval":         c.CronPollInterval,
		"cron_recovery_interval":     c.CronRecoveryInterval,
		"cron_lost_threshold":        c.CronLostThreshold,
		"trigger_base_poll_interval": c.TriggerBasePollInterval,
		"recovery_poll_interval":     c.RecoveryPollInterval,
		"recovery_lost_threshold":    c.RecoveryLostThreshold,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.EnableRegistryReconciler && c.RegistryStoragePath == "" {
		return fmt.Errorf("registry_storage_path is required when enable_registry_reconciler is true")
	}
	return nil
}

// SlogLevel converts the LOG_LEVEL string to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
