package cloacina

import (
	"log/slog"
	"time"

	"github.com/cloacina-dev/cloacina/internal/notify"
)

// Options configures a Runner beyond what config.Config loads from the
// environment. New starts from defaultOptions(), whose values match
// config.Config's envDefault tags, and applies each Option over them.
type Options struct {
	Logger *slog.Logger

	// Notifier is told about every pipeline execution that finishes Failed.
	// Left nil, New defaults it to a LogNotifier over Logger.
	Notifier notify.Notifier

	TenantScope string

	MaxConcurrentTasks    int
	ExecutorPollInterval  time.Duration
	SchedulerPollInterval time.Duration
	TaskTimeout           time.Duration
	SchedulerBatchSize    int

	EnableCronScheduling     bool
	CronPollInterval         time.Duration
	CronRecoveryInterval     time.Duration
	CronLostThreshold        time.Duration
	CronMaxCatchupExecutions int
	CronBatchSize            int

	EnableTriggerScheduling bool
	TriggerBasePollInterval time.Duration

	RecoveryPollInterval  time.Duration
	RecoveryLostThreshold time.Duration
	RecoveryBatchSize     int

	// EnableRegistryReconciler turns on the background loop that watches
	// RegistryStoragePath for signed workflow package manifests.
	EnableRegistryReconciler bool
	RegistryStoragePath      string
	RegistryPollInterval     time.Duration
	RegistrySigningSecret    []byte
}

// Option mutates Options at Runner construction time.
type Option func(*Options)

func WithLogger(l *slog.Logger) Option { return func(o *Options) { o.Logger = l } }

func WithNotifier(n notify.Notifier) Option { return func(o *Options) { o.Notifier = n } }

func WithTenantScope(scope string) Option { return func(o *Options) { o.TenantScope = scope } }

func WithMaxConcurrentTasks(n int) Option { return func(o *Options) { o.MaxConcurrentTasks = n } }

func WithTaskTimeout(d time.Duration) Option { return func(o *Options) { o.TaskTimeout = d } }

func WithSchedulerPollInterval(d time.Duration) Option {
	return func(o *Options) { o.SchedulerPollInterval = d }
}

func WithExecutorPollInterval(d time.Duration) Option {
	return func(o *Options) { o.ExecutorPollInterval = d }
}

func WithCronScheduling(enabled bool) Option {
	return func(o *Options) { o.EnableCronScheduling = enabled }
}

func WithTriggerScheduling(enabled bool) Option {
	return func(o *Options) { o.EnableTriggerScheduling = enabled }
}

// WithRegistryReconciler enables the package-manifest reconciler, watching
// storagePath for manifests signed with secret.
func WithRegistryReconciler(storagePath string, secret []byte) Option {
	return func(o *Options) {
		o.EnableRegistryReconciler = true
		o.RegistryStoragePath = storagePath
		o.RegistrySigningSecret = secret
	}
}

func WithRegistryPollInterval(d time.Duration) Option {
	return func(o *Options) { o.RegistryPollInterval = d }
}

func defaultOptions() Options {
	return Options{
		Logger:                   slog.Default(),
		MaxConcurrentTasks:       4,
		ExecutorPollInterval:     100 * time.Millisecond,
		SchedulerPollInterval:    100 * time.Millisecond,
		TaskTimeout:              5 * time.Minute,
		SchedulerBatchSize:       100,
		EnableCronScheduling:     true,
		CronPollInterval:         5 * time.Second,
		CronRecoveryInterval:     30 * time.Second,
		CronLostThreshold:        10 * time.Minute,
		CronMaxCatchupExecutions: 0,
		CronBatchSize:            50,
		EnableTriggerScheduling:  true,
		TriggerBasePollInterval:  time.Second,
		RecoveryPollInterval:     30 * time.Second,
		RecoveryLostThreshold:    10 * time.Minute,
		RecoveryBatchSize:        100,
		RegistryPollInterval:     30 * time.Second,
	}
}
