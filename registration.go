package cloacina

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/trigger"
)

// cronOptions collects RegisterCronWorkflow's optional settings.
type cronOptions struct {
	catchupPolicy   domain.CatchupPolicy
	overlapStrategy domain.OverlapStrategy
	maxCatchup      int
	enabled         bool
	rootContext     map[string]any
}

// CronOption configures RegisterCronWorkflow beyond its required arguments.
type CronOption func(*cronOptions)

func WithCatchupPolicy(p domain.CatchupPolicy) CronOption {
	return func(o *cronOptions) { o.catchupPolicy = p }
}

func WithOverlapStrategy(s domain.OverlapStrategy) CronOption {
	return func(o *cronOptions) { o.overlapStrategy = s }
}

func WithMaxCatchup(n int) CronOption { return func(o *cronOptions) { o.maxCatchup = n } }

func WithCronEnabled(enabled bool) CronOption { return func(o *cronOptions) { o.enabled = enabled } }

func WithCronRootContext(ctx map[string]any) CronOption {
	return func(o *cronOptions) { o.rootContext = ctx }
}

// triggerOptions collects RegisterTrigger's optional settings.
type triggerOptions struct {
	pollInterval    time.Duration
	enabled         bool
	allowConcurrent bool
}

// TriggerOption configures RegisterTrigger beyond its required arguments.
type TriggerOption func(*triggerOptions)

func WithTriggerPollInterval(d time.Duration) TriggerOption {
	return func(o *triggerOptions) { o.pollInterval = d }
}

func WithTriggerEnabled(enabled bool) TriggerOption {
	return func(o *triggerOptions) { o.enabled = enabled }
}

func WithAllowConcurrent(allow bool) TriggerOption {
	return func(o *triggerOptions) { o.allowConcurrent = allow }
}

// firstFireAfter returns cronExpr's first standard five-field fire time
// strictly after asOf.
func firstFireAfter(cronExpr string, asOf time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(asOf), nil
}

// predicateRegistry adapts Runner's predicate bookkeeping to
// trigger.PredicateRegistry without colliding with Runner's own Lookup
// method, which already satisfies executor.Registry against a different
// signature.
type predicateRegistry struct {
	runner *Runner
}

func (p *predicateRegistry) Lookup(triggerName string) (trigger.Predicate, bool) {
	return p.runner.lookupPredicate(triggerName)
}
