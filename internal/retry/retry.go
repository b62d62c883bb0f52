// Package retry computes next-attempt delays for failed task executions and
// decides, per the task's retry_condition, whether a given failure kind is
// worth retrying at all.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/cloacina-dev/cloacina/internal/dag"
	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/engineerr"
)

// Policy is one task's retry configuration, already defaulted.
type Policy struct {
	Attempts       int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Backoff        domain.Backoff
	Jitter         bool
	RetryCondition domain.RetryCondition
}

// DefaultPolicy matches the engine-wide defaults: 3 attempts, 1s initial
// delay, 30s cap, exponential backoff with jitter, transient-only retries.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:       3,
		InitialDelay:   time.Second,
		MaxDelay:       30 * time.Second,
		Backoff:        domain.BackoffExponential,
		Jitter:         true,
		RetryCondition: domain.RetryTransientOnly,
	}
}

// FromDAG converts the DAG's copy of a task's retry configuration (decoded
// from its persisted task_configuration snapshot) into the policy engine's
// own type. The two types are kept separate so internal/dag never imports
// this package; the field shapes just happen to match.
func FromDAG(p dag.RetryPolicy) Policy {
	return Policy{
		Attempts:       p.Attempts,
		InitialDelay:   p.InitialDelay,
		MaxDelay:       p.MaxDelay,
		Backoff:        p.Backoff,
		Jitter:         p.Jitter,
		RetryCondition: p.RetryCondition,
	}
}

// Delay computes the delay before attempt n (1-indexed retry attempt, i.e.
// n=1 is the delay before the second invocation), clamped to MaxDelay and
// optionally jittered by +-25%.
func (p Policy) Delay(n int) time.Duration {
	var delay time.Duration
	switch p.Backoff {
	case domain.BackoffFixed:
		delay = p.InitialDelay
	case domain.BackoffLinear:
		delay = p.InitialDelay * time.Duration(n)
	case domain.BackoffExponential:
		delay = time.Duration(float64(p.InitialDelay) * math.Pow(2, float64(n-1)))
	default:
		delay = p.InitialDelay
	}

	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter && delay > 0 {
		// +-25% uniform jitter around delay.
		jitterRange := int64(delay / 2)
		if jitterRange > 0 {
			delay += time.Duration(rand.Int63n(jitterRange)) - delay/4
		}
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// ShouldRetry decides whether a failure of the given kind, at the given
// attempt, should be retried under this policy.
func (p Policy) ShouldRetry(kind engineerr.Kind, attempt int) bool {
	if attempt >= p.Attempts {
		return false
	}
	switch p.RetryCondition {
	case domain.RetryNever:
		return false
	case domain.RetryAlways:
		return true
	case domain.RetryTransientOnly:
		return kind.IsTransient()
	default:
		return kind.IsTransient()
	}
}
