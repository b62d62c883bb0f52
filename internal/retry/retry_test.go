package retry_test

import (
	"testing"
	"time"

	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/engineerr"
	"github.com/cloacina-dev/cloacina/internal/retry"
)

func TestDelay_Fixed_IsConstant(t *testing.T) {
	p := retry.Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Backoff: domain.BackoffFixed}
	for n := 1; n <= 3; n++ {
		if got := p.Delay(n); got != time.Second {
			t.Errorf("Delay(%d) = %v, want 1s", n, got)
		}
	}
}

func TestDelay_Linear_ScalesWithAttempt(t *testing.T) {
	p := retry.Policy{InitialDelay: time.Second, MaxDelay: time.Minute, Backoff: domain.BackoffLinear}
	if got := p.Delay(3); got != 3*time.Second {
		t.Errorf("Delay(3) = %v, want 3s", got)
	}
}

func TestDelay_Exponential_Doubles(t *testing.T) {
	p := retry.Policy{InitialDelay: time.Second, MaxDelay: time.Hour, Backoff: domain.BackoffExponential}
	if got := p.Delay(1); got != time.Second {
		t.Errorf("Delay(1) = %v, want 1s", got)
	}
	if got := p.Delay(3); got != 4*time.Second {
		t.Errorf("Delay(3) = %v, want 4s", got)
	}
}

func TestDelay_ClampsToMaxDelay(t *testing.T) {
	p := retry.Policy{InitialDelay: time.Second, MaxDelay: 5 * time.Second, Backoff: domain.BackoffExponential}
	if got := p.Delay(10); got > 5*time.Second {
		t.Errorf("Delay(10) = %v, want <= 5s", got)
	}
}

func TestDelay_Jitter_StaysWithinBounds(t *testing.T) {
	p := retry.Policy{InitialDelay: 10 * time.Second, MaxDelay: time.Minute, Backoff: domain.BackoffFixed, Jitter: true}
	for i := 0; i < 50; i++ {
		got := p.Delay(1)
		if got < 7500*time.Millisecond || got > 12500*time.Millisecond {
			t.Fatalf("jittered delay %v out of +-25%% bounds around 10s", got)
		}
	}
}

func TestShouldRetry_ExhaustedAttempts_False(t *testing.T) {
	p := retry.Policy{Attempts: 3, RetryCondition: domain.RetryAlways}
	if p.ShouldRetry(engineerr.ExecutionFailed, 3) {
		t.Error("should not retry once attempt reaches the configured cap")
	}
}

func TestShouldRetry_Never_AlwaysFalse(t *testing.T) {
	p := retry.Policy{Attempts: 5, RetryCondition: domain.RetryNever}
	if p.ShouldRetry(engineerr.ExecutionFailed, 1) {
		t.Error("retry_condition=never should never retry")
	}
}

func TestShouldRetry_TransientOnly_RespectsKind(t *testing.T) {
	p := retry.Policy{Attempts: 5, RetryCondition: domain.RetryTransientOnly}
	if !p.ShouldRetry(engineerr.ExecutionFailed, 1) {
		t.Error("ExecutionFailed is transient and should be retried")
	}
	if p.ShouldRetry(engineerr.ValidationFailed, 1) {
		t.Error("ValidationFailed is permanent and should not be retried")
	}
	if p.ShouldRetry(engineerr.DependencyMissing, 1) {
		t.Error("DependencyMissing is permanent and should not be retried")
	}
}

func TestShouldRetry_Always_IgnoresKind(t *testing.T) {
	p := retry.Policy{Attempts: 5, RetryCondition: domain.RetryAlways}
	if !p.ShouldRetry(engineerr.ValidationFailed, 1) {
		t.Error("retry_condition=always should retry regardless of kind")
	}
}
