package engineerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cloacina-dev/cloacina/internal/engineerr"
)

func TestClassify_PlainError_IsExecutionFailed(t *testing.T) {
	if got := engineerr.Classify(errors.New("boom")); got != engineerr.ExecutionFailed {
		t.Errorf("Classify(plain error) = %q, want %q", got, engineerr.ExecutionFailed)
	}
}

func TestClassify_TaskError_KeepsDeclaredKind(t *testing.T) {
	err := engineerr.NewDependencyMissing("missing key foo")
	if got := engineerr.Classify(err); got != engineerr.DependencyMissing {
		t.Errorf("Classify(DependencyMissing) = %q, want %q", got, engineerr.DependencyMissing)
	}
}

func TestClassify_WrappedTaskError_Unwraps(t *testing.T) {
	wrapped := fmt.Errorf("executor: %w", engineerr.NewTimeout("task timed out"))
	if got := engineerr.Classify(wrapped); got != engineerr.Timeout {
		t.Errorf("Classify(wrapped Timeout) = %q, want %q", got, engineerr.Timeout)
	}
}

func TestKind_IsTransient(t *testing.T) {
	cases := map[engineerr.Kind]bool{
		engineerr.ExecutionFailed:   true,
		engineerr.Timeout:           true,
		engineerr.DatabaseTransient: true,
		engineerr.ValidationFailed:  false,
		engineerr.DependencyMissing: false,
	}
	for kind, want := range cases {
		if got := kind.IsTransient(); got != want {
			t.Errorf("%s.IsTransient() = %v, want %v", kind, got, want)
		}
	}
}

func TestKind_IsPermanent(t *testing.T) {
	cases := map[engineerr.Kind]bool{
		engineerr.ValidationFailed:  true,
		engineerr.DependencyMissing: true,
		engineerr.DatabasePermanent: true,
		engineerr.CycleDetected:     true,
		engineerr.ExecutionFailed:   false,
		engineerr.Timeout:           false,
	}
	for kind, want := range cases {
		if got := kind.IsPermanent(); got != want {
			t.Errorf("%s.IsPermanent() = %v, want %v", kind, got, want)
		}
	}
}
