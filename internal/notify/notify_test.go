package notify_test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/cloacina-dev/cloacina/internal/notify"
)

func TestLogNotifier_LogsFailureDetails(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	n := notify.NewLogNotifier(logger)

	err := n.NotifyPipelineFailed(context.Background(), notify.FailureEvent{
		PipelineExecutionID: "pipe-1",
		WorkflowName:        "order-fulfillment",
		WorkflowVersion:     "v1",
		FailedTaskName:      "charge_payment",
		ErrorDetails:        "card declined",
	})
	if err != nil {
		t.Fatalf("NotifyPipelineFailed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"pipe-1", "order-fulfillment", "charge_payment", "card declined"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q, got: %s", want, out)
		}
	}
}

func TestNew_DisabledReturnsLogNotifier(t *testing.T) {
	n := notify.New(false, "some-key", "from@example.com", "to@example.com", discardLogger())
	if _, ok := n.(*notify.LogNotifier); !ok {
		t.Fatalf("got %T, want *LogNotifier when disabled", n)
	}
}

func TestNew_EnabledWithoutAPIKeyReturnsLogNotifier(t *testing.T) {
	n := notify.New(true, "", "from@example.com", "to@example.com", discardLogger())
	if _, ok := n.(*notify.LogNotifier); !ok {
		t.Fatalf("got %T, want *LogNotifier when apiKey is empty", n)
	}
}

func TestNew_EnabledWithAPIKeyReturnsResendNotifier(t *testing.T) {
	n := notify.New(true, "re_test_key", "from@example.com", "to@example.com", discardLogger())
	if _, ok := n.(*notify.ResendNotifier); !ok {
		t.Fatalf("got %T, want *ResendNotifier", n)
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
