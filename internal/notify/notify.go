// Package notify delivers pipeline-failure notifications. The runner
// invokes a Notifier when a pipeline execution reaches Failed; what happens
// with that event is up to the concrete implementation.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/resend/resend-go/v2"
)

// Notifier is told about a pipeline execution that finished Failed.
type Notifier interface {
	NotifyPipelineFailed(ctx context.Context, event FailureEvent) error
}

// FailureEvent carries enough about a failed pipeline to compose a useful
// notification without the notifier needing its own database access.
type FailureEvent struct {
	PipelineExecutionID string
	WorkflowName        string
	WorkflowVersion     string
	FailedTaskName      string
	ErrorDetails        string
}

// LogNotifier logs the failure instead of sending it anywhere — what New
// returns when notifications are disabled or no API key is set.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyPipelineFailed(_ context.Context, event FailureEvent) error {
	n.logger.Warn("pipeline failed",
		"pipeline_execution_id", event.PipelineExecutionID,
		"workflow_name", event.WorkflowName,
		"workflow_version", event.WorkflowVersion,
		"failed_task_name", event.FailedTaskName,
		"error", event.ErrorDetails,
	)
	return nil
}

// ResendNotifier emails a failure summary via the Resend API — what New
// returns when notifications are enabled and an API key is set.
type ResendNotifier struct {
	client *resend.Client
	from   string
	to     string
}

func NewResendNotifier(apiKey, from, to string) *ResendNotifier {
	return &ResendNotifier{
		client: resend.NewClient(apiKey),
		from:   from,
		to:     to,
	}
}

func (n *ResendNotifier) NotifyPipelineFailed(ctx context.Context, event FailureEvent) error {
	params := &resend.SendEmailRequest{
		From:    n.from,
		To:      []string{n.to},
		Subject: fmt.Sprintf("pipeline failed: %s", event.WorkflowName),
		Html: fmt.Sprintf(
			"<p>Pipeline execution <code>%s</code> of workflow <code>%s</code> (version %s) failed.</p>"+
				"<p>Failed task: <code>%s</code></p><pre>%s</pre>",
			event.PipelineExecutionID, event.WorkflowName, event.WorkflowVersion,
			event.FailedTaskName, event.ErrorDetails,
		),
	}
	if _, err := n.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("send failure notification: %w", err)
	}
	return nil
}

// New returns a LogNotifier when enabled is false or apiKey is empty,
// ResendNotifier otherwise.
func New(enabled bool, apiKey, from, to string, logger *slog.Logger) Notifier {
	if !enabled || apiKey == "" {
		return NewLogNotifier(logger)
	}
	return NewResendNotifier(apiKey, from, to)
}
