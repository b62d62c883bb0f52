package recovery_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/recovery"
)

type fakePipelines struct {
	byID map[string]*domain.PipelineExecution
}

func (f *fakePipelines) Create(ctx context.Context, p *domain.PipelineExecution) (*domain.PipelineExecution, error) {
	return p, nil
}
func (f *fakePipelines) GetByID(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	p, ok := f.byID[id]
	if !ok {
		return nil, domain.ErrPipelineNotFound
	}
	return p, nil
}
func (f *fakePipelines) ListNonTerminal(ctx context.Context, tenantScope string, limit int) ([]*domain.PipelineExecution, error) {
	return nil, nil
}
func (f *fakePipelines) SetRunning(ctx context.Context, id string) error { return nil }
func (f *fakePipelines) Finalize(ctx context.Context, id string, status domain.PipelineStatus, errorDetails *string) error {
	f.byID[id].Status = status
	f.byID[id].ErrorDetails = errorDetails
	return nil
}
func (f *fakePipelines) Cancel(ctx context.Context, id string) error { return nil }

type fakeTasks struct {
	rows []*domain.TaskExecution
}

func (f *fakeTasks) CreateBatch(ctx context.Context, tasks []*domain.TaskExecution) error { return nil }
func (f *fakeTasks) ListByPipeline(ctx context.Context, pipelineExecutionID string) ([]*domain.TaskExecution, error) {
	var out []*domain.TaskExecution
	for _, r := range f.rows {
		if r.PipelineExecutionID == pipelineExecutionID {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeTasks) TransitionReady(ctx context.Context, id string) (bool, error)   { return true, nil }
func (f *fakeTasks) TransitionSkipped(ctx context.Context, id string) (bool, error) { return true, nil }
func (f *fakeTasks) Claim(ctx context.Context, workerID string, limit int) ([]*domain.TaskExecution, error) {
	return nil, nil
}
func (f *fakeTasks) Complete(ctx context.Context, id string) error { return f.setStatus(id, domain.TaskCompleted) }
func (f *fakeTasks) Fail(ctx context.Context, id string, lastError string) error {
	return f.setStatus(id, domain.TaskFailed)
}
func (f *fakeTasks) ResetForRetry(ctx context.Context, id string, lastError string) error {
	for _, r := range f.rows {
		if r.ID == id {
			r.Status = domain.TaskReady
			r.Attempt++
			errCopy := lastError
			r.LastError = &errCopy
			r.WorkerID = nil
			return nil
		}
	}
	return domain.ErrTaskNotFound
}
func (f *fakeTasks) ListOrphaned(ctx context.Context, pipelineExecutionID string, cutoff time.Time, limit int) ([]*domain.TaskExecution, error) {
	var out []*domain.TaskExecution
	for _, r := range f.rows {
		if pipelineExecutionID != "" && r.PipelineExecutionID != pipelineExecutionID {
			continue
		}
		if r.Status == domain.TaskRunning && r.StartedAt != nil && r.StartedAt.Before(cutoff) {
			out = append(out, r)
		}
	}
	return out, nil
}
func (f *fakeTasks) setStatus(id string, status domain.TaskStatus) error {
	for _, r := range f.rows {
		if r.ID == id {
			r.Status = status
			return nil
		}
	}
	return domain.ErrTaskNotFound
}

type fakeEvents struct {
	events []*domain.RecoveryEvent
}

func (f *fakeEvents) CreateEvent(ctx context.Context, e *domain.RecoveryEvent) error {
	f.events = append(f.events, e)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func staleTime() time.Time { return time.Now().Add(-time.Hour) }

func TestPollOnce_OrphanedWithAttemptsRemaining_ResetForRetry(t *testing.T) {
	started := staleTime()
	pipelines := &fakePipelines{byID: map[string]*domain.PipelineExecution{
		"p1": {ID: "p1", Status: domain.PipelineRunning},
	}}
	tasks := &fakeTasks{rows: []*domain.TaskExecution{
		{ID: "t1", PipelineExecutionID: "p1", TaskName: "a", Status: domain.TaskRunning, Attempt: 1, MaxAttempts: 3, StartedAt: &started},
	}}
	events := &fakeEvents{}

	s := recovery.New(pipelines, tasks, events, discardLogger(), 5*time.Minute, 10)
	n, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 orphan reconciled, got %d", n)
	}
	if tasks.rows[0].Status != domain.TaskReady {
		t.Fatalf("expected task reset to ready, got %v", tasks.rows[0].Status)
	}
	if tasks.rows[0].Attempt != 2 {
		t.Fatalf("expected attempt incremented to 2, got %d", tasks.rows[0].Attempt)
	}
	if len(events.events) != 1 || events.events[0].Type != domain.RecoveryOrphanRetry {
		t.Fatalf("expected one orphan_retry recovery event, got %+v", events.events)
	}
}

func TestPollOnce_OrphanedWithAttemptsExhausted_FailsAndFinalizesPipeline(t *testing.T) {
	started := staleTime()
	pipelines := &fakePipelines{byID: map[string]*domain.PipelineExecution{
		"p1": {ID: "p1", Status: domain.PipelineRunning},
	}}
	tasks := &fakeTasks{rows: []*domain.TaskExecution{
		{ID: "t1", PipelineExecutionID: "p1", TaskName: "a", Status: domain.TaskRunning, Attempt: 3, MaxAttempts: 3, StartedAt: &started},
	}}
	events := &fakeEvents{}

	s := recovery.New(pipelines, tasks, events, discardLogger(), 5*time.Minute, 10)
	if _, err := s.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if tasks.rows[0].Status != domain.TaskFailed {
		t.Fatalf("expected task failed, got %v", tasks.rows[0].Status)
	}
	if pipelines.byID["p1"].Status != domain.PipelineFailed {
		t.Fatalf("expected pipeline re-finalized as failed, got %v", pipelines.byID["p1"].Status)
	}

	var types []domain.RecoveryType
	for _, e := range events.events {
		types = append(types, e.Type)
	}
	if len(types) != 2 {
		t.Fatalf("expected an orphan_fail event plus a pipeline_recovery event, got %v", types)
	}
}

func TestPollOnce_PipelineWithOtherTasksStillPending_NotFinalized(t *testing.T) {
	started := staleTime()
	pipelines := &fakePipelines{byID: map[string]*domain.PipelineExecution{
		"p1": {ID: "p1", Status: domain.PipelineRunning},
	}}
	tasks := &fakeTasks{rows: []*domain.TaskExecution{
		{ID: "t1", PipelineExecutionID: "p1", TaskName: "a", Status: domain.TaskRunning, Attempt: 3, MaxAttempts: 3, StartedAt: &started},
		{ID: "t2", PipelineExecutionID: "p1", TaskName: "b", Status: domain.TaskNotStarted, Attempt: 0, MaxAttempts: 3},
	}}
	events := &fakeEvents{}

	s := recovery.New(pipelines, tasks, events, discardLogger(), 5*time.Minute, 10)
	if _, err := s.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if pipelines.byID["p1"].Status != domain.PipelineRunning {
		t.Fatalf("pipeline should remain running while task b is still pending, got %v", pipelines.byID["p1"].Status)
	}
}

func TestPollOnce_NoOrphans_NoOp(t *testing.T) {
	pipelines := &fakePipelines{byID: map[string]*domain.PipelineExecution{}}
	tasks := &fakeTasks{}
	events := &fakeEvents{}

	s := recovery.New(pipelines, tasks, events, discardLogger(), 5*time.Minute, 10)
	n, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 orphans, got %d", n)
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no recovery events, got %d", len(events.events))
	}
}
