package executor_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cloacina-dev/cloacina/internal/ctxstore"
	"github.com/cloacina-dev/cloacina/internal/dag"
	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/engineerr"
	"github.com/cloacina-dev/cloacina/internal/executor"
	"github.com/cloacina-dev/cloacina/internal/taskspec"
)

// ---- fakes ----

type fakePipelines struct {
	get func(ctx context.Context, id string) (*domain.PipelineExecution, error)
}

func (f *fakePipelines) Create(ctx context.Context, p *domain.PipelineExecution) (*domain.PipelineExecution, error) {
	return p, nil
}
func (f *fakePipelines) GetByID(ctx context.Context, id string) (*domain.PipelineExecution, error) {
	return f.get(ctx, id)
}
func (f *fakePipelines) ListNonTerminal(ctx context.Context, tenantScope string, limit int) ([]*domain.PipelineExecution, error) {
	return nil, nil
}
func (f *fakePipelines) SetRunning(ctx context.Context, id string) error { return nil }
func (f *fakePipelines) Finalize(ctx context.Context, id string, status domain.PipelineStatus, errorDetails *string) error {
	return nil
}
func (f *fakePipelines) Cancel(ctx context.Context, id string) error { return nil }

type fakeTasks struct {
	mu         sync.Mutex
	completed  []string
	failed     map[string]string
	resetRetry map[string]string
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{failed: map[string]string{}, resetRetry: map[string]string{}}
}
func (f *fakeTasks) CreateBatch(ctx context.Context, tasks []*domain.TaskExecution) error { return nil }
func (f *fakeTasks) ListByPipeline(ctx context.Context, pipelineExecutionID string) ([]*domain.TaskExecution, error) {
	return nil, nil
}
func (f *fakeTasks) TransitionReady(ctx context.Context, id string) (bool, error)   { return true, nil }
func (f *fakeTasks) TransitionSkipped(ctx context.Context, id string) (bool, error) { return true, nil }
func (f *fakeTasks) Claim(ctx context.Context, workerID string, limit int) ([]*domain.TaskExecution, error) {
	return nil, nil
}
func (f *fakeTasks) Complete(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, id)
	return nil
}
func (f *fakeTasks) Fail(ctx context.Context, id string, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = lastError
	return nil
}
func (f *fakeTasks) ResetForRetry(ctx context.Context, id string, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetRetry[id] = lastError
	return nil
}
func (f *fakeTasks) ListOrphaned(ctx context.Context, pipelineExecutionID string, cutoff time.Time, limit int) ([]*domain.TaskExecution, error) {
	return nil, nil
}

func (f *fakeTasks) snapshot() (completed []string, failed, resetRetry map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.completed...), copyMap(f.failed), copyMap(f.resetRetry)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

type fakeContexts struct {
	mu      sync.Mutex
	root    *domain.ContextValue
	byTask  map[string]*domain.ContextValue
	inserts []*domain.ContextValue
}

func newFakeContexts() *fakeContexts { return &fakeContexts{byTask: map[string]*domain.ContextValue{}} }

func (f *fakeContexts) Insert(ctx context.Context, v *domain.ContextValue) (*domain.ContextValue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, v)
	return v, nil
}
func (f *fakeContexts) GetByTask(ctx context.Context, pipelineExecutionID, taskName string) (*domain.ContextValue, error) {
	if v, ok := f.byTask[taskName]; ok {
		return v, nil
	}
	return nil, domain.ErrContextKeyAbsent
}
func (f *fakeContexts) GetRoot(ctx context.Context, pipelineExecutionID string) (*domain.ContextValue, error) {
	if f.root != nil {
		return f.root, nil
	}
	return nil, domain.ErrContextKeyAbsent
}

type fakeRegistry struct {
	bodies map[string]executor.TaskFunc
}

func (r *fakeRegistry) Lookup(workflowName, taskName string) (executor.TaskFunc, bool) {
	fn, ok := r.bodies[workflowName+"/"+taskName]
	return fn, ok
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRow(t *testing.T, attempt int, retryCondition domain.RetryCondition) *domain.TaskExecution {
	t.Helper()
	ruleBytes, err := taskspec.EncodeRule(dag.Always())
	if err != nil {
		t.Fatalf("encode rule: %v", err)
	}
	cfgBytes, err := taskspec.EncodeConfig(taskspec.Config{
		Retry: dag.RetryPolicy{Attempts: 3, InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Backoff: domain.BackoffFixed, RetryCondition: retryCondition},
	})
	if err != nil {
		t.Fatalf("encode config: %v", err)
	}
	return &domain.TaskExecution{
		ID:                  "t1",
		PipelineExecutionID: "p1",
		TaskName:            "a",
		Status:              domain.TaskRunning,
		Attempt:             attempt,
		MaxAttempts:         3,
		TriggerRules:        ruleBytes,
		TaskConfiguration:   cfgBytes,
	}
}

// ---- tests ----

func TestPollOnce_TaskSucceeds_PersistsContextAndCompletes(t *testing.T) {
	pipelines := &fakePipelines{get: func(ctx context.Context, id string) (*domain.PipelineExecution, error) {
		return &domain.PipelineExecution{ID: id, WorkflowName: "wf"}, nil
	}}
	tasks := newFakeTasks()
	contexts := newFakeContexts()
	registry := &fakeRegistry{bodies: map[string]executor.TaskFunc{
		"wf/a": func(ctx context.Context, tc *ctxstore.TaskContext) error {
			return tc.Insert("result", 42)
		},
	}}

	exec := executor.New(pipelines, tasks, contexts, registry, discardLogger(), "worker-1", 4)
	row := newRow(t, 1, domain.RetryAlways)
	exec.RunTaskForTest(context.Background(), row)

	completed, failed, _ := tasks.snapshot()
	if len(completed) != 1 || completed[0] != "t1" {
		t.Fatalf("expected task t1 completed, got completed=%v failed=%v", completed, failed)
	}
	if len(contexts.inserts) != 1 {
		t.Fatalf("expected one context row inserted, got %d", len(contexts.inserts))
	}
}

func TestPollOnce_TransientFailureWithAttemptsRemaining_ResetsForRetry(t *testing.T) {
	pipelines := &fakePipelines{get: func(ctx context.Context, id string) (*domain.PipelineExecution, error) {
		return &domain.PipelineExecution{ID: id, WorkflowName: "wf"}, nil
	}}
	tasks := newFakeTasks()
	contexts := newFakeContexts()
	registry := &fakeRegistry{bodies: map[string]executor.TaskFunc{
		"wf/a": func(ctx context.Context, tc *ctxstore.TaskContext) error {
			return engineerr.NewExecutionFailed("transient blip", errors.New("boom"))
		},
	}}

	exec := executor.New(pipelines, tasks, contexts, registry, discardLogger(), "worker-1", 4)
	row := newRow(t, 1, domain.RetryTransientOnly)
	exec.RunTaskForTest(context.Background(), row)

	time.Sleep(20 * time.Millisecond) // let the retry's deferred goroutine land

	_, failed, resetRetry := tasks.snapshot()
	if len(failed) != 0 {
		t.Fatalf("task should not be permanently failed yet, got %v", failed)
	}
	if _, ok := resetRetry["t1"]; !ok {
		t.Fatalf("expected task t1 reset for retry, got %v", resetRetry)
	}
}

func TestPollOnce_PermanentFailure_FailsImmediately(t *testing.T) {
	pipelines := &fakePipelines{get: func(ctx context.Context, id string) (*domain.PipelineExecution, error) {
		return &domain.PipelineExecution{ID: id, WorkflowName: "wf"}, nil
	}}
	tasks := newFakeTasks()
	contexts := newFakeContexts()
	registry := &fakeRegistry{bodies: map[string]executor.TaskFunc{
		"wf/a": func(ctx context.Context, tc *ctxstore.TaskContext) error {
			return engineerr.NewValidationFailed("bad input")
		},
	}}

	exec := executor.New(pipelines, tasks, contexts, registry, discardLogger(), "worker-1", 4)
	row := newRow(t, 1, domain.RetryTransientOnly)
	exec.RunTaskForTest(context.Background(), row)

	_, failed, resetRetry := tasks.snapshot()
	if _, ok := failed["t1"]; !ok {
		t.Fatalf("expected task t1 permanently failed (ValidationFailed is never retryable), got failed=%v reset=%v", failed, resetRetry)
	}
}

func TestPollOnce_AttemptsExhausted_FailsEvenIfTransient(t *testing.T) {
	pipelines := &fakePipelines{get: func(ctx context.Context, id string) (*domain.PipelineExecution, error) {
		return &domain.PipelineExecution{ID: id, WorkflowName: "wf"}, nil
	}}
	tasks := newFakeTasks()
	contexts := newFakeContexts()
	registry := &fakeRegistry{bodies: map[string]executor.TaskFunc{
		"wf/a": func(ctx context.Context, tc *ctxstore.TaskContext) error {
			return engineerr.NewExecutionFailed("still broken", nil)
		},
	}}

	exec := executor.New(pipelines, tasks, contexts, registry, discardLogger(), "worker-1", 4)
	row := newRow(t, 3, domain.RetryTransientOnly) // attempt == Attempts: exhausted
	exec.RunTaskForTest(context.Background(), row)

	_, failed, _ := tasks.snapshot()
	if _, ok := failed["t1"]; !ok {
		t.Fatalf("expected task t1 failed once attempts are exhausted, got %v", failed)
	}
}
