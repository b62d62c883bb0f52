package cron_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cloacina-dev/cloacina/internal/cron"
	"github.com/cloacina-dev/cloacina/internal/domain"
)

type fakeCronRepo struct {
	mu         sync.Mutex
	schedules  map[string]*domain.CronSchedule
	executions map[string]*domain.CronExecution
	nextExecID int
	activeFor  map[string]string // scheduleID -> active pipelineExecutionID
}

func newFakeCronRepo() *fakeCronRepo {
	return &fakeCronRepo{
		schedules:  map[string]*domain.CronSchedule{},
		executions: map[string]*domain.CronExecution{},
		activeFor:  map[string]string{},
	}
}

func (r *fakeCronRepo) Create(ctx context.Context, s *domain.CronSchedule) (*domain.CronSchedule, error) {
	r.schedules[s.ID] = s
	return s, nil
}
func (r *fakeCronRepo) GetByID(ctx context.Context, id string) (*domain.CronSchedule, error) {
	s, ok := r.schedules[id]
	if !ok {
		return nil, domain.ErrCronScheduleNotFound
	}
	return s, nil
}
func (r *fakeCronRepo) List(ctx context.Context, tenantScope string) ([]*domain.CronSchedule, error) {
	return nil, nil
}
func (r *fakeCronRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.schedules[id].Enabled = enabled
	return nil
}
func (r *fakeCronRepo) ListDue(ctx context.Context, asOf time.Time, limit int) ([]*domain.CronSchedule, error) {
	var due []*domain.CronSchedule
	for _, s := range r.schedules {
		if s.Enabled && !s.NextRunAt.After(asOf) {
			due = append(due, s)
		}
	}
	return due, nil
}
func (r *fakeCronRepo) ClaimFire(ctx context.Context, id string, observedNext, newNext time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[id]
	if !ok {
		return false, domain.ErrCronScheduleNotFound
	}
	if !s.NextRunAt.Equal(observedNext) {
		return false, nil
	}
	s.NextRunAt = newNext
	return true, nil
}
func (r *fakeCronRepo) RecordLastRun(ctx context.Context, id string, ranAt time.Time, executionID string) error {
	s := r.schedules[id]
	s.LastRunAt = &ranAt
	if executionID != "" {
		s.LastExecutionID = &executionID
	}
	return nil
}
func (r *fakeCronRepo) CreateExecution(ctx context.Context, e *domain.CronExecution) (*domain.CronExecution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextExecID++
	e.ID = "exec-" + itoa(r.nextExecID)
	e.CreatedAt = time.Now()
	r.executions[e.ID] = e
	return e, nil
}
func (r *fakeCronRepo) UpdateExecution(ctx context.Context, e *domain.CronExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executions[e.ID] = e
	if e.Status == domain.CronSubmitted && e.PipelineExecutionID != nil {
		r.activeFor[e.ScheduleID] = *e.PipelineExecutionID
	}
	return nil
}
func (r *fakeCronRepo) ListLostExecutions(ctx context.Context, cutoff time.Time) ([]*domain.CronExecution, error) {
	var lost []*domain.CronExecution
	for _, e := range r.executions {
		if e.Status == domain.CronTriggered && e.PipelineExecutionID == nil && e.CreatedAt.Before(cutoff) {
			lost = append(lost, e)
		}
	}
	return lost, nil
}
func (r *fakeCronRepo) HasActiveExecution(ctx context.Context, scheduleID string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.activeFor[scheduleID]
	return id, ok, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

type fakeSubmitter struct {
	mu        sync.Mutex
	submitted []string
	cancelled []string
	submitErr error
	nextID    int
}

func (s *fakeSubmitter) Submit(ctx context.Context, workflowName string, rootContext map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.nextID++
	id := "pipe-" + itoa(s.nextID)
	s.submitted = append(s.submitted, id)
	return id, nil
}
func (s *fakeSubmitter) Cancel(ctx context.Context, pipelineExecutionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = append(s.cancelled, pipelineExecutionID)
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPollOnce_SkipCatchup_SubmitsExactlyOneAndAdvancesNext(t *testing.T) {
	repo := newFakeCronRepo()
	now := time.Now()
	sched := &domain.CronSchedule{
		ID: "s1", WorkflowName: "wf", CronExpr: "*/5 * * * *", Enabled: true,
		NextRunAt: now.Add(-30 * time.Minute), CatchupPolicy: domain.CatchupSkip, OverlapStrategy: domain.OverlapQueue,
	}
	repo.schedules[sched.ID] = sched
	submitter := &fakeSubmitter{}

	s := cron.New(repo, submitter, discardLogger(), "", 10, 10*time.Minute)
	n, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 submission, got %d", n)
	}
	if len(submitter.submitted) != 1 {
		t.Fatalf("expected submitter called once, got %d", len(submitter.submitted))
	}
	if !sched.NextRunAt.After(now) {
		t.Fatalf("expected next_run_at to advance past now, got %v (now=%v)", sched.NextRunAt, now)
	}
}

func TestPollOnce_RunAllCatchup_CapsAtMaxCatchup(t *testing.T) {
	repo := newFakeCronRepo()
	now := time.Now()
	sched := &domain.CronSchedule{
		ID: "s1", WorkflowName: "wf", CronExpr: "* * * * *", Enabled: true,
		NextRunAt: now.Add(-10 * time.Minute), CatchupPolicy: domain.CatchupRunAll, MaxCatchup: 3, OverlapStrategy: domain.OverlapQueue,
	}
	repo.schedules[sched.ID] = sched
	submitter := &fakeSubmitter{}

	s := cron.New(repo, submitter, discardLogger(), "", 10, 10*time.Minute)
	n, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected catchup capped at 3 submissions, got %d", n)
	}
}

func TestPollOnce_OverlapSkip_DoesNotSubmitWhilePriorActive(t *testing.T) {
	repo := newFakeCronRepo()
	now := time.Now()
	sched := &domain.CronSchedule{
		ID: "s1", WorkflowName: "wf", CronExpr: "*/5 * * * *", Enabled: true,
		NextRunAt: now.Add(-1 * time.Minute), CatchupPolicy: domain.CatchupSkip, OverlapStrategy: domain.OverlapSkip,
	}
	repo.schedules[sched.ID] = sched
	repo.activeFor[sched.ID] = "pipe-already-running"
	submitter := &fakeSubmitter{}

	s := cron.New(repo, submitter, discardLogger(), "", 10, 10*time.Minute)
	n, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 submissions under overlap=skip with active execution, got %d", n)
	}
	if len(submitter.submitted) != 0 {
		t.Fatalf("submitter should not have been called, got %v", submitter.submitted)
	}
}

func TestPollOnce_OverlapKill_CancelsThenSubmits(t *testing.T) {
	repo := newFakeCronRepo()
	now := time.Now()
	sched := &domain.CronSchedule{
		ID: "s1", WorkflowName: "wf", CronExpr: "*/5 * * * *", Enabled: true,
		NextRunAt: now.Add(-1 * time.Minute), CatchupPolicy: domain.CatchupSkip, OverlapStrategy: domain.OverlapKill,
	}
	repo.schedules[sched.ID] = sched
	repo.activeFor[sched.ID] = "pipe-already-running"
	submitter := &fakeSubmitter{}

	s := cron.New(repo, submitter, discardLogger(), "", 10, 10*time.Minute)
	n, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 submission after cancelling the prior execution, got %d", n)
	}
	if len(submitter.cancelled) != 1 || submitter.cancelled[0] != "pipe-already-running" {
		t.Fatalf("expected prior execution cancelled, got %v", submitter.cancelled)
	}
}

func TestPollOnce_NotYetDue_NoSubmission(t *testing.T) {
	repo := newFakeCronRepo()
	sched := &domain.CronSchedule{
		ID: "s1", WorkflowName: "wf", CronExpr: "*/5 * * * *", Enabled: true,
		NextRunAt: time.Now().Add(time.Hour), CatchupPolicy: domain.CatchupSkip, OverlapStrategy: domain.OverlapQueue,
	}
	repo.schedules[sched.ID] = sched
	submitter := &fakeSubmitter{}

	s := cron.New(repo, submitter, discardLogger(), "", 10, 10*time.Minute)
	n, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 submissions for a not-yet-due schedule, got %d", n)
	}
}

func TestPollOnce_SubmitError_RecordsFailureOnAuditRow(t *testing.T) {
	repo := newFakeCronRepo()
	sched := &domain.CronSchedule{
		ID: "s1", WorkflowName: "wf", CronExpr: "*/5 * * * *", Enabled: true,
		NextRunAt: time.Now().Add(-1 * time.Minute), CatchupPolicy: domain.CatchupSkip, OverlapStrategy: domain.OverlapQueue,
	}
	repo.schedules[sched.ID] = sched
	submitter := &fakeSubmitter{submitErr: errors.New("runner unavailable")}

	s := cron.New(repo, submitter, discardLogger(), "", 10, 10*time.Minute)
	n, err := s.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce itself should not fail when one schedule's submit errors: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 successful submissions, got %d", n)
	}

	var found *domain.CronExecution
	for _, e := range repo.executions {
		found = e
	}
	if found == nil || found.Status != domain.CronFailed {
		t.Fatalf("expected audit row recorded as failed, got %+v", found)
	}
}

func TestRecoverLostExecutions_MarksOldTriggeredRowsFailed(t *testing.T) {
	repo := newFakeCronRepo()
	old := time.Now().Add(-time.Hour)
	repo.executions["lost-1"] = &domain.CronExecution{ID: "lost-1", ScheduleID: "s1", Status: domain.CronTriggered, CreatedAt: old}
	repo.executions["fresh-1"] = &domain.CronExecution{ID: "fresh-1", ScheduleID: "s1", Status: domain.CronTriggered, CreatedAt: time.Now()}

	s := cron.New(repo, &fakeSubmitter{}, discardLogger(), "", 10, 10*time.Minute)
	if err := s.RecoverLostExecutions(context.Background()); err != nil {
		t.Fatalf("RecoverLostExecutions: %v", err)
	}

	if repo.executions["lost-1"].Status != domain.CronFailed {
		t.Fatalf("expected old triggered row marked failed, got %v", repo.executions["lost-1"].Status)
	}
	if repo.executions["fresh-1"].Status != domain.CronTriggered {
		t.Fatalf("fresh triggered row should be untouched, got %v", repo.executions["fresh-1"].Status)
	}
}

func TestValidateExpr_RejectsMalformed(t *testing.T) {
	if err := cron.ValidateExpr("not a cron expression"); err == nil {
		t.Fatal("expected an error for a malformed cron expression")
	}
	if err := cron.ValidateExpr("*/5 * * * *"); err != nil {
		t.Fatalf("expected a valid cron expression to pass, got %v", err)
	}
}
