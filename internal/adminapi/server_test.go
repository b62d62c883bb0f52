package adminapi_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cloacina-dev/cloacina/internal/adminapi"
	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/registry"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeRunner struct {
	pipelines []*domain.PipelineExecution
	result    *domain.PipelineResult
	tasks     []*domain.TaskExecution
	crons     []*domain.CronSchedule
	triggers  []*domain.TriggerSchedule
	history   []*domain.TriggerExecution
	packages  []registry.Manifest
}

func (f *fakeRunner) GetPipeline(_ context.Context, _ string) (*domain.PipelineResult, error) {
	if f.result == nil {
		return nil, domain.ErrPipelineNotFound
	}
	return f.result, nil
}

func (f *fakeRunner) ListActivePipelines(_ context.Context, _ int) ([]*domain.PipelineExecution, error) {
	return f.pipelines, nil
}

func (f *fakeRunner) ListPipelineTasks(_ context.Context, _ string) ([]*domain.TaskExecution, error) {
	return f.tasks, nil
}

func (f *fakeRunner) ListCronSchedules(_ context.Context) ([]*domain.CronSchedule, error) {
	return f.crons, nil
}

func (f *fakeRunner) ListTriggerSchedules(_ context.Context) ([]*domain.TriggerSchedule, error) {
	return f.triggers, nil
}

func (f *fakeRunner) GetTriggerExecutionHistory(_ context.Context, _ string, _ int) ([]*domain.TriggerExecution, error) {
	return f.history, nil
}

func (f *fakeRunner) ListRegisteredPackages() []registry.Manifest {
	return f.packages
}

func TestListPipelines_ReturnsActivePipelines(t *testing.T) {
	runner := &fakeRunner{pipelines: []*domain.PipelineExecution{
		{ID: "p1", WorkflowName: "order-fulfillment", Status: domain.PipelineRunning},
	}}
	srv := httptest.NewServer(adminapi.NewHandler(runner, adminapi.Config{}, discardLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/pipelines")
	if err != nil {
		t.Fatalf("GET /pipelines: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var got []domain.PipelineExecution
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "p1" {
		t.Fatalf("got %+v", got)
	}
}

func TestGetPipeline_NotFound(t *testing.T) {
	runner := &fakeRunner{}
	srv := httptest.NewServer(adminapi.NewHandler(runner, adminapi.Config{}, discardLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/pipelines/missing")
	if err != nil {
		t.Fatalf("GET /pipelines/missing: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListPackages_ReturnsLoadedManifests(t *testing.T) {
	runner := &fakeRunner{packages: []registry.Manifest{
		{WorkflowName: "order-fulfillment", Version: "v1", TaskNames: []string{"validate_order"}},
	}}
	srv := httptest.NewServer(adminapi.NewHandler(runner, adminapi.Config{}, discardLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/packages")
	if err != nil {
		t.Fatalf("GET /packages: %v", err)
	}
	defer resp.Body.Close()

	var got []registry.Manifest
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].WorkflowName != "order-fulfillment" {
		t.Fatalf("got %+v", got)
	}
}

func TestAuth_RejectsMissingBearerToken(t *testing.T) {
	runner := &fakeRunner{}
	secret := []byte("admin-secret")
	srv := httptest.NewServer(adminapi.NewHandler(runner, adminapi.Config{BearerSecret: secret}, discardLogger()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/pipelines")
	if err != nil {
		t.Fatalf("GET /pipelines: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestAuth_AcceptsValidBearerToken(t *testing.T) {
	runner := &fakeRunner{pipelines: []*domain.PipelineExecution{}}
	secret := []byte("admin-secret")
	srv := httptest.NewServer(adminapi.NewHandler(runner, adminapi.Config{BearerSecret: secret}, discardLogger()))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": time.Now().Unix(),
	})
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/pipelines", nil)
	req.Header.Set("Authorization", "Bearer "+signed)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /pipelines: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
