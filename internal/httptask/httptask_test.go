package httptask_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloacina-dev/cloacina/internal/httptask"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDo_ReturnsStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header to be set")
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := httptask.NewClient(discardLogger(), 5*time.Second)
	resp, err := client.Do(context.Background(), httptask.Request{
		Method: http.MethodPost,
		URL:    srv.URL,
		Body:   `{"input":1}`,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	if resp.Body != `{"ok":true}` {
		t.Fatalf("body = %q", resp.Body)
	}
}

func TestDo_NonOKStatusIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := httptask.NewClient(discardLogger(), 5*time.Second)
	resp, err := client.Do(context.Background(), httptask.Request{Method: http.MethodGet, URL: srv.URL})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestDo_PropagatesHeaders(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("X-Custom")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := httptask.NewClient(discardLogger(), 5*time.Second)
	_, err := client.Do(context.Background(), httptask.Request{
		Method:  http.MethodGet,
		URL:     srv.URL,
		Headers: map[string]string{"X-Custom": "value"},
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if gotHeader != "value" {
		t.Fatalf("got header %q, want value", gotHeader)
	}
}

func TestDo_InvalidMethodReturnsError(t *testing.T) {
	client := httptask.NewClient(discardLogger(), 5*time.Second)
	_, err := client.Do(context.Background(), httptask.Request{Method: "IN VALID", URL: "http://example.com"})
	if err == nil {
		t.Fatal("expected an error for an invalid method")
	}
}
