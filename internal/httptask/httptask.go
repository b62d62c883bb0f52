// Package httptask is a convenience helper for the common case of a task
// body making a single outbound HTTP call: a hardened http.Client plus a
// small Do wrapper that logs the request and drains the response body so
// the underlying connection returns to the pool.
package httptask

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cloacina-dev/cloacina/internal/requestid"
)

// Client wraps a hardened *http.Client for use inside task bodies.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a Client with sane defaults for a task body making
// outbound calls: bounded redirects, pooled keep-alive connections, and a
// minimum TLS version. clientTimeout bounds every call; a call also ends
// when the context's deadline (such as the engine's per-task timeout)
// passes, whichever comes first.
func NewClient(logger *slog.Logger, clientTimeout time.Duration) *Client {
	return &Client{
		http: &http.Client{
			Timeout: clientTimeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
			CheckRedirect: func(_ *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				return nil
			},
		},
		logger: logger.With("component", "httptask"),
	}
}

// Request is one outbound call a task body wants made.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is the outcome of a Do call: a drained, already-closed body
// captured as a string so a task body never has to manage an io.ReadCloser.
type Response struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// Do issues req, tagging it with a request id and logging its outcome the
// same way the engine's own background services log a unit of work.
// A non-2xx status is not treated as an error: callers that need that
// distinction check StatusCode themselves, since many tasks legitimately
// want to branch on it via a trigger rule rather than fail the attempt.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()

	var bodyReader io.Reader
	if req.Body != "" {
		bodyReader = strings.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	reqID := requestid.New()
	httpReq.Header.Set("X-Request-ID", reqID)
	ctx = requestid.WithRequestID(ctx, reqID)

	c.logger.InfoContext(ctx, "sending request", "method", req.Method, "url", req.URL)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		c.logger.ErrorContext(ctx, "request failed", "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	duration := time.Since(start)
	c.logger.InfoContext(ctx, "received response", "status", resp.StatusCode, "duration", duration)

	return &Response{StatusCode: resp.StatusCode, Body: string(body), Duration: duration}, nil
}
