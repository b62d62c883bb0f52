// Package adminapi is an optional, read-only HTTP surface for introspecting
// a running engine: pipeline and task execution state, cron and trigger
// schedules, and which workflow packages the registry reconciler currently
// considers valid. It is not part of the engine's execution path — nothing
// here can submit, cancel, or otherwise mutate a pipeline.
package adminapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	sloggin "github.com/samber/slog-gin"

	"github.com/cloacina-dev/cloacina/internal/domain"
	"github.com/cloacina-dev/cloacina/internal/metrics"
	"github.com/cloacina-dev/cloacina/internal/registry"
	"github.com/cloacina-dev/cloacina/internal/requestid"
)

// RunnerView is the subset of Runner this surface reads from. Defined here,
// rather than imported from the root package, so adminapi has no dependency
// on it; the host program (cmd/demo) passes its *cloacina.Runner in.
type RunnerView interface {
	GetPipeline(ctx context.Context, pipelineExecutionID string) (*domain.PipelineResult, error)
	ListActivePipelines(ctx context.Context, limit int) ([]*domain.PipelineExecution, error)
	ListPipelineTasks(ctx context.Context, pipelineExecutionID string) ([]*domain.TaskExecution, error)
	ListCronSchedules(ctx context.Context) ([]*domain.CronSchedule, error)
	ListTriggerSchedules(ctx context.Context) ([]*domain.TriggerSchedule, error)
	GetTriggerExecutionHistory(ctx context.Context, triggerName string, limit int) ([]*domain.TriggerExecution, error)
	ListRegisteredPackages() []registry.Manifest
}

// Config controls optional behavior of the admin surface.
type Config struct {
	// AllowedOrigins configures the CORS middleware. A nil/empty slice
	// disables cross-origin requests entirely.
	AllowedOrigins []string
	// BearerSecret, if non-empty, requires every request to carry a valid
	// HS256-signed Bearer token (see Auth). Left empty, the surface is
	// unauthenticated — suitable only for a private network.
	BearerSecret []byte
}

// NewHandler builds the admin surface's http.Handler: a chi.Mux applying
// CORS (only when AllowedOrigins is set) ahead of a gin.Engine carrying the
// actual routes, with gin's panic recovery, structured-logged with slog-gin
// and request-ID tagged like the rest of the engine's logging.
func NewHandler(runner RunnerView, cfg Config, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "admin_api")

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(RequestID())
	engine.Use(sloggin.New(logger))
	engine.Use(Metrics())
	engine.Use(Security())
	if len(cfg.BearerSecret) > 0 {
		engine.Use(Auth(cfg.BearerSecret))
	}

	h := &handlers{runner: runner, logger: logger}
	engine.GET("/pipelines", h.listPipelines)
	engine.GET("/pipelines/:id", h.getPipeline)
	engine.GET("/pipelines/:id/tasks", h.listPipelineTasks)
	engine.GET("/cron-schedules", h.listCronSchedules)
	engine.GET("/trigger-schedules", h.listTriggerSchedules)
	engine.GET("/trigger-schedules/:name/history", h.triggerHistory)
	engine.GET("/packages", h.listPackages)

	router := chi.NewRouter()
	if len(cfg.AllowedOrigins) > 0 {
		router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			MaxAge:           300,
			AllowCredentials: false,
		}))
	}
	router.Mount("/", engine)

	return router
}

// NewServer wraps NewHandler in an *http.Server bound to addr, with
// timeouts matched to a read-only introspection surface.
func NewServer(addr string, runner RunnerView, cfg Config, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewHandler(runner, cfg, logger),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// RequestID injects a correlation id into the request context and response
// header, preserving an inbound X-Request-ID if present.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = requestid.New()
		}
		ctx := requestid.WithRequestID(c.Request.Context(), id)
		c.Request = c.Request.WithContext(ctx)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// Metrics records every request's latency and outcome under the engine's
// own Prometheus namespace.
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unknown"
		}
		status := strconv.Itoa(c.Writer.Status())
		metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

// Security sets the same baseline response headers as the rest of the
// engine's HTTP-facing code.
func Security() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
