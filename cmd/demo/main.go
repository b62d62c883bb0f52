// demo registers a small fan-out/fan-in workflow and runs it to completion
// against the database named by DATABASE_URL.
// Run: go run ./cmd/demo
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/cloacina-dev/cloacina"
	"github.com/cloacina-dev/cloacina/config"
	"github.com/cloacina-dev/cloacina/internal/adminapi"
	"github.com/cloacina-dev/cloacina/internal/httptask"
	ctxlog "github.com/cloacina-dev/cloacina/internal/log"
	"github.com/cloacina-dev/cloacina/internal/metrics"
	"github.com/cloacina-dev/cloacina/internal/notify"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runnerOpts := []cloacina.Option{
		cloacina.WithLogger(logger),
		cloacina.WithMaxConcurrentTasks(cfg.MaxConcurrentTasks),
		cloacina.WithTaskTimeout(cfg.TaskTimeout),
		cloacina.WithSchedulerPollInterval(cfg.SchedulerPollInterval),
		cloacina.WithExecutorPollInterval(cfg.ExecutorPollInterval),
		cloacina.WithCronScheduling(cfg.EnableCronScheduling),
		cloacina.WithTriggerScheduling(cfg.EnableTriggerScheduling),
		cloacina.WithNotifier(notify.New(cfg.EnableNotifications, cfg.ResendAPIKey, cfg.ResendFrom, cfg.ResendFrom, logger)),
	}
	if cfg.EnableRegistryReconciler {
		runnerOpts = append(runnerOpts,
			cloacina.WithRegistryReconciler(cfg.RegistryStoragePath, []byte(cfg.RegistrySigningSecret)),
			cloacina.WithRegistryPollInterval(cfg.RegistryPollInterval),
		)
	}

	runner, err := cloacina.New(ctx, cfg.DatabaseURL, runnerOpts...)
	if err != nil {
		log.Fatalf("runner: %v", err)
	}

	webhookClient := httptask.NewClient(logger, 10*time.Second)
	shippingWebhookURL := os.Getenv("SHIPPING_WEBHOOK_URL")

	workflow, err := cloacina.NewWorkflow("order-fulfillment", "v1",
		cloacina.TaskDescriptor{
			ID: "validate_order",
			Invoke: func(ctx context.Context, tc *cloacina.Context) error {
				orderID, _ := tc.Get("order_id")
				logger.Info("validating order", "order_id", orderID)
				return tc.Insert("validated", true)
			},
		},
		cloacina.TaskDescriptor{
			ID:           "reserve_inventory",
			Dependencies: []string{"validate_order"},
			Invoke: func(ctx context.Context, tc *cloacina.Context) error {
				return tc.Insert("inventory_reserved", true)
			},
		},
		cloacina.TaskDescriptor{
			ID:           "charge_payment",
			Dependencies: []string{"validate_order"},
			Retry: cloacina.RetryPolicy{
				Attempts:       5,
				InitialDelay:   time.Second,
				MaxDelay:       30 * time.Second,
				Backoff:        "exponential",
				Jitter:         true,
				RetryCondition: "transient_only",
			},
			Invoke: func(ctx context.Context, tc *cloacina.Context) error {
				return tc.Insert("payment_charged", true)
			},
		},
		cloacina.TaskDescriptor{
			ID:           "ship_order",
			Dependencies: []string{"reserve_inventory", "charge_payment"},
			Invoke: func(ctx context.Context, tc *cloacina.Context) error {
				return tc.Insert("shipped", true)
			},
		},
		cloacina.TaskDescriptor{
			ID:           "notify_customer",
			Dependencies: []string{"ship_order"},
			Rule:         cloacina.TaskSuccess("ship_order"),
			Invoke: func(ctx context.Context, tc *cloacina.Context) error {
				if shippingWebhookURL == "" {
					logger.Info("order shipped, customer notified")
					return nil
				}
				resp, err := webhookClient.Do(ctx, httptask.Request{
					Method: http.MethodPost,
					URL:    shippingWebhookURL,
					Body:   `{"event":"order_shipped"}`,
				})
				if err != nil {
					return fmt.Errorf("notify shipping webhook: %w", err)
				}
				logger.Info("shipping webhook notified", "status", resp.StatusCode)
				return nil
			},
		},
	)
	if err != nil {
		log.Fatalf("build workflow: %v", err)
	}
	if err := runner.RegisterWorkflow(workflow); err != nil {
		log.Fatalf("register workflow: %v", err)
	}

	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	var adminSrv *http.Server
	if cfg.EnableAdminAPI {
		adminSrv = adminapi.NewServer(":"+cfg.AdminAPIPort, runner, adminapi.Config{
			BearerSecret: []byte(cfg.AdminAPIBearerSecret),
		}, logger)
		go func() {
			logger.Info("admin api started", "port", cfg.AdminAPIPort)
			if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin api", "error", err)
			}
		}()
	}

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	result, err := runner.Execute(runCtx, "order-fulfillment", map[string]any{
		"order_id": fmt.Sprintf("demo-%d", time.Now().UnixNano()),
	})
	cancel()
	if err != nil {
		logger.Error("execute workflow", "error", err)
	} else {
		logger.Info("workflow finished", "status", result.Status, "final_context", result.FinalContext)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin api shutdown", "error", err)
		}
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Error("runner shutdown", "error", err)
	}

	logger.Info("demo shut down")
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: level,
		})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
