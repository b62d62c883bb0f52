package adminapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cloacina-dev/cloacina/internal/domain"
)

const (
	errInternalServer     = "internal server error"
	errPipelineNotFound   = "pipeline execution not found"
	defaultListLimit      = 100
	defaultTriggerHistory = 50
)

type handlers struct {
	runner RunnerView
	logger *slog.Logger
}

func (h *handlers) listPipelines(c *gin.Context) {
	limit := intQuery(c, "limit", defaultListLimit)
	pipelines, err := h.runner.ListActivePipelines(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list active pipelines", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, pipelines)
}

func (h *handlers) getPipeline(c *gin.Context) {
	id := c.Param("id")
	result, err := h.runner.GetPipeline(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrPipelineNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": errPipelineNotFound})
			return
		}
		h.logger.Error("get pipeline", "pipeline_execution_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) listPipelineTasks(c *gin.Context) {
	id := c.Param("id")
	tasks, err := h.runner.ListPipelineTasks(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("list pipeline tasks", "pipeline_execution_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (h *handlers) listCronSchedules(c *gin.Context) {
	schedules, err := h.runner.ListCronSchedules(c.Request.Context())
	if err != nil {
		h.logger.Error("list cron schedules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, schedules)
}

func (h *handlers) listTriggerSchedules(c *gin.Context) {
	schedules, err := h.runner.ListTriggerSchedules(c.Request.Context())
	if err != nil {
		h.logger.Error("list trigger schedules", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, schedules)
}

func (h *handlers) triggerHistory(c *gin.Context) {
	name := c.Param("name")
	limit := intQuery(c, "limit", defaultTriggerHistory)
	history, err := h.runner.GetTriggerExecutionHistory(c.Request.Context(), name, limit)
	if err != nil {
		h.logger.Error("get trigger execution history", "trigger_name", name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": errInternalServer})
		return
	}
	c.JSON(http.StatusOK, history)
}

func (h *handlers) listPackages(c *gin.Context) {
	c.JSON(http.StatusOK, h.runner.ListRegisteredPackages())
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
