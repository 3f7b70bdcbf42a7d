package api

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/apvlv/runpodComfyUIworker/internal/config"
	"github.com/apvlv/runpodComfyUIworker/internal/dispatcher"
	"github.com/apvlv/runpodComfyUIworker/internal/interfaces"
	"github.com/apvlv/runpodComfyUIworker/internal/job"
	"github.com/apvlv/runpodComfyUIworker/internal/jobstore"
)

// Handler API handler
type Handler struct {
	executor interfaces.JobExecutor
	store    interfaces.JobStore
	prober   interfaces.StatusProber
	logger   *logrus.Logger

	// async jobs run under this context, not the request's
	baseCtx context.Context
	jobs    sync.WaitGroup
}

// NewHandler creates API handler; ctx bounds jobs submitted with /run
func NewHandler(
	ctx context.Context,
	executor interfaces.JobExecutor,
	store interfaces.JobStore,
	prober interfaces.StatusProber,
) *Handler {
	return &Handler{
		executor: executor,
		store:    store,
		prober:   prober,
		logger:   config.NewLogger(),
		baseCtx:  ctx,
	}
}

// RegisterRoutes registers routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	// Job related routes
	r.POST("/run", h.run)
	r.POST("/runsync", h.runSync)
	r.GET("/status/:id", h.getStatus)

	jobGroup := r.Group("/api/v1/jobs")
	{
		jobGroup.GET("/metrics", h.getJobMetrics)
	}

	// Health checks
	r.GET("/health", h.healthCheck)
	r.GET("/ready", h.readinessCheck)
}

// Wait blocks until every job started with /run has finished
func (h *Handler) Wait() {
	h.jobs.Wait()
}

// run starts a job in the background and returns its id
func (h *Handler) run(c *gin.Context) {
	envelope, ok := h.bindEnvelope(c)
	if !ok {
		return
	}

	record := jobstore.NewRecord(envelope.ID)
	if err := h.store.Save(c.Request.Context(), record); err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	response := gin.H{
		"id":     record.ID,
		"status": record.Status,
	}

	h.jobs.Add(1)
	go func() {
		defer h.jobs.Done()
		h.execute(h.baseCtx, envelope, record)
	}()

	c.JSON(http.StatusOK, response)
}

// runSync runs a job and responds with its result
func (h *Handler) runSync(c *gin.Context) {
	envelope, ok := h.bindEnvelope(c)
	if !ok {
		return
	}

	record := jobstore.NewRecord(envelope.ID)
	if err := h.store.Save(c.Request.Context(), record); err != nil {
		h.logger.WithError(err).WithField("job_id", record.ID).Warn("Failed to save job record")
	}

	h.execute(c.Request.Context(), envelope, record)
	c.JSON(http.StatusOK, newJobResponse(record))
}

// execute runs the job and stores its final record
func (h *Handler) execute(ctx context.Context, envelope *job.Envelope, record *jobstore.Record) {
	result := h.executor.Execute(ctx, envelope)
	record.MarkFinished(result)

	// the result is kept even when the caller went away
	if err := h.store.Save(context.WithoutCancel(ctx), record); err != nil {
		h.logger.WithError(err).WithField("job_id", record.ID).Error("Failed to save job result")
	}
}

func (h *Handler) bindEnvelope(c *gin.Context) (*job.Envelope, bool) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Details: err.Error()})
		return nil, false
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	return &job.Envelope{ID: req.ID, Input: req.Input}, true
}

// getStatus gets job status
func (h *Handler) getStatus(c *gin.Context) {
	record, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "Job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	c.JSON(http.StatusOK, newJobResponse(record))
}

// getJobMetrics gets job metrics
func (h *Handler) getJobMetrics(c *gin.Context) {
	metrics, err := h.store.Metrics(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	response := gin.H{"jobs": metrics}
	if d, ok := h.executor.(interface {
		GetDispatcherMetrics() dispatcher.DispatcherMetrics
	}); ok {
		response["dispatcher"] = d.GetDispatcherMetrics()
	}
	c.JSON(http.StatusOK, response)
}

// healthCheck performs health check
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
	})
}

// readinessCheck reports ready only while the ComfyUI server answers
func (h *Handler) readinessCheck(c *gin.Context) {
	status := h.prober.ServerStatus(c.Request.Context())
	if !status.Reachable {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unavailable",
			"error":  status.Error,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}
