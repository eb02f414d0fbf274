// Package api exposes a Coordinator over HTTP with gin.
//
// Routes:
//
//	POST /v1/acquire         acquire a worker, 503 when the fleet has no capacity
//	POST /v1/acquire/stream  same, streaming retry progress as server-sent events
//	POST /v1/release         release a worker held by a job
//	POST /v1/failure         report a failed job request, evicting the worker
//	POST /v1/refresh         force a discovery pass
//	GET  /v1/status          registry snapshot
//	GET  /healthz            liveness
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arloliu/fleet"
	"github.com/arloliu/fleet/internal/logging"
)

// Coordinator is the subset of *fleet.Coordinator served by the API.
type Coordinator interface {
	Acquire(ctx context.Context, jobID string, opts ...fleet.AcquireOption) (*fleet.Assignment, error)
	Release(workerID, jobID string) bool
	ReportFailure(workerID, jobID, reason string)
	Refresh(ctx context.Context) error
	Status() fleet.FleetStatus
}

var _ Coordinator = (*fleet.Coordinator)(nil)

// API wraps a coordinator and provides HTTP handlers.
type API struct {
	coord  Coordinator
	logger fleet.Logger
}

// NewAPI creates a new API instance.
func NewAPI(coord Coordinator, logger fleet.Logger) *API {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &API{coord: coord, logger: logger}
}

// NewRouter returns a gin engine with recovery, request logging and the API routes.
func NewRouter(a *API) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(a.logger))
	a.SetupRoutes(router)

	return router
}

// SetupRoutes configures all API routes.
func (a *API) SetupRoutes(router *gin.Engine) {
	v1 := router.Group("/v1")
	v1.POST("/acquire", a.acquire)
	v1.POST("/acquire/stream", a.acquireStream)
	v1.POST("/release", a.release)
	v1.POST("/failure", a.failure)
	v1.POST("/refresh", a.refresh)
	v1.GET("/status", a.status)

	router.GET("/healthz", a.healthCheck)
}

// AcquireRequest is the body of POST /v1/acquire.
type AcquireRequest struct {
	JobID       string `json:"jobId"`
	MaxAttempts *int   `json:"maxAttempts" binding:"omitempty,min=0"`
	RetryDelay  string `json:"retryDelay"`
}

// AcquireResponse describes the assigned worker.
type AcquireResponse struct {
	WorkerID     string `json:"workerId"`
	ContainerRef string `json:"containerRef,omitempty"`
	Endpoint     string `json:"endpoint"`
	JobID        string `json:"jobId"`
}

// NoCapacityResponse is returned with 503 when no worker could be assigned.
type NoCapacityResponse struct {
	Error    string `json:"error"`
	JobID    string `json:"jobId"`
	Attempts int    `json:"attempts"`
	Workers  int    `json:"workers"`
	Busy     int    `json:"busy"`
}

// ReleaseRequest is the body of POST /v1/release.
type ReleaseRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
	JobID    string `json:"jobId" binding:"required"`
}

// FailureRequest is the body of POST /v1/failure.
type FailureRequest struct {
	WorkerID string `json:"workerId" binding:"required"`
	JobID    string `json:"jobId"`
	Reason   string `json:"reason"`
}

// ProgressEvent is the data of a "progress" server-sent event.
type ProgressEvent struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"maxAttempts"`
	Message     string `json:"message"`
}

func (r AcquireRequest) options() ([]fleet.AcquireOption, error) {
	var opts []fleet.AcquireOption
	if r.MaxAttempts != nil {
		opts = append(opts, fleet.WithMaxAttempts(*r.MaxAttempts))
	}
	if r.RetryDelay != "" {
		d, err := time.ParseDuration(r.RetryDelay)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, errors.New("retryDelay must be positive")
		}
		opts = append(opts, fleet.WithRetryDelay(d))
	}

	return opts, nil
}

func bindAcquire(c *gin.Context) (AcquireRequest, []fleet.AcquireOption, bool) {
	var req AcquireRequest
	// an empty body acquires with a generated job id
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, nil, false
	}

	opts, err := req.options()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return req, nil, false
	}

	return req, opts, true
}

// acquire handles POST /v1/acquire
func (a *API) acquire(c *gin.Context) {
	req, opts, ok := bindAcquire(c)
	if !ok {
		return
	}

	asg, err := a.coord.Acquire(c.Request.Context(), req.JobID, opts...)
	if err != nil {
		status, body := a.acquireError(err)
		c.JSON(status, body)

		return
	}

	c.JSON(http.StatusOK, assignmentResponse(asg))
}

// acquireStream handles POST /v1/acquire/stream
func (a *API) acquireStream(c *gin.Context) {
	req, opts, ok := bindAcquire(c)
	if !ok {
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)

	// Acquire runs the callback on this goroutine, so writes do not race.
	opts = append(opts, fleet.WithProgress(func(attempt, maxAttempts int, message string) {
		c.SSEvent("progress", ProgressEvent{Attempt: attempt, MaxAttempts: maxAttempts, Message: message})
		c.Writer.Flush()
	}))

	asg, err := a.coord.Acquire(c.Request.Context(), req.JobID, opts...)
	if err != nil {
		if c.Request.Context().Err() != nil {
			return
		}
		_, body := a.acquireError(err)
		c.SSEvent("error", body)
		c.Writer.Flush()

		return
	}

	c.SSEvent("assigned", assignmentResponse(asg))
	c.Writer.Flush()
}

func (a *API) acquireError(err error) (int, any) {
	var nc *fleet.NoCapacityError
	if errors.As(err, &nc) {
		return http.StatusServiceUnavailable, NoCapacityResponse{
			Error:    err.Error(),
			JobID:    nc.JobID,
			Attempts: nc.Attempts,
			Workers:  nc.Total,
			Busy:     nc.Busy,
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusRequestTimeout, gin.H{"error": err.Error()}
	}

	a.logger.Error("acquire failed", "error", err)

	return http.StatusInternalServerError, gin.H{"error": err.Error()}
}

func assignmentResponse(asg *fleet.Assignment) AcquireResponse {
	return AcquireResponse{
		WorkerID:     asg.WorkerID(),
		ContainerRef: asg.Worker.ContainerRef,
		Endpoint:     asg.URL,
		JobID:        asg.JobID,
	}
}

// release handles POST /v1/release
func (a *API) release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	released := a.coord.Release(req.WorkerID, req.JobID)
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// failure handles POST /v1/failure
func (a *API) failure(c *gin.Context) {
	var req FailureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "reported via api"
	}
	a.coord.ReportFailure(req.WorkerID, req.JobID, reason)
	c.Status(http.StatusNoContent)
}

// refresh handles POST /v1/refresh
func (a *API) refresh(c *gin.Context) {
	if err := a.coord.Refresh(c.Request.Context()); err != nil {
		var de *fleet.DiscoveryError
		if errors.As(err, &de) {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "backend": de.Backend})
			return
		}
		c.JSON(http.StatusRequestTimeout, gin.H{"error": err.Error()})

		return
	}

	c.JSON(http.StatusOK, a.coord.Status())
}

// status handles GET /v1/status
func (a *API) status(c *gin.Context) {
	c.JSON(http.StatusOK, a.coord.Status())
}

// healthCheck handles GET /healthz
func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger(logger fleet.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
