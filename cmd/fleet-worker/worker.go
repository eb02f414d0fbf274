package main

import (
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/arloliu/fleet"
)

const (
	statusIdle       = "idle"
	statusProcessing = "processing"
)

// worker runs at most one simulated job at a time.
type worker struct {
	id          string
	jobDuration time.Duration
	logger      fleet.Logger
	busy        atomic.Bool
	completed   atomic.Int64
}

func newWorker(id string, jobDuration time.Duration, logger fleet.Logger) *worker {
	return &worker{id: id, jobDuration: jobDuration, logger: logger}
}

func (w *worker) router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/status", w.status)
	router.POST("/query", w.query)

	return router
}

// status handles GET /status
func (w *worker) status(c *gin.Context) {
	status := statusIdle
	if w.busy.Load() {
		status = statusProcessing
	}

	c.JSON(http.StatusOK, gin.H{
		"workerStatus": status,
		"workerId":     w.id,
		"completed":    w.completed.Load(),
	})
}

// query handles POST /query
func (w *worker) query(c *gin.Context) {
	if !w.busy.CompareAndSwap(false, true) {
		c.JSON(http.StatusConflict, gin.H{"error": "worker busy"})
		return
	}
	defer w.busy.Store(false)

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	jobID := c.GetHeader("X-Fleet-Job-Id")
	w.logger.Info("job started", "job_id", jobID, "bytes", len(payload))

	select {
	case <-time.After(w.jobDuration):
	case <-c.Request.Context().Done():
		w.logger.Warn("job abandoned by caller", "job_id", jobID)
		return
	}

	w.completed.Add(1)
	c.JSON(http.StatusOK, gin.H{"workerId": w.id, "jobId": jobID, "bytes": len(payload)})
}
