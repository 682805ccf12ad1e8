// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

/*
Package weblog receives the HTTP events Nextflow posts with -with-weblog.

Endpoints:

	POST /          - Nextflow weblog event
	GET  /healthz   - Liveness
	GET  /metrics   - Prometheus exposition
	GET  /runs      - Latest state of every run seen
	GET  /runs/:id  - Latest state of one run
*/
package weblog

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/pjongeneel/nextflow-docker/pkg/logging"
)

// Run-level event names sent by Nextflow.
const (
	EventStarted          = "started"
	EventProcessSubmitted = "process_submitted"
	EventProcessStarted   = "process_started"
	EventProcessCompleted = "process_completed"
	EventError            = "error"
	EventCompleted        = "completed"
)

// EventOther is the metrics label for event names not listed above.
const EventOther = "other"

var knownEvents = map[string]bool{
	EventStarted:          true,
	EventProcessSubmitted: true,
	EventProcessStarted:   true,
	EventProcessCompleted: true,
	EventError:            true,
	EventCompleted:        true,
}

// Task statuses Nextflow reports in traces. Anything else is counted as
// OTHER; a missing status as UNKNOWN.
var knownTaskStatuses = map[string]bool{
	"NEW":       true,
	"SUBMITTED": true,
	"RUNNING":   true,
	"COMPLETED": true,
	"CACHED":    true,
	"FAILED":    true,
	"ABORTED":   true,
}

// eventLabel keeps the events_total label set bounded.
func eventLabel(name string) string {
	if knownEvents[name] {
		return name
	}
	return EventOther
}

func taskStatusLabel(status string) string {
	switch {
	case status == "":
		return "UNKNOWN"
	case knownTaskStatuses[status]:
		return status
	default:
		return "OTHER"
	}
}

// Run statuses kept in RunState.Status.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// DefaultShutdownTimeout bounds graceful shutdown in ListenAndServe.
const DefaultShutdownTimeout = 10 * time.Second

// Event is one weblog POST body.
type Event struct {
	RunName  string         `json:"runName" binding:"required"`
	RunID    string         `json:"runId" binding:"required"`
	Event    string         `json:"event" binding:"required"`
	UTCTime  string         `json:"utcTime"`
	Trace    *Trace         `json:"trace,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Trace is the task record attached to process_* events.
type Trace struct {
	TaskID  int    `json:"task_id"`
	Status  string `json:"status"`
	Hash    string `json:"hash"`
	Name    string `json:"name"`
	Process string `json:"process"`
	Exit    *int   `json:"exit,omitempty"`
}

// RunState is the latest known state of one Nextflow run.
type RunState struct {
	RunID     string    `json:"runId"`
	RunName   string    `json:"runName"`
	Status    string    `json:"status"`
	LastEvent string    `json:"lastEvent"`
	UpdatedAt time.Time `json:"updatedAt"`
	Submitted int       `json:"submitted"`
	Running   int       `json:"running"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}

// ErrorResponse is the JSON body of a 4xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server collects weblog events.
//
// # Thread Safety
//
// Server is safe for concurrent use.
type Server struct {
	logger *logging.Logger
	engine *gin.Engine

	registry *prometheus.Registry
	events   *prometheus.CounterVec
	tasks    *prometheus.CounterVec

	mu   sync.RWMutex
	runs map[string]*RunState

	now func() time.Time
}

// NewServer creates a Server with its routes registered.
func NewServer(logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Default()
	}
	s := &Server{
		logger:   logger.With("component", "weblog"),
		registry: prometheus.NewRegistry(),
		runs:     make(map[string]*RunState),
		now:      time.Now,
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfwrap",
			Subsystem: "weblog",
			Name:      "events_total",
			Help:      "Weblog events received by event type",
		}, []string{"event"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nfwrap",
			Subsystem: "weblog",
			Name:      "tasks_total",
			Help:      "Completed tasks by final status",
		}, []string{"status"}),
	}
	s.registry.MustRegister(s.events, s.tasks)

	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware("nfwrap-weblog"), s.requestLogger())
	engine.POST("/", s.handleEvent)
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	engine.GET("/runs", s.handleRuns)
	engine.GET("/runs/:id", s.handleRun)
	s.engine = engine
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Weblog receiver listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("weblog server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
		defer cancel()
		s.logger.Info("Weblog receiver shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// Record applies an event to the run state and metrics.
func (s *Server) Record(ev Event) RunState {
	s.events.WithLabelValues(eventLabel(ev.Event)).Inc()

	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[ev.RunID]
	if !ok {
		run = &RunState{RunID: ev.RunID, RunName: ev.RunName, Status: StatusRunning}
		s.runs[ev.RunID] = run
	}
	run.LastEvent = ev.Event
	run.UpdatedAt = s.now()

	switch ev.Event {
	case EventStarted:
		run.Status = StatusRunning
	case EventProcessSubmitted:
		run.Submitted++
	case EventProcessStarted:
		run.Running++
	case EventProcessCompleted:
		if run.Running > 0 {
			run.Running--
		}
		status := ""
		if ev.Trace != nil {
			status = ev.Trace.Status
		}
		switch status {
		case "COMPLETED", "CACHED":
			run.Succeeded++
		default:
			run.Failed++
		}
		s.tasks.WithLabelValues(taskStatusLabel(status)).Inc()
	case EventError:
		run.Status = StatusFailed
	case EventCompleted:
		if workflowSucceeded(ev.Metadata) {
			run.Status = StatusSucceeded
		} else {
			run.Status = StatusFailed
		}
	}
	return *run
}

// Run returns the state of one run.
func (s *Server) Run(id string) (RunState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return RunState{}, false
	}
	return *run, true
}

// Runs returns every known run, most recently updated first.
func (s *Server) Runs() []RunState {
	s.mu.RLock()
	out := make([]RunState, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, *run)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].RunID < out[j].RunID
	})
	return out
}

// workflowSucceeded reads metadata.workflow.success; a missing flag counts
// as success since Nextflow sends "error" separately.
func workflowSucceeded(metadata map[string]any) bool {
	workflow, ok := metadata["workflow"].(map[string]any)
	if !ok {
		return true
	}
	success, ok := workflow["success"].(bool)
	return !ok || success
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleEvent(c *gin.Context) {
	var ev Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		s.logger.Warn("Invalid weblog event", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid weblog event", Code: "INVALID_EVENT"})
		return
	}

	run := s.Record(ev)

	attrs := []any{"run_id", ev.RunID, "run_name", ev.RunName, "event", ev.Event}
	if ev.Trace != nil {
		attrs = append(attrs, "task", ev.Trace.Name, "status", ev.Trace.Status)
	}
	switch {
	case ev.Event == EventError || (ev.Trace != nil && ev.Trace.Status == "FAILED"):
		s.logger.Warn("Weblog event", attrs...)
	case ev.Event == EventStarted || ev.Event == EventCompleted:
		s.logger.Info("Weblog event", append(attrs, "status", run.Status)...)
	default:
		s.logger.Debug("Weblog event", attrs...)
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRuns(c *gin.Context) {
	c.JSON(http.StatusOK, s.Runs())
}

func (s *Server) handleRun(c *gin.Context) {
	run, ok := s.Run(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Run not found", Code: "RUN_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}
