package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itstheanurag/judgebox/internal/config"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/judge"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/rs/zerolog"
)

const (
	// runOverhead covers container create, start and removal on top of the
	// time limit itself.
	runOverhead = 10 * time.Second
	// DefaultQueueWait bounds how long a request may sit in the queue.
	DefaultQueueWait = 30 * time.Second
)

type ExecutionRequest struct {
	Language      string `json:"language"`
	SourceCode    string `json:"source_code"`
	Stdin         string `json:"stdin"`
	TimeLimitMs   int    `json:"time_limit_ms"`
	MemoryLimitMb int    `json:"memory_limit_mb"`
}

type GradeRequest struct {
	Language      string           `json:"language"`
	SourceCode    string           `json:"source_code"`
	TimeLimitMs   int              `json:"time_limit_ms"`
	MemoryLimitMb int              `json:"memory_limit_mb"`
	TestCases     []judge.TestCase `json:"test_cases"`
}

type SubmitRequest struct {
	QuestionID    int64  `json:"question_id" binding:"required"`
	Language      string `json:"language"`
	SourceCode    string `json:"source_code"`
	TimeLimitMs   int    `json:"time_limit_ms"`
	MemoryLimitMb int    `json:"memory_limit_mb"`
}

// TestCaseStore loads the stored test cases of a question.
type TestCaseStore interface {
	TestCases(ctx context.Context, questionID int64) ([]judge.TestCase, error)
}

type Handler struct {
	queueManager *queue.Manager
	registry     *languages.Registry
	store        TestCaseStore
	limits       config.LimitsConfig
	queueWait    time.Duration
	logger       *zerolog.Logger
}

// NewHandler builds the HTTP handlers. store may be nil, which disables
// /submit.
func NewHandler(manager *queue.Manager, registry *languages.Registry, store TestCaseStore, limits config.LimitsConfig, logger *zerolog.Logger) *Handler {
	return &Handler{
		queueManager: manager,
		registry:     registry,
		store:        store,
		limits:       limits,
		queueWait:    DefaultQueueWait,
		logger:       logger,
	}
}

// Register mounts the API on r. limit guards every endpoint that runs code.
func (h *Handler) Register(r gin.IRoutes, limit gin.HandlerFunc) {
	r.GET("/health", h.Health)
	r.GET("/languages", h.Languages)
	r.POST("/execute", limit, h.Execute)
	r.POST("/grade", limit, h.Grade)
	r.POST("/submit", limit, h.Submit)
	r.GET("/ws/run", limit, h.RunSocket)
}

func (h *Handler) Health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

type languageInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Compiled bool   `json:"compiled"`
}

func (h *Handler) Languages(c *gin.Context) {
	langs := h.registry.List()
	out := make([]languageInfo, 0, len(langs))
	for _, l := range langs {
		out = append(out, languageInfo{ID: l.ID, Name: l.Name, Compiled: l.Compiled()})
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) Execute(c *gin.Context) {
	var req ExecutionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	resp, err := h.run(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if resp.Status.ID == statusInternalError {
		status = http.StatusInternalServerError
	}
	c.JSON(status, resp)
}

// run pushes one ad-hoc execution through the queue.
func (h *Handler) run(ctx context.Context, req ExecutionRequest) (*ExecutionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, h.runTimeout(req.TimeLimitMs)+h.queueWait)
	defer cancel()

	job := queue.NewRunJob(ctx, executor.ExecuteOptions{
		LanguageID:    req.Language,
		SourceCode:    req.SourceCode,
		Stdin:         req.Stdin,
		TimeLimitMs:   req.TimeLimitMs,
		MemoryLimitMb: req.MemoryLimitMb,
	})
	res, err := h.dispatch(ctx, job)
	if err != nil {
		return nil, err
	}
	return NewExecutionResponse(res.Run), nil
}

func (h *Handler) Grade(c *gin.Context) {
	var req GradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	h.grade(c, executor.GradeOptions{
		LanguageID:    req.Language,
		SourceCode:    req.SourceCode,
		TimeLimitMs:   req.TimeLimitMs,
		MemoryLimitMb: req.MemoryLimitMb,
		TestCases:     req.TestCases,
	})
}

func (h *Handler) Submit(c *gin.Context) {
	var req SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if h.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no problem database configured"})
		return
	}

	cases, err := h.store.TestCases(c.Request.Context(), req.QuestionID)
	if err != nil {
		h.logger.Error().Err(err).Int64("question_id", req.QuestionID).Msg("failed to load test cases")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load test cases"})
		return
	}
	if len(cases) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "no test cases found for this problem"})
		return
	}

	h.grade(c, executor.GradeOptions{
		LanguageID:    req.Language,
		SourceCode:    req.SourceCode,
		TimeLimitMs:   req.TimeLimitMs,
		MemoryLimitMb: req.MemoryLimitMb,
		TestCases:     cases,
	})
}

func (h *Handler) grade(c *gin.Context, opts executor.GradeOptions) {
	timeout := h.runTimeout(opts.TimeLimitMs)*time.Duration(len(opts.TestCases)) + h.queueWait
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	res, err := h.dispatch(ctx, queue.NewGradeJob(ctx, opts))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res.Report)
}

// dispatch submits job and waits for its result or for ctx to end.
func (h *Handler) dispatch(ctx context.Context, job *queue.Job) (queue.JobResult, error) {
	if err := h.queueManager.Submit(job); err != nil {
		return queue.JobResult{}, err
	}
	select {
	case res := <-job.Result:
		return res, res.Err
	case <-ctx.Done():
		return queue.JobResult{}, ctx.Err()
	}
}

func (h *Handler) runTimeout(timeLimitMs int) time.Duration {
	ms := timeLimitMs
	if ms <= 0 {
		ms = h.limits.DefaultTimeLimitMs
	}
	if h.limits.MaxTimeLimitMs > 0 && ms > h.limits.MaxTimeLimitMs {
		ms = h.limits.MaxTimeLimitMs
	}
	return time.Duration(ms)*time.Millisecond + runOverhead
}

func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, executor.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}
