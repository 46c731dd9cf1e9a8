package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itstheanurag/judgebox/internal/config"
	"github.com/itstheanurag/judgebox/internal/judge"
	"github.com/itstheanurag/judgebox/internal/languages"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/itstheanurag/judgebox/internal/workspace"
	"github.com/rs/zerolog"
)

// ErrInvalidRequest is returned for requests rejected before any resource
// is allocated.
var ErrInvalidRequest = errors.New("invalid request")

type Executor struct {
	registry   *languages.Registry
	workspaces *workspace.Manager
	launcher   *sandbox.Launcher
	supervisor *sandbox.Supervisor
	limits     config.LimitsConfig
	logger     *zerolog.Logger
}

func NewExecutor(conf *config.Config, registry *languages.Registry, rt sandbox.Runtime, logger *zerolog.Logger) (*Executor, error) {
	workspaces, err := workspace.NewManager(conf.Sandbox.WorkspaceRoot, conf.Sandbox.HostWorkspaceRoot)
	if err != nil {
		return nil, err
	}

	launcher := sandbox.NewLauncher(registry, rt, sandbox.LauncherConfig{
		MountPath: conf.Sandbox.MountPath,
		User:      conf.Sandbox.User,
		CPUs:      conf.Sandbox.CPUs,
		PidsLimit: conf.Sandbox.PidsLimit,
	}, logger)

	return &Executor{
		registry:   registry,
		workspaces: workspaces,
		launcher:   launcher,
		supervisor: sandbox.NewSupervisor(conf.Sandbox.MaxOutputBytes, logger),
		limits:     conf.Limits,
		logger:     logger,
	}, nil
}

// Reclaim removes workspaces left behind by a previous process. Call it
// before any execution starts.
func (e *Executor) Reclaim() (int, error) {
	return e.workspaces.Sweep()
}

type ExecuteOptions struct {
	LanguageID    string
	SourceCode    string
	Stdin         string
	TimeLimitMs   int
	MemoryLimitMb int
}

type GradeOptions struct {
	LanguageID    string
	SourceCode    string
	TimeLimitMs   int
	MemoryLimitMb int
	TestCases     []judge.TestCase
}

// Execute runs the source once. Invalid requests return ErrInvalidRequest;
// every other failure is reported through the result's outcome.
func (e *Executor) Execute(ctx context.Context, opts ExecuteOptions) (*sandbox.Result, error) {
	req, err := e.request(opts)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, req), nil
}

// Grade runs the source against each test case in its own sandbox. A
// SystemError on any case aborts grading with an error wrapping
// judge.ErrSystem.
func (e *Executor) Grade(ctx context.Context, opts GradeOptions) (*judge.Report, error) {
	if len(opts.TestCases) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, judge.ErrNoTestCases)
	}
	req, err := e.request(ExecuteOptions{
		LanguageID:    opts.LanguageID,
		SourceCode:    opts.SourceCode,
		TimeLimitMs:   opts.TimeLimitMs,
		MemoryLimitMb: opts.MemoryLimitMb,
	})
	if err != nil {
		return nil, err
	}

	run := func(ctx context.Context, input string) (*sandbox.Result, error) {
		r := req
		r.Stdin = input
		return e.run(ctx, r), nil
	}
	report, err := judge.JudgeAll(ctx, run, opts.TestCases)
	if err != nil {
		return nil, err
	}

	metrics.VerdictsTotal.WithLabelValues(req.Language, string(report.Verdict)).Inc()
	e.logger.Info().
		Str("language", req.Language).
		Str("verdict", string(report.Verdict)).
		Int("cases_run", len(report.Cases)).
		Int("cases_total", len(opts.TestCases)).
		Msg("submission graded")
	return report, nil
}

// request validates opts and resolves its limits against the configured
// defaults and ceilings.
func (e *Executor) request(opts ExecuteOptions) (sandbox.Request, error) {
	lang, err := e.registry.Get(opts.LanguageID)
	if err != nil {
		return sandbox.Request{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(opts.SourceCode) == "" {
		return sandbox.Request{}, fmt.Errorf("%w: source code is required", ErrInvalidRequest)
	}
	if limit := e.limits.MaxSourceBytes; limit > 0 && len(opts.SourceCode) > limit {
		return sandbox.Request{}, fmt.Errorf("%w: source code exceeds %d bytes", ErrInvalidRequest, limit)
	}
	if limit := e.limits.MaxStdinBytes; limit > 0 && len(opts.Stdin) > limit {
		return sandbox.Request{}, fmt.Errorf("%w: stdin exceeds %d bytes", ErrInvalidRequest, limit)
	}
	if opts.TimeLimitMs < 0 || opts.MemoryLimitMb < 0 {
		return sandbox.Request{}, fmt.Errorf("%w: limits must not be negative", ErrInvalidRequest)
	}
	if opts.MemoryLimitMb > 0 && opts.MemoryLimitMb < config.MinMemoryLimitMb {
		return sandbox.Request{}, fmt.Errorf("%w: memory limit must be at least %d MB", ErrInvalidRequest, config.MinMemoryLimitMb)
	}

	return sandbox.Request{
		Language:      lang.ID,
		SourceCode:    opts.SourceCode,
		Stdin:         opts.Stdin,
		TimeLimitMs:   resolve(opts.TimeLimitMs, e.limits.DefaultTimeLimitMs, e.limits.MaxTimeLimitMs),
		MemoryLimitMb: resolve(opts.MemoryLimitMb, e.limits.DefaultMemoryLimitMb, e.limits.MaxMemoryLimitMb),
	}, nil
}

func resolve(v, def, ceiling int) int {
	if v == 0 {
		v = def
	}
	if ceiling > 0 && v > ceiling {
		v = ceiling
	}
	return v
}

// run owns one workspace for the duration of one sandboxed execution.
func (e *Executor) run(ctx context.Context, req sandbox.Request) *sandbox.Result {
	start := time.Now()
	log := e.logger.With().Str("language", req.Language).Logger()

	ws, err := e.workspaces.Acquire(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to acquire workspace")
		return e.record(req, sandbox.SystemErrorResult(err), start)
	}
	defer func() {
		if err := e.workspaces.Release(ws); err != nil {
			metrics.WorkspaceCleanupFailures.Inc()
			log.Error().Err(err).Str("workspace", ws.ID).Msg("failed to release workspace")
		}
	}()

	h, err := e.launcher.Launch(ctx, req, ws)
	if err != nil {
		log.Error().Err(err).Str("workspace", ws.ID).Msg("failed to launch sandbox")
		return e.record(req, sandbox.SystemErrorResult(err), start)
	}

	res := e.supervisor.Supervise(ctx, h, time.Duration(req.TimeLimitMs)*time.Millisecond)
	log.Debug().
		Str("workspace", ws.ID).
		Str("outcome", string(res.Outcome)).
		Int64("elapsed_ms", res.ElapsedMs).
		Msg("execution finished")
	return e.record(req, res, start)
}

func (e *Executor) record(req sandbox.Request, res *sandbox.Result, start time.Time) *sandbox.Result {
	metrics.ExecutionsTotal.WithLabelValues(req.Language, string(res.Outcome)).Inc()
	metrics.ExecutionDuration.WithLabelValues(req.Language, "sandbox").Observe(float64(res.ElapsedMs))
	metrics.ExecutionDuration.WithLabelValues(req.Language, "total").Observe(float64(time.Since(start).Milliseconds()))
	return res
}
