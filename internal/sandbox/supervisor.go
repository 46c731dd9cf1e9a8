package sandbox

import (
	"context"
	"time"

	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxOutput is the per-stream capture cap.
	DefaultMaxOutput = 1 << 20

	cleanupTimeout = 10 * time.Second
	drainTimeout   = 2 * time.Second
)

// Supervisor owns the lifetime of one launched sandbox.
type Supervisor struct {
	MaxOutput int
	logger    *zerolog.Logger
}

func NewSupervisor(maxOutput int, logger *zerolog.Logger) *Supervisor {
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutput
	}
	return &Supervisor{MaxOutput: maxOutput, logger: logger}
}

type waitResult struct {
	code int
	err  error
}

// Supervise starts the handle's process, captures its output and kills it
// once timeLimit has passed. The container is removed before returning.
func (s *Supervisor) Supervise(ctx context.Context, h *Handle, timeLimit time.Duration) *Result {
	proc := h.Process
	log := s.logger.With().Str("container", proc.ID()).Str("workspace", h.Workspace.ID).Logger()

	defer func() {
		rmCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		if err := proc.Remove(rmCtx); err != nil {
			log.Error().Err(err).Msg("failed to remove container")
		}
	}()

	stdout := newLimitWriter(s.MaxOutput)
	stderr := newLimitWriter(s.MaxOutput)

	streamDone, err := proc.Attach(ctx, stdout, stderr)
	if err != nil {
		return systemError(err, 0)
	}

	start := time.Now()
	if err := proc.Start(ctx); err != nil {
		return systemError(err, time.Since(start))
	}

	timer := time.NewTimer(timeLimit)
	defer timer.Stop()

	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	waitCh := make(chan waitResult, 1)
	go func() {
		code, err := proc.Wait(waitCtx)
		waitCh <- waitResult{code: code, err: err}
	}()

	var (
		exit     waitResult
		timedOut bool
		canceled error
	)
	select {
	case exit = <-waitCh:
	case <-timer.C:
		timedOut = true
		s.kill(proc, waitCh, &log)
	case <-ctx.Done():
		canceled = ctx.Err()
		s.kill(proc, waitCh, &log)
	}
	elapsed := time.Since(start)

	select {
	case err := <-streamDone:
		if err != nil && !timedOut && canceled == nil {
			log.Warn().Err(err).Msg("output stream ended with error")
		}
	case <-time.After(drainTimeout):
		log.Warn().Msg("output stream did not drain")
	}

	if canceled != nil {
		return systemError(canceled, elapsed)
	}
	if exit.err != nil {
		return systemError(exit.err, elapsed)
	}

	res := &Result{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		ElapsedMs:       elapsed.Milliseconds(),
		ExitCode:        exit.code,
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
	}
	if res.StdoutTruncated {
		metrics.OutputTruncations.WithLabelValues("stdout").Inc()
	}
	if res.StderrTruncated {
		metrics.OutputTruncations.WithLabelValues("stderr").Inc()
	}

	if timedOut {
		res.Outcome = TimedOut
		res.ExitCode = -1
		return res
	}

	inspectCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if state, err := proc.Inspect(inspectCtx); err != nil {
		log.Warn().Err(err).Msg("failed to inspect container")
	} else {
		res.OOMKilled = state.OOMKilled
		res.ContainerMs = state.Duration.Milliseconds()
	}

	res.CompileFailed = h.Language.Compiled() &&
		res.ExitCode == CompileExitCode &&
		h.Workspace.Exists(CompileMarker)
	res.Outcome = classify(res)
	return res
}

// classify maps a normal exit to an outcome. Any stderr output counts as a
// failure, so warnings written to stderr are reported as crashes.
func classify(res *Result) Outcome {
	if len(res.Stderr) > 0 || res.ExitCode != 0 || res.OOMKilled || res.CompileFailed {
		return Crashed
	}
	return Completed
}

// kill sends SIGKILL and waits briefly for the exit to be observed.
func (s *Supervisor) kill(proc Process, waitCh <-chan waitResult, log *zerolog.Logger) {
	killCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := proc.Kill(killCtx); err != nil {
		// Remove forces the kill again on the way out.
		log.Error().Err(err).Msg("failed to kill container")
		return
	}
	select {
	case <-waitCh:
	case <-killCtx.Done():
		log.Warn().Msg("container did not report exit after kill")
	}
}
