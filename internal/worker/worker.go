package worker

import (
	"context"
	"time"

	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/judge"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/queue"
	"github.com/itstheanurag/judgebox/internal/sandbox"
	"github.com/rs/zerolog"
)

// Engine is the part of the executor a worker drives.
type Engine interface {
	Execute(ctx context.Context, opts executor.ExecuteOptions) (*sandbox.Result, error)
	Grade(ctx context.Context, opts executor.GradeOptions) (*judge.Report, error)
}

type Worker struct {
	id      int
	engine  Engine
	manager *queue.Manager
	logger  *zerolog.Logger
}

func NewWorker(id int, engine Engine, manager *queue.Manager, logger *zerolog.Logger) *Worker {
	return &Worker{
		id:      id,
		engine:  engine,
		manager: manager,
		logger:  logger,
	}
}

func (w *Worker) Start(ctx context.Context) {
	w.logger.Info().Int("worker_id", w.id).Msg("worker started")
	for {
		select {
		case job := <-w.manager.NextJob():
			w.manager.UpdateQueueMetric()
			metrics.ActiveWorkers.Inc()
			w.processJob(ctx, job)
			metrics.ActiveWorkers.Dec()
		case <-ctx.Done():
			w.logger.Info().Int("worker_id", w.id).Msg("worker stopping")
			return
		}
	}
}

// processJob runs job under a context canceled by the submitter or by the
// worker's shutdown.
func (w *Worker) processJob(ctx context.Context, job *queue.Job) {
	log := w.logger.With().
		Int("worker_id", w.id).
		Str("job_id", job.ID).
		Str("kind", string(job.Kind)).
		Str("language", job.Language()).
		Logger()

	jobCtx, cancel := context.WithCancel(job.Ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	// The submitter gave up while the job was queued, or the worker is stopping.
	if err := jobCtx.Err(); err != nil {
		log.Debug().Err(err).Msg("skipping abandoned job")
		job.Result <- queue.JobResult{Err: err}
		return
	}

	log.Info().Msg("processing job")
	startTime := time.Now()

	var result queue.JobResult
	switch job.Kind {
	case queue.KindGrade:
		result.Report, result.Err = w.engine.Grade(jobCtx, job.Grade)
	default:
		result.Run, result.Err = w.engine.Execute(jobCtx, job.Run)
	}
	duration := time.Since(startTime).Milliseconds()

	metrics.ExecutionDuration.WithLabelValues(job.Language(), "job").Observe(float64(duration))
	if result.Err != nil {
		log.Warn().Err(result.Err).Int64("duration_ms", duration).Msg("job failed")
	} else {
		log.Info().Int64("duration_ms", duration).Msg("job finished")
	}

	job.Result <- result
}
