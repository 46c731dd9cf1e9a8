package queue

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/itstheanurag/judgebox/internal/executor"
	"github.com/itstheanurag/judgebox/internal/judge"
	"github.com/itstheanurag/judgebox/internal/metrics"
	"github.com/itstheanurag/judgebox/internal/sandbox"
)

var ErrQueueFull = errors.New("job queue is full")

type Kind string

const (
	KindRun   Kind = "run"
	KindGrade Kind = "grade"
)

// JobResult carries exactly one of Run or Report, or Err.
type JobResult struct {
	Run    *sandbox.Result
	Report *judge.Report
	Err    error
}

type Job struct {
	ID     string
	Kind   Kind
	Run    executor.ExecuteOptions
	Grade  executor.GradeOptions
	Result chan JobResult
	Ctx    context.Context
}

func NewRunJob(ctx context.Context, opts executor.ExecuteOptions) *Job {
	return &Job{
		ID:     uuid.NewString(),
		Kind:   KindRun,
		Run:    opts,
		Result: make(chan JobResult, 1),
		Ctx:    ctx,
	}
}

func NewGradeJob(ctx context.Context, opts executor.GradeOptions) *Job {
	return &Job{
		ID:     uuid.NewString(),
		Kind:   KindGrade,
		Grade:  opts,
		Result: make(chan JobResult, 1),
		Ctx:    ctx,
	}
}

// Language is the job's language id, for logs and metrics.
func (j *Job) Language() string {
	if j.Kind == KindGrade {
		return j.Grade.LanguageID
	}
	return j.Run.LanguageID
}

type Manager struct {
	jobQueue chan *Job
}

func NewManager(capacity int) *Manager {
	return &Manager{
		jobQueue: make(chan *Job, capacity),
	}
}

// Submit enqueues job without blocking. A full queue rejects the job.
func (m *Manager) Submit(job *Job) error {
	select {
	case m.jobQueue <- job:
		m.UpdateQueueMetric()
		return nil
	default:
		metrics.QueueRejections.Inc()
		return ErrQueueFull
	}
}

func (m *Manager) NextJob() <-chan *Job {
	return m.jobQueue
}

func (m *Manager) Len() int {
	return len(m.jobQueue)
}

func (m *Manager) UpdateQueueMetric() {
	metrics.QueueDepth.Set(float64(len(m.jobQueue)))
}
