package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"songforge/internal/config"
	"songforge/internal/metrics"
	"songforge/internal/models"
	"songforge/internal/pipeline"
	"songforge/internal/repository"
)

type jobRequest struct {
	projectID string
	bpm       int
}

// Dispatcher executes pipeline jobs asynchronously on a small worker pool. In
// eager mode it runs jobs inline with the caller instead; the state
// transitions are identical either way, which is what tests rely on.
type Dispatcher struct {
	cfg     *config.Config
	jobs    repository.JobStore
	orch    *pipeline.Orchestrator
	metrics *metrics.Collector
	log     *zap.SugaredLogger

	queue chan jobRequest
}

// NewDispatcher creates a dispatcher; Start must be called unless eager
func NewDispatcher(cfg *config.Config, jobs repository.JobStore, orch *pipeline.Orchestrator, collector *metrics.Collector, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		cfg:     cfg,
		jobs:    jobs,
		orch:    orch,
		metrics: collector,
		log:     log,
		queue:   make(chan jobRequest, 64),
	}
}

// Start launches the worker pool. Workers drain until ctx is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.cfg.Eager {
		return
	}
	for i := 0; i < d.cfg.WorkerConcurrency; i++ {
		go d.worker(ctx)
	}
	d.log.Infow("dispatcher started", "workers", d.cfg.WorkerConcurrency)
}

// Dispatch schedules one job. In eager mode it blocks until the run finishes.
func (d *Dispatcher) Dispatch(req jobRequest) {
	if d.cfg.Eager {
		d.runJob(req)
		return
	}
	d.queue <- req
}

func (d *Dispatcher) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-d.queue:
			d.runJob(req)
		}
	}
}

// runJob drives the job state machine:
// PENDING -> STARTED -> PROGRESS(xN) -> SUCCEEDED | FAILED.
// Every error is converted into a FAILED transition; nothing escapes to crash
// the worker, including panics from a stage.
func (d *Dispatcher) runJob(req jobRequest) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.TaskTimeLimit())
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.fail(req.projectID, fmt.Sprintf("stage panicked: %v", r), start)
		}
	}()

	if err := d.jobs.SetRunning(ctx, req.projectID, models.StateStarted, "boot", 0.0); err != nil {
		d.log.Errorw("failed to mark job started", "job_id", req.projectID, "error", err)
	}

	total := len(pipeline.Steps)
	onStage := func(stage string, completed int) {
		progress := round4(float64(completed) / float64(total))
		if err := d.jobs.SetRunning(ctx, req.projectID, models.StateProgress, stage, progress); err != nil {
			d.log.Errorw("failed to record progress", "job_id", req.projectID, "stage", stage, "error", err)
		}
	}

	if _, err := d.orch.Run(ctx, req.projectID, req.bpm, onStage); err != nil {
		msg := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("time limit exceeded (%s)", d.cfg.TaskTimeLimit())
		}
		d.fail(req.projectID, msg, start)
		return
	}

	// Tracker updates outlive the pipeline deadline on purpose: a timed-out
	// job must still be reported FAILED, and a finished one SUCCEEDED.
	if err := d.jobs.MarkSucceeded(context.Background(), req.projectID); err != nil {
		d.log.Errorw("failed to mark job succeeded", "job_id", req.projectID, "error", err)
		return
	}
	d.metrics.RecordSucceeded(time.Since(start).Seconds())
	d.log.Infow("job succeeded", "job_id", req.projectID, "duration", time.Since(start))
}

func (d *Dispatcher) fail(projectID, msg string, start time.Time) {
	if err := d.jobs.MarkFailed(context.Background(), projectID, msg); err != nil {
		d.log.Errorw("failed to mark job failed", "job_id", projectID, "error", err)
	}
	d.metrics.RecordFailed(time.Since(start).Seconds())
	d.log.Warnw("job failed", "job_id", projectID, "reason", msg)
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
