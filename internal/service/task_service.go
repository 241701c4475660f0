package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"songforge/internal/config"
	"songforge/internal/metrics"
	"songforge/internal/models"
	"songforge/internal/pipeline"
	"songforge/internal/publish"
	"songforge/internal/repository"
	"songforge/internal/storage"
)

var (
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrForbidden         = errors.New("forbidden")
)

// NewJobID generates the identifier shared by the job, the project and the
// underlying task. Keeping all three identical is an invariant: status,
// download and publish lookups must never diverge, so this is the only place
// an id is minted.
func NewJobID() string {
	return uuid.New().String()
}

// TaskService ties the HTTP surface to the artifact store, the job tracker,
// the orchestrator and the publisher.
type TaskService struct {
	cfg        *config.Config
	store      *storage.Store
	jobs       repository.JobStore
	orch       *pipeline.Orchestrator
	publisher  *publish.Publisher
	dispatcher *Dispatcher
	limiter    *RateLimiter
	metrics    *metrics.Collector
	log        *zap.SugaredLogger
}

// NewTaskService creates the service and its dispatcher
func NewTaskService(
	cfg *config.Config,
	store *storage.Store,
	jobs repository.JobStore,
	publisher *publish.Publisher,
	collector *metrics.Collector,
	log *zap.SugaredLogger,
) *TaskService {
	orch := pipeline.NewOrchestrator(store, log)
	s := &TaskService{
		cfg:       cfg,
		store:     store,
		jobs:      jobs,
		orch:      orch,
		publisher: publisher,
		limiter:   NewRateLimiter(cfg.RateLimitPerMinute),
		metrics:   collector,
		log:       log,
	}
	s.dispatcher = NewDispatcher(cfg, jobs, orch, collector, log)
	return s
}

// Start launches the dispatcher workers
func (s *TaskService) Start(ctx context.Context) {
	s.dispatcher.Start(ctx)
}

// Submit persists the upload and project metadata, records a PENDING job under
// an id equal to the project id, and schedules the pipeline. It returns as
// soon as the job is enqueued (or, in eager mode, finished).
func (s *TaskService) Submit(ctx context.Context, client string, file io.Reader, filename, projectName, penName string, bpm int) (models.ProcessResponse, error) {
	if err := s.limiter.CheckSubmissionRate(client); err != nil {
		return models.ProcessResponse{}, err
	}

	projectID := NewJobID()
	if err := s.store.EnsureProject(projectID); err != nil {
		return models.ProcessResponse{}, err
	}
	if _, err := s.store.StoreUpload(projectID, "uploads", file, filename); err != nil {
		return models.ProcessResponse{}, err
	}
	if _, err := s.store.UpdateProject(projectID, func(p *models.Project) {
		p.ProjectName = projectName
		p.PenName = penName
	}); err != nil {
		return models.ProcessResponse{}, err
	}

	if err := s.jobs.CreateJob(ctx, projectID); err != nil {
		return models.ProcessResponse{}, err
	}
	s.metrics.RecordSubmitted()
	s.log.Infow("process request accepted", "job_id", projectID, "bpm", bpm, "project_name", projectName)

	s.dispatcher.Dispatch(jobRequest{projectID: projectID, bpm: bpm})

	return models.ProcessResponse{
		JobID:       projectID,
		StatusURL:   fmt.Sprintf("/tasks/%s/status", projectID),
		DownloadURL: fmt.Sprintf("/tasks/%s/download", projectID),
	}, nil
}

// Status translates the tracker's record into the client-visible view
func (s *TaskService) Status(ctx context.Context, jobID string) (models.StatusResponse, error) {
	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return models.StatusResponse{}, err
	}

	resp := models.StatusResponse{JobID: jobID, Status: job.State}
	switch job.State {
	case models.StateStarted, models.StateProgress:
		resp.Message = job.Stage
		progress := job.Progress
		resp.Progress = &progress
	case models.StateFailed:
		resp.Message = job.Error
	}
	return resp, nil
}

// Download returns the final result document, or ok=false before completion
func (s *TaskService) Download(jobID string) (models.ResultPayload, bool, error) {
	return s.store.ReadResult(jobID)
}

// Publish promotes the job's project into the showcase
func (s *TaskService) Publish(jobID string) (models.PublishedEntry, error) {
	return s.publisher.Publish(jobID)
}

// RetrySeparate re-runs the separate stage, optionally storing a new upload first
func (s *TaskService) RetrySeparate(projectID string, bpm int, allowMissing bool, upload io.Reader, filename string) (pipeline.StageResult, error) {
	if err := s.store.EnsureProject(projectID); err != nil {
		return pipeline.StageResult{}, err
	}
	if upload != nil {
		if _, err := s.store.StoreUpload(projectID, "uploads", upload, filename); err != nil {
			return pipeline.StageResult{}, err
		}
	}
	res, err := s.orch.Runner().RunSeparate(projectID, bpm, allowMissing)
	if err == nil && res.Skipped {
		s.metrics.RecordStageSkipped()
	}
	return res, err
}

// RetrySynthesize re-runs the synthesize stage
func (s *TaskService) RetrySynthesize(projectID, format string, allowMissing bool) (pipeline.StageResult, error) {
	if err := s.store.EnsureProject(projectID); err != nil {
		return pipeline.StageResult{}, err
	}
	res, err := s.orch.Runner().RunSynthesize(projectID, format, allowMissing)
	if err == nil && res.Skipped {
		s.metrics.RecordStageSkipped()
	}
	return res, err
}

// UploadMIDI stores a MIDI file and records the midi stage
func (s *TaskService) UploadMIDI(projectID string, file io.Reader, filename string, quantize bool) (map[string]string, error) {
	if err := s.store.EnsureProject(projectID); err != nil {
		return nil, err
	}
	if _, err := s.store.StoreUpload(projectID, "midi", file, filename); err != nil {
		return nil, err
	}
	midiURL := s.store.FileURL(projectID, "midi", filename)
	files := map[string]string{"midi": midiURL, "quantized": midiURL}
	if _, err := s.store.RecordStage(projectID, "midi", files, false); err != nil {
		return nil, err
	}
	quantizedURL := ""
	if quantize {
		quantizedURL = midiURL
	}
	return map[string]string{"midi_url": midiURL, "quantized_url": quantizedURL}, nil
}

// UploadLyrics stores the phrase document and records the lyrics stage
func (s *TaskService) UploadLyrics(projectID string, file io.Reader) (string, error) {
	if err := s.store.EnsureProject(projectID); err != nil {
		return "", err
	}
	if _, err := s.store.StoreUpload(projectID, "lyrics", file, "phrases.json"); err != nil {
		return "", err
	}
	url := s.store.FileURL(projectID, "lyrics", "phrases.json")
	if _, err := s.store.RecordStage(projectID, "lyrics", map[string]string{"phrases_json": url}, false); err != nil {
		return "", err
	}
	return url, nil
}

// FeatureProject flags a project after checking the admin secret. The response
// shape is identical whether or not the project exists; only the secret
// decides between 403 and success.
func (s *TaskService) FeatureProject(projectID, secret string) (models.Project, error) {
	configured := s.cfg.AdminSecret
	if configured == "" || subtle.ConstantTimeCompare([]byte(secret), []byte(configured)) != 1 {
		return models.Project{}, ErrForbidden
	}
	return s.store.FeatureProject(projectID)
}
