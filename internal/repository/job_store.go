package repository

import (
	"context"

	"songforge/internal/models"
)

// JobStore defines the interface for job lifecycle persistence.
//
// GetJob must tolerate ids it has never seen: a client may poll before the
// backend has durably recorded acceptance, so an unknown id reads as PENDING
// rather than an error. Likewise a record expired by the backend's retention
// reads as PENDING again instead of failing.
type JobStore interface {
	CreateJob(ctx context.Context, id string) error
	SetRunning(ctx context.Context, id string, state models.JobState, stage string, progress float64) error
	MarkSucceeded(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	Close() error
}

func unknownJob(id string) *models.Job {
	return &models.Job{ID: id, State: models.StatePending}
}
