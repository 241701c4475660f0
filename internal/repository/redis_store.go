package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"songforge/internal/models"
)

// RedisStore implements JobStore on a Redis hash per job. Entries carry a TTL
// so the backend enforces the retention window itself; an expired record reads
// as PENDING again, which status queries must tolerate.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, url string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return &RedisStore{client: client, ttl: ttl}, nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func jobKey(id string) string {
	return "songforge:job:" + id
}

func (s *RedisStore) write(ctx context.Context, id string, fields map[string]any) error {
	key := jobKey(id)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write job record: %w", err)
	}
	return nil
}

// CreateJob records a job in PENDING state
func (s *RedisStore) CreateJob(ctx context.Context, id string) error {
	now := time.Now().Unix()
	return s.write(ctx, id, map[string]any{
		"state":      string(models.StatePending),
		"stage":      "",
		"progress":   "0",
		"error":      "",
		"created_at": strconv.FormatInt(now, 10),
		"updated_at": strconv.FormatInt(now, 10),
	})
}

// SetRunning moves a job into STARTED or PROGRESS with the current stage
func (s *RedisStore) SetRunning(ctx context.Context, id string, state models.JobState, stage string, progress float64) error {
	if state != models.StateStarted && state != models.StateProgress {
		return fmt.Errorf("invalid running state %q", state)
	}
	return s.write(ctx, id, map[string]any{
		"state":      string(state),
		"stage":      stage,
		"progress":   strconv.FormatFloat(progress, 'f', -1, 64),
		"updated_at": strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// MarkSucceeded transitions a job to SUCCEEDED
func (s *RedisStore) MarkSucceeded(ctx context.Context, id string) error {
	return s.write(ctx, id, map[string]any{
		"state":      string(models.StateSucceeded),
		"progress":   "1",
		"updated_at": strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// MarkFailed transitions a job to FAILED with the error text
func (s *RedisStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	return s.write(ctx, id, map[string]any{
		"state":      string(models.StateFailed),
		"error":      errMsg,
		"updated_at": strconv.FormatInt(time.Now().Unix(), 10),
	})
}

// GetJob retrieves a job by id. Unknown or expired ids read as PENDING.
func (s *RedisStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	fields, err := s.client.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return unknownJob(id), nil
	}

	job := &models.Job{
		ID:    id,
		State: models.JobState(fields["state"]),
		Stage: fields["stage"],
		Error: fields["error"],
	}
	if v, err := strconv.ParseFloat(fields["progress"], 64); err == nil {
		job.Progress = v
	}
	if v, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		job.CreatedAt = time.Unix(v, 0)
	}
	if v, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		job.UpdatedAt = time.Unix(v, 0)
	}
	return job, nil
}
