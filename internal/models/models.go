package models

import "time"

// JobState represents the client-visible lifecycle state of a pipeline job
type JobState string

const (
	StatePending   JobState = "PENDING"
	StateStarted   JobState = "STARTED"
	StateProgress  JobState = "PROGRESS"
	StateSucceeded JobState = "SUCCEEDED"
	StateFailed    JobState = "FAILED"
)

// Terminal reports whether a state admits no further transitions
func (s JobState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Job represents one asynchronous run of the full pipeline for a project.
// The job id equals the project id by construction; see service.NewJobID.
type Job struct {
	ID        string    `json:"id"`
	State     JobState  `json:"state"`
	Stage     string    `json:"stage,omitempty"`
	Progress  float64   `json:"progress"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StageRecord is the persisted outcome of one stage's most recent run.
// Re-running a stage replaces its record wholesale; there is no history.
type StageRecord struct {
	Files       map[string]string `json:"files"`
	Skipped     bool              `json:"skipped,omitempty"`
	CompletedAt string            `json:"at"`
}

// Project is the unit of work for one submitted source file
type Project struct {
	ProjectID      string                 `json:"project_id"`
	ProjectName    string                 `json:"project_name,omitempty"`
	PenName        string                 `json:"pen_name,omitempty"`
	CreatedAt      string                 `json:"created_at"`
	IsFeatured     bool                   `json:"is_featured"`
	StageArtifacts map[string]StageRecord `json:"stage_artifacts"`
}

// PublishedEntry is the immutable public record created by a publish
type PublishedEntry struct {
	PublicID    string `json:"public_id"`
	ProjectID   string `json:"project_id"`
	ProjectName string `json:"project_name"`
	PenName     string `json:"pen_name"`
	PublishedAt string `json:"published_at"`
	PreviewURL  string `json:"preview_url"`
	ResultURL   string `json:"result_url"`
	CreatedAt   string `json:"created_at"`
	IsFeatured  bool   `json:"is_featured"`
}

// ResultPayload is the final document written after a successful pipeline run
type ResultPayload struct {
	JobID   string            `json:"job_id"`
	BPMUsed int               `json:"bpm_used"`
	Steps   []string          `json:"steps"`
	Outputs map[string]string `json:"outputs"`
	URLs    map[string]string `json:"urls"`
}

// ProcessResponse is returned when a process request is accepted
type ProcessResponse struct {
	JobID       string `json:"job_id"`
	StatusURL   string `json:"status_url"`
	DownloadURL string `json:"download_url"`
}

// StatusResponse reports the lifecycle state of a job
type StatusResponse struct {
	JobID    string   `json:"job_id"`
	Status   JobState `json:"status"`
	Message  string   `json:"message,omitempty"`
	Progress *float64 `json:"progress,omitempty"`
}

// SynthesizeRequest is the body of POST /stages/synthesize/retry
type SynthesizeRequest struct {
	ProjectID     string `json:"project_id" binding:"required"`
	Format        string `json:"format"`
	AllowMissing  bool   `json:"allow_missing"`
	Force         bool   `json:"force"`
	UseCustomMIDI bool   `json:"use_custom_midi"`
}

// FeatureProjectRequest is the body of POST /admin/feature-project
type FeatureProjectRequest struct {
	ProjectID   string `json:"project_id" binding:"required"`
	AdminSecret string `json:"admin_secret"`
}
