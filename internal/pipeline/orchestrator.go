package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"songforge/internal/models"
	"songforge/internal/storage"
)

// StageCallback is invoked synchronously after each stage completes, with the
// stage name and its 1-based index in Steps. A status poll immediately after a
// stage finishes must never observe a stale stage name, so the callback runs
// before the next stage begins.
type StageCallback func(stage string, completed int)

// Orchestrator runs the full stage sequence for one job
type Orchestrator struct {
	store  *storage.Store
	runner *Runner
	log    *zap.SugaredLogger
}

// NewOrchestrator creates an orchestrator backed by store
func NewOrchestrator(store *storage.Store, log *zap.SugaredLogger) *Orchestrator {
	return &Orchestrator{store: store, runner: NewRunner(store, log), log: log}
}

// Runner exposes the per-stage entrypoints for retry requests
func (o *Orchestrator) Runner() *Runner {
	return o.runner
}

// Run executes every stage in order for one project and writes the final
// result document. Stage completions are strictly sequential; an error from
// any stage aborts the run with no partial success.
func (o *Orchestrator) Run(ctx context.Context, projectID string, bpm int, onStage StageCallback) (models.ResultPayload, error) {
	if err := o.store.EnsureProject(projectID); err != nil {
		return models.ResultPayload{}, err
	}

	report := func(stage string, idx int) {
		if onStage != nil {
			onStage(stage, idx)
		}
	}

	// separate
	if err := ctx.Err(); err != nil {
		return models.ResultPayload{}, err
	}
	if _, err := o.runner.writeSeparateOutputs(projectID); err != nil {
		return models.ResultPayload{}, fmt.Errorf("separate: %w", err)
	}
	report("separate", 1)

	// midi and lyrics are placeholders in the stub pipeline; they produce no
	// files during a full run and are driven by the per-stage upload endpoints.
	if err := ctx.Err(); err != nil {
		return models.ResultPayload{}, err
	}
	report("midi", 2)

	if err := ctx.Err(); err != nil {
		return models.ResultPayload{}, err
	}
	report("lyrics", 3)

	// synthesize
	if err := ctx.Err(); err != nil {
		return models.ResultPayload{}, err
	}
	if _, err := o.runner.writeSynthOutputs(projectID, "wav"); err != nil {
		return models.ResultPayload{}, fmt.Errorf("synthesize: %w", err)
	}
	report("synthesize", 4)

	// preview
	if err := ctx.Err(); err != nil {
		return models.ResultPayload{}, err
	}
	prvDir, err := o.store.StageDir(projectID, "preview")
	if err != nil {
		return models.ResultPayload{}, err
	}
	prvPath := filepath.Join(prvDir, "preview.wav")
	if err := writeSilenceWAV(prvPath, 0.5, 16000); err != nil {
		return models.ResultPayload{}, fmt.Errorf("preview: %w", err)
	}
	report("preview", 5)

	synDir, err := o.store.StageDir(projectID, "synth")
	if err != nil {
		return models.ResultPayload{}, err
	}
	payload := models.ResultPayload{
		JobID:   projectID,
		BPMUsed: bpm,
		Steps:   Steps,
		Outputs: map[string]string{
			"result_path":  filepath.Join(synDir, "fullmix.wav"),
			"preview_path": prvPath,
		},
		URLs: map[string]string{
			"result_url":  o.store.FileURL(projectID, "synth", "fullmix.wav"),
			"preview_url": o.store.FileURL(projectID, "preview", "preview.wav"),
		},
	}
	if err := o.store.WriteResult(projectID, payload); err != nil {
		return models.ResultPayload{}, err
	}
	o.log.Infow("pipeline completed", "project_id", projectID, "bpm", bpm)
	return payload, nil
}
