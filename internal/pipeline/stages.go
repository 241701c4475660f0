// Package pipeline contains the stage runners and the orchestrator that
// sequences them for a full process request. Each stage is a function of the
// project's current artifacts and its parameters, producing named output files
// or a recorded skip. Stage internals are stubs that fabricate placeholder
// audio; the contracts around them (missing-input handling, overwrite-on-retry,
// ordered progress) are the real subject of this package.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"songforge/internal/storage"
)

// Steps is the fixed stage order of a full pipeline run
var Steps = []string{"separate", "midi", "lyrics", "synthesize", "preview"}

// ErrMissingInput is returned when a stage's required upstream artifacts are
// absent and the caller did not allow skipping.
var ErrMissingInput = errors.New("missing required input")

// StageResult is the outcome of one stage invocation. Callers can distinguish
// "ran and produced files" from "ran and skipped"; failure is an error.
type StageResult struct {
	Skipped bool              `json:"skipped,omitempty"`
	Files   map[string]string `json:"files,omitempty"`
}

// Runner executes individual stages against the artifact store
type Runner struct {
	store *storage.Store
	log   *zap.SugaredLogger
}

// NewRunner creates a stage runner
func NewRunner(store *storage.Store, log *zap.SugaredLogger) *Runner {
	return &Runner{store: store, log: log}
}

// latestUpload returns the newest upload for a project, by reverse
// lexicographic filename, or "" when none exists.
func (r *Runner) latestUpload(projectID string) (string, error) {
	dir, err := r.store.StageDir(projectID, "uploads")
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to scan uploads: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return "", nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	return filepath.Join(dir, names[0]), nil
}

// RunSeparate splits the latest upload into vocal and accompaniment tracks.
// Without an upload it either records a skip (allowMissing) or fails with
// ErrMissingInput. A retry fully overwrites the prior separate output.
func (r *Runner) RunSeparate(projectID string, bpm int, allowMissing bool) (StageResult, error) {
	src, err := r.latestUpload(projectID)
	if err != nil {
		return StageResult{}, err
	}
	if src == "" {
		if allowMissing {
			if _, err := r.store.MarkStageSkipped(projectID, "separate"); err != nil {
				return StageResult{}, err
			}
			r.log.Infow("separate skipped, no input audio", "project_id", projectID)
			return StageResult{Skipped: true}, nil
		}
		return StageResult{}, fmt.Errorf("%w: no input audio uploaded", ErrMissingInput)
	}

	files, err := r.writeSeparateOutputs(projectID)
	if err != nil {
		return StageResult{}, err
	}
	r.log.Infow("separate completed", "project_id", projectID, "bpm", bpm)
	return StageResult{Files: files}, nil
}

// writeSeparateOutputs fabricates the vocal and accompaniment tracks and
// records the stage. Shared by the full run and the retry path.
func (r *Runner) writeSeparateOutputs(projectID string) (map[string]string, error) {
	dir, err := r.store.StageDir(projectID, "separate")
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"vocals.wav", "accompaniment.wav"} {
		if err := writeSilenceWAV(filepath.Join(dir, name), 1.0, 16000); err != nil {
			return nil, err
		}
	}
	files := map[string]string{
		"vocals.wav":        r.store.FileURL(projectID, "separate", "vocals.wav"),
		"accompaniment.wav": r.store.FileURL(projectID, "separate", "accompaniment.wav"),
	}
	if _, err := r.store.RecordStage(projectID, "separate", files, false); err != nil {
		return nil, err
	}
	return files, nil
}

// hasSynthInput reports whether synthesize has anything upstream to work with:
// a separated vocal track or an uploaded MIDI file.
func (r *Runner) hasSynthInput(projectID string) (bool, error) {
	sepDir, err := r.store.StageDir(projectID, "separate")
	if err != nil {
		return false, err
	}
	if entries, err := os.ReadDir(sepDir); err == nil && len(entries) > 0 {
		return true, nil
	}
	midiDir, err := r.store.StageDir(projectID, "midi")
	if err != nil {
		return false, err
	}
	entries, err := os.ReadDir(midiDir)
	if err != nil {
		return false, fmt.Errorf("failed to scan midi dir: %w", err)
	}
	return len(entries) > 0, nil
}

// RunSynthesize renders the vocal and full mix into the synth stage. It needs
// either a separate output or an uploaded MIDI file upstream.
func (r *Runner) RunSynthesize(projectID, format string, allowMissing bool) (StageResult, error) {
	if format == "" {
		format = "wav"
	}

	ok, err := r.hasSynthInput(projectID)
	if err != nil {
		return StageResult{}, err
	}
	if !ok {
		if allowMissing {
			if _, err := r.store.MarkStageSkipped(projectID, "synth"); err != nil {
				return StageResult{}, err
			}
			r.log.Infow("synthesize skipped, no upstream artifacts", "project_id", projectID)
			return StageResult{Skipped: true}, nil
		}
		return StageResult{}, fmt.Errorf("%w: no upstream artifacts for synthesize", ErrMissingInput)
	}

	files, err := r.writeSynthOutputs(projectID, format)
	if err != nil {
		return StageResult{}, err
	}
	r.log.Infow("synthesize completed", "project_id", projectID, "format", format)
	return StageResult{Files: files}, nil
}

// writeSynthOutputs fabricates the rendered vocal and full mix and records the
// synth stage. Shared by the full run and the retry path.
func (r *Runner) writeSynthOutputs(projectID, format string) (map[string]string, error) {
	dir, err := r.store.StageDir(projectID, "synth")
	if err != nil {
		return nil, err
	}
	vocal := "vocal." + format
	full := "fullmix." + format
	for _, name := range []string{vocal, full} {
		if err := writeSilenceWAV(filepath.Join(dir, name), 1.0, 16000); err != nil {
			return nil, err
		}
	}
	files := map[string]string{
		vocal: r.store.FileURL(projectID, "synth", vocal),
		full:  r.store.FileURL(projectID, "synth", full),
	}
	if _, err := r.store.RecordStage(projectID, "synth", files, false); err != nil {
		return nil, err
	}
	return files, nil
}
