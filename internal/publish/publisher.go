// Package publish promotes a project's latest synthesizable output into an
// immutable, publicly listable showcase entry.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"songforge/internal/models"
	"songforge/internal/storage"
)

// ErrNoArtifacts is returned when a project has nothing publishable yet. It is
// a "not ready" condition, not a server failure.
var ErrNoArtifacts = errors.New("no artifacts to publish")

// candidateStages is the preference order for picking the published audio
var candidateStages = []string{"preview", "synth", "mix"}

const resultExt = ".wav"

// Publisher copies a project's chosen output into the publish tree and writes
// its immutable metadata record.
type Publisher struct {
	store      *storage.Store
	publishDir string
	log        *zap.SugaredLogger
}

// New creates a Publisher writing under publishDir
func New(store *storage.Store, publishDir string, log *zap.SugaredLogger) *Publisher {
	return &Publisher{store: store, publishDir: publishDir, log: log}
}

// pickCandidate finds the source audio: first stage in preference order with
// any .wav file, first filename in lexicographic order within it. The tie-break
// is deterministic by policy, never directory-iteration order.
func (p *Publisher) pickCandidate(projectID string) (string, error) {
	for _, stage := range candidateStages {
		dir, err := p.store.StageDir(projectID, stage)
		if err != nil {
			return "", err
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.Type().IsRegular() && filepath.Ext(e.Name()) == resultExt {
				names = append(names, e.Name())
			}
		}
		if len(names) == 0 {
			continue
		}
		sort.Strings(names)
		return filepath.Join(dir, names[0]), nil
	}
	return "", ErrNoArtifacts
}

// Publish promotes projectID's output under a public id equal to the project
// id. Re-publishing overwrites the same entry; the copies are repeated, not
// deduplicated.
func (p *Publisher) Publish(projectID string) (models.PublishedEntry, error) {
	src, err := p.pickCandidate(projectID)
	if err != nil {
		return models.PublishedEntry{}, err
	}

	publicID := projectID
	dir, err := storage.SafeJoin(p.publishDir, publicID)
	if err != nil {
		return models.PublishedEntry{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return models.PublishedEntry{}, fmt.Errorf("failed to create publish dir: %w", err)
	}
	for _, name := range []string{"preview.wav", "result.wav"} {
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return models.PublishedEntry{}, err
		}
	}

	meta, err := p.store.ReadProject(projectID)
	if err != nil {
		return models.PublishedEntry{}, err
	}
	entry := models.PublishedEntry{
		PublicID:    publicID,
		ProjectID:   projectID,
		ProjectName: orDefault(meta.ProjectName, "Unknown"),
		PenName:     orDefault(meta.PenName, "Anonymous"),
		PublishedAt: time.Now().UTC().Format(time.RFC3339),
		PreviewURL:  fmt.Sprintf("/showcase/%s/preview", publicID),
		ResultURL:   fmt.Sprintf("/showcase/%s/result", publicID),
		CreatedAt:   meta.CreatedAt,
		IsFeatured:  meta.IsFeatured,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return models.PublishedEntry{}, fmt.Errorf("failed to encode publish meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o644); err != nil {
		return models.PublishedEntry{}, fmt.Errorf("failed to write publish meta: %w", err)
	}
	p.log.Infow("project published", "project_id", projectID, "public_id", publicID, "source", src)
	return entry, nil
}

// List returns every published entry, newest first
func (p *Publisher) List() ([]models.PublishedEntry, error) {
	entries, err := os.ReadDir(p.publishDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.PublishedEntry{}, nil
		}
		return nil, fmt.Errorf("failed to scan publish dir: %w", err)
	}

	items := make([]models.PublishedEntry, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(p.publishDir, e.Name(), "meta.json"))
		if err != nil {
			continue
		}
		var item models.PublishedEntry
		if json.Unmarshal(data, &item) != nil {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].PublishedAt != items[j].PublishedAt {
			return items[i].PublishedAt > items[j].PublishedAt
		}
		return items[i].PublicID > items[j].PublicID
	})
	return items, nil
}

// FilePath resolves a published file, or storage.ErrNotFound
func (p *Publisher) FilePath(publicID, filename string) (string, error) {
	fp, err := storage.SafeJoin(p.publishDir, publicID, filename)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(fp)
	if err != nil || info.IsDir() {
		return "", storage.ErrNotFound
	}
	return fp, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create copy: %w", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy file: %w", err)
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
