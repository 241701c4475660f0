// Package storage implements the filesystem-backed artifact store: per-project
// metadata, staged output files, final result documents and uploads. The
// per-project meta.json is the only shared mutable record; its read-modify-write
// cycles are serialized by a per-project mutex. Concurrent writers to different
// stages of the same project still resolve last-write-wins at the record level,
// which is the documented behavior.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"songforge/internal/models"
)

var (
	// ErrPathEscape is returned when a resolved path would leave its root
	ErrPathEscape = errors.New("invalid path")

	// ErrNotFound is returned when a requested file does not exist
	ErrNotFound = errors.New("file not found")
)

// StageNames lists every stage namespace created under a project root
var StageNames = []string{"uploads", "separate", "midi", "lyrics", "synth", "preview", "mix", "pub"}

// StageListing is one entry of the merged artifact view
type StageListing struct {
	Stage   string            `json:"stage"`
	Files   map[string]string `json:"files"`
	Skipped bool              `json:"skipped,omitempty"`
	At      string            `json:"at,omitempty"`
}

// Store persists projects and their staged artifacts under a single root dir
type Store struct {
	root string
	log  *zap.SugaredLogger

	locks sync.Map // project id -> *sync.Mutex
}

// New creates a Store rooted at dir
func New(dir string, log *zap.SugaredLogger) *Store {
	return &Store{root: dir, log: log}
}

// SafeJoin joins parts under base and rejects any result that escapes base.
// Traversal defense is a hard invariant: a bad path is an error, never a clamp.
func SafeJoin(base string, parts ...string) (string, error) {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, base)
	}
	joined := filepath.Join(append([]string{absBase}, parts...)...)
	final, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, joined)
	}
	if final != absBase && !strings.HasPrefix(final, absBase+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscape, strings.Join(parts, "/"))
	}
	return final, nil
}

func (s *Store) projectsDir() string {
	return filepath.Join(s.root, "projects")
}

// ProjectRoot resolves the directory holding everything for one project
func (s *Store) ProjectRoot(projectID string) (string, error) {
	return SafeJoin(s.projectsDir(), projectID)
}

func (s *Store) metaPath(projectID string) (string, error) {
	root, err := s.ProjectRoot(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "meta.json"), nil
}

func (s *Store) resultPath(projectID string) (string, error) {
	root, err := s.ProjectRoot(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, "result.json"), nil
}

func (s *Store) lockFor(projectID string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(projectID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// EnsureProject idempotently creates the stage directory tree and an initial
// meta.json for a project. Safe to call concurrently for the same id.
func (s *Store) EnsureProject(projectID string) error {
	root, err := s.ProjectRoot(projectID)
	if err != nil {
		return err
	}
	for _, stage := range StageNames {
		if err := os.MkdirAll(filepath.Join(root, stage), 0o755); err != nil {
			return fmt.Errorf("failed to create stage dir: %w", err)
		}
	}

	mu := s.lockFor(projectID)
	mu.Lock()
	defer mu.Unlock()

	metaFile := filepath.Join(root, "meta.json")
	if _, err := os.Stat(metaFile); err == nil {
		return nil
	}
	meta := models.Project{
		ProjectID:      projectID,
		CreatedAt:      nowStamp(),
		StageArtifacts: map[string]models.StageRecord{},
	}
	return writeJSON(metaFile, meta)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ReadProject returns an initialized, possibly empty Project. Missing or
// unreadable metadata is never an error for a syntactically valid id.
func (s *Store) ReadProject(projectID string) (models.Project, error) {
	metaFile, err := s.metaPath(projectID)
	if err != nil {
		return models.Project{}, err
	}
	if err := s.EnsureProject(projectID); err != nil {
		return models.Project{}, err
	}

	meta := models.Project{
		ProjectID:      projectID,
		StageArtifacts: map[string]models.StageRecord{},
	}
	data, err := os.ReadFile(metaFile)
	if err != nil {
		return meta, nil
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		s.log.Warnw("unreadable project metadata, treating as fresh", "project_id", projectID, "error", err)
		return models.Project{ProjectID: projectID, StageArtifacts: map[string]models.StageRecord{}}, nil
	}
	if meta.StageArtifacts == nil {
		meta.StageArtifacts = map[string]models.StageRecord{}
	}
	return meta, nil
}

// UpdateProject applies fn to the project metadata under the per-project lock
func (s *Store) UpdateProject(projectID string, fn func(*models.Project)) (models.Project, error) {
	if err := s.EnsureProject(projectID); err != nil {
		return models.Project{}, err
	}

	mu := s.lockFor(projectID)
	mu.Lock()
	defer mu.Unlock()

	meta, err := s.readMetaLocked(projectID)
	if err != nil {
		return models.Project{}, err
	}
	fn(&meta)
	metaFile, err := s.metaPath(projectID)
	if err != nil {
		return models.Project{}, err
	}
	if err := writeJSON(metaFile, meta); err != nil {
		return models.Project{}, err
	}
	return meta, nil
}

func (s *Store) readMetaLocked(projectID string) (models.Project, error) {
	metaFile, err := s.metaPath(projectID)
	if err != nil {
		return models.Project{}, err
	}
	meta := models.Project{
		ProjectID:      projectID,
		StageArtifacts: map[string]models.StageRecord{},
	}
	data, err := os.ReadFile(metaFile)
	if err != nil {
		return meta, nil
	}
	if json.Unmarshal(data, &meta) != nil {
		return models.Project{ProjectID: projectID, StageArtifacts: map[string]models.StageRecord{}}, nil
	}
	if meta.StageArtifacts == nil {
		meta.StageArtifacts = map[string]models.StageRecord{}
	}
	return meta, nil
}

// RecordStage replaces the StageRecord for stage. Last write wins.
func (s *Store) RecordStage(projectID, stage string, files map[string]string, skipped bool) (models.StageRecord, error) {
	if files == nil {
		files = map[string]string{}
	}
	rec := models.StageRecord{
		Files:       files,
		Skipped:     skipped,
		CompletedAt: nowStamp(),
	}
	_, err := s.UpdateProject(projectID, func(p *models.Project) {
		p.StageArtifacts[stage] = rec
	})
	if err != nil {
		return models.StageRecord{}, err
	}
	return rec, nil
}

// MarkStageSkipped records an empty, non-failing outcome for a stage
func (s *Store) MarkStageSkipped(projectID, stage string) (models.StageRecord, error) {
	return s.RecordStage(projectID, stage, nil, true)
}

// WriteResult stores the final pipeline output document
func (s *Store) WriteResult(projectID string, payload models.ResultPayload) error {
	path, err := s.resultPath(projectID)
	if err != nil {
		return err
	}
	return writeJSON(path, payload)
}

// ReadResult retrieves the final pipeline output document, or ok=false when
// the pipeline has not produced one yet.
func (s *Store) ReadResult(projectID string) (models.ResultPayload, bool, error) {
	path, err := s.resultPath(projectID)
	if err != nil {
		return models.ResultPayload{}, false, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return models.ResultPayload{}, false, nil
		}
		return models.ResultPayload{}, false, fmt.Errorf("failed to read result: %w", err)
	}
	var payload models.ResultPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return models.ResultPayload{}, false, fmt.Errorf("failed to decode result: %w", err)
	}
	return payload, true, nil
}

// StageDir resolves (and creates) the directory for one stage of a project
func (s *Store) StageDir(projectID, stage string) (string, error) {
	if err := s.EnsureProject(projectID); err != nil {
		return "", err
	}
	root, err := s.ProjectRoot(projectID)
	if err != nil {
		return "", err
	}
	return SafeJoin(root, stage)
}

// StoreUpload writes a caller-provided stream under projectID/stage/name.
// Rejects any name that would resolve outside the stage directory.
func (s *Store) StoreUpload(projectID, stage string, r io.Reader, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty filename", ErrPathEscape)
	}
	dir, err := s.StageDir(projectID, stage)
	if err != nil {
		return "", err
	}
	dst, err := SafeJoin(dir, name)
	if err != nil {
		return "", err
	}
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	s.log.Infow("upload stored", "project_id", projectID, "stage", stage, "name", name)
	return dst, nil
}

// FilePath resolves an existing stage file, or ErrNotFound
func (s *Store) FilePath(projectID, stage, filename string) (string, error) {
	dir, err := s.StageDir(projectID, stage)
	if err != nil {
		return "", err
	}
	fp, err := SafeJoin(dir, filename)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(fp)
	if err != nil || info.IsDir() {
		return "", ErrNotFound
	}
	return fp, nil
}

// FileURL builds the retrieval URL for a stage file, matching the HTTP routes
func (s *Store) FileURL(projectID, stage, filename string) string {
	return fmt.Sprintf("/projects/%s/%s/%s", projectID, stage, filename)
}

// ListArtifacts merges the live filesystem scan with stage metadata. Files on
// disk are authoritative for presence; metadata contributes skip and timestamp
// annotations for stages that produced nothing.
func (s *Store) ListArtifacts(projectID string) (map[string]StageListing, error) {
	if err := s.EnsureProject(projectID); err != nil {
		return nil, err
	}
	root, err := s.ProjectRoot(projectID)
	if err != nil {
		return nil, err
	}

	stages := map[string]StageListing{}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to scan project dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		stage := entry.Name()
		files := map[string]string{}
		stageEntries, err := os.ReadDir(filepath.Join(root, stage))
		if err != nil {
			continue
		}
		for _, fe := range stageEntries {
			if fe.Type().IsRegular() {
				files[fe.Name()] = s.FileURL(projectID, stage, fe.Name())
			}
		}
		if len(files) > 0 {
			stages[stage] = StageListing{Stage: stage, Files: files}
		}
	}

	meta, err := s.ReadProject(projectID)
	if err != nil {
		return nil, err
	}
	for stage, rec := range meta.StageArtifacts {
		listing, ok := stages[stage]
		if !ok {
			listing = StageListing{Stage: stage, Files: map[string]string{}}
		}
		if rec.Skipped {
			listing.Skipped = true
			listing.At = rec.CompletedAt
		}
		stages[stage] = listing
	}
	return stages, nil
}

// ListRecent returns up to limit projects ordered by created_at descending.
// Equal timestamps tie-break on project id so the order is stable.
func (s *Store) ListRecent(limit int) ([]models.Project, error) {
	entries, err := os.ReadDir(s.projectsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return []models.Project{}, nil
		}
		return nil, fmt.Errorf("failed to scan projects dir: %w", err)
	}

	items := make([]models.Project, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.ReadProject(entry.Name())
		if err != nil {
			continue
		}
		items = append(items, meta)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt != items[j].CreatedAt {
			return items[i].CreatedAt > items[j].CreatedAt
		}
		return items[i].ProjectID > items[j].ProjectID
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// ListFeatured returns up to limit featured projects, newest first
func (s *Store) ListFeatured(limit int) ([]models.Project, error) {
	all, err := s.ListRecent(0)
	if err != nil {
		return nil, err
	}
	featured := make([]models.Project, 0)
	for _, p := range all {
		if p.IsFeatured {
			featured = append(featured, p)
		}
	}
	if limit > 0 && len(featured) > limit {
		featured = featured[:limit]
	}
	return featured, nil
}

// FeatureProject flags a project for the featured listing
func (s *Store) FeatureProject(projectID string) (models.Project, error) {
	return s.UpdateProject(projectID, func(p *models.Project) {
		p.IsFeatured = true
	})
}
