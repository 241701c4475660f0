package handler

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"songforge/internal/models"
	"songforge/internal/pipeline"
	"songforge/internal/publish"
	"songforge/internal/service"
	"songforge/internal/storage"
)

// TaskHandler serves the task, stage, project and showcase endpoints
type TaskHandler struct {
	tasks          *service.TaskService
	store          *storage.Store
	publisher      *publish.Publisher
	maxUploadBytes int64
	log            *zap.SugaredLogger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(tasks *service.TaskService, store *storage.Store, publisher *publish.Publisher, maxUploadBytes int64, log *zap.SugaredLogger) *TaskHandler {
	return &TaskHandler{
		tasks:          tasks,
		store:          store,
		publisher:      publisher,
		maxUploadBytes: maxUploadBytes,
		log:            log,
	}
}

// fail maps internal errors onto stable client-visible responses. Internal
// paths and error chains never reach the caller.
func (h *TaskHandler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrPathEscape):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid path"})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "file not found"})
	case errors.Is(err, pipeline.ErrMissingInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing required input; upload it first or set allow_missing=true"})
	case errors.Is(err, publish.ErrNoArtifacts):
		c.JSON(http.StatusConflict, gin.H{"error": "result not ready or missing"})
	case errors.Is(err, service.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, service.ErrRateLimitExceeded):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
	default:
		h.log.Errorw("request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func parseBPM(raw string) (int, bool) {
	bpm, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	if bpm < 40 || bpm > 300 {
		return 0, false
	}
	return bpm, true
}

// Process handles POST /tasks/process
func (h *TaskHandler) Process(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	contentType := fileHeader.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "audio/") {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported file type"})
		return
	}

	bpm, ok := parseBPM(c.PostForm("bpm"))
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "bpm must be an integer in [40,300]"})
		return
	}

	projectName := c.PostForm("project_name")
	penName := c.PostForm("pen_name")
	if projectName == "" || penName == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "project_name and pen_name are required"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}
	defer file.Close()

	resp, err := h.tasks.Submit(c.Request.Context(), c.ClientIP(), file, fileHeader.Filename, projectName, penName, bpm)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Status handles GET /tasks/:job_id/status
func (h *TaskHandler) Status(c *gin.Context) {
	resp, err := h.tasks.Status(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Download handles GET /tasks/:job_id/download
func (h *TaskHandler) Download(c *gin.Context) {
	payload, ok, err := h.tasks.Download(c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "result not ready"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

// Publish handles POST /tasks/:job_id/publish
func (h *TaskHandler) Publish(c *gin.Context) {
	entry, err := h.tasks.Publish(c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// SeparateRetry handles POST /stages/separate/retry
func (h *TaskHandler) SeparateRetry(c *gin.Context) {
	projectID := c.PostForm("project_id")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}
	bpm := 120
	if raw := c.PostForm("bpm"); raw != "" {
		parsed, ok := parseBPM(raw)
		if !ok {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "bpm must be an integer in [40,300]"})
			return
		}
		bpm = parsed
	}
	allowMissing := c.PostForm("allow_missing") == "true"
	// force is accepted but deliberately a no-op: retries never invalidate
	// downstream stage artifacts.
	_ = c.PostForm("force")

	var upload io.Reader
	filename := ""
	if fileHeader, err := c.FormFile("audio_file"); err == nil {
		f, err := fileHeader.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
			return
		}
		defer f.Close()
		upload = f
		filename = fileHeader.Filename
	}

	res, err := h.tasks.RetrySeparate(projectID, bpm, allowMissing, upload, filename)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stageResponse(res))
}

// SynthesizeRetry handles POST /stages/synthesize/retry
func (h *TaskHandler) SynthesizeRetry(c *gin.Context) {
	var req models.SynthesizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	res, err := h.tasks.RetrySynthesize(req.ProjectID, req.Format, req.AllowMissing)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, stageResponse(res))
}

func stageResponse(res pipeline.StageResult) gin.H {
	resp := gin.H{"ok": true}
	if res.Skipped {
		resp["skipped"] = true
		return resp
	}
	for name, url := range res.Files {
		resp[name] = url
	}
	return resp
}

// MIDIUpload handles POST /stages/midi/upload
func (h *TaskHandler) MIDIUpload(c *gin.Context) {
	projectID := c.PostForm("project_id")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}
	quantize := c.DefaultPostForm("quantize", "true") == "true"

	fileHeader, err := c.FormFile("midi_file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "midi_file is required"})
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}
	defer f.Close()

	urls, err := h.tasks.UploadMIDI(projectID, f, fileHeader.Filename, quantize)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "midi_url": urls["midi_url"], "quantized_url": urls["quantized_url"]})
}

// LyricsUpload handles POST /stages/lyrics/upload
func (h *TaskHandler) LyricsUpload(c *gin.Context) {
	projectID := c.PostForm("project_id")
	if projectID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project_id is required"})
		return
	}
	fileHeader, err := c.FormFile("phrases_json")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "phrases_json is required"})
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable upload"})
		return
	}
	defer f.Close()

	url, err := h.tasks.UploadLyrics(projectID, f)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "phrases_json_url": url})
}

// Artifacts handles GET /projects/:project_id/artifacts
func (h *TaskHandler) Artifacts(c *gin.Context) {
	projectID := c.Param("project_id")
	stages, err := h.store.ListArtifacts(projectID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "stages": stages})
}

// ProjectFile handles GET /projects/:project_id/:stage/:filename. Stage
// outputs are flat: every producer writes directly into its stage dir, so a
// single path segment always addresses the file.
func (h *TaskHandler) ProjectFile(c *gin.Context) {
	fp, err := h.store.FilePath(c.Param("project_id"), c.Param("stage"), c.Param("filename"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.FileAttachment(fp, filepath.Base(fp))
}

// Recent handles GET /projects/recent
func (h *TaskHandler) Recent(c *gin.Context) {
	items, err := h.store.ListRecent(40)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// Featured handles GET /projects/featured
func (h *TaskHandler) Featured(c *gin.Context) {
	items, err := h.store.ListFeatured(40)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// Showcase handles GET /showcase
func (h *TaskHandler) Showcase(c *gin.Context) {
	items, err := h.publisher.List()
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, items)
}

// ShowcasePreview handles GET /showcase/:public_id/preview
func (h *TaskHandler) ShowcasePreview(c *gin.Context) {
	h.servePublished(c, "preview.wav")
}

// ShowcaseResult handles GET /showcase/:public_id/result
func (h *TaskHandler) ShowcaseResult(c *gin.Context) {
	h.servePublished(c, "result.wav")
}

func (h *TaskHandler) servePublished(c *gin.Context, filename string) {
	fp, err := h.publisher.FilePath(c.Param("public_id"), filename)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.FileAttachment(fp, filename)
}

// FeatureProject handles POST /admin/feature-project
func (h *TaskHandler) FeatureProject(c *gin.Context) {
	var req models.FeatureProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	meta, err := h.tasks.FeatureProject(req.ProjectID, req.AdminSecret)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "project_id": req.ProjectID, "is_featured": meta.IsFeatured})
}
