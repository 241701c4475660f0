package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"songforge/internal/config"
	"songforge/internal/metrics"
	"songforge/internal/models"
	"songforge/internal/publish"
	"songforge/internal/repository"
	"songforge/internal/service"
	"songforge/internal/storage"
)

func newTestServer(t *testing.T, adminSecret string) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	cfg := config.Default()
	cfg.Eager = true
	cfg.AdminSecret = adminSecret
	cfg.DataDir = t.TempDir()
	cfg.PublishDir = filepath.Join(t.TempDir(), "published")
	cfg.SQLitePath = filepath.Join(t.TempDir(), "jobs.db")

	log := zap.NewNop().Sugar()
	jobs, err := repository.NewSQLiteStore(cfg.SQLitePath)
	require.NoError(t, err)
	t.Cleanup(func() { jobs.Close() })

	store := storage.New(cfg.DataDir, log)
	publisher := publish.New(store, cfg.PublishDir, log)
	tasks := service.NewTaskService(cfg, store, jobs, publisher, metrics.NewCollector(), log)

	return NewRouter(NewTaskHandler(tasks, store, publisher, cfg.MaxUploadBytes(), log))
}

// processBody builds the multipart form for POST /tasks/process
func processBody(t *testing.T, contentType, bpm string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="in.wav"`)
	hdr.Set("Content-Type", contentType)
	part, err := w.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte("fake-wav-bytes"))
	require.NoError(t, err)

	require.NoError(t, w.WriteField("bpm", bpm))
	require.NoError(t, w.WriteField("project_name", "My Song"))
	require.NoError(t, w.WriteField("pen_name", "someone"))
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func doRequest(router *gin.Engine, method, target string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	if body == nil {
		body = &bytes.Buffer{}
	}
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func submit(t *testing.T, router *gin.Engine) models.ProcessResponse {
	t.Helper()
	body, ct := processBody(t, "audio/wav", "120")
	rec := doRequest(router, http.MethodPost, "/tasks/process", body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp models.ProcessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.JobID)
	return resp
}

func TestProcess_RejectsNonAudio(t *testing.T) {
	router := newTestServer(t, "")
	body, ct := processBody(t, "text/plain", "120")
	rec := doRequest(router, http.MethodPost, "/tasks/process", body, ct)
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestProcess_BPMValidation(t *testing.T) {
	router := newTestServer(t, "")

	for _, bpm := range []string{"39", "301", "abc", "12.5", ""} {
		body, ct := processBody(t, "audio/wav", bpm)
		rec := doRequest(router, http.MethodPost, "/tasks/process", body, ct)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code, "bpm=%q", bpm)
	}

	for _, bpm := range []string{"40", "120", "300"} {
		body, ct := processBody(t, "audio/wav", bpm)
		rec := doRequest(router, http.MethodPost, "/tasks/process", body, ct)
		assert.Equal(t, http.StatusCreated, rec.Code, "bpm=%q", bpm)
	}
}

func TestEndToEnd_ProcessDownloadPublish(t *testing.T) {
	router := newTestServer(t, "")
	resp := submit(t, router)

	// eager mode: the job is already terminal when the response returns
	rec := doRequest(router, http.MethodGet, resp.StatusURL, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, resp.JobID, status.JobID)
	assert.Equal(t, models.StateSucceeded, status.Status)

	// download resolves the result document
	rec = doRequest(router, http.MethodGet, resp.DownloadURL, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var payload models.ResultPayload
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	assert.Equal(t, resp.JobID, payload.JobID)
	assert.Equal(t, 120, payload.BPMUsed)

	// both referenced URLs stream real files
	for _, key := range []string{"result_url", "preview_url"} {
		url := payload.URLs[key]
		require.True(t, strings.HasPrefix(url, "/projects/"+resp.JobID+"/"), "%s=%s", key, url)
		fileRec := doRequest(router, http.MethodGet, url, nil, "")
		assert.Equal(t, http.StatusOK, fileRec.Code, url)
	}

	// publish, then stream the showcase copies
	rec = doRequest(router, http.MethodPost, fmt.Sprintf("/tasks/%s/publish", resp.JobID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var entry models.PublishedEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entry))
	assert.Equal(t, resp.JobID, entry.PublicID)
	assert.Equal(t, "My Song", entry.ProjectName)

	for _, suffix := range []string{"preview", "result"} {
		fileRec := doRequest(router, http.MethodGet, fmt.Sprintf("/showcase/%s/%s", entry.PublicID, suffix), nil, "")
		assert.Equal(t, http.StatusOK, fileRec.Code)
	}

	// and it shows up in the listing
	rec = doRequest(router, http.MethodGet, "/showcase", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []models.PublishedEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	require.Len(t, items, 1)
	assert.Equal(t, entry.PublicID, items[0].PublicID)
}

func TestStatus_UnknownJobIsPending(t *testing.T) {
	router := newTestServer(t, "")

	rec := doRequest(router, http.MethodGet, "/tasks/no-such-job/status", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, models.StatePending, status.Status)
}

func TestDownload_NotReady(t *testing.T) {
	router := newTestServer(t, "")
	rec := doRequest(router, http.MethodGet, "/tasks/fresh-id/download", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublish_NotReadyIsConflict(t *testing.T) {
	router := newTestServer(t, "")
	rec := doRequest(router, http.MethodPost, "/tasks/empty-project/publish", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSeparateRetry_SkipContract(t *testing.T) {
	router := newTestServer(t, "")

	form := func(allowMissing string) (*bytes.Buffer, string) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		require.NoError(t, w.WriteField("project_id", "retry-me"))
		require.NoError(t, w.WriteField("allow_missing", allowMissing))
		require.NoError(t, w.Close())
		return &buf, w.FormDataContentType()
	}

	// no upload, no allow_missing: client error
	body, ct := form("false")
	rec := doRequest(router, http.MethodPost, "/stages/separate/retry", body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// allow_missing converts it into a recorded skip
	body, ct = form("true")
	rec = doRequest(router, http.MethodPost, "/stages/separate/retry", body, ct)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, true, out["skipped"])

	// the skip is visible in the artifact listing
	rec = doRequest(router, http.MethodGet, "/projects/retry-me/artifacts", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"skipped":true`)
}

func TestSynthesizeRetry_JSONBody(t *testing.T) {
	router := newTestServer(t, "")

	body := bytes.NewBufferString(`{"project_id":"synth-me","allow_missing":true}`)
	rec := doRequest(router, http.MethodPost, "/stages/synthesize/retry", body, "application/json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"skipped":true`)

	body = bytes.NewBufferString(`{"project_id":"synth-me-2"}`)
	rec = doRequest(router, http.MethodPost, "/stages/synthesize/retry", body, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMIDIAndLyricsUpload(t *testing.T) {
	router := newTestServer(t, "")

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("project_id", "p-midi"))
	part, err := w.CreateFormFile("midi_file", "track.mid")
	require.NoError(t, err)
	_, err = part.Write([]byte("midi-bytes"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rec := doRequest(router, http.MethodPost, "/stages/midi/upload", &buf, w.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "/projects/p-midi/midi/track.mid")

	var buf2 bytes.Buffer
	w2 := multipart.NewWriter(&buf2)
	require.NoError(t, w2.WriteField("project_id", "p-lyrics"))
	part2, err := w2.CreateFormFile("phrases_json", "anything.json")
	require.NoError(t, err)
	_, err = part2.Write([]byte(`{"phrases":[]}`))
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	rec = doRequest(router, http.MethodPost, "/stages/lyrics/upload", &buf2, w2.FormDataContentType())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "/projects/p-lyrics/lyrics/phrases.json")
}

func TestArtifactsListing_AfterSubmit(t *testing.T) {
	router := newTestServer(t, "")
	resp := submit(t, router)

	rec := doRequest(router, http.MethodGet, fmt.Sprintf("/projects/%s/artifacts", resp.JobID), nil, "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, stage := range []string{"uploads", "separate", "synth", "preview"} {
		assert.Contains(t, body, fmt.Sprintf("%q", stage))
	}
}

func TestProjectFile_NotFound(t *testing.T) {
	router := newTestServer(t, "")
	rec := doRequest(router, http.MethodGet, "/projects/nobody/preview/missing.wav", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminFeatureProject(t *testing.T) {
	router := newTestServer(t, "topsecret")
	resp := submit(t, router)

	post := func(secret string) *httptest.ResponseRecorder {
		body := bytes.NewBufferString(fmt.Sprintf(`{"project_id":%q,"admin_secret":%q}`, resp.JobID, secret))
		return doRequest(router, http.MethodPost, "/admin/feature-project", body, "application/json")
	}

	assert.Equal(t, http.StatusForbidden, post("wrong").Code)
	assert.Equal(t, http.StatusForbidden, post("").Code)

	rec := post("topsecret")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"is_featured":true`)

	rec = doRequest(router, http.MethodGet, "/projects/featured", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), resp.JobID)
}

func TestRecentProjects(t *testing.T) {
	router := newTestServer(t, "")
	resp := submit(t, router)

	rec := doRequest(router, http.MethodGet, "/projects/recent", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), resp.JobID)
}

func TestHealthEndpoints(t *testing.T) {
	router := newTestServer(t, "")
	for _, path := range []string{"/healthz", "/livez"} {
		rec := doRequest(router, http.MethodGet, path, nil, "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
	rec := doRequest(router, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
