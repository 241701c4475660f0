package publish

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"songforge/internal/models"
	"songforge/internal/storage"
)

func newTestPublisher(t *testing.T) (*Publisher, *storage.Store) {
	t.Helper()
	store := storage.New(t.TempDir(), zap.NewNop().Sugar())
	pub := New(store, filepath.Join(t.TempDir(), "published"), zap.NewNop().Sugar())
	return pub, store
}

func putStageFile(t *testing.T, store *storage.Store, projectID, stage, name string) {
	t.Helper()
	_, err := store.StoreUpload(projectID, stage, strings.NewReader("wav-bytes"), name)
	require.NoError(t, err)
}

func TestPublish_NoArtifacts(t *testing.T) {
	pub, store := newTestPublisher(t)
	require.NoError(t, store.EnsureProject("p1"))

	_, err := pub.Publish("p1")
	assert.ErrorIs(t, err, ErrNoArtifacts)
}

func TestPublish_PrefersPreviewStage(t *testing.T) {
	pub, store := newTestPublisher(t)
	putStageFile(t, store, "p1", "synth", "fullmix.wav")
	putStageFile(t, store, "p1", "preview", "preview.wav")

	src, err := pub.pickCandidate("p1")
	require.NoError(t, err)
	assert.Equal(t, "preview.wav", filepath.Base(src))
	assert.Contains(t, src, string(os.PathSeparator)+"preview"+string(os.PathSeparator))
}

func TestPickCandidate_LexicographicWithinStage(t *testing.T) {
	pub, store := newTestPublisher(t)
	putStageFile(t, store, "p1", "synth", "vocal.wav")
	putStageFile(t, store, "p1", "synth", "fullmix.wav")
	putStageFile(t, store, "p1", "synth", "notes.txt")

	src, err := pub.pickCandidate("p1")
	require.NoError(t, err)
	assert.Equal(t, "fullmix.wav", filepath.Base(src))
}

func TestPublish_CopiesFilesAndWritesMeta(t *testing.T) {
	pub, store := newTestPublisher(t)
	putStageFile(t, store, "p1", "preview", "preview.wav")
	_, err := store.UpdateProject("p1", func(p *models.Project) {
		p.ProjectName = "My Song"
		p.PenName = "someone"
	})
	require.NoError(t, err)

	entry, err := pub.Publish("p1")
	require.NoError(t, err)

	assert.Equal(t, "p1", entry.PublicID)
	assert.Equal(t, "My Song", entry.ProjectName)
	assert.Equal(t, "someone", entry.PenName)
	assert.Equal(t, "/showcase/p1/preview", entry.PreviewURL)
	assert.Equal(t, "/showcase/p1/result", entry.ResultURL)
	assert.NotEmpty(t, entry.PublishedAt)

	for _, name := range []string{"preview.wav", "result.wav", "meta.json"} {
		fp, err := pub.FilePath("p1", name)
		require.NoError(t, err, name)
		_, err = os.Stat(fp)
		assert.NoError(t, err)
	}
}

func TestPublish_DefaultsForAnonymousProjects(t *testing.T) {
	pub, store := newTestPublisher(t)
	putStageFile(t, store, "p1", "preview", "preview.wav")

	entry, err := pub.Publish("p1")
	require.NoError(t, err)
	assert.Equal(t, "Unknown", entry.ProjectName)
	assert.Equal(t, "Anonymous", entry.PenName)
}

func TestPublish_RepublishOverwrites(t *testing.T) {
	pub, store := newTestPublisher(t)
	putStageFile(t, store, "p1", "preview", "preview.wav")

	first, err := pub.Publish("p1")
	require.NoError(t, err)
	second, err := pub.Publish("p1")
	require.NoError(t, err)
	assert.Equal(t, first.PublicID, second.PublicID)

	items, err := pub.List()
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestList_EmptyAndOrdering(t *testing.T) {
	pub, store := newTestPublisher(t)

	items, err := pub.List()
	require.NoError(t, err)
	assert.Empty(t, items)

	putStageFile(t, store, "p1", "preview", "preview.wav")
	putStageFile(t, store, "p2", "preview", "preview.wav")
	_, err = pub.Publish("p1")
	require.NoError(t, err)
	_, err = pub.Publish("p2")
	require.NoError(t, err)

	items, err = pub.List()
	require.NoError(t, err)
	require.Len(t, items, 2)
	// newest first; equal timestamps fall back to public id descending
	assert.True(t, items[0].PublishedAt >= items[1].PublishedAt)
}

func TestFilePath_Escapes(t *testing.T) {
	pub, _ := newTestPublisher(t)

	_, err := pub.FilePath("..", "meta.json")
	assert.ErrorIs(t, err, storage.ErrPathEscape)

	_, err = pub.FilePath("ghost", "preview.wav")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
