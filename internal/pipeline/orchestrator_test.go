package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"songforge/internal/storage"
)

func TestOrchestratorRun_ReportsStagesInOrder(t *testing.T) {
	store := storage.New(t.TempDir(), zap.NewNop().Sugar())
	orch := NewOrchestrator(store, zap.NewNop().Sugar())

	var names []string
	var indices []int
	payload, err := orch.Run(context.Background(), "p1", 120, func(stage string, completed int) {
		names = append(names, stage)
		indices = append(indices, completed)
	})
	require.NoError(t, err)

	assert.Equal(t, Steps, names)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, indices)

	assert.Equal(t, "p1", payload.JobID)
	assert.Equal(t, 120, payload.BPMUsed)
	assert.Equal(t, Steps, payload.Steps)
	assert.Equal(t, "/projects/p1/synth/fullmix.wav", payload.URLs["result_url"])
	assert.Equal(t, "/projects/p1/preview/preview.wav", payload.URLs["preview_url"])
}

func TestOrchestratorRun_WritesArtifactsAndResult(t *testing.T) {
	store := storage.New(t.TempDir(), zap.NewNop().Sugar())
	orch := NewOrchestrator(store, zap.NewNop().Sugar())

	_, err := orch.Run(context.Background(), "p1", 90, nil)
	require.NoError(t, err)

	// result document is retrievable
	got, ok, err := store.ReadResult("p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 90, got.BPMUsed)

	// referenced files exist
	for stage, name := range map[string]string{
		"separate": "vocals.wav",
		"synth":    "fullmix.wav",
		"preview":  "preview.wav",
	} {
		_, err := store.FilePath("p1", stage, name)
		assert.NoError(t, err, "%s/%s", stage, name)
	}

	// stage records were written for the producing stages
	meta, err := store.ReadProject("p1")
	require.NoError(t, err)
	assert.Contains(t, meta.StageArtifacts, "separate")
	assert.Contains(t, meta.StageArtifacts, "synth")
}

func TestOrchestratorRun_CancelledContext(t *testing.T) {
	store := storage.New(t.TempDir(), zap.NewNop().Sugar())
	orch := NewOrchestrator(store, zap.NewNop().Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Run(ctx, "p1", 120, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
