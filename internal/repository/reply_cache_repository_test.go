package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"persona-rag/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exerciseReplyCache(t *testing.T, repo ReplyCacheRepository) {
	ctx := context.Background()

	_, err := repo.GetByTextHash(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrCacheEntryNotFound)

	first := &models.CacheEntry{UserText: "What is your email?", ResponseText: "one", TextHash: "h1", VectorID: models.CacheVectorID("h1")}
	require.NoError(t, repo.Upsert(ctx, first))

	second := &models.CacheEntry{UserText: "what is your email", ResponseText: "two", TextHash: "h1", VectorID: models.CacheVectorID("h1")}
	require.NoError(t, repo.Upsert(ctx, second))
	assert.Equal(t, first.ID, second.ID)

	got, err := repo.GetByTextHash(ctx, "h1")
	require.NoError(t, err)
	assert.Equal(t, "two", got.ResponseText)
	assert.Equal(t, models.CacheVectorID("h1"), got.VectorID)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Entries)
	assert.NotNil(t, stats.LatestAt)
}

func TestSQLiteReplyCacheRepository(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)

	repo := NewSQLiteReplyCacheRepository(db, zap.NewNop())
	defer repo.Close()

	exerciseReplyCache(t, repo)
}

func TestMemoryReplyCacheRepository(t *testing.T) {
	exerciseReplyCache(t, NewMemoryReplyCacheRepository())
}

func TestManifest_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "manifest.json")

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Empty(t, m.Names())

	m.Set("evidence/resume.md", SourceState{Layer: models.LayerEvidence, Hash: "abc", RecordIDs: []string{"1", "2"}})
	m.Set("facts/profile.json", SourceState{Layer: models.LayerFacts, Hash: "def"})
	require.NoError(t, m.Save())

	loaded, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"evidence/resume.md", "facts/profile.json"}, loaded.Names())
	state, ok := loaded.Get("evidence/resume.md")
	require.True(t, ok)
	assert.Equal(t, []string{"1", "2"}, state.RecordIDs)

	loaded.Reset()
	assert.Empty(t, loaded.Names())
}

func TestManifest_CorruptedFileIsReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.json")
	require.NoError(t, os.WriteFile(path, []byte("{\"sources\": [truncated"), 0o644))

	_, err := LoadManifest(path)
	assert.ErrorIs(t, err, ErrManifestCorrupted)
}
