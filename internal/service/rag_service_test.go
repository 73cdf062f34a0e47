package service

import (
	"context"
	"fmt"
	"testing"

	"persona-rag/internal/models"
	"persona-rag/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func buildTestIndexes(t *testing.T, embedder Embedder) *KnowledgeIndexes {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	seedKnowledge(t, dir)

	pipeline := newTestPipeline(embedder)
	idx := &KnowledgeIndexes{
		Facts:    repository.NewMemoryVectorIndex(models.LayerFacts, zap.NewNop()),
		Evidence: repository.NewMemoryVectorIndex(models.LayerEvidence, zap.NewNop()),
	}
	manifest, err := repository.LoadManifest("")
	require.NoError(t, err)

	_, err = pipeline.Sync(ctx, models.LayerFacts, dir+"/facts", idx.Facts, manifest, false)
	require.NoError(t, err)
	_, err = pipeline.Sync(ctx, models.LayerEvidence, dir+"/evidence", idx.Evidence, manifest, false)
	require.NoError(t, err)
	return idx
}

func TestMergeDocuments(t *testing.T) {
	primary := []models.Document{{ID: "a"}, {ID: "b"}, {ID: "a"}}
	secondary := []models.Document{{ID: "c"}, {ID: "b"}, {ID: "d"}}

	merged := mergeDocuments(primary, secondary)
	ids := documentIDs(merged)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids)
}

func TestHybridRetriever_RoutesAndMerges(t *testing.T) {
	embedder := NewHashEmbedder(testDims)
	idx := buildTestIndexes(t, embedder)
	retriever := NewHybridRetriever(staticIndexes{idx}, embedder, 0, 0, nil, zap.NewNop())
	ctx := context.Background()

	query := "What is your name?"
	docs, err := retriever.Retrieve(ctx, query, Route(query), models.RetrievalFilter{}, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, models.LayerFacts, docs[0].Layer)
	assert.Equal(t, "My name is Ateet.", docs[0].Metadata.Answer)

	// timeline queries read both indices, facts first
	query = "What is your career timeline?"
	docs, err = retriever.Retrieve(ctx, query, Route(query), models.RetrievalFilter{}, 10)
	require.NoError(t, err)
	assert.Len(t, docs, 4)
	assert.Equal(t, models.LayerFacts, docs[0].Layer)
	assert.Equal(t, models.LayerEvidence, docs[len(docs)-1].Layer)

	seen := map[string]bool{}
	for _, d := range docs {
		assert.False(t, seen[d.ID], "duplicate id %s", d.ID)
		seen[d.ID] = true
	}
}

func TestHybridRetriever_Filters(t *testing.T) {
	embedder := NewHashEmbedder(testDims)
	idx := buildTestIndexes(t, embedder)
	retriever := NewHybridRetriever(staticIndexes{idx}, embedder, 0, 0, nil, zap.NewNop())
	ctx := context.Background()

	query := "Tell me everything"
	docs, err := retriever.Retrieve(ctx, query, Route(query), models.RetrievalFilter{DocType: models.DocTypeContact}, 5)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "ateet@example.com", docs[0].Metadata.Answer)

	docs, err = retriever.Retrieve(ctx, query, Route(query), models.RetrievalFilter{Tags: []string{"Backend", "bots"}}, 5)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	for _, d := range docs {
		assert.True(t, d.Metadata.HasAnyTag([]string{"backend", "bots"}))
	}
	assert.Equal(t, models.LayerFacts, docs[0].Layer)
}

// fixedEmbedder maps every text to the same vector.
type fixedEmbedder struct{ vec []float32 }

func (e fixedEmbedder) Name() string { return "fixed" }

func (e fixedEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = e.vec
	}
	return out, nil
}

func TestHybridRetriever_WidensForTagFilter(t *testing.T) {
	ctx := context.Background()
	facts := repository.NewMemoryVectorIndex(models.LayerFacts, zap.NewNop())

	// distance to the query grows with i, so entry i ranks at position i
	entries := make([]models.IndexEntry, 12)
	for i := range entries {
		meta := models.RecordMetadata{Layer: models.LayerFacts, DocType: models.DocTypeProfile}
		if i == 8 || i == 10 {
			meta.Tags = []string{"rare"}
		}
		entries[i] = models.IndexEntry{
			ID:        fmt.Sprintf("fact-%02d", i),
			Text:      fmt.Sprintf("fact %d", i),
			Metadata:  meta,
			Embedding: []float32{1, float32(i) * 0.1},
		}
	}
	require.NoError(t, facts.Upsert(ctx, entries))

	idx := &KnowledgeIndexes{
		Facts:    facts,
		Evidence: repository.NewMemoryVectorIndex(models.LayerEvidence, zap.NewNop()),
	}
	retriever := NewHybridRetriever(staticIndexes{idx}, fixedEmbedder{vec: []float32{1, 0}}, 0, 0, nil, zap.NewNop())
	route := models.QueryRoute{Primary: models.TargetFacts, Secondary: models.TargetEvidence, QueryType: models.QueryTypeFactual}

	// no tagged entry in the top 3; the widened pass reaches rank 8 but not rank 10
	docs, err := retriever.Retrieve(ctx, "anything", route, models.RetrievalFilter{Tags: []string{"rare"}}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"fact-08"}, documentIDs(docs))

	docs, err = retriever.Retrieve(ctx, "anything", route, models.RetrievalFilter{}, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"fact-00", "fact-01", "fact-02"}, documentIDs(docs))
}

func TestHybridRetriever_IsolatesFailures(t *testing.T) {
	embedder := NewHashEmbedder(testDims)
	idx := buildTestIndexes(t, embedder)
	broken := &KnowledgeIndexes{Facts: failingIndex{idx.Facts}, Evidence: idx.Evidence}
	retriever := NewHybridRetriever(staticIndexes{broken}, embedder, 0, 0, nil, zap.NewNop())

	query := "What is your name?"
	docs, err := retriever.Retrieve(context.Background(), query, Route(query), models.RetrievalFilter{}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, docs)
	for _, d := range docs {
		assert.Equal(t, models.LayerEvidence, d.Layer)
	}

	dead := &KnowledgeIndexes{Facts: failingIndex{idx.Facts}, Evidence: failingIndex{idx.Evidence}}
	retriever = NewHybridRetriever(staticIndexes{dead}, embedder, 0, 0, nil, zap.NewNop())
	_, err = retriever.Retrieve(context.Background(), query, Route(query), models.RetrievalFilter{}, 3)
	assert.ErrorIs(t, err, ErrRetrievalFailed)
}

func TestBuildContext(t *testing.T) {
	docs := []models.Document{{Text: "Q: a\nA: b"}, {Text: "  "}, {Text: "chunk"}}
	assert.Equal(t, "Q: a\nA: b\n---\nchunk", BuildContext(docs))
	assert.Empty(t, BuildContext(nil))
}
