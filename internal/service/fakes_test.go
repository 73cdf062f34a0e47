package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"persona-rag/internal/models"
	"persona-rag/internal/repository"
	"persona-rag/pkg/metrics"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testDims = 1024

// fakeCompleter answers through fn and counts calls.
type fakeCompleter struct {
	fn    func(ctx context.Context, p Prompt) (string, error)
	calls atomic.Int32

	mu      sync.Mutex
	prompts []Prompt
}

func (c *fakeCompleter) Name() string { return "fake" }

func (c *fakeCompleter) Complete(ctx context.Context, p Prompt) (string, error) {
	c.calls.Add(1)
	c.mu.Lock()
	c.prompts = append(c.prompts, p)
	c.mu.Unlock()
	return c.fn(ctx, p)
}

func (c *fakeCompleter) lastPrompt() Prompt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompts[len(c.prompts)-1]
}

// contextAnswerer replies with the answer of the first fact in the prompt context, or the refusal.
func contextAnswerer(_ context.Context, p Prompt) (string, error) {
	_, ctxText, ok := strings.Cut(p.System, "Context:\n")
	if !ok {
		return RefusalSentence, nil
	}
	for _, line := range strings.Split(ctxText, "\n") {
		if answer, found := strings.CutPrefix(line, "A: "); found {
			return answer, nil
		}
	}
	return RefusalSentence, nil
}

// countingEmbedder wraps an embedder and counts batch calls.
type countingEmbedder struct {
	next  Embedder
	calls atomic.Int32
	fail  atomic.Bool
}

func (e *countingEmbedder) Name() string { return e.next.Name() }

func (e *countingEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	if e.fail.Load() {
		return nil, ErrEmbeddingFailed
	}
	return e.next.Embed(ctx, texts)
}

// failingIndex rejects every query.
type failingIndex struct {
	repository.VectorIndex
}

func (failingIndex) Query(context.Context, []float32, int, *models.IndexFilter) ([]models.Document, error) {
	return nil, errors.New("index unavailable")
}

type staticIndexes struct {
	idx *KnowledgeIndexes
}

func (s staticIndexes) Indexes(context.Context) (*KnowledgeIndexes, error) { return s.idx, nil }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func writeJSON(t *testing.T, path string, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	writeFile(t, path, string(data))
}

// seedKnowledge writes a small persona knowledge base under dir.
func seedKnowledge(t *testing.T, dir string) {
	t.Helper()
	writeJSON(t, filepath.Join(dir, "facts", "profile.json"), map[string]interface{}{
		"doc_type": "profile",
		"items": []map[string]interface{}{
			{"question": "What is your name?", "answer": "My name is Ateet."},
			{"doc_type": "contact", "question": "What is your email address?", "answer": "ateet@example.com", "tags": []string{"contact"}},
			{"doc_type": "skill", "question": "What programming languages do you know?", "answer": "Go, Python and TypeScript.", "tags": []string{"skills", "backend"}},
		},
	})
	writeFile(t, filepath.Join(dir, "evidence", "project_applybots.md"),
		"tags: automation, bots\n\nApplyBots is a job application automation platform.\n\n"+
			"The architecture uses a queue of browser workers that fill in application forms.")
}

func newTestPipeline(embedder Embedder) *PipelineService {
	return NewPipelineService(embedder, NewChunker(WithChunkSize(200), WithOverlap(20)), zap.NewNop())
}

// counterValue reads one labelled sample of a counter from the collector's registry.
func counterValue(t *testing.T, c *metrics.Collector, name, label string) float64 {
	t.Helper()
	families, err := c.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetValue() == label {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}
