package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"persona-rag/internal/api/handlers"
	"persona-rag/internal/dto"
	"persona-rag/internal/models"
	"persona-rag/internal/repository"
	"persona-rag/internal/service"
	"persona-rag/pkg/auth"
	"persona-rag/pkg/metrics"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubCompleter struct{}

func (stubCompleter) Name() string { return "stub" }

func (stubCompleter) Complete(context.Context, service.Prompt) (string, error) {
	return "My name is Ateet.", nil
}

type testServer struct {
	app     *fiber.App
	jwt     *auth.JWTManager
	history *service.MemorySessionHistory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := zap.NewNop()

	dir := t.TempDir()
	facts := `[{"doc_type":"profile","question":"What is your name?","answer":"My name is Ateet."}]`
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "facts"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "facts", "profile.json"), []byte(facts), 0o644))

	collector := metrics.NewCollector("test")
	embedder := service.NewHashEmbedder(1024)
	knowledge := service.NewKnowledgeService(
		repository.NewMemoryIndexStore(log),
		service.NewPipelineService(embedder, service.NewChunker(), log),
		dir, "", collector, log,
	)
	t.Cleanup(func() { knowledge.Close() })

	cache := service.NewReplyCacheService(
		repository.NewMemoryReplyCacheRepository(),
		repository.NewMemoryVectorIndex(models.LayerCache, log),
		embedder,
		service.ReplyCacheOptions{Threshold: 0.85},
		collector, log,
	)
	history := service.NewMemorySessionHistory(10)
	answers := service.NewAnswerService(
		cache,
		service.NewQueryExpander(nil, nil, 0, log),
		service.NewHybridRetriever(knowledge, embedder, time.Second, time.Second, collector, log),
		stubCompleter{},
		history,
		service.AnswerOptions{TopK: 3, HistoryWindow: 4, CompletionTimeout: time.Second},
		collector, log,
	)

	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	app := SetupRouter(Handlers{
		Answer:    handlers.NewAnswerHandler(answers, log),
		Cache:     handlers.NewCacheHandler(cache, log),
		Session:   handlers.NewSessionHandler(history, log),
		Knowledge: handlers.NewKnowledgeHandler(knowledge, log),
	}, nil, jwtManager, collector, log)

	return &testServer{app: app, jwt: jwtManager, history: history}
}

func (s *testServer) do(t *testing.T, method, target string, body interface{}, headers ...string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	resp, body := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAnswerEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(t, http.MethodPost, "/api/v1/answer", dto.AnswerRequest{Question: "What is your name?", SessionID: "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var first dto.AnswerResponse
	require.NoError(t, json.Unmarshal(body, &first))
	assert.Equal(t, "My name is Ateet.", first.Answer)
	assert.False(t, first.Cached)
	assert.Equal(t, "s1", first.SessionID)
	assert.NotEmpty(t, first.Sources)

	resp, body = s.do(t, http.MethodPost, "/api/v1/answer", dto.AnswerRequest{Question: "what is your name"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var second dto.AnswerResponse
	require.NoError(t, json.Unmarshal(body, &second))
	assert.True(t, second.Cached)
	assert.Equal(t, "cache", second.Route)
	assert.NotNil(t, second.Sources)
}

func TestAnswerEndpoint_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/answer", dto.AnswerRequest{Question: "  "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/answer", dto.AnswerRequest{Question: "Where do you live?", DocType: "horoscope"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/answer", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	raw, err := s.app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, raw.StatusCode)
}

func TestCacheEndpoints(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/api/v1/cache?question=", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/api/v1/cache?question=Where+are+you+based", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"hit":false}`, string(body))

	resp, body = s.do(t, http.MethodPost, "/api/v1/cache", dto.StoreReplyRequest{
		Question:     "Where are you based?",
		Answer:       "Berlin.",
		ArtifactPath: "audio/berlin.wav",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var stored dto.StoreReplyResponse
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.NotEmpty(t, stored.VectorID)

	resp, body = s.do(t, http.MethodGet, "/api/v1/cache?question=Where+are+you+based", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var lookup dto.LookupReplyResponse
	require.NoError(t, json.Unmarshal(body, &lookup))
	require.True(t, lookup.Hit)
	assert.Equal(t, "Berlin.", lookup.Entry.ResponseText)
	assert.Equal(t, "audio/berlin.wav", lookup.Entry.ArtifactPath)
	assert.Equal(t, stored.VectorID, lookup.Entry.VectorID)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/cache", dto.StoreReplyRequest{Question: "Where are you based?"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClearSession(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/answer", dto.AnswerRequest{Question: "What is your name?", SessionID: "s1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	turns, err := s.history.Recent(context.Background(), "s1", 0)
	require.NoError(t, err)
	require.Len(t, turns, 2)

	resp, _ = s.do(t, http.MethodDelete, "/api/v1/sessions/s1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	turns, err = s.history.Recent(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestKnowledgeBuild_RequiresOperator(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodPost, "/api/v1/knowledge/build", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/api/v1/knowledge/build", nil, "Authorization", "Bearer garbage")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := s.jwt.GenerateToken("ops")
	require.NoError(t, err)

	resp, body := s.do(t, http.MethodPost, "/api/v1/knowledge/build?rebuild=true", nil, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var build dto.BuildResponse
	require.NoError(t, json.Unmarshal(body, &build))
	assert.True(t, build.Rebuilt)
	assert.Equal(t, 1, build.FactsCount)
	assert.Equal(t, "ops", build.Operator)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_http_requests_total{method="GET",path="/healthz",status="2xx"} 1`)
}
