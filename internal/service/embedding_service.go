package service

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"time"

	"persona-rag/pkg/config"

	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var ErrEmbeddingFailed = errors.New("embedding failed")

// Embedder maps texts to fixed-length vectors. Implementations are safe for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Name() string
}

// NewEmbedder builds the configured provider, wrapped in a redis cache when rdb is not nil.
func NewEmbedder(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (Embedder, error) {
	var base Embedder
	switch cfg.Embedding.Provider {
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required for the openai embedding provider")
		}
		base = NewOpenAIEmbedder(&cfg.OpenAI, &cfg.Embedding, logger)
	case "hash":
		base = NewHashEmbedder(cfg.Embedding.Dimensions)
	default:
		return nil, fmt.Errorf("unsupported embedding provider %q", cfg.Embedding.Provider)
	}

	if rdb != nil {
		return NewCachedEmbedder(base, rdb, cfg.Embedding.CacheTTL, logger), nil
	}
	return base, nil
}

type OpenAIEmbedder struct {
	client     *openai.Client
	model      string
	dimensions int
	logger     *zap.Logger
}

func NewOpenAIEmbedder(cfg *config.OpenAIConfig, embCfg *config.EmbeddingConfig, logger *zap.Logger) *OpenAIEmbedder {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      embCfg.Model,
		dimensions: embCfg.Dimensions,
		logger:     logger,
	}
}

func (e *OpenAIEmbedder) Name() string { return "openai:" + e.model }

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(e.model),
		Dimensions: e.dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(resp.Data), len(texts))
	}

	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })

	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}

	e.logger.Debug("Texts embedded", zap.Int("count", len(texts)), zap.Int("total_tokens", resp.Usage.TotalTokens))
	return out, nil
}

// HashEmbedder is an offline embedder built on feature hashing of words and word pairs.
// It has no semantic knowledge but gives identical vectors for identical normalized text.
type HashEmbedder struct {
	dimensions int
}

func NewHashEmbedder(dimensions int) *HashEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &HashEmbedder{dimensions: dimensions}
}

func (e *HashEmbedder) Name() string { return fmt.Sprintf("hash:%d", e.dimensions) }

func (e *HashEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embedOne(text)
	}
	return out, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	vec := make([]float32, e.dimensions)
	words := strings.Fields(Normalize(text))

	add := func(feature string, weight float32) {
		h := fnv.New64a()
		h.Write([]byte(feature))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dimensions))
		if sum&(1<<63) != 0 {
			weight = -weight
		}
		vec[idx] += weight
	}

	for i, w := range words {
		add(w, 1)
		if i > 0 {
			add(words[i-1]+" "+w, 0.5)
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// CachedEmbedder memoizes vectors in redis keyed by sha256(model:text).
type CachedEmbedder struct {
	next   Embedder
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedEmbedder(next Embedder, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CachedEmbedder {
	return &CachedEmbedder{next: next, rdb: rdb, ttl: ttl, logger: logger}
}

func (e *CachedEmbedder) Name() string { return e.next.Name() }

func (e *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(e.next.Name() + ":" + text))
	return "emb:" + hex.EncodeToString(sum[:])
}

func (e *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = e.key(t)
	}

	out := make([][]float32, len(texts))
	cached, err := e.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		// the cache is an optimisation; fall through to the provider
		e.logger.Warn("Embedding cache read failed", zap.Error(err))
		cached = make([]interface{}, len(texts))
	}

	var missIdx []int
	var missTexts []string
	for i, v := range cached {
		if s, ok := v.(string); ok {
			if vec := decodeVector([]byte(s)); vec != nil {
				out[i] = vec
				continue
			}
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, texts[i])
	}

	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := e.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	pipe := e.rdb.Pipeline()
	for j, i := range missIdx {
		out[i] = fresh[j]
		pipe.Set(ctx, keys[i], encodeVector(fresh[j]), e.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Warn("Embedding cache write failed", zap.Error(err))
	}

	e.logger.Debug("Embeddings resolved",
		zap.Int("cached", len(texts)-len(missTexts)),
		zap.Int("fresh", len(missTexts)),
	)
	return out, nil
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(data []byte) []float32 {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out
}

// embedOne embeds a single text under the given timeout.
func embedOne(ctx context.Context, embedder Embedder, timeout time.Duration, text string) ([]float32, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	vecs, err := embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingFailed)
	}
	return vecs[0], nil
}
