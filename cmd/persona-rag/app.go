package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"persona-rag/internal/models"
	"persona-rag/internal/repository"
	"persona-rag/internal/repository/migrations"
	"persona-rag/internal/service"
	"persona-rag/pkg/config"
	"persona-rag/pkg/metrics"
	"persona-rag/pkg/postgres"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// app holds the wired engine for one command invocation.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	collector *metrics.Collector

	embedder  service.Embedder
	knowledge *service.KnowledgeService
	cache     *service.ReplyCacheService
	history   service.SessionHistory

	closers []func() error
}

// newApp connects the configured storage backend and redis, and builds the services that do not
// need a language model.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector("persona_rag"),
	}

	// 1. Redis backs the embedding cache and session history when configured
	var rdb *redis.Client
	if cfg.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		logger.Info("Redis connection established", zap.String("addr", cfg.Redis.Addr))
		a.history = service.NewRedisSessionHistory(rdb, cfg.RAG.MaxTurns, cfg.RAG.SessionTTL, logger)
	} else {
		a.history = service.NewMemorySessionHistory(cfg.RAG.MaxTurns)
	}

	embedder, err := service.NewEmbedder(cfg, rdb, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.embedder = embedder

	// 2. Storage backend
	var (
		store      repository.IndexStore
		replyRepo  repository.ReplyCacheRepository
		cacheIndex repository.VectorIndex
	)
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		db, err := repository.OpenSQLite(filepath.Join(cfg.Storage.CacheDir, "cache.db"))
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open reply cache: %w", err)
		}
		store = repository.NewSQLiteIndexStore(cfg.Storage.IndexDir, logger)
		replyRepo = repository.NewSQLiteReplyCacheRepository(db, logger)
		cacheIndex = repository.NewSQLiteVectorIndex(db, models.LayerCache, logger)
	case config.BackendPostgres:
		pool, err := postgres.NewPool(ctx, &cfg.Database, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, func() error { pool.Close(); return nil })
		if err := postgres.Migrate(pool, migrations.Postgres, migrations.PostgresDir, logger); err != nil {
			a.Close()
			return nil, err
		}
		store = repository.NewPgIndexStore(pool, logger)
		replyRepo = repository.NewPgReplyCacheRepository(pool, logger)
		cacheIndex = repository.NewKnowledgeRepository(pool, models.LayerCache, logger)
	default:
		store = repository.NewMemoryIndexStore(logger)
		replyRepo = repository.NewMemoryReplyCacheRepository()
		cacheIndex = repository.NewMemoryVectorIndex(models.LayerCache, logger)
	}

	// 3. Services
	pipeline := service.NewPipelineService(
		embedder,
		service.NewChunker(
			service.WithChunkSize(cfg.Knowledge.ChunkSize),
			service.WithOverlap(cfg.Knowledge.ChunkOverlap),
		),
		logger.Named("pipeline"),
	)
	a.knowledge = service.NewKnowledgeService(
		store,
		pipeline,
		cfg.Knowledge.SourcesDir,
		cfg.Storage.Manifest(),
		a.collector,
		logger.Named("knowledge"),
	)
	a.cache = service.NewReplyCacheService(
		replyRepo,
		cacheIndex,
		embedder,
		service.ReplyCacheOptions{
			Threshold:    cfg.Cache.SimilarityThreshold,
			TopK:         cfg.Cache.SemanticTopK,
			EmbedTimeout: cfg.Timeouts.Embedding,
			QueryTimeout: cfg.Timeouts.IndexQuery,
		},
		a.collector,
		logger.Named("reply_cache"),
	)
	// services close before the connections they borrow
	a.closers = append([]func() error{a.knowledge.Close, a.cache.Close}, a.closers...)

	return a, nil
}

// answerService builds the orchestrator. It is separate from newApp because only serve and ask
// need a completion provider.
func (a *app) answerService(ctx context.Context) (*service.AnswerService, error) {
	completer, err := service.NewCompleter(ctx, a.cfg, a.collector, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize completion provider: %w", err)
	}
	if closer, ok := completer.(io.Closer); ok {
		a.closers = append([]func() error{closer.Close}, a.closers...)
	}

	return service.NewAnswerService(
		a.cache,
		service.NewQueryExpander(nil, completer, a.cfg.Timeouts.Completion, a.logger.Named("expander")),
		service.NewHybridRetriever(a.knowledge, a.embedder, a.cfg.Timeouts.Embedding, a.cfg.Timeouts.IndexQuery, a.collector, a.logger.Named("retriever")),
		completer,
		a.history,
		service.AnswerOptions{
			TopK:              a.cfg.RAG.TopK,
			HistoryWindow:     a.cfg.RAG.HistoryWindow,
			CompletionTimeout: a.cfg.Timeouts.Completion,
			LeakMarker:        a.cfg.Guard.LeakMarker,
		},
		a.collector,
		a.logger.Named("answer"),
	), nil
}

func (a *app) Close() error {
	var errs []error
	for _, closer := range a.closers {
		errs = append(errs, closer())
	}
	a.closers = nil
	return errors.Join(errs...)
}
