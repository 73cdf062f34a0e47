package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Storage   StorageConfig
	Knowledge KnowledgeConfig
	Embedding EmbeddingConfig
	LLM       LLMConfig
	GigaChat  GigaChatConfig
	OpenAI    OpenAIConfig
	RAG       RAGConfig
	Cache     CacheConfig
	Guard     GuardConfig
	Timeouts  TimeoutConfig
	Auth      AuthConfig
	Logger    LoggerConfig
}

type LoggerConfig struct {
	Level string
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// DSN returns the libpq style connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// URL returns the connection string in URL form, as golang-migrate expects it.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

type RedisConfig struct {
	Addr     string // empty disables redis-backed components
	Password string
	DB       int
}

// Enabled reports whether a redis address is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type StorageConfig struct {
	Backend      string
	IndexDir     string // persisted knowledge index directory (sqlite backend)
	CacheDir     string // reply cache database directory (sqlite backend)
	ManifestPath string // source manifest, defaults to <IndexDir>/manifest.json
}

// Manifest returns the source manifest path. The memory backend keeps no manifest on disk.
func (s StorageConfig) Manifest() string {
	if s.ManifestPath != "" {
		return s.ManifestPath
	}
	if s.Backend == BackendMemory {
		return ""
	}
	return filepath.Join(s.IndexDir, "manifest.json")
}

type KnowledgeConfig struct {
	SourcesDir   string
	ChunkSize    int
	ChunkOverlap int
}

type EmbeddingConfig struct {
	Provider   string // openai | hash
	Model      string
	Dimensions int
	CacheTTL   time.Duration
}

type LLMConfig struct {
	Provider    string // gigachat | openai
	Temperature float64
	RatePerSec  float64
	Burst       int
}

type GigaChatConfig struct {
	APIKey             string
	Scope              string
	Model              string
	InsecureSkipVerify bool
}

type OpenAIConfig struct {
	APIKey    string
	BaseURL   string
	ChatModel string
}

type RAGConfig struct {
	TopK          int // documents returned per answer
	HistoryWindow int // turns included in the prompt
	MaxTurns      int // turns retained per session
	SessionTTL    time.Duration
}

type CacheConfig struct {
	SimilarityThreshold float64
	SemanticTopK        int
}

type GuardConfig struct {
	LeakMarker string
}

type TimeoutConfig struct {
	Embedding  time.Duration
	IndexQuery time.Duration
	Completion time.Duration
}

// DefaultAuthSecret is the placeholder signing key; serve refuses to start with it.
const DefaultAuthSecret = "change-me-operator-secret"

type AuthConfig struct {
	SecretKey  string
	Expiration time.Duration
}

var ErrDefaultAuthSecret = errors.New("AUTH_SECRET_KEY is unset or still the placeholder")

// CheckSecret fails when operator tokens would be signed with the placeholder key.
func (c AuthConfig) CheckSecret() error {
	if c.SecretKey == "" || c.SecretKey == DefaultAuthSecret {
		return ErrDefaultAuthSecret
	}
	return nil
}

func Load() (*Config, error) {
	// .env is optional; plain environment variables work for Docker/K8s
	for _, envFile := range []string{".env", "../.env", "../../.env"} {
		if err := godotenv.Load(envFile); err == nil {
			break
		}
	}

	indexDir := getEnv("INDEX_DIR", "data/index")

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 60*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "persona_rag"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Storage: StorageConfig{
			Backend:      strings.ToLower(getEnv("STORAGE_BACKEND", BackendSQLite)),
			IndexDir:     indexDir,
			CacheDir:     getEnv("CACHE_DIR", "data/cache"),
			ManifestPath: getEnv("MANIFEST_PATH", ""),
		},
		Knowledge: KnowledgeConfig{
			SourcesDir:   getEnv("KNOWLEDGE_DIR", "knowledge"),
			ChunkSize:    getEnvInt("CHUNK_SIZE", 800),
			ChunkOverlap: getEnvInt("CHUNK_OVERLAP", 120),
		},
		Embedding: EmbeddingConfig{
			Provider:   strings.ToLower(getEnv("EMBEDDING_PROVIDER", "openai")),
			Model:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimensions: getEnvInt("EMBEDDING_DIMENSIONS", 384),
			CacheTTL:   getEnvDuration("EMBEDDING_CACHE_TTL", 24*time.Hour),
		},
		LLM: LLMConfig{
			Provider:    strings.ToLower(getEnv("LLM_PROVIDER", "gigachat")),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 0.3),
			RatePerSec:  getEnvFloat("LLM_RATE_PER_SEC", 5),
			Burst:       getEnvInt("LLM_BURST", 5),
		},
		GigaChat: GigaChatConfig{
			APIKey:             getEnv("GIGACHAT_API_KEY", ""),
			Scope:              getEnv("GIGACHAT_SCOPE", "GIGACHAT_API_PERS"),
			Model:              getEnv("GIGACHAT_MODEL", "GigaChat"),
			InsecureSkipVerify: getEnvBool("GIGACHAT_INSECURE_SKIP_VERIFY", false),
		},
		OpenAI: OpenAIConfig{
			APIKey:    getEnv("OPENAI_API_KEY", ""),
			BaseURL:   getEnv("OPENAI_BASE_URL", ""),
			ChatModel: getEnv("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		},
		RAG: RAGConfig{
			TopK:          getEnvInt("RAG_TOP_K", 5),
			HistoryWindow: getEnvInt("RAG_HISTORY_WINDOW", 6),
			MaxTurns:      getEnvInt("RAG_MAX_TURNS", 20),
			SessionTTL:    getEnvDuration("RAG_SESSION_TTL", 2*time.Hour),
		},
		Cache: CacheConfig{
			SimilarityThreshold: getEnvFloat("CACHE_SIMILARITY_THRESHOLD", 0.85),
			SemanticTopK:        getEnvInt("CACHE_SEMANTIC_TOP_K", 3),
		},
		Guard: GuardConfig{
			LeakMarker: getEnv("GUARD_LEAK_MARKER", "[[SYSTEM_PROMPT]]"),
		},
		Timeouts: TimeoutConfig{
			Embedding:  getEnvDuration("TIMEOUT_EMBEDDING", 15*time.Second),
			IndexQuery: getEnvDuration("TIMEOUT_INDEX_QUERY", 5*time.Second),
			Completion: getEnvDuration("TIMEOUT_COMPLETION", 45*time.Second),
		},
		Auth: AuthConfig{
			SecretKey:  getEnv("AUTH_SECRET_KEY", DefaultAuthSecret),
			Expiration: getEnvDuration("AUTH_TOKEN_EXPIRATION", 24*time.Hour),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unsupported storage backend %q", c.Storage.Backend)
	}
	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf("cache similarity threshold must be in (0, 1], got %v", c.Cache.SimilarityThreshold)
	}
	if c.Cache.SemanticTopK < 1 {
		return fmt.Errorf("cache semantic top k must be positive, got %d", c.Cache.SemanticTopK)
	}
	if c.RAG.TopK < 1 {
		return fmt.Errorf("rag top k must be positive, got %d", c.RAG.TopK)
	}
	if c.RAG.HistoryWindow < 0 {
		return fmt.Errorf("rag history window must not be negative, got %d", c.RAG.HistoryWindow)
	}
	if c.RAG.MaxTurns < 1 {
		return fmt.Errorf("rag max turns must be positive, got %d", c.RAG.MaxTurns)
	}
	if c.Knowledge.ChunkSize < 1 || c.Knowledge.ChunkOverlap < 0 {
		return fmt.Errorf("invalid chunking settings: size=%d overlap=%d", c.Knowledge.ChunkSize, c.Knowledge.ChunkOverlap)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	value, err := strconv.ParseFloat(getEnv(key, ""), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration accepts Go durations ("30s") or a bare number of seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
