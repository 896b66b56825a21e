package app

import (
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the service configuration, read from environment variables.
type Config struct {
	ListenAddr        string
	DatabaseURL       string
	DatabaseMigrate   bool
	BufferCapacity    int
	BroadcastCapacity int

	// Both paths must be set to enable the embedder; otherwise similarity
	// search is disabled and the backfill worker does not run.
	EmbeddingModelPath     string
	EmbeddingTokenizerPath string

	// Optional read-through cache for embeddings.
	RedisURL string

	LogLevel  string
	LogFormat string
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("LISTEN_ADDR", "0.0.0.0:3000")
	v.SetDefault("DATABASE_MIGRATE", false)
	v.SetDefault("BUFFER_CAPACITY", 100000)
	v.SetDefault("BROADCAST_CAPACITY", 10000)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "logfmt")

	cfg := &Config{
		ListenAddr:             v.GetString("LISTEN_ADDR"),
		DatabaseURL:            v.GetString("DATABASE_URL"),
		DatabaseMigrate:        v.GetBool("DATABASE_MIGRATE"),
		BufferCapacity:         v.GetInt("BUFFER_CAPACITY"),
		BroadcastCapacity:      v.GetInt("BROADCAST_CAPACITY"),
		EmbeddingModelPath:     v.GetString("EMBEDDING_MODEL_PATH"),
		EmbeddingTokenizerPath: v.GetString("EMBEDDING_TOKENIZER_PATH"),
		RedisURL:               v.GetString("REDIS_URL"),
		LogLevel:               v.GetString("LOG_LEVEL"),
		LogFormat:              v.GetString("LOG_FORMAT"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.BufferCapacity <= 0 {
		return nil, errors.New("BUFFER_CAPACITY must be positive")
	}
	if cfg.BroadcastCapacity <= 0 {
		return nil, errors.New("BROADCAST_CAPACITY must be positive")
	}
	if (cfg.EmbeddingModelPath == "") != (cfg.EmbeddingTokenizerPath == "") {
		return nil, errors.New("EMBEDDING_MODEL_PATH and EMBEDDING_TOKENIZER_PATH must be set together")
	}

	return cfg, nil
}

// EmbeddingEnabled reports whether both embedder paths are configured.
func (c *Config) EmbeddingEnabled() bool {
	return c.EmbeddingModelPath != "" && c.EmbeddingTokenizerPath != ""
}
