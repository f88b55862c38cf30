// Package config provides configuration loading for coursed.
//
// Configuration is loaded from a YAML file with environment variable
// overrides and hardcoded defaults.
package config

import (
	"fmt"
	"time"
)

// Config holds the complete coursed configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Queue         QueueConfig         `koanf:"queue"`
	Indexer       IndexerConfig       `koanf:"indexer"`
	Courses       CoursesConfig       `koanf:"courses"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// ObservabilityConfig holds telemetry configuration.
type ObservabilityConfig struct {
	ServiceName     string `koanf:"service_name"`
	EnableTelemetry bool   `koanf:"enable_telemetry"`
}

// VectorStoreConfig selects and configures the vector store backend.
type VectorStoreConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider string        `koanf:"provider"`
	Chromem  ChromemConfig `koanf:"chromem"`
	Qdrant   QdrantConfig  `koanf:"qdrant"`
}

// ChromemConfig holds embedded chromem-go store configuration.
type ChromemConfig struct {
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	VectorSize int    `koanf:"vector_size"`
}

// QdrantConfig holds Qdrant gRPC configuration.
type QdrantConfig struct {
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	UseTLS       bool          `koanf:"use_tls"`
	VectorSize   int           `koanf:"vector_size"`
	MaxRetries   int           `koanf:"max_retries"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
}

// EmbeddingsConfig holds embedding service configuration.
type EmbeddingsConfig struct {
	BaseURL           string        `koanf:"base_url"`
	Model             string        `koanf:"model"`
	RequestsPerSecond float64       `koanf:"requests_per_second"`
	Timeout           time.Duration `koanf:"timeout"`
}

// QueueConfig holds task queue configuration.
type QueueConfig struct {
	URL               string        `koanf:"url"`
	Embedded          bool          `koanf:"embedded"`
	EmbeddedPort      int           `koanf:"embedded_port"`
	HardTimeLimit     time.Duration `koanf:"hard_time_limit"`
	SoftTimeLimit     time.Duration `koanf:"soft_time_limit"`
	MaxAttempts       int           `koanf:"max_attempts"`
	RetryBackoff      time.Duration `koanf:"retry_backoff"`
	Workers           int           `koanf:"workers"`
	MaxTasksPerWorker int           `koanf:"max_tasks_per_worker"`
}

// IndexerConfig holds document indexing configuration.
type IndexerConfig struct {
	DataDir      string        `koanf:"data_dir"`
	StagingDir   string        `koanf:"staging_dir"`
	ChunkSize    int           `koanf:"chunk_size"`
	ChunkOverlap int           `koanf:"chunk_overlap"`
	Retention    time.Duration `koanf:"retention"`
}

// CoursesConfig holds course selection configuration.
type CoursesConfig struct {
	TopicMatchThreshold float64 `koanf:"topic_match_threshold"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8600
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Observability.ServiceName == "" {
		cfg.Observability.ServiceName = "coursed"
	}

	if cfg.VectorStore.Provider == "" {
		cfg.VectorStore.Provider = "chromem"
	}
	if cfg.VectorStore.Chromem.Path == "" {
		cfg.VectorStore.Chromem.Path = "~/.config/coursed/vectorstore"
	}
	if cfg.VectorStore.Chromem.VectorSize == 0 {
		cfg.VectorStore.Chromem.VectorSize = 384
	}
	if cfg.VectorStore.Qdrant.Host == "" {
		cfg.VectorStore.Qdrant.Host = "localhost"
	}
	if cfg.VectorStore.Qdrant.Port == 0 {
		cfg.VectorStore.Qdrant.Port = 6334
	}
	if cfg.VectorStore.Qdrant.VectorSize == 0 {
		cfg.VectorStore.Qdrant.VectorSize = 384
	}

	if cfg.Embeddings.BaseURL == "" {
		cfg.Embeddings.BaseURL = "http://localhost:8080"
	}
	if cfg.Embeddings.Model == "" {
		cfg.Embeddings.Model = "BAAI/bge-small-en-v1.5"
	}
	if cfg.Embeddings.Timeout == 0 {
		cfg.Embeddings.Timeout = 30 * time.Second
	}

	if cfg.Queue.URL == "" {
		cfg.Queue.URL = "nats://localhost:4222"
	}
	if cfg.Queue.HardTimeLimit == 0 {
		cfg.Queue.HardTimeLimit = 10 * time.Minute
	}
	if cfg.Queue.SoftTimeLimit == 0 {
		cfg.Queue.SoftTimeLimit = 8 * time.Minute
	}
	if cfg.Queue.MaxAttempts == 0 {
		cfg.Queue.MaxAttempts = 3
	}
	if cfg.Queue.RetryBackoff == 0 {
		cfg.Queue.RetryBackoff = 30 * time.Second
	}
	if cfg.Queue.Workers == 0 {
		cfg.Queue.Workers = 2
	}
	if cfg.Queue.MaxTasksPerWorker == 0 {
		cfg.Queue.MaxTasksPerWorker = 100
	}

	if cfg.Indexer.StagingDir == "" {
		cfg.Indexer.StagingDir = "~/.config/coursed/staging"
	}
	if cfg.Indexer.ChunkSize == 0 {
		cfg.Indexer.ChunkSize = 1000
	}
	if cfg.Indexer.ChunkOverlap == 0 {
		cfg.Indexer.ChunkOverlap = 200
	}
	if cfg.Indexer.Retention == 0 {
		cfg.Indexer.Retention = 30 * 24 * time.Hour
	}

	if cfg.Courses.TopicMatchThreshold == 0 {
		cfg.Courses.TopicMatchThreshold = 0.6
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.http_port must be 1-65535, got %d", c.Server.Port)
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		return fmt.Errorf("vectorstore.provider must be chromem or qdrant, got %q", c.VectorStore.Provider)
	}

	if c.Queue.SoftTimeLimit >= c.Queue.HardTimeLimit {
		return fmt.Errorf("queue.soft_time_limit %s must be shorter than queue.hard_time_limit %s",
			c.Queue.SoftTimeLimit, c.Queue.HardTimeLimit)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts)
	}

	if c.Indexer.ChunkOverlap >= c.Indexer.ChunkSize {
		return fmt.Errorf("indexer.chunk_overlap %d must be smaller than indexer.chunk_size %d",
			c.Indexer.ChunkOverlap, c.Indexer.ChunkSize)
	}

	if c.Courses.TopicMatchThreshold < 0 || c.Courses.TopicMatchThreshold > 1 {
		return fmt.Errorf("courses.topic_match_threshold must be in [0,1], got %v", c.Courses.TopicMatchThreshold)
	}

	return nil
}
