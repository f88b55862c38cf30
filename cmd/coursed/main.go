// Command coursed is the course document indexing daemon: it stages
// submitted documents, indexes them into a vector store through a
// durable task queue, and serves search and course selection over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/studylabs/coursed/internal/config"
	"github.com/studylabs/coursed/internal/courses"
	"github.com/studylabs/coursed/internal/embeddings"
	"github.com/studylabs/coursed/internal/indexer"
	"github.com/studylabs/coursed/internal/server"
	"github.com/studylabs/coursed/internal/status"
	"github.com/studylabs/coursed/internal/taskqueue"
	"github.com/studylabs/coursed/internal/vectorstore"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	configPath string
	devMode    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coursed",
		Short: "Course document indexing and search daemon",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default ~/.config/coursed/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&devMode, "dev", false, "development mode logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("coursed %s (commit %s, built %s)\n", version, commit, date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	if devMode {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServe() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting coursed",
		zap.String("version", version),
		zap.String("vectorstore", cfg.VectorStore.Provider),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Broker. Embedded mode runs an in-process NATS server for
	// single-binary deployments.
	queueURL := cfg.Queue.URL
	if cfg.Queue.Embedded {
		storeDir := filepath.Join(dataDir(cfg), "nats")
		port := cfg.Queue.EmbeddedPort
		if port == 0 {
			port = -1
		}
		broker, err := taskqueue.StartEmbeddedServer(storeDir, port, logger)
		if err != nil {
			return fmt.Errorf("starting embedded broker: %w", err)
		}
		defer broker.Shutdown()
		queueURL = broker.ClientURL()
	}

	statusStore, err := status.Open(cfg.Indexer.DataDir, logger)
	if err != nil {
		return fmt.Errorf("opening status store: %w", err)
	}
	defer statusStore.Close()

	store, err := vectorstore.NewStore(vectorstore.Config{
		Provider: cfg.VectorStore.Provider,
		Chromem: vectorstore.ChromemConfig{
			Path:       cfg.VectorStore.Chromem.Path,
			Compress:   cfg.VectorStore.Chromem.Compress,
			VectorSize: cfg.VectorStore.Chromem.VectorSize,
		},
		Qdrant: vectorstore.QdrantConfig{
			Host:         cfg.VectorStore.Qdrant.Host,
			Port:         cfg.VectorStore.Qdrant.Port,
			UseTLS:       cfg.VectorStore.Qdrant.UseTLS,
			VectorSize:   uint64(cfg.VectorStore.Qdrant.VectorSize),
			MaxRetries:   cfg.VectorStore.Qdrant.MaxRetries,
			RetryBackoff: cfg.VectorStore.Qdrant.RetryBackoff,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("creating vector store: %w", err)
	}
	defer store.Close()

	embedder, err := embeddings.NewService(embeddings.Config{
		BaseURL:           cfg.Embeddings.BaseURL,
		Model:             cfg.Embeddings.Model,
		RequestsPerSecond: cfg.Embeddings.RequestsPerSecond,
		Timeout:           cfg.Embeddings.Timeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating embedding service: %w", err)
	}

	queue, err := taskqueue.NewQueue(taskqueue.Config{
		URL:               queueURL,
		HardTimeLimit:     cfg.Queue.HardTimeLimit,
		SoftTimeLimit:     cfg.Queue.SoftTimeLimit,
		MaxAttempts:       cfg.Queue.MaxAttempts,
		RetryBackoff:      cfg.Queue.RetryBackoff,
		Workers:           cfg.Queue.Workers,
		MaxTasksPerWorker: cfg.Queue.MaxTasksPerWorker,
	}, statusStore, logger)
	if err != nil {
		return fmt.Errorf("connecting task queue: %w", err)
	}
	defer queue.Close()

	indexerService, err := indexer.NewService(store, embedder, statusStore, queue, indexer.Config{
		StagingDir:   cfg.Indexer.StagingDir,
		ChunkSize:    cfg.Indexer.ChunkSize,
		ChunkOverlap: cfg.Indexer.ChunkOverlap,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating indexer: %w", err)
	}

	selector, err := courses.NewSelector(store, embedder, cfg.Courses.TopicMatchThreshold, logger)
	if err != nil {
		return fmt.Errorf("creating course selector: %w", err)
	}

	maintenance := taskqueue.NewMaintenance(indexerService, statusStore,
		cfg.Indexer.Retention, cfg.Queue.HardTimeLimit, logger)

	go taskqueue.RunPool(ctx, queue, taskqueue.QueueIndexing, indexingHandler(indexerService), cfg.Queue.Workers)
	go taskqueue.RunPool(ctx, queue, taskqueue.QueueMaintenance, maintenance.Handler, 1)

	scheduler, err := taskqueue.NewScheduler(queue, taskqueue.DefaultSchedule(), logger)
	if err != nil {
		return fmt.Errorf("creating scheduler: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := server.NewServer(server.Config{
		Port:            cfg.Server.Port,
		ServiceName:     cfg.Observability.ServiceName,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, indexerService, selector, logger)

	logger.Info("http server listening", zap.Int("port", cfg.Server.Port))

	if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

// indexingHandler runs one indexing task. A document whose indexing
// failed permanently has its outcome recorded on the document record,
// so the task itself is not retried for it.
func indexingHandler(svc *indexer.Service) taskqueue.Handler {
	return func(ctx context.Context, task *taskqueue.Task) error {
		var payload indexer.TaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return fmt.Errorf("unmarshaling indexing payload: %w", err)
		}
		if payload.DocumentID == "" {
			return fmt.Errorf("indexing payload missing document_id")
		}

		err := svc.Index(ctx, payload.DocumentID)
		if errors.Is(err, indexer.ErrIndexingFailed) || errors.Is(err, indexer.ErrNotFound) {
			return nil
		}
		return err
	}
}

func dataDir(cfg *config.Config) string {
	if cfg.Indexer.DataDir != "" {
		return cfg.Indexer.DataDir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "coursed", "data")
}
