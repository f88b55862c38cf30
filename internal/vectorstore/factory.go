package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// Config selects and configures a Store implementation.
type Config struct {
	// Provider selects the backend: "chromem" (default) or "qdrant".
	Provider string

	// Chromem configures the embedded chromem-go backend.
	Chromem ChromemConfig

	// Qdrant configures the external Qdrant gRPC backend.
	Qdrant QdrantConfig
}

// NewStore creates a new Store based on the configuration.
//
// The factory examines Config.Provider and creates the appropriate
// implementation:
//   - "chromem" (default): embedded ChromemStore, no external deps
//   - "qdrant": QdrantStore, requires a running Qdrant server
//
// Example:
//
//	store, err := vectorstore.NewStore(cfg.VectorStore, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
func NewStore(cfg Config, logger *zap.Logger) (Store, error) {
	switch cfg.Provider {
	case "chromem", "":
		return NewChromemStore(cfg.Chromem, logger)
	case "qdrant":
		return NewQdrantStore(cfg.Qdrant)
	default:
		return nil, fmt.Errorf("%w: unsupported provider %q (supported: chromem, qdrant)", ErrInvalidConfig, cfg.Provider)
	}
}
