package taskqueue

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"go.uber.org/zap"
)

// StartEmbeddedServer runs an in-process NATS server with JetStream
// enabled, for single-binary deployments that have no external broker.
// storeDir holds the JetStream file storage; port -1 picks a random
// free port.
func StartEmbeddedServer(storeDir string, port int, logger *zap.Logger) (*natsserver.Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := &natsserver.Options{
		Host:      "127.0.0.1",
		Port:      port,
		JetStream: true,
		StoreDir:  storeDir,
		NoLog:     true,
		NoSigs:    true,
	}

	server, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("creating embedded nats server: %w", err)
	}

	go server.Start()

	if !server.ReadyForConnections(10 * time.Second) {
		server.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}

	logger.Info("embedded nats server started",
		zap.String("url", server.ClientURL()),
		zap.String("store_dir", storeDir),
	)

	return server, nil
}
