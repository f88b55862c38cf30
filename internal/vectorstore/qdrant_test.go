package vectorstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	grpccodes "google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

func TestQdrantConfig_ApplyDefaults(t *testing.T) {
	cfg := QdrantConfig{}
	cfg.ApplyDefaults()

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, 6334, cfg.Port)
	assert.Equal(t, uint64(384), cfg.VectorSize)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.RetryBackoff)
	assert.Equal(t, 50*1024*1024, cfg.MaxMessageSize)
}

func TestQdrantConfig_Validate(t *testing.T) {
	cfg := QdrantConfig{Host: "localhost", Port: 6334, VectorSize: 384}
	assert.NoError(t, cfg.Validate())

	cfg = QdrantConfig{Port: 6334, VectorSize: 384}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = QdrantConfig{Host: "localhost", Port: 99999, VectorSize: 384}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg = QdrantConfig{Host: "localhost", Port: 6334}
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, isTransientError(grpcstatus.Error(grpccodes.Unavailable, "down")))
	assert.True(t, isTransientError(grpcstatus.Error(grpccodes.DeadlineExceeded, "slow")))
	assert.True(t, isTransientError(grpcstatus.Error(grpccodes.Aborted, "conflict")))
	assert.True(t, isTransientError(grpcstatus.Error(grpccodes.ResourceExhausted, "quota")))

	assert.False(t, isTransientError(grpcstatus.Error(grpccodes.InvalidArgument, "bad vector")))
	assert.False(t, isTransientError(grpcstatus.Error(grpccodes.NotFound, "no collection")))
	assert.False(t, isTransientError(errors.New("not a grpc error")))
	assert.False(t, isTransientError(nil))
}
