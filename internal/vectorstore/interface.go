// Package vectorstore defines the interface for vector storage operations.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Sentinel errors for vector store operations.
var (
	// ErrStoreUnavailable is returned when the backend cannot be reached.
	// Callers may retry; it is distinct from "not found" conditions.
	ErrStoreUnavailable = errors.New("vector store unavailable")

	// ErrCollectionNotFound is returned when a collection does not exist.
	ErrCollectionNotFound = errors.New("collection not found")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrEmptyItems indicates an empty or nil item batch.
	ErrEmptyItems = errors.New("empty or nil items")

	// ErrInvalidCollectionName indicates collection name validation failure.
	ErrInvalidCollectionName = errors.New("invalid collection name")
)

// collectionNamePattern validates collection names.
// Pattern: lowercase letters, numbers, underscores, 1-64 characters.
var collectionNamePattern = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// ValidateCollectionName validates a collection name against naming rules.
// Rejects uppercase, special characters, path separators, and spaces.
func ValidateCollectionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: collection name cannot be empty", ErrInvalidCollectionName)
	}
	if !collectionNamePattern.MatchString(name) {
		return fmt.Errorf("%w: collection name must match pattern ^[a-z0-9_]{1,64}$, got %q", ErrInvalidCollectionName, name)
	}
	return nil
}

// CollectionStats contains statistics about a vector collection.
type CollectionStats struct {
	// Name is the collection name.
	Name string `json:"name"`

	// DocumentCount is the number of items in the collection.
	DocumentCount int `json:"document_count"`

	// VectorSize is the dimensionality of vectors in this collection.
	VectorSize int `json:"vector_size"`
}

// Store is the interface for vector storage operations.
//
// The interface is transport-agnostic - implementations can be embedded
// (chromem-go) or remote (Qdrant gRPC). Items carry their embeddings;
// the store never calls an embedding model itself, which keeps the
// embedding capability substitutable and the store purely a similarity
// index.
//
// All methods are safe for concurrent use from multiple workers and
// readers. Writes are serialized per item id via the upsert contract
// of Add.
type Store interface {
	// EnsureCollection creates the collection if it does not exist.
	//
	// The operation is idempotent and race-safe: concurrent callers
	// requesting the same name observe exactly one logical collection,
	// and calling it on an existing collection is never an error.
	EnsureCollection(ctx context.Context, name string) error

	// Add upserts items into the collection.
	//
	// Item ids are unique within a collection; re-adding an existing id
	// overwrites that entry rather than failing. Every item must carry
	// a non-empty embedding.
	Add(ctx context.Context, collection string, items []Item) error

	// Search returns up to k items nearest to the query embedding,
	// ordered by descending similarity score (nearest first).
	//
	// The filter restricts results to items whose metadata matches all
	// given key/value pairs (logical AND). Fewer than k results are
	// returned when the collection holds fewer matching items.
	Search(ctx context.Context, collection string, embedding []float32, k int, filter map[string]string) ([]SearchResult, error)

	// Delete removes items by id. Removing a nonexistent id is a no-op.
	Delete(ctx context.Context, collection string, ids []string) error

	// Stats returns statistics for a collection.
	// Returns ErrCollectionNotFound if the collection does not exist.
	Stats(ctx context.Context, collection string) (*CollectionStats, error)

	// DeleteCollection removes a collection and all its items.
	DeleteCollection(ctx context.Context, collection string) error

	// Close releases backend resources.
	Close() error
}
