// Package indexer owns the document lifecycle: staging raw content,
// chunking and embedding it off the request path, writing chunks into
// the vector store, and answering search, status, and delete calls.
//
// The lifecycle is a monotonic state machine:
//
//	pending -> processing -> {completed | failed}
//
// pending is entered at staging time. Only the worker that wins the
// atomic pending -> processing transition performs chunk+embed+store
// work; every other invocation of Index is a no-op. completed and
// failed are terminal; the only operation on a terminal document is
// Delete, which removes the status record, the staged content, and
// every chunk.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/studylabs/coursed/internal/embeddings"
	"github.com/studylabs/coursed/internal/status"
	"github.com/studylabs/coursed/internal/vectorstore"
)

var indexerTracer = otel.Tracer("coursed.indexer")

// Sentinel errors for document lifecycle operations.
var (
	// ErrUnsupportedType is returned by Prepare for unrecognized
	// document types. Bad input; never retried.
	ErrUnsupportedType = errors.New("unsupported document type")

	// ErrNotFound is returned when a document was deleted or never staged.
	ErrNotFound = errors.New("document not found")

	// ErrIndexingFailed indicates a chunk/embed/store step failed after
	// exhausting its attempt budget. Recorded on the document.
	ErrIndexingFailed = errors.New("indexing failed")
)

// DocumentType identifies the format of staged content.
type DocumentType string

const (
	TypePDF      DocumentType = "pdf"
	TypeText     DocumentType = "text"
	TypeDocx     DocumentType = "docx"
	TypeMarkdown DocumentType = "markdown"
)

// ParseDocumentType maps a content type (MIME or short name) to a
// supported DocumentType. Returns ErrUnsupportedType for anything else.
func ParseDocumentType(contentType string) (DocumentType, error) {
	switch strings.ToLower(strings.TrimSpace(contentType)) {
	case "pdf", "application/pdf":
		return TypePDF, nil
	case "text", "txt", "text/plain":
		return TypeText, nil
	case "docx", "application/vnd.openxmlformats-officedocument.wordprocessingml.document":
		return TypeDocx, nil
	case "markdown", "md", "text/markdown":
		return TypeMarkdown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, contentType)
	}
}

// QueueIndexing is the queue name for document indexing tasks.
const QueueIndexing = "indexing"

// TaskPayload is the body of an indexing task.
type TaskPayload struct {
	DocumentID string `json:"document_id"`
}

// TaskEnqueuer submits background work. Implemented by taskqueue.Queue;
// a nil enqueuer means the caller drives Index directly (tests,
// synchronous tools).
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, queue string, payload []byte) (string, error)
}

// Config holds configuration for the indexing service.
type Config struct {
	// StagingDir is where raw document bytes are persisted between
	// Prepare and Index. Default: "~/.config/coursed/staging"
	StagingDir string

	// ChunkSize is the maximum chunk length in runes. Default: 1000
	ChunkSize int

	// ChunkOverlap is the rune overlap between consecutive chunks.
	// Default: 200
	ChunkOverlap int

	// EmbedRetries bounds retries of transient embedding failures
	// within a single indexing attempt. Default: 3
	EmbedRetries int

	// EmbedRetryBackoff is the initial backoff between embedding
	// retries, doubling each time. Default: 1s
	EmbedRetryBackoff time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.StagingDir == "" {
		c.StagingDir = "~/.config/coursed/staging"
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = defaultChunkSize
	}
	if c.ChunkOverlap == 0 {
		c.ChunkOverlap = defaultChunkOverlap
	}
	if c.EmbedRetries == 0 {
		c.EmbedRetries = 3
	}
	if c.EmbedRetryBackoff == 0 {
		c.EmbedRetryBackoff = time.Second
	}
}

// PrepareRequest stages one document for indexing.
type PrepareRequest struct {
	// Content is the raw document bytes.
	Content []byte

	// ContentType is the document format (MIME or short name).
	ContentType string

	// Collection is the logical namespace: general, course, personal, faq.
	Collection string

	// CourseID associates the document with a course. 0 means none.
	CourseID int64

	// Metadata is caller-supplied key/value data (title, author, tags).
	Metadata map[string]string
}

// Match is one search hit with its normalized relevance score.
type Match struct {
	// DocumentID is the owning document.
	DocumentID string `json:"document_id"`

	// ChunkID is the matched chunk.
	ChunkID string `json:"chunk_id"`

	// Content is the chunk text.
	Content string `json:"content"`

	// Score is the normalized relevance in [0,1], higher is better.
	Score float64 `json:"score"`

	// Metadata is the chunk metadata.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Service implements the document lifecycle.
type Service struct {
	store      vectorstore.Store
	embedder   embeddings.Embedder
	status     *status.Store
	queue      TaskEnqueuer
	config     Config
	stagingDir string
	logger     *zap.Logger
}

// NewService creates a document indexing service.
// queue may be nil; Prepare then stages without enqueueing and the
// caller is responsible for invoking Index.
func NewService(store vectorstore.Store, embedder embeddings.Embedder, statusStore *status.Store, queue TaskEnqueuer, config Config, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if statusStore == nil {
		return nil, fmt.Errorf("status store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	config.ApplyDefaults()

	stagingDir, err := expandPath(config.StagingDir)
	if err != nil {
		return nil, fmt.Errorf("expanding staging dir: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0700); err != nil {
		return nil, fmt.Errorf("creating staging dir %s: %w", stagingDir, err)
	}

	return &Service{
		store:      store,
		embedder:   embedder,
		status:     statusStore,
		queue:      queue,
		config:     config,
		stagingDir: stagingDir,
		logger:     logger,
	}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// CollectionName derives the vector store collection for a document.
// Documents are partitioned per course: "<collection>_<courseID>", with
// courseID 0 mapping to "<collection>_none".
func CollectionName(collection string, courseID int64) string {
	if courseID > 0 {
		return fmt.Sprintf("%s_%d", collection, courseID)
	}
	return collection + "_none"
}

// chunkID derives the id of the n-th chunk of a document. The set of
// chunk ids for a document is fully determined by its id and chunk
// count, so re-indexing replaces (never merges) the set.
func chunkID(documentID string, n int) string {
	return fmt.Sprintf("%s_%d", documentID, n)
}

// Prepare validates and stages a document, writes its pending status
// record, and enqueues the indexing task. Returns the new document id.
func (s *Service) Prepare(ctx context.Context, req PrepareRequest) (string, error) {
	ctx, span := indexerTracer.Start(ctx, "Indexer.Prepare")
	defer span.End()

	docType, err := ParseDocumentType(req.ContentType)
	if err != nil {
		return "", err
	}
	if len(req.Content) == 0 {
		return "", fmt.Errorf("content cannot be empty")
	}

	collection := req.Collection
	if collection == "" {
		collection = "general"
	}
	if err := vectorstore.ValidateCollectionName(collection); err != nil {
		return "", err
	}

	documentID := uuid.New().String()
	span.SetAttributes(
		attribute.String("document_id", documentID),
		attribute.String("document_type", string(docType)),
		attribute.String("collection", collection),
	)

	stagingPath := s.stagingPath(documentID)
	if err := os.WriteFile(stagingPath, req.Content, 0600); err != nil {
		return "", fmt.Errorf("staging content: %w", err)
	}

	rec := &status.DocumentRecord{
		DocumentID:   documentID,
		Status:       status.DocumentPending,
		Collection:   collection,
		CourseID:     req.CourseID,
		DocumentType: string(docType),
		Metadata:     req.Metadata,
	}
	if err := s.status.PutDocument(ctx, rec); err != nil {
		_ = os.Remove(stagingPath)
		return "", fmt.Errorf("writing status record: %w", err)
	}

	if s.queue != nil {
		payload, err := json.Marshal(TaskPayload{DocumentID: documentID})
		if err != nil {
			return "", fmt.Errorf("marshaling task payload: %w", err)
		}
		if _, err := s.queue.Enqueue(ctx, QueueIndexing, payload); err != nil {
			// Staged content and the pending record remain; the caller
			// can re-submit or a maintenance sweep will reclaim them.
			return "", fmt.Errorf("enqueueing indexing task: %w", err)
		}
	}

	s.logger.Info("document staged",
		zap.String("document_id", documentID),
		zap.String("document_type", string(docType)),
		zap.String("collection", collection),
		zap.Int64("course_id", req.CourseID),
	)

	return documentID, nil
}

// Index performs the chunk+embed+store work for a staged document.
//
// The trigger is idempotent: only the caller that wins the atomic
// pending -> processing transition does any work. Invoking Index on a
// document that is already processing, completed, or failed is a
// no-op, so re-enqueued jobs and concurrent retries cannot produce
// duplicate chunk sets.
//
// On failure the attempt's chunks are removed from the store before
// the document is marked failed: either the full chunk set persists or
// none of it does.
func (s *Service) Index(ctx context.Context, documentID string) error {
	ctx, span := indexerTracer.Start(ctx, "Indexer.Index")
	defer span.End()

	span.SetAttributes(attribute.String("document_id", documentID))

	start := time.Now()

	rec, err := s.status.GetDocument(ctx, documentID)
	if errors.Is(err, status.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	if err != nil {
		return fmt.Errorf("reading status record: %w", err)
	}

	won, err := s.status.TransitionDocument(ctx, documentID, status.DocumentPending, status.DocumentProcessing)
	if err != nil {
		return fmt.Errorf("claiming document: %w", err)
	}
	if !won {
		// Another worker already claimed it, or it reached a terminal
		// state. Nothing to do.
		s.logger.Debug("index trigger is a no-op",
			zap.String("document_id", documentID),
			zap.String("status", string(rec.Status)),
		)
		return nil
	}

	collection := CollectionName(rec.Collection, rec.CourseID)

	content, err := os.ReadFile(s.stagingPath(documentID))
	if err != nil {
		return s.failDocument(ctx, documentID, collection, 0, fmt.Errorf("loading staged content: %w", err))
	}

	chunks := splitChunks(string(content), chunkOptions{Size: s.config.ChunkSize, Overlap: s.config.ChunkOverlap})
	if len(chunks) == 0 {
		return s.failDocument(ctx, documentID, collection, 0, fmt.Errorf("document has no indexable content"))
	}
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))

	vectors, err := s.embedChunks(ctx, chunks)
	if err != nil {
		return s.failDocument(ctx, documentID, collection, 0, err)
	}

	if err := s.store.EnsureCollection(ctx, collection); err != nil {
		return s.failDocument(ctx, documentID, collection, 0, fmt.Errorf("ensuring collection: %w", err))
	}

	items := make([]vectorstore.Item, len(chunks))
	for i, chunk := range chunks {
		metadata := map[string]string{
			"document_id": documentID,
			"chunk_index": strconv.Itoa(i),
		}
		for k, v := range rec.Metadata {
			metadata[k] = v
		}
		items[i] = vectorstore.Item{
			ID:        chunkID(documentID, i),
			Content:   chunk,
			Embedding: vectors[i],
			Metadata:  metadata,
		}
	}

	if err := s.store.Add(ctx, collection, items); err != nil {
		return s.failDocument(ctx, documentID, collection, len(chunks), fmt.Errorf("storing chunks: %w", err))
	}

	if err := s.status.SetDocumentResult(ctx, documentID, status.DocumentCompleted, "", len(chunks)); err != nil {
		return fmt.Errorf("recording completion: %w", err)
	}

	documentsIndexed.WithLabelValues("completed").Inc()
	indexDuration.Observe(time.Since(start).Seconds())

	s.logger.Info("document indexed",
		zap.String("document_id", documentID),
		zap.String("collection", collection),
		zap.Int("chunks", len(chunks)),
		zap.Duration("duration", time.Since(start)),
	)

	return nil
}

// embedChunks generates embeddings with bounded retry on transient
// embedding backend failures.
func (s *Service) embedChunks(ctx context.Context, chunks []string) ([][]float32, error) {
	backoff := s.config.EmbedRetryBackoff

	var lastErr error
	for attempt := 0; attempt < s.config.EmbedRetries; attempt++ {
		vectors, err := s.embedder.EmbedDocuments(ctx, chunks)
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if !errors.Is(err, embeddings.ErrEmbeddingUnavailable) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
	return nil, fmt.Errorf("embedding chunks after %d attempts: %w", s.config.EmbedRetries, lastErr)
}

// failDocument rolls back any chunks written by this attempt and marks
// the document failed with a captured error summary.
func (s *Service) failDocument(ctx context.Context, documentID, collection string, writtenChunks int, cause error) error {
	if writtenChunks > 0 {
		ids := make([]string, writtenChunks)
		for i := range ids {
			ids[i] = chunkID(documentID, i)
		}
		if err := s.store.Delete(ctx, collection, ids); err != nil {
			s.logger.Error("failed to roll back chunks",
				zap.String("document_id", documentID),
				zap.String("collection", collection),
				zap.Error(err),
			)
		}
	}

	msg := cause.Error()
	if len(msg) > 1024 {
		msg = msg[:1024]
	}
	if err := s.status.SetDocumentResult(ctx, documentID, status.DocumentFailed, msg, 0); err != nil {
		s.logger.Error("failed to record document failure",
			zap.String("document_id", documentID),
			zap.Error(err),
		)
	}

	documentsIndexed.WithLabelValues("failed").Inc()

	s.logger.Warn("document indexing failed",
		zap.String("document_id", documentID),
		zap.Error(cause),
	)

	return fmt.Errorf("%w: %v", ErrIndexingFailed, cause)
}

// Status returns the status record for a document.
func (s *Service) Status(ctx context.Context, documentID string) (*status.DocumentRecord, error) {
	rec, err := s.status.GetDocument(ctx, documentID)
	if errors.Is(err, status.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Search embeds the query and returns matches from the collection,
// ordered by descending normalized score. A collection that does not
// exist yet yields no matches rather than an error.
func (s *Service) Search(ctx context.Context, query, collection string, courseID int64, limit int, filter map[string]string) ([]Match, error) {
	ctx, span := indexerTracer.Start(ctx, "Indexer.Search")
	defer span.End()

	start := time.Now()
	defer func() { searchDuration.Observe(time.Since(start).Seconds()) }()

	if limit <= 0 {
		limit = 10
	}
	if collection == "" {
		collection = "general"
	}

	queryVector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	name := CollectionName(collection, courseID)
	results, err := s.store.Search(ctx, name, queryVector, limit, filter)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		return []Match{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("searching collection %s: %w", name, err)
	}

	matches := make([]Match, len(results))
	for i, r := range results {
		matches[i] = Match{
			DocumentID: r.Metadata["document_id"],
			ChunkID:    r.ID,
			Content:    r.Content,
			Score:      NormalizeScore(r.Score),
			Metadata:   r.Metadata,
		}
	}
	return matches, nil
}

// Delete removes every chunk for the document from the vector store,
// the staged content, and the status record. Subsequent Status calls
// return ErrNotFound.
func (s *Service) Delete(ctx context.Context, documentID string) error {
	ctx, span := indexerTracer.Start(ctx, "Indexer.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("document_id", documentID))

	rec, err := s.status.GetDocument(ctx, documentID)
	if errors.Is(err, status.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, documentID)
	}
	if err != nil {
		return err
	}

	if rec.ChunkCount > 0 {
		collection := CollectionName(rec.Collection, rec.CourseID)
		ids := make([]string, rec.ChunkCount)
		for i := range ids {
			ids[i] = chunkID(documentID, i)
		}
		if err := s.store.Delete(ctx, collection, ids); err != nil {
			return fmt.Errorf("deleting chunks: %w", err)
		}
	}

	if err := os.Remove(s.stagingPath(documentID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing staged content: %w", err)
	}

	if err := s.status.DeleteDocument(ctx, documentID); err != nil {
		if errors.Is(err, status.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("deleting status record: %w", err)
	}

	s.logger.Info("document deleted", zap.String("document_id", documentID))
	return nil
}

// stagingPath is the staged content location for a document.
func (s *Service) stagingPath(documentID string) string {
	return filepath.Join(s.stagingDir, documentID)
}

// NormalizeScore maps a cosine similarity in [-1,1] to a relevance
// score in [0,1].
func NormalizeScore(similarity float32) float64 {
	score := (float64(similarity) + 1) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}
