package vectorstore

// Item represents one entry in a vector collection: a chunk of text,
// its embedding, and the metadata used for filtered search.
type Item struct {
	// ID is the unique identifier within the collection.
	ID string

	// Content is the text content of the item.
	Content string

	// Embedding is the vector representation of Content.
	// Must match the collection's vector size.
	Embedding []float32

	// Metadata contains key-value pairs for filtering.
	// Common fields: document_id, course_id, chunk_index.
	Metadata map[string]string
}

// SearchResult represents a single similarity search hit.
type SearchResult struct {
	// ID is the item identifier.
	ID string

	// Content is the item text content.
	Content string

	// Score is the raw cosine similarity (higher = more similar).
	Score float32

	// Metadata contains the item metadata.
	Metadata map[string]string
}
