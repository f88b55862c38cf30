package indexer

import (
	"strings"
	"unicode"
)

// chunkOptions bounds the chunking policy.
type chunkOptions struct {
	// Size is the maximum chunk length in runes.
	Size int

	// Overlap is the number of trailing runes repeated at the start of
	// the next chunk, preserving context across chunk boundaries.
	Overlap int
}

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
)

func (o *chunkOptions) applyDefaults() {
	if o.Size <= 0 {
		o.Size = defaultChunkSize
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.Size {
		o.Overlap = o.Size / 2
	}
}

// splitChunks splits text into bounded, overlapping chunks.
//
// Each chunk is at most opts.Size runes. Where possible the split lands
// on whitespace inside the last 20% of the window so words are not cut
// mid-token. Consecutive chunks share opts.Overlap runes of context.
// Empty and whitespace-only inputs produce no chunks.
func splitChunks(text string, opts chunkOptions) []string {
	opts.applyDefaults()

	runes := []rune(strings.TrimSpace(text))
	if len(runes) == 0 {
		return nil
	}

	var chunks []string
	step := opts.Size - opts.Overlap

	for start := 0; start < len(runes); start += step {
		end := start + opts.Size
		if end >= len(runes) {
			chunk := strings.TrimSpace(string(runes[start:]))
			if chunk != "" {
				chunks = append(chunks, chunk)
			}
			break
		}

		// Prefer breaking at whitespace within the tail of the window.
		cut := end
		limit := end - opts.Size/5
		for i := end; i > limit; i-- {
			if unicode.IsSpace(runes[i-1]) {
				cut = i
				break
			}
		}

		chunk := strings.TrimSpace(string(runes[start:cut]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}

		// Realign the next window to the actual cut point.
		step = cut - start - opts.Overlap
		if step <= 0 {
			step = cut - start
		}
	}

	return chunks
}
