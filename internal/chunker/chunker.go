// Package chunker splits normalized document text into fixed-size
// overlapping windows for embedding and indexing.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DefaultSize is the default number of characters per chunk.
const DefaultSize = 1000

// DefaultOverlap is the default number of overlapping characters
// between consecutive chunks.
const DefaultOverlap = 200

// Chunk is one window of a source document's text. Chunks are immutable;
// the vector index is their only long-lived store.
type Chunk struct {
	// ID is derived from the source path and sequence index, so
	// re-chunking the same document produces the same IDs.
	ID         string
	SourcePath string
	Index      int
	Text       string
	// OverlapWithPrev is the number of leading characters shared with
	// the previous chunk (0 for the first chunk).
	OverlapWithPrev int
}

// Chunker produces deterministic chunks for a given size/overlap pair.
type Chunker struct {
	size    int
	overlap int
}

// New validates the chunking parameters and returns a Chunker.
// Overlap must be strictly less than size: a non-positive stride would
// never advance the window.
func New(size, overlap int) (*Chunker, error) {
	if size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", size)
	}
	if overlap < 0 {
		return nil, fmt.Errorf("chunk overlap must be non-negative, got %d", overlap)
	}
	if overlap >= size {
		return nil, fmt.Errorf("chunk overlap (%d) must be less than chunk size (%d)", overlap, size)
	}
	return &Chunker{size: size, overlap: overlap}, nil
}

// Split slides a window of size characters across text, advancing by
// size-overlap each step. The last chunk may be shorter. Offsets count
// characters (code points), never bytes, so a window cannot split a
// multi-byte rune; boundaries may still fall mid-word, which is
// intentional and keeps chunk boundaries reproducible. Empty text
// yields no chunks.
func (c *Chunker) Split(sourcePath, text string) []Chunk {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	doc := DocID(sourcePath)
	step := c.size - c.overlap

	var chunks []Chunk
	for start, i := 0, 0; ; i++ {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		overlap := 0
		if i > 0 {
			overlap = c.overlap
		}
		chunks = append(chunks, Chunk{
			ID:              fmt.Sprintf("%s:%d", doc, i),
			SourcePath:      sourcePath,
			Index:           i,
			Text:            string(runes[start:end]),
			OverlapWithPrev: overlap,
		})
		if end == len(runes) {
			return chunks
		}
		start += step
	}
}

// DocID returns a short deterministic identifier for a source path.
func DocID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}
