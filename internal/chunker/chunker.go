// Package chunker splits extracted document text into overlapping token
// windows for embedding.
package chunker

import (
	"fmt"
	"unicode"

	"github.com/google/uuid"
)

// Chunk is one window of a document's text.
type Chunk struct {
	ID         string
	DocumentID string
	Text       string
	Offset     int // byte offset of the window's first token within the document
	Seq        int
}

// Config sets the window geometry, measured in whitespace-delimited tokens.
type Config struct {
	Size    int
	Overlap int
}

// Chunker produces deterministic overlapping windows. Consecutive windows
// start Size-Overlap tokens apart, so every token lands in at least one chunk.
type Chunker struct {
	size    int
	overlap int
}

// New validates the config and returns a Chunker.
func New(cfg Config) (*Chunker, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.Size)
	}
	if cfg.Overlap < 0 || cfg.Overlap >= cfg.Size {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, size), size %d", cfg.Overlap, cfg.Size)
	}
	return &Chunker{size: cfg.Size, overlap: cfg.Overlap}, nil
}

// span records where one token sits in the original text.
type span struct {
	start int
	end   int
}

// Split windows the document text into chunks. A document shorter than the
// configured size yields exactly one chunk; empty text yields none.
func (c *Chunker) Split(docID, text string) []Chunk {
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	stride := c.size - c.overlap

	var chunks []Chunk
	for start := 0; ; start += stride {
		end := start + c.size
		if end > len(tokens) {
			end = len(tokens)
		}

		chunks = append(chunks, Chunk{
			ID:         uuid.New().String(),
			DocumentID: docID,
			Text:       text[tokens[start].start:tokens[end-1].end],
			Offset:     tokens[start].start,
			Seq:        len(chunks),
		})

		if end == len(tokens) {
			break
		}
	}
	return chunks
}

// tokenize returns the byte spans of whitespace-delimited tokens.
func tokenize(text string) []span {
	var spans []span
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				spans = append(spans, span{start: start, end: i})
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		spans = append(spans, span{start: start, end: len(text)})
	}
	return spans
}

// CountTokens returns the number of whitespace-delimited tokens in text.
func CountTokens(text string) int {
	return len(tokenize(text))
}
