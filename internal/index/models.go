package index

import (
	"errors"
	"time"
)

// ErrCacheMiss is returned by Manager.Load when no index has been built for
// the user yet. Callers react by building one, not by failing.
var ErrCacheMiss = errors.New("no index for user")

// Document is an indexed source document.
type Document struct {
	ID           string
	Title        string
	URI          string
	MimeType     string
	LastModified time.Time
	IndexedAt    time.Time
}

// ChunkRecord is one embedded chunk as stored in the index.
type ChunkRecord struct {
	ID         string
	DocumentID string
	Title      string // owning document's title, denormalized for display
	Text       string
	Seq        int
	Offset     int
	Embedding  []float32
}

// ScoredChunk is a ChunkRecord with a cosine similarity score attached.
type ScoredChunk struct {
	ChunkRecord
	Score float32
}

// DocumentError records a document that could not be indexed.
type DocumentError struct {
	DocumentID string
	Err        error
}

// BuildReport summarizes one BuildOrUpdate pass. A build with failures is
// still usable: the surviving documents are searchable.
type BuildReport struct {
	Indexed int
	Skipped int
	Removed int
	Failed  []DocumentError
}
