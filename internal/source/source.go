// Package source abstracts where a user's documents come from. The production
// deployment backs it with Google Drive; the core only ever pulls file listings
// and raw bytes and never writes back.
package source

import (
	"context"
	"time"
)

// FileInfo describes one file in a user's corpus before extraction.
type FileInfo struct {
	ID           string
	Title        string
	URI          string
	MimeType     string
	LastModified time.Time
}

// Source lists and fetches a user's raw documents.
type Source interface {
	// ListDocuments returns metadata for every file the user can access.
	ListDocuments(ctx context.Context, userID string) ([]FileInfo, error)

	// FetchContent returns the raw bytes of a single file.
	FetchContent(ctx context.Context, uri string) ([]byte, error)
}
