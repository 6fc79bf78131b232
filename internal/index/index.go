// Package index maintains per-user embedding indexes over source documents,
// persisted in SQLite with brute-force cosine similarity search.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/driveqa/driveqa/internal/chunker"
	"github.com/driveqa/driveqa/internal/extract"
	"github.com/driveqa/driveqa/internal/source"
)

const (
	embedConcurrency = 4
	maxDocAttempts   = 3
)

// Embedder produces an embedding vector for a text. It must be deterministic
// for identical input so persisted indexes stay valid across runs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Deps are the collaborators an Index needs to build itself.
type Deps struct {
	Source    source.Source
	Extractor extract.Extractor
	Chunker   *chunker.Chunker
	Embedder  Embedder
}

// Manager opens per-user indexes under dataDir. Each user gets an isolated
// database at <dataDir>/users/<userID>/index.db.
type Manager struct {
	dataDir string
	deps    Deps
}

// NewManager creates a Manager storing indexes under dataDir.
// Pass ":memory:" as dataDir for in-memory indexes (used by tests).
func NewManager(dataDir string, deps Deps) *Manager {
	return &Manager{dataDir: dataDir, deps: deps}
}

func (m *Manager) indexPath(userID string) string {
	return filepath.Join(m.dataDir, "users", userID, "index.db")
}

// Load opens the existing index for a user. It returns ErrCacheMiss when no
// usable index exists, whether the file is absent or unreadable; the caller
// builds one via Open + BuildOrUpdate. A corrupt file is moved aside so the
// rebuild starts clean.
func (m *Manager) Load(userID string) (*Index, error) {
	if m.dataDir == ":memory:" {
		return nil, ErrCacheMiss
	}
	path := m.indexPath(userID)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, ErrCacheMiss
	} else if err != nil {
		return nil, fmt.Errorf("checking index for %s: %w", userID, err)
	}

	ix, err := m.open(userID, path)
	if err != nil {
		slog.Warn("index unreadable, discarding for rebuild", "user", userID, "error", err)
		if renameErr := os.Rename(path, path+".corrupt"); renameErr != nil {
			os.Remove(path)
		}
		return nil, ErrCacheMiss
	}
	return ix, nil
}

// Open opens the index for a user, creating an empty one if absent.
func (m *Manager) Open(userID string) (*Index, error) {
	path := m.indexPath(userID)
	if m.dataDir == ":memory:" {
		path = ":memory:"
	}
	return m.open(userID, path)
}

func (m *Manager) open(userID, path string) (*Index, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, fmt.Errorf("opening index for %s: %w", userID, err)
	}
	return &Index{userID: userID, db: db, deps: m.deps}, nil
}

// Index is one user's embedding index. Builds take the write lock so searches
// never observe a half-replaced document.
type Index struct {
	userID string
	db     *sql.DB
	deps   Deps
	mu     sync.RWMutex
}

// UserID returns the owning user's identifier.
func (ix *Index) UserID() string { return ix.userID }

// Close closes the underlying database connection.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// BuildOrUpdate synchronizes the index with the user's current documents.
// Unchanged documents are skipped, changed or new ones are re-embedded and
// atomically replaced, and documents gone from the source are removed.
// Running it twice over the same corpus is a no-op the second time.
func (ix *Index) BuildOrUpdate(ctx context.Context) (BuildReport, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var report BuildReport

	docs, err := ix.deps.Source.ListDocuments(ctx, ix.userID)
	if err != nil {
		return report, fmt.Errorf("listing documents for %s: %w", ix.userID, err)
	}

	indexed, err := ix.lastModifiedByID()
	if err != nil {
		return report, err
	}

	listed := make(map[string]bool, len(docs))
	for _, fi := range docs {
		listed[fi.ID] = true

		// Stored timestamps have second precision, so truncate before comparing.
		if prev, ok := indexed[fi.ID]; ok && prev.Equal(fi.LastModified.UTC().Truncate(time.Second)) {
			report.Skipped++
			continue
		}

		if err := ix.indexDocument(ctx, fi); err != nil {
			if errors.Is(err, extract.ErrUnsupported) {
				slog.Info("skipping unsupported document", "user", ix.userID, "doc", fi.ID, "mime", fi.MimeType)
				report.Skipped++
				continue
			}
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			slog.Warn("indexing document failed", "user", ix.userID, "doc", fi.ID, "error", err)
			report.Failed = append(report.Failed, DocumentError{DocumentID: fi.ID, Err: err})
			continue
		}
		report.Indexed++
	}

	for id := range indexed {
		if listed[id] {
			continue
		}
		if err := removeDocument(ix.db, id); err != nil {
			return report, fmt.Errorf("removing stale document %s: %w", id, err)
		}
		report.Removed++
	}

	return report, nil
}

// indexDocument fetches, extracts, chunks, embeds, and stores one document.
// Transient failures are retried with exponential backoff.
func (ix *Index) indexDocument(ctx context.Context, fi source.FileInfo) error {
	data, err := ix.deps.Source.FetchContent(ctx, fi.URI)
	if err != nil {
		return fmt.Errorf("fetching %s: %w", fi.ID, err)
	}

	text, err := ix.deps.Extractor.ExtractText(data, fi.MimeType)
	if err != nil {
		return fmt.Errorf("extracting %s: %w", fi.ID, err)
	}

	chunks := ix.deps.Chunker.Split(fi.ID, text)

	var embeddings [][]float32
	for attempt := 0; ; attempt++ {
		embeddings, err = ix.embedChunks(ctx, chunks)
		if err == nil {
			break
		}
		if attempt+1 >= maxDocAttempts || ctx.Err() != nil {
			return fmt.Errorf("embedding %s: %w", fi.ID, err)
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
		slog.Warn("embedding failed, retrying", "doc", fi.ID, "attempt", attempt+1, "backoff", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	records := make([]ChunkRecord, len(chunks))
	for i, c := range chunks {
		records[i] = ChunkRecord{
			ID:         c.ID,
			DocumentID: c.DocumentID,
			Title:      fi.Title,
			Text:       c.Text,
			Seq:        c.Seq,
			Offset:     c.Offset,
			Embedding:  embeddings[i],
		}
	}

	doc := Document{
		ID:           fi.ID,
		Title:        fi.Title,
		URI:          fi.URI,
		MimeType:     fi.MimeType,
		LastModified: fi.LastModified,
	}
	if err := replaceDocument(ix.db, doc, text, records); err != nil {
		return fmt.Errorf("storing %s: %w", fi.ID, err)
	}
	return nil
}

// embedChunks embeds all chunks concurrently with bounded parallelism.
func (ix *Index) embedChunks(ctx context.Context, chunks []chunker.Chunk) ([][]float32, error) {
	if len(chunks) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(chunks))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)

	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			vec, err := ix.deps.Embedder.Embed(gCtx, c.Text)
			if err != nil {
				return fmt.Errorf("embedding chunk %d: %w", c.Seq, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Search returns the topK chunks most similar to the query vector. An empty
// index yields an empty result, not an error.
func (ix *Index) Search(ctx context.Context, vector []float32, topK int) ([]ScoredChunk, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return searchChunks(ix.db, vector, topK)
}

// Documents lists the indexed documents ordered by title.
func (ix *Index) Documents() ([]Document, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rows, err := ix.db.Query(`
		SELECT id, title, uri, mime_type, last_modified, indexed_at
		FROM documents ORDER BY title ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var d Document
		var lastModified, indexedAt string
		if err := rows.Scan(&d.ID, &d.Title, &d.URI, &d.MimeType, &lastModified, &indexedAt); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		if d.LastModified, err = time.Parse(time.RFC3339, lastModified); err != nil {
			return nil, fmt.Errorf("parsing last_modified: %w", err)
		}
		if d.IndexedAt, err = time.Parse(time.RFC3339, indexedAt); err != nil {
			return nil, fmt.Errorf("parsing indexed_at: %w", err)
		}
		docs = append(docs, d)
	}
	return docs, rows.Err()
}

// DocumentText returns the full extracted text of an indexed document.
func (ix *Index) DocumentText(docID string) (string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var text string
	err := ix.db.QueryRow("SELECT full_text FROM documents WHERE id = ?", docID).Scan(&text)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("document %s not indexed", docID)
	}
	return text, err
}

// Stats returns the number of indexed documents and chunks.
func (ix *Index) Stats() (docs, chunks int, err error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if err = ix.db.QueryRow("SELECT COUNT(*) FROM documents").Scan(&docs); err != nil {
		return 0, 0, err
	}
	if err = ix.db.QueryRow("SELECT COUNT(*) FROM chunk_vectors").Scan(&chunks); err != nil {
		return 0, 0, err
	}
	return docs, chunks, nil
}

// lastModifiedByID returns each indexed document's recorded modification time.
func (ix *Index) lastModifiedByID() (map[string]time.Time, error) {
	rows, err := ix.db.Query("SELECT id, last_modified FROM documents")
	if err != nil {
		return nil, fmt.Errorf("reading indexed documents: %w", err)
	}
	defer rows.Close()

	result := make(map[string]time.Time)
	for rows.Next() {
		var id, lastModified string
		if err := rows.Scan(&id, &lastModified); err != nil {
			return nil, fmt.Errorf("scanning indexed document: %w", err)
		}
		t, err := time.Parse(time.RFC3339, lastModified)
		if err != nil {
			return nil, fmt.Errorf("parsing last_modified for %s: %w", id, err)
		}
		result[id] = t
	}
	return result, rows.Err()
}
