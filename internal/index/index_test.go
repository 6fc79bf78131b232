package index

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/driveqa/driveqa/internal/chunker"
	"github.com/driveqa/driveqa/internal/extract"
	"github.com/driveqa/driveqa/internal/source"
)

type mockSource struct {
	listFunc  func(ctx context.Context, userID string) ([]source.FileInfo, error)
	fetchFunc func(ctx context.Context, uri string) ([]byte, error)
}

func (m *mockSource) ListDocuments(ctx context.Context, userID string) ([]source.FileInfo, error) {
	return m.listFunc(ctx, userID)
}

func (m *mockSource) FetchContent(ctx context.Context, uri string) ([]byte, error) {
	return m.fetchFunc(ctx, uri)
}

type mockEmbedder struct {
	embedFunc func(ctx context.Context, text string) ([]float32, error)
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return m.embedFunc(ctx, text)
}

// fixedVec derives a deterministic unit-ish vector from the first byte of text.
func fixedVec(text string) []float32 {
	if len(text) == 0 {
		return []float32{0, 0, 1}
	}
	f := float32(text[0]) / 255
	return []float32{f, 1 - f, 0.5}
}

func testDocs(modTime time.Time) ([]source.FileInfo, map[string][]byte) {
	infos := []source.FileInfo{
		{ID: "resume.txt", Title: "resume", URI: "mem://resume.txt", MimeType: "text/plain", LastModified: modTime},
		{ID: "notes.md", Title: "notes", URI: "mem://notes.md", MimeType: "text/markdown", LastModified: modTime},
	}
	content := map[string][]byte{
		"mem://resume.txt": []byte("John has ten years of engineering experience."),
		"mem://notes.md":   []byte("Sarah studied biology at university."),
	}
	return infos, content
}

func newTestIndex(t *testing.T, infos []source.FileInfo, content map[string][]byte) *Index {
	t.Helper()

	c, err := chunker.New(chunker.Config{Size: 50, Overlap: 10})
	if err != nil {
		t.Fatal(err)
	}

	m := NewManager(":memory:", Deps{
		Source: &mockSource{
			listFunc: func(ctx context.Context, userID string) ([]source.FileInfo, error) {
				return infos, nil
			},
			fetchFunc: func(ctx context.Context, uri string) ([]byte, error) {
				data, ok := content[uri]
				if !ok {
					return nil, fmt.Errorf("no content for %s", uri)
				}
				return data, nil
			},
		},
		Extractor: extract.NewTextExtractor(),
		Chunker:   c,
		Embedder: &mockEmbedder{
			embedFunc: func(ctx context.Context, text string) ([]float32, error) {
				return fixedVec(text), nil
			},
		},
	})

	ix, err := m.Open("alice")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ix.Close() })
	return ix
}

func TestLoadMissingIndex(t *testing.T) {
	m := NewManager(t.TempDir(), Deps{})
	_, err := m.Load("nobody")
	if !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Load = %v, want ErrCacheMiss", err)
	}
}

func TestLoadCorruptIndexTriggersRebuild(t *testing.T) {
	dir := t.TempDir()
	c, _ := chunker.New(chunker.Config{Size: 50, Overlap: 10})
	infos, content := testDocs(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	deps := Deps{
		Source: &mockSource{
			listFunc:  func(ctx context.Context, userID string) ([]source.FileInfo, error) { return infos, nil },
			fetchFunc: func(ctx context.Context, uri string) ([]byte, error) { return content[uri], nil },
		},
		Extractor: extract.NewTextExtractor(),
		Chunker:   c,
		Embedder: &mockEmbedder{embedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return fixedVec(text), nil
		}},
	}
	m := NewManager(dir, deps)

	if err := os.MkdirAll(filepath.Dir(m.indexPath("alice")), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(m.indexPath("alice"), []byte("this is not a database"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Load("alice"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Load on corrupt file = %v, want ErrCacheMiss", err)
	}

	// The rebuild path must now succeed from scratch.
	ix, err := m.Open("alice")
	if err != nil {
		t.Fatalf("Open after corrupt load: %v", err)
	}
	defer ix.Close()
	report, err := ix.BuildOrUpdate(context.Background())
	if err != nil {
		t.Fatalf("BuildOrUpdate: %v", err)
	}
	if report.Indexed != 2 {
		t.Errorf("report = %+v, want 2 indexed", report)
	}
}

func TestLoadAfterBuild(t *testing.T) {
	dir := t.TempDir()
	c, _ := chunker.New(chunker.Config{Size: 50, Overlap: 10})
	infos, content := testDocs(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	deps := Deps{
		Source: &mockSource{
			listFunc:  func(ctx context.Context, userID string) ([]source.FileInfo, error) { return infos, nil },
			fetchFunc: func(ctx context.Context, uri string) ([]byte, error) { return content[uri], nil },
		},
		Extractor: extract.NewTextExtractor(),
		Chunker:   c,
		Embedder: &mockEmbedder{embedFunc: func(ctx context.Context, text string) ([]float32, error) {
			return fixedVec(text), nil
		}},
	}
	m := NewManager(dir, deps)

	ix, err := m.Open("alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ix.BuildOrUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	ix.Close()

	loaded, err := m.Load("alice")
	if err != nil {
		t.Fatalf("Load after build: %v", err)
	}
	defer loaded.Close()

	docs, chunks, err := loaded.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if docs != 2 || chunks == 0 {
		t.Errorf("Stats = %d docs, %d chunks", docs, chunks)
	}
}

func TestBuildOrUpdateIndexesAll(t *testing.T) {
	infos, content := testDocs(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	ix := newTestIndex(t, infos, content)

	report, err := ix.BuildOrUpdate(context.Background())
	if err != nil {
		t.Fatalf("BuildOrUpdate: %v", err)
	}
	if report.Indexed != 2 || report.Skipped != 0 || len(report.Failed) != 0 {
		t.Errorf("report = %+v", report)
	}

	docs, err := ix.Documents()
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d documents", len(docs))
	}
	// Ordered by title.
	if docs[0].Title != "notes" || docs[1].Title != "resume" {
		t.Errorf("titles = %s, %s", docs[0].Title, docs[1].Title)
	}
}

func TestBuildOrUpdateIdempotent(t *testing.T) {
	infos, content := testDocs(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	ix := newTestIndex(t, infos, content)

	if _, err := ix.BuildOrUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}
	report, err := ix.BuildOrUpdate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 0 || report.Skipped != 2 {
		t.Errorf("second build report = %+v, want all skipped", report)
	}
}

func TestBuildOrUpdateReindexesChanged(t *testing.T) {
	modTime := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	infos, content := testDocs(modTime)
	ix := newTestIndex(t, infos, content)

	if _, err := ix.BuildOrUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}

	infos[0].LastModified = modTime.Add(time.Hour)
	content["mem://resume.txt"] = []byte("John now has eleven years of experience.")

	report, err := ix.BuildOrUpdate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 1 || report.Skipped != 1 {
		t.Errorf("report = %+v, want 1 indexed 1 skipped", report)
	}
}

func TestBuildOrUpdateRemovesDeleted(t *testing.T) {
	infos, content := testDocs(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	ix := newTestIndex(t, infos[:2], content)

	if _, err := ix.BuildOrUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Rebuild with only the first document listed.
	infosOne := infos[:1]
	ix.deps.Source = &mockSource{
		listFunc:  func(ctx context.Context, userID string) ([]source.FileInfo, error) { return infosOne, nil },
		fetchFunc: func(ctx context.Context, uri string) ([]byte, error) { return content[uri], nil },
	}

	report, err := ix.BuildOrUpdate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Removed != 1 {
		t.Errorf("report = %+v, want 1 removed", report)
	}
	docs, _, err := ix.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if docs != 1 {
		t.Errorf("%d docs after removal, want 1", docs)
	}
}

func TestBuildOrUpdateSkipsUnsupported(t *testing.T) {
	infos := []source.FileInfo{
		{ID: "img.png", Title: "img", URI: "mem://img.png", MimeType: "image/png",
			LastModified: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)},
	}
	content := map[string][]byte{"mem://img.png": {0x89, 0x50}}
	ix := newTestIndex(t, infos, content)

	report, err := ix.BuildOrUpdate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Skipped != 1 || report.Indexed != 0 || len(report.Failed) != 0 {
		t.Errorf("report = %+v, want unsupported doc skipped", report)
	}
}

func TestBuildOrUpdateIsolatesFailures(t *testing.T) {
	infos, content := testDocs(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	ix := newTestIndex(t, infos, content)

	// First document's content is missing: fetch fails, the other still indexes.
	delete(content, "mem://resume.txt")
	ix.deps.Source = &mockSource{
		listFunc: func(ctx context.Context, userID string) ([]source.FileInfo, error) { return infos, nil },
		fetchFunc: func(ctx context.Context, uri string) ([]byte, error) {
			data, ok := content[uri]
			if !ok {
				return nil, fmt.Errorf("no content for %s", uri)
			}
			return data, nil
		},
	}

	report, err := ix.BuildOrUpdate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Indexed != 1 || len(report.Failed) != 1 {
		t.Fatalf("report = %+v, want 1 indexed 1 failed", report)
	}
	if report.Failed[0].DocumentID != "resume.txt" {
		t.Errorf("failed doc = %s", report.Failed[0].DocumentID)
	}
}

func TestSearchRanksBySimilarity(t *testing.T) {
	infos, content := testDocs(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	ix := newTestIndex(t, infos, content)

	if _, err := ix.BuildOrUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Query with the exact vector of the resume chunk: it must rank first.
	query := fixedVec("John has ten years of engineering experience.")
	results, err := ix.Search(context.Background(), query, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].DocumentID != "resume.txt" {
		t.Errorf("top result = %s, want resume.txt", results[0].DocumentID)
	}
	if results[0].Score < results[1].Score {
		t.Error("results not sorted by score descending")
	}
	if results[0].Title != "resume" {
		t.Errorf("Title = %q", results[0].Title)
	}
	if len(results[0].Embedding) == 0 {
		t.Error("embedding not returned with search result")
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	infos, content := testDocs(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	ix := newTestIndex(t, infos, content)

	results, err := ix.Search(context.Background(), []float32{1, 0, 0}, 4)
	if err != nil {
		t.Fatalf("Search on empty index: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from empty index", len(results))
	}
}

func TestDocumentText(t *testing.T) {
	infos, content := testDocs(time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC))
	ix := newTestIndex(t, infos, content)

	if _, err := ix.BuildOrUpdate(context.Background()); err != nil {
		t.Fatal(err)
	}

	text, err := ix.DocumentText("notes.md")
	if err != nil {
		t.Fatalf("DocumentText: %v", err)
	}
	if text != "Sarah studied biology at university." {
		t.Errorf("text = %q", text)
	}

	if _, err := ix.DocumentText("missing"); err == nil {
		t.Error("expected error for unknown document")
	}
}
