package source

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// LocalSource serves documents from a directory tree on disk. Each immediate
// subdirectory of root is one user's corpus. It mirrors the pull-only contract
// of the Drive source so the rest of the pipeline cannot tell them apart.
type LocalSource struct {
	root string
}

// NewLocalSource creates a LocalSource rooted at dir.
func NewLocalSource(dir string) *LocalSource {
	return &LocalSource{root: dir}
}

// mimeByExtension maps the file extensions the extractor understands.
// Anything else is reported as application/octet-stream and left to the
// extractor to reject as unsupported.
var mimeByExtension = map[string]string{
	".txt": "text/plain",
	".md":  "text/markdown",
	".csv": "text/csv",
	".pdf": "application/pdf",
}

// ListDocuments walks the user's corpus directory and returns one FileInfo
// per regular file. A missing directory yields an empty listing, not an
// error, matching a user with an empty Drive.
func (s *LocalSource) ListDocuments(ctx context.Context, userID string) ([]FileInfo, error) {
	userDir := filepath.Join(s.root, userID)
	if _, err := os.Stat(userDir); os.IsNotExist(err) {
		return nil, nil
	}

	var infos []FileInfo
	err := filepath.WalkDir(userDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(userDir, path)
		if err != nil {
			return err
		}

		mime, ok := mimeByExtension[strings.ToLower(filepath.Ext(path))]
		if !ok {
			mime = "application/octet-stream"
		}

		infos = append(infos, FileInfo{
			ID:           rel,
			Title:        strings.TrimSuffix(d.Name(), filepath.Ext(d.Name())),
			URI:          path,
			MimeType:     mime,
			LastModified: fi.ModTime().UTC(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing documents for %s: %w", userID, err)
	}
	return infos, nil
}

// FetchContent reads the file at uri (an absolute path produced by
// ListDocuments).
func (s *LocalSource) FetchContent(ctx context.Context, uri string) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	data, err := os.ReadFile(uri)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", uri, err)
	}
	return data, nil
}
