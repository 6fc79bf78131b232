// Package extract turns raw file bytes into plain text for chunking.
package extract

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupported signals a file format the extractor does not handle.
// Callers skip these documents; any other error is a genuine extraction
// failure and may be retried.
var ErrUnsupported = errors.New("unsupported format")

// Extractor converts raw document bytes into plain text.
type Extractor interface {
	ExtractText(data []byte, mimeType string) (string, error)
}

// TextExtractor handles plain-text formats and PDF.
type TextExtractor struct{}

// NewTextExtractor creates a TextExtractor.
func NewTextExtractor() *TextExtractor {
	return &TextExtractor{}
}

// ExtractText dispatches on the MIME type. Text formats must be valid UTF-8.
func (e *TextExtractor) ExtractText(data []byte, mimeType string) (string, error) {
	base := mimeType
	if idx := strings.Index(base, ";"); idx != -1 {
		base = strings.TrimSpace(base[:idx])
	}

	switch {
	case strings.HasPrefix(base, "text/"):
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%s: content is not valid UTF-8", base)
		}
		return string(data), nil
	case base == "application/pdf":
		return extractPDF(data)
	default:
		return "", fmt.Errorf("%s: %w", base, ErrUnsupported)
	}
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}

	plain, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("copying pdf text: %w", err)
	}
	return buf.String(), nil
}
