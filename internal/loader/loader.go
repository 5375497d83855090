// Package loader reads supported documents from disk and extracts their
// plain text for chunking.
package loader

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"
)

const defaultMaxFileMB = 10

// Sentinel causes carried by LoadError. Callers classify skips (too large,
// binary) separately from genuine failures.
var (
	ErrTooLarge    = errors.New("file exceeds size ceiling")
	ErrUnsupported = errors.New("unsupported binary content")
)

// LoadError wraps a failure for one document with the path that caused it.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Document is the extracted text of one source file plus its metadata.
type Document struct {
	Path    string
	Name    string
	Kind    string // pdf, docx, csv, html, text, code
	Text    string
	Pages   int // pdf only
	Size    int64
	ModTime time.Time
}

// Loader dispatches on file extension and enforces the size ceiling. The
// ceiling is checked with a stat before any bytes are read.
type Loader struct {
	maxBytes int64
}

// New creates a Loader with the given per-file ceiling in megabytes.
// If maxFileMB <= 0, the default (10) is used.
func New(maxFileMB int) *Loader {
	if maxFileMB <= 0 {
		maxFileMB = defaultMaxFileMB
	}
	return &Loader{maxBytes: int64(maxFileMB) * 1024 * 1024}
}

// codeExts are source-file extensions loaded as plain text.
var codeExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".java": true,
	".c": true, ".cpp": true, ".h": true, ".rs": true, ".rb": true,
	".sh": true, ".sql": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true,
}

// Load reads one document. Files over the ceiling return a LoadError
// wrapping ErrTooLarge without reading any content. Unknown extensions are
// loaded as plain text when the bytes are valid UTF-8 and rejected with
// ErrUnsupported otherwise.
func (l *Loader) Load(ctx context.Context, path string) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if info.IsDir() {
		return nil, &LoadError{Path: path, Err: errors.New("is a directory")}
	}
	if info.Size() > l.maxBytes {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("%w: %d bytes", ErrTooLarge, info.Size())}
	}

	doc := &Document{
		Path:    path,
		Name:    filepath.Base(path),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case ext == ".pdf":
		doc.Kind = "pdf"
		doc.Text, doc.Pages, err = extractPDF(path)
	case ext == ".docx":
		doc.Kind = "docx"
		doc.Text, err = extractDOCX(path)
	case ext == ".csv":
		doc.Kind = "csv"
		doc.Text, err = extractCSV(path)
	case ext == ".html" || ext == ".htm":
		doc.Kind = "html"
		doc.Text, err = extractHTML(path)
	case ext == ".txt" || ext == ".md" || ext == ".markdown":
		doc.Kind = "text"
		doc.Text, err = readText(path)
	case codeExts[ext]:
		doc.Kind = "code"
		doc.Text, err = readText(path)
	default:
		doc.Kind = "text"
		doc.Text, err = readTextStrict(path)
	}
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return doc, nil
}

func readText(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readTextStrict rejects files that are not valid UTF-8. It is the path for
// extensions the loader knows nothing about.
func readTextStrict(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrUnsupported
	}
	return string(b), nil
}

// extractCSV flattens rows into lines with fields separated by single
// spaces, so cell values stay searchable as text.
func extractCSV(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // ragged rows are fine

	var sb strings.Builder
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing csv: %w", err)
		}
		sb.WriteString(strings.Join(record, " "))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}
