// Package ingest turns documents on disk into indexed, embedded chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memvault/memvault/internal/chunker"
	"github.com/memvault/memvault/internal/index"
	"github.com/memvault/memvault/internal/loader"
	"github.com/memvault/memvault/internal/retrieval"
)

// Report summarizes one ingestion batch.
type Report struct {
	Indexed  int               `json:"indexed"`
	Skipped  int               `json:"skipped"`
	Chunks   int               `json:"chunks"`
	Failed   map[string]string `json:"failed,omitempty"`
	Duration time.Duration     `json:"-"`
}

// FileInfo is one entry of a folder scan.
type FileInfo struct {
	Path    string    `json:"path"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modified"`
}

// Ingester loads, chunks, embeds, and indexes documents. Files are
// processed concurrently; the index serializes writes internally.
type Ingester struct {
	loader   *loader.Loader
	chunker  *chunker.Chunker
	embedder *retrieval.Embedder
	index    *index.Store
	logger   *slog.Logger
}

// New wires an Ingester from its dependencies.
func New(l *loader.Loader, c *chunker.Chunker, e *retrieval.Embedder, idx *index.Store) *Ingester {
	return &Ingester{
		loader:   l,
		chunker:  c,
		embedder: e,
		index:    idx,
		logger:   slog.Default(),
	}
}

// IngestFile indexes a single document and returns the number of chunks
// written. Existing chunks for the same path are removed first, so
// re-ingesting a changed file never leaves stale entries behind.
func (g *Ingester) IngestFile(ctx context.Context, path string) (int, error) {
	doc, err := g.loader.Load(ctx, path)
	if err != nil {
		return 0, err
	}

	chunks := g.chunker.Split(doc.Path, doc.Text)

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Text
	}
	vecs, err := g.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding %s: %w", path, err)
	}

	if _, err := g.index.DeleteBySource(doc.Path); err != nil {
		return 0, fmt.Errorf("removing stale chunks for %s: %w", path, err)
	}
	if err := g.index.AddBatch(chunks, vecs); err != nil {
		return 0, fmt.Errorf("indexing %s: %w", path, err)
	}

	g.logger.Info("indexed document", "path", path, "kind", doc.Kind, "chunks", len(chunks))
	return len(chunks), nil
}

// RemoveFile drops every indexed chunk of a deleted document.
func (g *Ingester) RemoveFile(path string) (int, error) {
	return g.index.DeleteBySource(path)
}

// IngestDir walks root and ingests every regular file, up to four in
// flight at a time. Oversized and binary files count as skipped; other
// per-file failures are recorded in the report and never abort the batch.
// Only caller cancellation stops the walk early.
func (g *Ingester) IngestDir(ctx context.Context, root string) (Report, error) {
	start := time.Now()
	report := Report{Failed: map[string]string{}}

	paths, err := listFiles(root)
	if err != nil {
		return report, err
	}

	var mu sync.Mutex
	grp, gCtx := errgroup.WithContext(ctx)
	grp.SetLimit(4)

	for _, path := range paths {
		path := path
		grp.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			n, err := g.IngestFile(gCtx, path)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, loader.ErrTooLarge), errors.Is(err, loader.ErrUnsupported):
				g.logger.Warn("skipping document", "path", path, "reason", err)
				report.Skipped++
			case errors.Is(err, context.Canceled):
				return err
			case err != nil:
				g.logger.Warn("ingesting document failed", "path", path, "error", err)
				report.Failed[path] = err.Error()
			default:
				report.Indexed++
				report.Chunks += n
			}
			return nil
		})
	}

	err = grp.Wait()
	report.Duration = time.Since(start)
	return report, err
}

// Scan inventories the files under root without touching the index.
func (g *Ingester) Scan(root string) ([]FileInfo, error) {
	paths, err := listFiles(root)
	if err != nil {
		return nil, err
	}

	infos := make([]FileInfo, 0, len(paths))
	for _, path := range paths {
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{
			Path:    path,
			Name:    st.Name(),
			Size:    st.Size(),
			ModTime: st.ModTime(),
		})
	}
	return infos, nil
}

// listFiles returns every regular file under root, skipping dot-prefixed
// directories and files, in walk order.
func listFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", root, err)
	}
	return paths, nil
}
