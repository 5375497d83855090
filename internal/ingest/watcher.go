package ingest

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/memvault/memvault/internal/loader"
)

// settleDelay gives editors that write files in several bursts time to
// finish before the document is re-read.
const settleDelay = 300 * time.Millisecond

// Watcher keeps the index in sync with the documents folder: created and
// modified files are re-ingested, removed files are dropped from the index.
type Watcher struct {
	fw       *fsnotify.Watcher
	ingester *Ingester
	logger   *slog.Logger
}

// NewWatcher creates a Watcher over the given directory.
func NewWatcher(dir string, ingester *Ingester) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}
	return &Watcher{
		fw:       fw,
		ingester: ingester,
		logger:   slog.Default(),
	}, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	pending := map[string]time.Time{}
	ticker := time.NewTicker(settleDelay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if strings.HasPrefix(filepath.Base(event.Name), ".") {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				pending[event.Name] = time.Now()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(pending, event.Name)
				w.remove(event.Name)
			}

		case <-ticker.C:
			now := time.Now()
			for path, at := range pending {
				if now.Sub(at) < settleDelay {
					continue
				}
				delete(pending, path)
				w.reindex(ctx, path)
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

// Close releases the underlying filesystem watch.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

func (w *Watcher) reindex(ctx context.Context, path string) {
	n, err := w.ingester.IngestFile(ctx, path)
	switch {
	case errors.Is(err, loader.ErrTooLarge), errors.Is(err, loader.ErrUnsupported):
		w.logger.Warn("watcher skipping document", "path", path, "reason", err)
	case errors.Is(err, context.Canceled):
	case err != nil:
		w.logger.Warn("watcher re-index failed", "path", path, "error", err)
	default:
		w.logger.Info("watcher re-indexed document", "path", path, "chunks", n)
	}
}

func (w *Watcher) remove(path string) {
	n, err := w.ingester.RemoveFile(path)
	if err != nil {
		w.logger.Warn("watcher delete failed", "path", path, "error", err)
		return
	}
	if n > 0 {
		w.logger.Info("watcher removed document", "path", path, "chunks", n)
	}
}
