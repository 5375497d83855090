package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitForCount(t *testing.T, count func() (int, error), want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		n, err := count()
		if err != nil {
			t.Fatal(err)
		}
		if n == want {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	n, _ := count()
	t.Fatalf("index count = %d, want %d", n, want)
}

func TestWatcher_IndexesNewAndRemovedFiles(t *testing.T) {
	ing, idx := newTestIngester(t, &countingEngine{})
	dir := t.TempDir()

	w, err := NewWatcher(dir, ing)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("watched document body"), 0o644); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, idx.Count, 1)

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitForCount(t, idx.Count, 0)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop after cancellation")
	}
}

func TestWatcher_IgnoresHiddenFiles(t *testing.T) {
	ing, idx := newTestIngester(t, &countingEngine{})
	dir := t.TempDir()

	w, err := NewWatcher(dir, ing)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	if err := os.WriteFile(filepath.Join(dir, ".swapfile"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	// Give the watcher a chance to (wrongly) pick it up.
	time.Sleep(2 * settleDelay)
	n, err := idx.Count()
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("hidden file was indexed: count = %d", n)
	}
}
