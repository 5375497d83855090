package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/memvault/memvault/internal/chunker"
	"github.com/memvault/memvault/internal/engine"
	"github.com/memvault/memvault/internal/index"
)

func openTestIndex(t *testing.T) *index.Store {
	t.Helper()
	s, err := index.Open(":memory:")
	if err != nil {
		t.Fatalf("opening test index: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedIndex(t *testing.T, s *index.Store, entries map[string][]float32) {
	t.Helper()
	seq := 0
	for text, vec := range entries {
		ch := chunker.Chunk{ID: text, SourcePath: "seed.txt", Index: seq, Text: text}
		if err := s.Add(ch, vec); err != nil {
			t.Fatalf("seeding %q: %v", text, err)
		}
		seq++
	}
}

func TestRetrieve(t *testing.T) {
	s := openTestIndex(t)
	seedIndex(t, s, map[string][]float32{
		"about dogs": {1, 0, 0},
		"about cats": {0, 1, 0},
		"about fish": {0, 0, 1},
	})

	// The mock embeds every query as the "dogs" direction.
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return []float32{0.9, 0.1, 0}, nil
		},
	}
	r := NewRetriever(NewEmbedder(mock), s)

	hits, err := r.Retrieve(context.Background(), "tell me about dogs", 2)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].Text != "about dogs" {
		t.Errorf("top hit = %q, want %q", hits[0].Text, "about dogs")
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("scores not descending: %f, %f", hits[0].Score, hits[1].Score)
	}
	if hits[0].SourcePath != "seed.txt" {
		t.Errorf("SourcePath = %q, want seed.txt", hits[0].SourcePath)
	}
}

func TestRetrieve_EngineDown(t *testing.T) {
	s := openTestIndex(t)
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return nil, engine.ErrUnavailable
		},
	}
	r := NewRetriever(NewEmbedder(mock), s)

	_, err := r.Retrieve(context.Background(), "anything", 3)
	if !errors.Is(err, engine.ErrUnavailable) {
		t.Fatalf("Retrieve = %v, want ErrUnavailable", err)
	}
}

func TestRetrieveKeyword(t *testing.T) {
	s := openTestIndex(t)
	seedIndex(t, s, map[string][]float32{
		"Go routines are lightweight": {1, 0},
		"Python threads use the GIL":  {0, 1},
	})

	// Keyword search must not touch the engine at all.
	mock := &mockEngine{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			t.Fatal("keyword retrieval must not embed")
			return nil, nil
		},
	}
	r := NewRetriever(NewEmbedder(mock), s)

	hits, err := r.RetrieveKeyword(context.Background(), "routines", 5)
	if err != nil {
		t.Fatalf("RetrieveKeyword: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].Text != "Go routines are lightweight" {
		t.Errorf("hit = %q", hits[0].Text)
	}
	if hits[0].Score != 0 {
		t.Errorf("keyword hit score = %f, want 0", hits[0].Score)
	}
}

func TestRetrieveKeyword_Cancelled(t *testing.T) {
	s := openTestIndex(t)
	r := NewRetriever(NewEmbedder(&mockEngine{}), s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.RetrieveKeyword(ctx, "anything", 3)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("RetrieveKeyword = %v, want context.Canceled", err)
	}
}
