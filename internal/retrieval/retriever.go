package retrieval

import (
	"context"

	"github.com/memvault/memvault/internal/index"
)

// Hit is a retrieved context fragment with its similarity score.
type Hit struct {
	ID         string
	SourcePath string
	Seq        int
	Text       string
	Score      float32
}

// VectorSearcher is the slice of the index the retriever depends on.
// *index.Store implements it.
type VectorSearcher interface {
	Query(vec []float32, k int) ([]index.ScoredChunk, error)
	KeywordSearch(query string, k int) ([]index.ScoredChunk, error)
}

// Retriever combines embedding and vector search to find relevant context.
type Retriever struct {
	embedder *Embedder
	store    VectorSearcher
}

// NewRetriever creates a Retriever backed by the given Embedder and index.
func NewRetriever(embedder *Embedder, store VectorSearcher) *Retriever {
	return &Retriever{embedder: embedder, store: store}
}

// Retrieve embeds the query and returns the top-K most similar chunks.
// Embedding failures (including engine.ErrUnavailable) are passed through
// so the caller can fall back to RetrieveKeyword.
func (r *Retriever) Retrieve(ctx context.Context, query string, topK int) ([]Hit, error) {
	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := r.store.Query(vec, topK)
	if err != nil {
		return nil, err
	}
	return scoredToHits(scored), nil
}

// RetrieveKeyword runs a plain substring search against the indexed text.
// It needs no embedding backend and is the degraded-mode path.
func (r *Retriever) RetrieveKeyword(ctx context.Context, query string, topK int) ([]Hit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	scored, err := r.store.KeywordSearch(query, topK)
	if err != nil {
		return nil, err
	}
	return scoredToHits(scored), nil
}

func scoredToHits(scored []index.ScoredChunk) []Hit {
	hits := make([]Hit, len(scored))
	for i, s := range scored {
		hits[i] = Hit{
			ID:         s.Chunk.ID,
			SourcePath: s.Chunk.SourcePath,
			Seq:        s.Chunk.Index,
			Text:       s.Chunk.Text,
			Score:      s.Score,
		}
	}
	return hits
}
