// Package engine abstracts the local inference backend used for embeddings
// and answer generation. Consumers depend on the Engine capability interface
// rather than a concrete client, so an offline stub can stand in when no
// backend is reachable.
package engine

import (
	"context"
	"errors"
)

// ErrUnavailable signals that the inference backend cannot be reached or
// timed out. It is recoverable: callers fall back to degraded operation
// instead of failing the request.
var ErrUnavailable = errors.New("inference backend unavailable")

// Message is a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Engine is the capability set the pipeline needs: embed text and generate
// answers. Implementations wrap ErrUnavailable on connectivity failures.
type Engine interface {
	// Embed returns the embedding vector for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Chat sends messages to the answer model and returns the assistant's
	// response.
	Chat(ctx context.Context, messages []Message) (string, error)

	// IsRunning reports whether the backend is currently reachable.
	IsRunning(ctx context.Context) bool
}
