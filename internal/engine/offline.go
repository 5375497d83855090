package engine

import "context"

// Compile-time check that Offline implements Engine.
var _ Engine = (*Offline)(nil)

// Offline is a no-op Engine used when no inference backend is configured.
// Every capability reports ErrUnavailable, which puts the pipeline into
// degraded (keyword-search) mode.
type Offline struct{}

// NewOffline returns the offline stub engine.
func NewOffline() *Offline {
	return &Offline{}
}

func (*Offline) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, ErrUnavailable
}

func (*Offline) Chat(ctx context.Context, messages []Message) (string, error) {
	return "", ErrUnavailable
}

func (*Offline) IsRunning(ctx context.Context) bool {
	return false
}
