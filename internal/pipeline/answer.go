package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/memvault/memvault/internal/composer"
	"github.com/memvault/memvault/internal/engine"
	"github.com/memvault/memvault/internal/memory"
	"github.com/memvault/memvault/internal/retrieval"
)

// ErrEmptyQuery is returned when Ask receives a blank query.
var ErrEmptyQuery = errors.New("query must not be empty")

// recentWindow is how many prior conversation turns are threaded into the
// prompt alongside retrieved excerpts.
const recentWindow = 6

// Result is the outcome of one Ask round trip.
type Result struct {
	Answer     string
	Hits       []retrieval.Hit
	Degraded   bool
	DurationMs int64
}

// Answerer orchestrates a question round trip: retrieve relevant chunks,
// compose a prompt with recent conversation context, ask the answer model,
// and record the exchange. When the inference backend is unreachable it
// switches to degraded mode: keyword search over indexed text with a plain
// excerpt listing instead of a generated answer. The degraded flag is
// re-checked lazily on the next Ask, so a recovered backend is picked up
// without a restart.
type Answerer struct {
	engine    engine.Engine
	retriever *retrieval.Retriever
	composer  *composer.Composer
	memory    *memory.Store
	topK      int

	degraded atomic.Bool
}

// NewAnswerer wires the orchestrator. topK defaults to 5 if <= 0. memory
// may be nil, in which case exchanges are not recorded.
func NewAnswerer(eng engine.Engine, r *retrieval.Retriever, comp *composer.Composer, mem *memory.Store, topK int) *Answerer {
	if topK <= 0 {
		topK = 5
	}
	return &Answerer{
		engine:    eng,
		retriever: r,
		composer:  comp,
		memory:    mem,
		topK:      topK,
	}
}

// Degraded reports whether the last Ask ran without the inference backend.
func (a *Answerer) Degraded() bool {
	return a.degraded.Load()
}

// Ask runs the full pipeline for one query within the given session.
// Caller-initiated cancellation aborts the round trip; backend failures
// never do, they demote it to degraded mode instead.
func (a *Answerer) Ask(ctx context.Context, sessionID, query string) (res Result, err error) {
	start := time.Now()
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
	}()

	query = strings.TrimSpace(query)
	if query == "" {
		return res, ErrEmptyQuery
	}

	// A previously degraded pipeline probes the backend again before
	// falling straight back to keyword search.
	if a.degraded.Load() && a.engine.IsRunning(ctx) {
		slog.Info("inference backend recovered, leaving degraded mode")
		a.degraded.Store(false)
	}

	if a.degraded.Load() {
		return a.askDegraded(ctx, sessionID, query)
	}

	hits, err := a.retriever.Retrieve(ctx, query, a.topK)
	switch {
	case errors.Is(err, engine.ErrUnavailable):
		slog.Warn("embedding unavailable, entering degraded mode", "error", err)
		a.degraded.Store(true)
		return a.askDegraded(ctx, sessionID, query)
	case err != nil:
		return res, err
	}

	var history []memory.Message
	if a.memory != nil && sessionID != "" {
		history = a.memory.RecentContext(sessionID, recentWindow)
	}

	answer, err := a.engine.Chat(ctx, a.composer.Compose(query, hits, history))
	switch {
	case errors.Is(err, engine.ErrUnavailable):
		// Retrieval already succeeded; keep the vector hits and only
		// downgrade the answer to an excerpt listing.
		slog.Warn("answer model unavailable, returning excerpts", "error", err)
		a.degraded.Store(true)
		res = Result{Answer: composer.Excerpts(hits), Hits: hits, Degraded: true}
	case err != nil:
		return res, err
	default:
		res = Result{Answer: answer, Hits: hits}
	}

	a.record(sessionID, query, res.Answer)
	return res, nil
}

// askDegraded serves the query from keyword search alone.
func (a *Answerer) askDegraded(ctx context.Context, sessionID, query string) (Result, error) {
	hits, err := a.retriever.RetrieveKeyword(ctx, query, a.topK)
	if err != nil {
		return Result{Degraded: true}, err
	}
	res := Result{Answer: composer.Excerpts(hits), Hits: hits, Degraded: true}
	a.record(sessionID, query, res.Answer)
	return res, nil
}

// record appends the exchange to conversation memory. Persistence failures
// are logged but never fail the round trip that produced the answer.
func (a *Answerer) record(sessionID, query, answer string) {
	if a.memory == nil || sessionID == "" {
		return
	}
	if err := a.memory.Append(sessionID, memory.RoleUser, query); err != nil {
		slog.Warn("recording user message failed", "session", sessionID, "error", err)
		return
	}
	if err := a.memory.Append(sessionID, memory.RoleAssistant, answer); err != nil {
		slog.Warn("recording assistant message failed", "session", sessionID, "error", err)
	}
}
