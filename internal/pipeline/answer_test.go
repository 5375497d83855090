package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/memvault/memvault/internal/chunker"
	"github.com/memvault/memvault/internal/composer"
	"github.com/memvault/memvault/internal/engine"
	"github.com/memvault/memvault/internal/index"
	"github.com/memvault/memvault/internal/memory"
	"github.com/memvault/memvault/internal/retrieval"
)

// fakeEngine scripts the three capabilities independently so tests can
// knock out embedding, chat, or the health probe one at a time.
type fakeEngine struct {
	embedFn   func(ctx context.Context, text string) ([]float32, error)
	chatFn    func(ctx context.Context, msgs []engine.Message) (string, error)
	isRunning bool
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.embedFn(ctx, text)
}

func (f *fakeEngine) Chat(ctx context.Context, msgs []engine.Message) (string, error) {
	return f.chatFn(ctx, msgs)
}

func (f *fakeEngine) IsRunning(_ context.Context) bool { return f.isRunning }

func healthyEngine(answer string) *fakeEngine {
	return &fakeEngine{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return []float32{1, 0, 0}, nil
		},
		chatFn: func(_ context.Context, _ []engine.Message) (string, error) {
			return answer, nil
		},
		isRunning: true,
	}
}

func newTestAnswerer(t *testing.T, eng engine.Engine) (*Answerer, *memory.Store) {
	t.Helper()

	idx, err := index.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	seeds := []string{"Go routines are lightweight", "SQLite stores rows in b-trees"}
	for i, text := range seeds {
		ch := chunker.Chunk{ID: text, SourcePath: "seed.txt", Index: i, Text: text}
		vec := []float32{0, 0, 0}
		vec[i] = 1
		if err := idx.Add(ch, vec); err != nil {
			t.Fatal(err)
		}
	}

	mem, err := memory.Open(filepath.Join(t.TempDir(), "conversations.json"))
	if err != nil {
		t.Fatal(err)
	}

	r := retrieval.NewRetriever(retrieval.NewEmbedder(eng), idx)
	a := NewAnswerer(eng, r, composer.New(0), mem, 5)
	return a, mem
}

func TestAsk(t *testing.T) {
	eng := healthyEngine("goroutines are cheap threads")
	a, mem := newTestAnswerer(t, eng)

	sess, err := mem.StartOrResume()
	if err != nil {
		t.Fatal(err)
	}

	res, err := a.Ask(context.Background(), sess.ID, "what are goroutines?")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if res.Degraded {
		t.Error("healthy pipeline reported degraded")
	}
	if res.Answer != "goroutines are cheap threads" {
		t.Errorf("Answer = %q", res.Answer)
	}
	if len(res.Hits) == 0 {
		t.Error("no hits returned")
	}

	// Both sides of the exchange are recorded.
	turns := mem.RecentContext(sess.ID, 10)
	if len(turns) != 2 {
		t.Fatalf("recorded %d turns, want 2", len(turns))
	}
	if turns[0].Role != memory.RoleUser || turns[0].Content != "what are goroutines?" {
		t.Errorf("turn 0 = %+v", turns[0])
	}
	if turns[1].Role != memory.RoleAssistant {
		t.Errorf("turn 1 = %+v", turns[1])
	}
}

func TestAsk_EmptyQuery(t *testing.T) {
	a, _ := newTestAnswerer(t, healthyEngine("unused"))

	for _, q := range []string{"", "   ", "\n\t"} {
		if _, err := a.Ask(context.Background(), "", q); !errors.Is(err, ErrEmptyQuery) {
			t.Errorf("Ask(%q) = %v, want ErrEmptyQuery", q, err)
		}
	}
}

func TestAsk_EmbeddingDownFallsBackToKeyword(t *testing.T) {
	eng := &fakeEngine{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return nil, engine.ErrUnavailable
		},
		chatFn: func(_ context.Context, _ []engine.Message) (string, error) {
			return "", engine.ErrUnavailable
		},
	}
	a, _ := newTestAnswerer(t, eng)

	res, err := a.Ask(context.Background(), "", "routines")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	if !a.Degraded() {
		t.Error("pipeline did not latch degraded mode")
	}
	if len(res.Hits) != 1 || res.Hits[0].Text != "Go routines are lightweight" {
		t.Fatalf("keyword hits = %+v", res.Hits)
	}
	if !strings.Contains(res.Answer, "Go routines are lightweight") {
		t.Errorf("excerpt listing missing hit text: %q", res.Answer)
	}
}

func TestAsk_ChatDownKeepsVectorHits(t *testing.T) {
	eng := healthyEngine("")
	eng.chatFn = func(_ context.Context, _ []engine.Message) (string, error) {
		return "", engine.ErrUnavailable
	}
	a, _ := newTestAnswerer(t, eng)

	res, err := a.Ask(context.Background(), "", "goroutines")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if !res.Degraded {
		t.Fatal("expected degraded result")
	}
	// Vector retrieval succeeded before chat failed, so the excerpt
	// listing is built from similarity hits, not keyword matches.
	if len(res.Hits) == 0 {
		t.Fatal("vector hits lost on chat failure")
	}
	if res.Hits[0].Text != "Go routines are lightweight" {
		t.Errorf("top hit = %q", res.Hits[0].Text)
	}
}

func TestAsk_RecoversWhenBackendReturns(t *testing.T) {
	eng := &fakeEngine{
		embedFn: func(_ context.Context, _ string) ([]float32, error) {
			return nil, engine.ErrUnavailable
		},
		chatFn: func(_ context.Context, _ []engine.Message) (string, error) {
			return "", engine.ErrUnavailable
		},
		isRunning: false,
	}
	a, _ := newTestAnswerer(t, eng)

	if _, err := a.Ask(context.Background(), "", "routines"); err != nil {
		t.Fatal(err)
	}
	if !a.Degraded() {
		t.Fatal("expected degraded mode after backend failure")
	}

	// Backend comes back; the next Ask probes and recovers.
	eng.isRunning = true
	eng.embedFn = func(_ context.Context, _ string) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	}
	eng.chatFn = func(_ context.Context, _ []engine.Message) (string, error) {
		return "recovered answer", nil
	}

	res, err := a.Ask(context.Background(), "", "goroutines")
	if err != nil {
		t.Fatal(err)
	}
	if res.Degraded {
		t.Error("pipeline stayed degraded after recovery")
	}
	if res.Answer != "recovered answer" {
		t.Errorf("Answer = %q", res.Answer)
	}
}

func TestAsk_HistoryThreadedIntoPrompt(t *testing.T) {
	var gotMsgs []engine.Message
	eng := healthyEngine("")
	eng.chatFn = func(_ context.Context, msgs []engine.Message) (string, error) {
		gotMsgs = msgs
		return "answer", nil
	}
	a, mem := newTestAnswerer(t, eng)

	sess, err := mem.StartOrResume()
	if err != nil {
		t.Fatal(err)
	}
	if err := mem.Append(sess.ID, memory.RoleUser, "earlier question"); err != nil {
		t.Fatal(err)
	}
	if err := mem.Append(sess.ID, memory.RoleAssistant, "earlier answer"); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Ask(context.Background(), sess.ID, "followup"); err != nil {
		t.Fatal(err)
	}

	// system + 2 history turns + current question.
	if len(gotMsgs) != 4 {
		t.Fatalf("prompt has %d messages, want 4", len(gotMsgs))
	}
	if gotMsgs[1].Content != "earlier question" || gotMsgs[2].Content != "earlier answer" {
		t.Errorf("history not threaded: %+v", gotMsgs[1:3])
	}
	if gotMsgs[3].Content != "followup" {
		t.Errorf("question not last: %+v", gotMsgs[3])
	}
}

func TestAsk_Cancellation(t *testing.T) {
	eng := healthyEngine("")
	eng.embedFn = func(ctx context.Context, _ string) ([]float32, error) {
		return nil, ctx.Err()
	}
	a, _ := newTestAnswerer(t, eng)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Ask(ctx, "", "anything")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Ask after cancel = %v, want context.Canceled", err)
	}
	if a.Degraded() {
		t.Error("cancellation must not latch degraded mode")
	}
}
