package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/memvault/memvault/internal/chunker"
	"github.com/memvault/memvault/internal/composer"
	"github.com/memvault/memvault/internal/engine"
	"github.com/memvault/memvault/internal/index"
	"github.com/memvault/memvault/internal/ingest"
	"github.com/memvault/memvault/internal/loader"
	"github.com/memvault/memvault/internal/memory"
	"github.com/memvault/memvault/internal/pipeline"
	"github.com/memvault/memvault/internal/retrieval"
)

// scriptedEngine answers every embed with the same vector and every chat
// with a fixed string. Setting down knocks out all three capabilities.
type scriptedEngine struct {
	answer string
	down   bool
}

func (s *scriptedEngine) Embed(_ context.Context, _ string) ([]float32, error) {
	if s.down {
		return nil, engine.ErrUnavailable
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

func (s *scriptedEngine) Chat(_ context.Context, _ []engine.Message) (string, error) {
	if s.down {
		return "", engine.ErrUnavailable
	}
	return s.answer, nil
}

func (s *scriptedEngine) IsRunning(_ context.Context) bool { return !s.down }

func newTestDeps(t *testing.T, eng engine.Engine) Deps {
	t.Helper()

	idx, err := index.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	mem, err := memory.Open(filepath.Join(t.TempDir(), "conversations.json"))
	if err != nil {
		t.Fatal(err)
	}

	ck, err := chunker.New(200, 40)
	if err != nil {
		t.Fatal(err)
	}
	emb := retrieval.NewEmbedder(eng)
	r := retrieval.NewRetriever(emb, idx)
	ing := ingest.New(loader.New(10), ck, emb, idx)

	return Deps{
		Memory:   mem,
		Index:    idx,
		Ingester: ing,
		Answerer: pipeline.NewAnswerer(eng, r, composer.New(0), mem, 5),
		Engine:   eng,
		DocsDir:  t.TempDir(),
	}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding response %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestHealth(t *testing.T) {
	h := NewHandler(newTestDeps(t, &scriptedEngine{}))
	rec := doRequest(t, h, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatus(t *testing.T) {
	deps := newTestDeps(t, &scriptedEngine{})
	h := NewHandler(deps)

	rec := doRequest(t, h, http.MethodGet, "/status", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	st := decodeBody[StatusResponse](t, rec)
	if !st.EngineRunning {
		t.Error("EngineRunning = false")
	}
	if st.IndexChunks != 0 {
		t.Errorf("IndexChunks = %d, want 0", st.IndexChunks)
	}
	if st.DocsDir != deps.DocsDir {
		t.Errorf("DocsDir = %q", st.DocsDir)
	}
}

func TestIndexAndQuery(t *testing.T) {
	deps := newTestDeps(t, &scriptedEngine{answer: "the answer"})
	h := NewHandler(deps)

	docPath := filepath.Join(deps.DocsDir, "notes.txt")
	if err := os.WriteFile(docPath, []byte("memvault indexes local documents"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, h, http.MethodPost, "/index", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("index status = %d: %s", rec.Code, rec.Body.String())
	}
	report := decodeBody[ingest.Report](t, rec)
	if report.Indexed != 1 || report.Chunks != 1 {
		t.Fatalf("report = %+v", report)
	}

	rec = doRequest(t, h, http.MethodPost, "/query", QueryRequest{Query: "what does memvault do?"})
	if rec.Code != http.StatusOK {
		t.Fatalf("query status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[QueryResponse](t, rec)
	if resp.Answer != "the answer" {
		t.Errorf("Answer = %q", resp.Answer)
	}
	if resp.Degraded {
		t.Error("Degraded = true with healthy engine")
	}
	if len(resp.Hits) != 1 {
		t.Fatalf("Hits = %+v", resp.Hits)
	}
	if resp.Hits[0].SourcePath != docPath {
		t.Errorf("hit source = %q, want %q", resp.Hits[0].SourcePath, docPath)
	}
	if resp.SessionID == "" {
		t.Error("SessionID empty")
	}
}

func TestIndexSingleFile(t *testing.T) {
	deps := newTestDeps(t, &scriptedEngine{})
	h := NewHandler(deps)

	path := filepath.Join(t.TempDir(), "single.md")
	if err := os.WriteFile(path, []byte("# single file"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, h, http.MethodPost, "/index", IndexRequest{Path: path})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	report := decodeBody[ingest.Report](t, rec)
	if report.Indexed != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestIndexMissingPath(t *testing.T) {
	h := NewHandler(newTestDeps(t, &scriptedEngine{}))
	rec := doRequest(t, h, http.MethodPost, "/index", IndexRequest{Path: "/does/not/exist"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestQueryEmpty(t *testing.T) {
	h := NewHandler(newTestDeps(t, &scriptedEngine{}))
	rec := doRequest(t, h, http.MethodPost, "/query", QueryRequest{Query: "   "})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestQueryDegraded(t *testing.T) {
	deps := newTestDeps(t, &scriptedEngine{down: true})
	h := NewHandler(deps)

	// Seed the index directly so keyword search has something to find.
	ch := chunker.Chunk{ID: "c1", SourcePath: "doc.txt", Index: 0, Text: "degraded mode excerpt"}
	if err := deps.Index.Add(ch, []float32{1, 0, 0}); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, h, http.MethodPost, "/query", QueryRequest{Query: "degraded"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[QueryResponse](t, rec)
	if !resp.Degraded {
		t.Fatal("Degraded = false with engine down")
	}
	if len(resp.Hits) != 1 || resp.Hits[0].Text != "degraded mode excerpt" {
		t.Errorf("Hits = %+v", resp.Hits)
	}
}

func TestSessionsAndMessages(t *testing.T) {
	deps := newTestDeps(t, &scriptedEngine{})
	h := NewHandler(deps)

	rec := doRequest(t, h, http.MethodPost, "/sessions", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("new session status = %d", rec.Code)
	}
	created := decodeBody[SessionSummary](t, rec)
	if created.ID == "" {
		t.Fatal("created session has no ID")
	}

	rec = doRequest(t, h, http.MethodPost, "/messages", AppendRequest{
		SessionID: created.ID,
		Role:      memory.RoleUser,
		Content:   "remember the milk",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("append status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/sessions", nil)
	sessions := decodeBody[[]SessionSummary](t, rec)
	if len(sessions) != 1 {
		t.Fatalf("sessions = %+v", sessions)
	}
	if sessions[0].Messages != 1 {
		t.Errorf("message count = %d, want 1", sessions[0].Messages)
	}

	rec = doRequest(t, h, http.MethodGet, "/recall?q=milk", nil)
	hits := decodeBody[[]RecallHit](t, rec)
	if len(hits) != 1 || hits[0].Content != "remember the milk" {
		t.Fatalf("recall hits = %+v", hits)
	}
}

func TestRecallRequiresQuery(t *testing.T) {
	h := NewHandler(newTestDeps(t, &scriptedEngine{}))
	rec := doRequest(t, h, http.MethodGet, "/recall", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAppendInvalidRole(t *testing.T) {
	h := NewHandler(newTestDeps(t, &scriptedEngine{}))
	rec := doRequest(t, h, http.MethodPost, "/messages", AppendRequest{
		Role:    "narrator",
		Content: "x",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func TestClearIndex(t *testing.T) {
	deps := newTestDeps(t, &scriptedEngine{})
	h := NewHandler(deps)

	ch := chunker.Chunk{ID: "c1", SourcePath: "doc.txt", Index: 0, Text: "x"}
	if err := deps.Index.Add(ch, []float32{1}); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, h, http.MethodDelete, "/index", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	count, err := deps.Index.Count()
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("index count = %d after clear", count)
	}
}

func TestClearMemory(t *testing.T) {
	deps := newTestDeps(t, &scriptedEngine{})
	h := NewHandler(deps)

	sess, err := deps.Memory.StartOrResume()
	if err != nil {
		t.Fatal(err)
	}
	if err := deps.Memory.Append(sess.ID, memory.RoleUser, "ephemeral"); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, h, http.MethodDelete, "/memory", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	// Clearing leaves one fresh, empty session.
	stats := deps.Memory.Stats()
	if stats.Sessions != 1 || stats.Messages != 0 {
		t.Errorf("stats after clear = %+v", stats)
	}
}

func TestScan(t *testing.T) {
	deps := newTestDeps(t, &scriptedEngine{})
	h := NewHandler(deps)

	if err := os.WriteFile(filepath.Join(deps.DocsDir, "a.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	rec := doRequest(t, h, http.MethodGet, "/scan", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	infos := decodeBody[[]ingest.FileInfo](t, rec)
	if len(infos) != 1 || infos[0].Name != "a.txt" {
		t.Fatalf("scan = %+v", infos)
	}
}
