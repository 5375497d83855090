// Package api exposes the vault over a loopback HTTP API and an MCP
// stdio server.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/memvault/memvault/internal/engine"
	"github.com/memvault/memvault/internal/index"
	"github.com/memvault/memvault/internal/ingest"
	"github.com/memvault/memvault/internal/memory"
	"github.com/memvault/memvault/internal/pipeline"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds everything the handlers need.
type Deps struct {
	Memory   *memory.Store
	Index    *index.Store
	Ingester *ingest.Ingester
	Answerer *pipeline.Answerer
	Engine   engine.Engine
	DocsDir  string
}

// NewHandler builds the HTTP API router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Get("/status", handleStatus(deps))
	r.Get("/scan", handleScan(deps))

	r.Post("/index", handleIndex(deps))
	r.Delete("/index", handleClearIndex(deps))

	r.Post("/query", handleQuery(deps))

	r.Get("/recall", handleRecall(deps))
	r.Get("/sessions", handleListSessions(deps))
	r.Post("/sessions", handleNewSession(deps))
	r.Post("/messages", handleAppendMessage(deps))
	r.Delete("/memory", handleClearMemory(deps))

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// StatusResponse is the vault status document.
type StatusResponse struct {
	EngineRunning bool     `json:"engine_running"`
	Degraded      bool     `json:"degraded"`
	DocsDir       string   `json:"docs_dir"`
	IndexChunks   int      `json:"index_chunks"`
	IndexSources  []string `json:"index_sources"`
	Sessions      int      `json:"sessions"`
	Messages      int      `json:"messages"`
	ActiveSession string   `json:"active_session,omitempty"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := deps.Index.Count()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading index: %v", err)
			return
		}
		sources, err := deps.Index.Sources()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "reading index sources: %v", err)
			return
		}
		if sources == nil {
			sources = []string{}
		}
		stats := deps.Memory.Stats()

		writeJSON(w, StatusResponse{
			EngineRunning: deps.Engine.IsRunning(r.Context()),
			Degraded:      deps.Answerer.Degraded(),
			DocsDir:       deps.DocsDir,
			IndexChunks:   count,
			IndexSources:  sources,
			Sessions:      stats.Sessions,
			Messages:      stats.Messages,
			ActiveSession: stats.ActiveSession,
		})
	}
}

func handleScan(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		infos, err := deps.Ingester.Scan(deps.DocsDir)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "scanning %s: %v", deps.DocsDir, err)
			return
		}
		if infos == nil {
			infos = []ingest.FileInfo{}
		}
		writeJSON(w, infos)
	}
}

// IndexRequest selects what to (re-)index. An empty path means the
// configured documents folder.
type IndexRequest struct {
	Path string `json:"path"`
}

func handleIndex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		// An empty body means "index the configured docs folder".
		var req IndexRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		path := req.Path
		if path == "" {
			path = deps.DocsDir
		}

		st, err := os.Stat(path)
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "stat %s: %v", path, err)
			return
		}

		if !st.IsDir() {
			n, err := deps.Ingester.IngestFile(r.Context(), path)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "indexing %s: %v", path, err)
				return
			}
			writeJSON(w, ingest.Report{Indexed: 1, Chunks: n})
			return
		}

		report, err := deps.Ingester.IngestDir(r.Context(), path)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "indexing %s: %v", path, err)
			return
		}
		writeJSON(w, report)
	}
}

func handleClearIndex(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Index.Clear(); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing index: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared"})
	}
}

// QueryRequest asks a question. An empty session_id targets the active
// session.
type QueryRequest struct {
	Query     string `json:"query"`
	SessionID string `json:"session_id"`
}

// QueryResponse carries the answer and its provenance.
type QueryResponse struct {
	Answer     string     `json:"answer"`
	Degraded   bool       `json:"degraded"`
	SessionID  string     `json:"session_id"`
	Hits       []QueryHit `json:"hits"`
	DurationMs int64      `json:"duration_ms"`
}

// QueryHit is one supporting excerpt.
type QueryHit struct {
	SourcePath string  `json:"source_path"`
	Seq        int     `json:"seq"`
	Text       string  `json:"text"`
	Score      float32 `json:"score"`
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req QueryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sess, err := deps.Memory.StartOrResume()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "resuming session: %v", err)
				return
			}
			sessionID = sess.ID
		}

		res, err := deps.Answerer.Ask(r.Context(), sessionID, req.Query)
		if errors.Is(err, pipeline.ErrEmptyQuery) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query must not be empty")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "answering query: %v", err)
			return
		}

		hits := make([]QueryHit, len(res.Hits))
		for i, h := range res.Hits {
			hits[i] = QueryHit{SourcePath: h.SourcePath, Seq: h.Seq, Text: h.Text, Score: h.Score}
		}
		writeJSON(w, QueryResponse{
			Answer:     res.Answer,
			Degraded:   res.Degraded,
			SessionID:  sessionID,
			Hits:       hits,
			DurationMs: res.DurationMs,
		})
	}
}

// RecallHit is one conversation-memory match.
type RecallHit struct {
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

func handleRecall(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		found := deps.Memory.Search(q)
		if len(found) > limit {
			found = found[:limit]
		}
		hits := make([]RecallHit, len(found))
		for i, h := range found {
			hits[i] = RecallHit{
				SessionID: h.SessionID,
				Role:      h.Message.Role,
				Content:   h.Message.Content,
				Timestamp: h.Message.Timestamp,
			}
		}
		writeJSON(w, hits)
	}
}

// SessionSummary lists one session without its message bodies.
type SessionSummary struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Messages  int       `json:"messages"`
}

func handleListSessions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := deps.Memory.Sessions()
		out := make([]SessionSummary, len(sessions))
		for i, s := range sessions {
			out[i] = SessionSummary{ID: s.ID, CreatedAt: s.CreatedAt, Messages: len(s.Messages)}
		}
		writeJSON(w, out)
	}
}

func handleNewSession(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Memory.NewSession()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "creating session: %v", err)
			return
		}
		writeJSON(w, SessionSummary{ID: sess.ID, CreatedAt: sess.CreatedAt})
	}
}

// AppendRequest stores one message. An empty session_id targets the
// active session.
type AppendRequest struct {
	SessionID string `json:"session_id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

func handleAppendMessage(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Content == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content is required")
			return
		}
		if req.Role == "" {
			req.Role = memory.RoleUser
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sess, err := deps.Memory.StartOrResume()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "resuming session: %v", err)
				return
			}
			sessionID = sess.ID
		}

		if err := deps.Memory.Append(sessionID, req.Role, req.Content); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "appending message: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "stored", "session_id": sessionID})
	}
}

func handleClearMemory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := deps.Memory.Clear()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "clearing memory: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "cleared", "session_id": sess.ID})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
