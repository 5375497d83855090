// Package index provides the persistent vector index: chunk-keyed embeddings
// with brute-force cosine similarity search, backed by SQLite.
package index

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/memvault/memvault/internal/chunker"
)

// ErrDimensionMismatch is returned when a vector's dimensionality differs
// from the one the index was built with. There is no migration path for
// mixed dimensions; the index must be cleared and rebuilt with one
// embedding model.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch, index rebuild required")

// ScoredChunk is a stored chunk with its similarity score.
type ScoredChunk struct {
	Chunk chunker.Chunk
	Score float32
}

// Store is a SQLite-backed vector index. Every Add commits a transaction,
// so entries added before a crash survive it. A mutex serializes writers;
// concurrent ingestion workers cannot interleave partial updates.
//
// Brute-force scan is fine at personal-document scale; revisit with an
// ANN-capable backend if the chunk count grows past ~100K.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS chunks (
	id TEXT PRIMARY KEY,
	source_path TEXT NOT NULL,
	seq INTEGER NOT NULL,
	overlap INTEGER NOT NULL DEFAULT 0,
	text_chunk TEXT NOT NULL,
	embedding BLOB NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_chunks_source_path ON chunks(source_path);
CREATE TABLE IF NOT EXISTS index_meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// Open opens (or creates) the vector index in dataDir. Pass ":memory:" for
// an in-memory index (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "index.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening index database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging index database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating index schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Add inserts a chunk with its embedding. Keyed by chunk ID: re-adding the
// same ID overwrites the stored entry instead of duplicating it, and keeps
// the original insertion position.
func (s *Store) Add(ch chunker.Chunk, vec []float32) error {
	return s.AddBatch([]chunker.Chunk{ch}, [][]float32{vec})
}

// AddBatch inserts several chunks in one transaction.
func (s *Store) AddBatch(chunks []chunker.Chunk, vecs [][]float32) error {
	if len(chunks) != len(vecs) {
		return fmt.Errorf("chunk/vector count mismatch: %d vs %d", len(chunks), len(vecs))
	}
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning add transaction: %w", err)
	}
	defer tx.Rollback()

	dim, err := dimLocked(tx)
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO chunks (id, source_path, seq, overlap, text_chunk, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_path = excluded.source_path,
			seq = excluded.seq,
			overlap = excluded.overlap,
			text_chunk = excluded.text_chunk,
			embedding = excluded.embedding,
			created_at = excluded.created_at`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, ch := range chunks {
		vec := vecs[i]
		if len(vec) == 0 {
			return fmt.Errorf("empty embedding for chunk %s", ch.ID)
		}
		if dim == 0 {
			dim = len(vec)
			if _, err := tx.Exec(`INSERT INTO index_meta (key, value) VALUES ('dim', ?)`, dim); err != nil {
				return fmt.Errorf("recording index dimension: %w", err)
			}
		} else if len(vec) != dim {
			return fmt.Errorf("%w: got %d, index has %d", ErrDimensionMismatch, len(vec), dim)
		}

		blob := encodeFloat32s(vec)
		if _, err := stmt.Exec(ch.ID, ch.SourcePath, ch.Index, ch.OverlapWithPrev, ch.Text, blob, now); err != nil {
			return fmt.Errorf("inserting chunk %s: %w", ch.ID, err)
		}
	}

	return tx.Commit()
}

// idScore holds only the rowid, ID, and score during the scan phase of
// Query. Full chunk rows are fetched only for top-K winners.
type idScore struct {
	RowID int64
	ID    string
	Score float32
}

// Query performs brute-force cosine similarity search, returning up to k
// chunks ordered by descending score. Equal scores are broken by insertion
// order. An index with fewer than k entries returns them all.
func (s *Store) Query(vec []float32, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}

	dim, err := s.dim()
	if err != nil {
		return nil, err
	}
	if dim != 0 && len(vec) != dim {
		return nil, fmt.Errorf("%w: query has %d, index has %d", ErrDimensionMismatch, len(vec), dim)
	}

	queryNorm := norm(vec)
	if queryNorm == 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT rowid, id, embedding FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("scanning vectors: %w", err)
	}
	defer rows.Close()

	h := &idScoreHeap{}
	heap.Init(h)

	// Reusable buffer for decoding embeddings to avoid per-row allocations.
	var buf []float32

	for rows.Next() {
		var rowid int64
		var id string
		var blob []byte
		if err := rows.Scan(&rowid, &id, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for %s: %w", id, err)
		}

		score := cosine(vec, buf, queryNorm)
		cand := idScore{RowID: rowid, ID: id, Score: score}
		if h.Len() < k {
			heap.Push(h, cand)
		} else if better(cand, (*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}

	if h.Len() == 0 {
		return nil, nil
	}

	// Pop winners: the heap yields worst-first, so fill from the back.
	ordered := make([]idScore, h.Len())
	for i := len(ordered) - 1; i >= 0; i-- {
		ordered[i] = heap.Pop(h).(idScore)
	}

	return s.fetchScored(ordered)
}

// fetchScored loads full chunk rows for the given winners, preserving
// their order.
func (s *Store) fetchScored(winners []idScore) ([]ScoredChunk, error) {
	stmt, err := s.db.Prepare(`
		SELECT source_path, seq, overlap, text_chunk FROM chunks WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("preparing fetch statement: %w", err)
	}
	defer stmt.Close()

	results := make([]ScoredChunk, 0, len(winners))
	for _, w := range winners {
		ch := chunker.Chunk{ID: w.ID}
		err := stmt.QueryRow(w.ID).Scan(&ch.SourcePath, &ch.Index, &ch.OverlapWithPrev, &ch.Text)
		if err != nil {
			return nil, fmt.Errorf("fetching chunk %s: %w", w.ID, err)
		}
		results = append(results, ScoredChunk{Chunk: ch, Score: w.Score})
	}
	return results, nil
}

// KeywordSearch returns up to k chunks whose text contains query,
// case-insensitively, in insertion order. This is the degraded-mode
// fallback used when no embedding backend is reachable; scores are zero.
func (s *Store) KeywordSearch(query string, k int) ([]ScoredChunk, error) {
	if k <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`
		SELECT id, source_path, seq, overlap, text_chunk
		FROM chunks
		WHERE instr(lower(text_chunk), lower(?)) > 0
		ORDER BY rowid ASC
		LIMIT ?`, query, k)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var results []ScoredChunk
	for rows.Next() {
		var ch chunker.Chunk
		if err := rows.Scan(&ch.ID, &ch.SourcePath, &ch.Index, &ch.OverlapWithPrev, &ch.Text); err != nil {
			return nil, fmt.Errorf("scanning keyword row: %w", err)
		}
		results = append(results, ScoredChunk{Chunk: ch})
	}
	return results, rows.Err()
}

// DeleteBySource removes all chunks for the given source path and returns
// how many were removed. A path with no chunks is not an error.
func (s *Store) DeleteBySource(path string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM chunks WHERE source_path = ?`, path)
	if err != nil {
		return 0, fmt.Errorf("deleting chunks for %s: %w", path, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Count returns the number of indexed chunks.
func (s *Store) Count() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM chunks`).Scan(&count)
	return count, err
}

// Sources returns the distinct source paths currently indexed.
func (s *Store) Sources() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT source_path FROM chunks ORDER BY source_path`)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Clear drops every entry and the recorded dimension, allowing a rebuild
// with a different embedding model.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning clear transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM chunks`); err != nil {
		return fmt.Errorf("clearing chunks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM index_meta WHERE key = 'dim'`); err != nil {
		return fmt.Errorf("clearing index meta: %w", err)
	}
	return tx.Commit()
}

// Dim returns the vector dimension the index was built with, or 0 if the
// index is empty.
func (s *Store) Dim() (int, error) {
	return s.dim()
}

func (s *Store) dim() (int, error) {
	var dim int
	err := s.db.QueryRow(`SELECT value FROM index_meta WHERE key = 'dim'`).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading index dimension: %w", err)
	}
	return dim, nil
}

func dimLocked(tx *sql.Tx) (int, error) {
	var dim int
	err := tx.QueryRow(`SELECT value FROM index_meta WHERE key = 'dim'`).Scan(&dim)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading index dimension: %w", err)
	}
	return dim, nil
}

// better reports whether candidate a should displace b in the top-K set:
// higher score wins, equal scores go to the earlier-inserted row.
func better(a, b idScore) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.RowID < b.RowID
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into the provided buffer,
// reusing it to avoid per-row allocations during search scans. Returns an
// error if the byte slice length is not a multiple of 4.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// cosine computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of vector a.
func cosine(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	var bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// idScoreHeap is a min-heap of idScore: the root is the current worst of
// the top-K candidates, so it is the one displaced by a better row.
type idScoreHeap []idScore

func (h idScoreHeap) Len() int           { return len(h) }
func (h idScoreHeap) Less(i, j int) bool { return better(h[j], h[i]) }
func (h idScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *idScoreHeap) Push(x any)        { *h = append(*h, x.(idScore)) }
func (h *idScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
