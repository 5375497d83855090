// Package memory provides the persistent conversation store: session-scoped,
// append-only chat history backed by a single JSON file.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrCorrupt is returned when the store file exists but cannot be parsed.
// The store never overwrites an unreadable file; the caller must resolve
// the corruption explicitly.
var ErrCorrupt = errors.New("conversation store corrupt")

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn. Messages are immutable once appended and
// keep their insertion order.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is a conversation session with its ordered messages.
type Session struct {
	ID        string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// SearchHit is a message matched by Search, with its owning session.
type SearchHit struct {
	SessionID string
	Message   Message
}

// Store owns the conversation file and the identity of the active session.
// Every append rewrites the whole file synchronously; a mutex serializes
// writers so concurrent appends cannot lose updates.
type Store struct {
	path string

	mu       sync.Mutex
	sessions map[string]*Session
	current  string
}

// Open loads the conversation store at path. A missing file yields an empty
// store; an unparseable file yields ErrCorrupt and the file is left intact.
func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		sessions: make(map[string]*Session),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading conversation store %s: %w", path, err)
	}

	var raw map[string]*Session
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	for id, sess := range raw {
		sess.ID = id
		s.sessions[id] = sess
	}
	return s, nil
}

// StartOrResume returns the active session, resuming the most recently
// created persisted session if one exists, or creating a new one otherwise.
// Repeated calls in the same process return the same session.
func (s *Store) StartOrResume() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != "" {
		return *s.sessions[s.current], nil
	}

	if latest := s.latestLocked(); latest != nil {
		s.current = latest.ID
		return *latest, nil
	}

	sess, err := s.newSessionLocked()
	if err != nil {
		return Session{}, err
	}
	return *sess, nil
}

// NewSession creates and activates a fresh session, regardless of any
// existing ones.
func (s *Store) NewSession() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.newSessionLocked()
	if err != nil {
		return Session{}, err
	}
	return *sess, nil
}

func (s *Store) newSessionLocked() (*Session, error) {
	now := time.Now().UTC()
	id := fmt.Sprintf("session_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8])

	sess := &Session{ID: id, CreatedAt: now, Messages: []Message{}}
	s.sessions[id] = sess
	s.current = id

	if err := s.saveLocked(); err != nil {
		delete(s.sessions, id)
		s.current = ""
		return nil, err
	}
	return sess, nil
}

// latestLocked returns the most recently created session, breaking
// creation-time ties by ID so resumption is deterministic.
func (s *Store) latestLocked() *Session {
	var latest *Session
	for _, sess := range s.sessions {
		if latest == nil ||
			sess.CreatedAt.After(latest.CreatedAt) ||
			(sess.CreatedAt.Equal(latest.CreatedAt) && sess.ID > latest.ID) {
			latest = sess
		}
	}
	return latest
}

// Append adds a message to the given session and persists the whole store
// synchronously before returning.
func (s *Store) Append(sessionID, role, content string) error {
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("invalid message role %q", role)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}

	sess.Messages = append(sess.Messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})

	if err := s.saveLocked(); err != nil {
		sess.Messages = sess.Messages[:len(sess.Messages)-1]
		return err
	}
	return nil
}

// Search returns messages whose content contains query, case-insensitively,
// across all sessions. Results are ordered by session creation time and then
// message order, so repeated calls over unchanged state yield the same
// sequence.
func (s *Store) Search(query string) []SearchHit {
	s.mu.Lock()
	defer s.mu.Unlock()

	needle := strings.ToLower(query)

	var hits []SearchHit
	for _, sess := range s.sortedSessionsLocked() {
		for _, msg := range sess.Messages {
			if strings.Contains(strings.ToLower(msg.Content), needle) {
				hits = append(hits, SearchHit{SessionID: sess.ID, Message: msg})
			}
		}
	}
	return hits
}

// RecentContext returns the last n messages of the given session, oldest
// first. It returns nil for an unknown session.
func (s *Store) RecentContext(sessionID string, n int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || n <= 0 {
		return nil
	}
	msgs := sess.Messages
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Sessions returns all sessions ordered by creation time.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sorted := s.sortedSessionsLocked()
	out := make([]Session, len(sorted))
	for i, sess := range sorted {
		out[i] = *sess
	}
	return out
}

// Stats summarizes the store for status reporting.
type Stats struct {
	Sessions      int
	Messages      int
	ActiveSession string
	Path          string
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Sessions:      len(s.sessions),
		ActiveSession: s.current,
		Path:          s.path,
	}
	for _, sess := range s.sessions {
		st.Messages += len(sess.Messages)
	}
	return st
}

// Clear removes all sessions and starts a fresh active session.
func (s *Store) Clear() (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions = make(map[string]*Session)
	s.current = ""

	sess, err := s.newSessionLocked()
	if err != nil {
		return Session{}, err
	}
	return *sess, nil
}

func (s *Store) sortedSessionsLocked() []*Session {
	sorted := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sorted = append(sorted, sess)
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})
	return sorted
}

// saveLocked writes the whole store to disk. The write goes to a temp file
// followed by a rename so a crash mid-write cannot corrupt the store.
func (s *Store) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}

	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding conversation store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing conversation store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing conversation store: %w", err)
	}
	return nil
}
