package operator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one sticky conversation between the operator backend and the
// workspace. Sessions are single-threaded; the broker serializes turns per
// conversation key before touching one.
type Session struct {
	ID             string `json:"operator_session_id"`
	RepoRoot       string `json:"repo_root"`
	CreatedAtMS    int64  `json:"created_at"`
	LastUsedAtMS   int64  `json:"last_used_at"`
	TranscriptFile string `json:"transcript_file,omitempty"`
	MessageCount   int    `json:"message_count"`

	dispose func() // backend handle teardown, nil when in-memory only
}

// SetDispose registers the backend teardown called on eviction or expiry.
func (s *Session) SetDispose(fn func()) { s.dispose = fn }

// SessionManager owns the conversation-key → session map with a TTL and an
// LRU max-sessions bound. The key map is persisted so stickiness survives a
// restart; backend handles do not survive, they are re-created lazily.
type SessionManager struct {
	mu       sync.Mutex
	ttl      time.Duration
	max      int
	now      func() time.Time
	path     string // operator_conversations.json, empty disables persistence
	repoRoot string

	byKey map[Key]*Session
	locks map[Key]*sync.Mutex
}

// SessionManagerConfig configures a SessionManager.
type SessionManagerConfig struct {
	TTL      time.Duration
	Max      int
	Path     string
	RepoRoot string
	Now      func() time.Time
}

// NewSessionManager loads any persisted conversation map and returns a ready
// manager.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := &SessionManager{
		ttl:      cfg.TTL,
		max:      cfg.Max,
		now:      cfg.Now,
		path:     cfg.Path,
		repoRoot: cfg.RepoRoot,
		byKey:    make(map[Key]*Session),
		locks:    make(map[Key]*sync.Mutex),
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.ttl <= 0 {
		m.ttl = time.Hour
	}
	if m.max <= 0 {
		m.max = 32
	}
	m.load()
	return m
}

// Lock returns the per-key mutex, creating it on first use. Callers hold it
// for the whole turn.
func (m *SessionManager) Lock(key Key) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// Acquire returns the sticky session for a key, creating one if none exists
// or the previous one idle-expired. Exceeding the max bound evicts the
// least-recently-used session, even when that breaks stickiness for its key.
func (m *SessionManager) Acquire(key Key) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if s, ok := m.byKey[key]; ok {
		if now.Sub(time.UnixMilli(s.LastUsedAtMS)) <= m.ttl {
			s.LastUsedAtMS = now.UnixMilli()
			m.persistLocked()
			return s
		}
		m.disposeLocked(key, s)
	}

	for len(m.byKey) >= m.max {
		m.evictOldestLocked()
	}

	s := &Session{
		ID:           "sess-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		RepoRoot:     m.repoRoot,
		CreatedAtMS:  now.UnixMilli(),
		LastUsedAtMS: now.UnixMilli(),
	}
	m.byKey[key] = s
	m.persistLocked()
	return s
}

// Touch bumps last_used_at and the message count after a completed turn.
func (m *SessionManager) Touch(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byKey[key]; ok {
		s.LastUsedAtMS = m.now().UnixMilli()
		s.MessageCount++
		m.persistLocked()
	}
}

// Sweep disposes every idle-expired session.
func (m *SessionManager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for key, s := range m.byKey {
		if now.Sub(time.UnixMilli(s.LastUsedAtMS)) > m.ttl {
			m.disposeLocked(key, s)
		}
	}
	m.persistLocked()
}

// Count returns the live session count.
func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byKey)
}

// Shutdown disposes every session.
func (m *SessionManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.byKey {
		m.disposeLocked(key, s)
	}
	m.persistLocked()
}

func (m *SessionManager) evictOldestLocked() {
	var oldestKey Key
	var oldest *Session
	for key, s := range m.byKey {
		if oldest == nil || s.LastUsedAtMS < oldest.LastUsedAtMS {
			oldestKey, oldest = key, s
		}
	}
	if oldest != nil {
		m.disposeLocked(oldestKey, oldest)
	}
}

func (m *SessionManager) disposeLocked(key Key, s *Session) {
	if s.dispose != nil {
		s.dispose()
	}
	delete(m.byKey, key)
}

// persistedEntry is one row of operator_conversations.json.
type persistedEntry struct {
	Channel        string   `json:"channel"`
	TenantID       string   `json:"channel_tenant_id"`
	ConversationID string   `json:"channel_conversation_id"`
	BindingID      string   `json:"binding_id"`
	Session        *Session `json:"session"`
}

func (m *SessionManager) persistLocked() {
	if m.path == "" {
		return
	}
	entries := make([]persistedEntry, 0, len(m.byKey))
	for key, s := range m.byKey {
		entries = append(entries, persistedEntry{
			Channel:        key.Channel,
			TenantID:       key.TenantID,
			ConversationID: key.ConversationID,
			BindingID:      key.BindingID,
			Session:        s,
		})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}
	tmp := fmt.Sprintf("%s.tmp.%d", m.path, os.Getpid())
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		slog.Warn("operator.sessions_persist_failed", "error", err)
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		slog.Warn("operator.sessions_persist_failed", "error", err)
	}
}

// PersistedSession pairs a conversation key with its sticky session, as
// stored in operator_conversations.json.
type PersistedSession struct {
	Key     Key
	Session *Session
}

// LoadSessions reads a persisted conversation map. A missing file is an empty
// map, not an error.
func LoadSessions(path string) ([]PersistedSession, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []persistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	out := make([]PersistedSession, 0, len(entries))
	for _, e := range entries {
		if e.Session == nil {
			continue
		}
		out = append(out, PersistedSession{
			Key: Key{
				Channel:        e.Channel,
				TenantID:       e.TenantID,
				ConversationID: e.ConversationID,
				BindingID:      e.BindingID,
			},
			Session: e.Session,
		})
	}
	return out, nil
}

func (m *SessionManager) load() {
	if m.path == "" {
		return
	}
	data, err := os.ReadFile(m.path)
	if err != nil {
		return
	}
	var entries []persistedEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("operator.sessions_load_failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.Session == nil {
			continue
		}
		key := Key{Channel: e.Channel, TenantID: e.TenantID, ConversationID: e.ConversationID, BindingID: e.BindingID}
		m.byKey[key] = e.Session
	}
}
