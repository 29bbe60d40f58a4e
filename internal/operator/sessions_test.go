package operator

import (
	"path/filepath"
	"testing"
	"time"
)

func sessKey(conv string) Key {
	return Key{Channel: "chat_a", TenantID: "t", ConversationID: conv, BindingID: "b"}
}

func TestSessionTTLExpiry(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	m := NewSessionManager(SessionManagerConfig{TTL: 10 * time.Minute, Max: 4, Now: now})

	first := m.Acquire(sessKey("a"))
	clock = clock.Add(5 * time.Minute)
	if m.Acquire(sessKey("a")).ID != first.ID {
		t.Fatal("session replaced before TTL")
	}
	clock = clock.Add(11 * time.Minute)
	if m.Acquire(sessKey("a")).ID == first.ID {
		t.Fatal("idle-expired session was reused")
	}
}

func TestSessionLRUEviction(t *testing.T) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	m := NewSessionManager(SessionManagerConfig{TTL: time.Hour, Max: 2, Now: now})

	a := m.Acquire(sessKey("a"))
	disposed := false
	a.SetDispose(func() { disposed = true })
	clock = clock.Add(time.Minute)
	b := m.Acquire(sessKey("b"))
	clock = clock.Add(time.Minute)
	m.Acquire(sessKey("c")) // evicts a, the least recently used

	if !disposed {
		t.Fatal("evicted session was not disposed")
	}
	if m.Count() != 2 {
		t.Fatalf("count = %d, want 2", m.Count())
	}
	if m.Acquire(sessKey("b")).ID != b.ID {
		t.Fatal("surviving session lost stickiness")
	}
	if m.Acquire(sessKey("a")).ID == a.ID {
		t.Fatal("evicted session came back")
	}
}

func TestSessionPersistenceAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "operator_conversations.json")

	m := NewSessionManager(SessionManagerConfig{TTL: time.Hour, Max: 4, Path: path})
	s := m.Acquire(sessKey("a"))
	m.Touch(sessKey("a"))

	m2 := NewSessionManager(SessionManagerConfig{TTL: time.Hour, Max: 4, Path: path})
	got := m2.Acquire(sessKey("a"))
	if got.ID != s.ID {
		t.Fatalf("stickiness lost across restart: %q vs %q", got.ID, s.ID)
	}
	if got.MessageCount != 1 {
		t.Fatalf("message count = %d, want 1", got.MessageCount)
	}
}
