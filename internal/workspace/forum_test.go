package workspace

import (
	"path/filepath"
	"reflect"
	"testing"
)

func newTestForum(t *testing.T) (*ForumStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forum.jsonl")
	s, err := OpenForumStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestPostAndRead(t *testing.T) {
	s, _ := newTestForum(t)

	for _, body := range []string{"one", "two", "three"} {
		if _, err := s.Post("issue:abc", body, "runner"); err != nil {
			t.Fatalf("post: %v", err)
		}
	}
	s.Post("research:x:y", "other", "operator")

	got := s.Read("issue:abc", 2)
	if len(got) != 2 || got[0].Body != "two" || got[1].Body != "three" {
		t.Errorf("read limit 2 = %+v, want last two in order", got)
	}
	if all := s.Read("issue:abc", 0); len(all) != 3 {
		t.Errorf("read all = %d messages, want 3", len(all))
	}
}

func TestPostEmptyTopic(t *testing.T) {
	s, _ := newTestForum(t)
	if _, err := s.Post("  ", "body", "a"); KindOf(err) != KindInvalidInput {
		t.Errorf("kind = %q, want invalid_input", KindOf(err))
	}
}

func TestTopics(t *testing.T) {
	s, _ := newTestForum(t)
	s.Post("issue:a", "1", "x")
	s.Post("issue:b", "1", "x")
	s.Post("issue:a", "2", "x")
	s.Post("research:p:t", "1", "x")

	all := s.Topics("")
	if len(all) != 3 {
		t.Fatalf("topics = %d, want 3", len(all))
	}
	for _, ts := range all {
		if ts.Topic == "issue:a" && ts.Messages != 2 {
			t.Errorf("issue:a messages = %d, want 2", ts.Messages)
		}
	}

	issueOnly := s.Topics("issue:")
	if len(issueOnly) != 2 {
		t.Errorf("prefixed topics = %d, want 2", len(issueOnly))
	}
}

func TestForumRoundTrip(t *testing.T) {
	s, path := newTestForum(t)
	s.Post("issue:a", "hello", "runner")
	s.Post("issue:a", "world", "operator")
	before := s.Read("issue:a", 0)
	s.Close()

	reopened, err := OpenForumStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if after := reopened.Read("issue:a", 0); !reflect.DeepEqual(before, after) {
		t.Errorf("forum stream mismatch after reopen")
	}
}
