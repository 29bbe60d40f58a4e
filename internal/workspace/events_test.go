package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func newTestEvents(t *testing.T) (*EventLog, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	s, err := OpenEventLog(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestEventQuery(t *testing.T) {
	s, _ := newTestEvents(t)

	payload, _ := json.Marshal(map[string]string{"note": "needle"})
	events := []Event{
		{Type: "step.start", Source: "runner", IssueID: "i1", RunID: "r1"},
		{Type: "step.end", Source: "runner", IssueID: "i1", RunID: "r1", Payload: payload},
		{Type: "run.queued", Source: "scheduler", RunID: "r2"},
	}
	for _, ev := range events {
		if err := s.Append(ev); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter EventFilter
		want   int
	}{
		{"by type", EventFilter{Type: "step.end"}, 1},
		{"by source", EventFilter{Source: "runner"}, 2},
		{"by run", EventFilter{RunID: "r2"}, 1},
		{"by issue", EventFilter{IssueID: "i1"}, 2},
		{"contains", EventFilter{Contains: "NEEDLE"}, 1},
		{"limit keeps last", EventFilter{Limit: 2}, 2},
		{"no match", EventFilter{Type: "nope"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.Query(tt.filter); len(got) != tt.want {
				t.Errorf("query = %d events, want %d", len(got), tt.want)
			}
		})
	}

	// Limit keeps the last N: the tail must be the scheduler event.
	tail := s.Query(EventFilter{Limit: 1})
	if len(tail) != 1 || tail[0].Type != "run.queued" {
		t.Errorf("limit tail = %+v, want run.queued", tail)
	}
}

func TestEventTimestampsStamped(t *testing.T) {
	s, _ := newTestEvents(t)
	if err := s.Append(Event{Type: "x", Source: "test"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	got := s.Query(EventFilter{})
	if got[0].TsMS == 0 {
		t.Error("ts_ms not stamped on append")
	}
}

func TestCorruptLineFatalOnOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte("{\"ts_ms\":1,\"type\":\"ok\",\"source\":\"s\"}\nnot-json\n"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := OpenEventLog(path); KindOf(err) != KindStorageIO {
		t.Errorf("open corrupt = %v, want storage_io", err)
	}
}
