package workspace

import (
	"encoding/json"
	"strings"
	"sync"
)

// Event is one record in the cross-cutting event journal. The journal is the
// canonical history; issue and forum projections are derived from their own
// logs.
type Event struct {
	TsMS    int64           `json:"ts_ms"`
	Type    string          `json:"type"`
	Source  string          `json:"source"`
	IssueID string          `json:"issue_id,omitempty"`
	RunID   string          `json:"run_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventFilter narrows Query output.
type EventFilter struct {
	Type     string
	Source   string
	IssueID  string
	RunID    string
	Contains string
	SinceMS  int64
	Limit    int
}

// EventLog is the event journal over events.jsonl.
type EventLog struct {
	mu  sync.RWMutex
	log *Journal
	all []Event
}

// OpenEventLog replays the event journal at path.
func OpenEventLog(path string) (*EventLog, error) {
	s := &EventLog{}
	log, err := OpenJournal(path, func(line []byte) error {
		var ev Event
		if err := unmarshalStrict(line, &ev); err != nil {
			return err
		}
		s.all = append(s.all, ev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log = log
	return s, nil
}

func (s *EventLog) Close() error { return s.log.Close() }

// Append records one event, stamping ts_ms when the caller left it zero.
func (s *EventLog) Append(ev Event) error {
	if ev.TsMS == 0 {
		ev.TsMS = nowMS()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Append(ev); err != nil {
		return err
	}
	s.all = append(s.all, ev)
	return nil
}

// Query returns matching events in insertion order. Limit keeps the last N
// records after filtering.
func (s *EventLog) Query(filter EventFilter) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, ev := range s.all {
		if filter.Type != "" && ev.Type != filter.Type {
			continue
		}
		if filter.Source != "" && ev.Source != filter.Source {
			continue
		}
		if filter.IssueID != "" && ev.IssueID != filter.IssueID {
			continue
		}
		if filter.RunID != "" && ev.RunID != filter.RunID {
			continue
		}
		if filter.SinceMS > 0 && ev.TsMS < filter.SinceMS {
			continue
		}
		if filter.Contains != "" {
			blob := ev.Type + " " + ev.Source + " " + string(ev.Payload)
			if !strings.Contains(strings.ToLower(blob), strings.ToLower(filter.Contains)) {
				continue
			}
		}
		out = append(out, ev)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}
