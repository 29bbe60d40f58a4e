package workspace

import (
	"encoding/json"
)

// Store aggregates the three append logs plus the workspace config under one
// repository root. Mutating wrappers mirror every issue and forum write into
// the event journal so the journal stays the canonical history.
type Store struct {
	Layout Layout
	Config *Config
	Issues *IssueStore
	Forum  *ForumStore
	Events *EventLog
}

// Open ensures the store layout exists and rebuilds all projections.
func Open(root string) (*Store, error) {
	layout := NewLayout(root)
	if err := layout.Ensure(); err != nil {
		return nil, err
	}
	cfg, err := LoadConfig(layout.ConfigFile())
	if err != nil {
		return nil, err
	}
	issues, err := OpenIssueStore(layout.IssuesLog())
	if err != nil {
		return nil, err
	}
	forum, err := OpenForumStore(layout.ForumLog())
	if err != nil {
		issues.Close()
		return nil, err
	}
	events, err := OpenEventLog(layout.EventsLog())
	if err != nil {
		issues.Close()
		forum.Close()
		return nil, err
	}
	return &Store{Layout: layout, Config: cfg, Issues: issues, Forum: forum, Events: events}, nil
}

func (s *Store) Close() error {
	var first error
	for _, c := range []interface{ Close() error }{s.Issues, s.Forum, s.Events} {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Record appends one event with payload marshalled from v. Best effort on
// marshal failure; append failures propagate.
func (s *Store) Record(evType, source, issueID, runID string, v any) error {
	var payload json.RawMessage
	if v != nil {
		if b, err := json.Marshal(v); err == nil {
			payload = b
		}
	}
	return s.Events.Append(Event{
		Type:    evType,
		Source:  source,
		IssueID: issueID,
		RunID:   runID,
		Payload: payload,
	})
}

// CreateIssue creates an issue and journals the creation.
func (s *Store) CreateIssue(title string, opts CreateOpts) (*Issue, error) {
	iss, err := s.Issues.Create(title, opts)
	if err != nil {
		return nil, err
	}
	s.Record("issue.create", "store", iss.ID, "", map[string]any{"title": iss.Title})
	return iss, nil
}

// UpdateIssue patches an issue and journals the update.
func (s *Store) UpdateIssue(id string, patch IssuePatch) (*Issue, error) {
	iss, err := s.Issues.Update(id, patch)
	if err != nil {
		return nil, err
	}
	s.Record("issue.update", "store", id, "", patch)
	return iss, nil
}

// ClaimIssue claims an issue and journals the claim.
func (s *Store) ClaimIssue(id string) error {
	if err := s.Issues.Claim(id); err != nil {
		return err
	}
	return s.Record("issue.claim", "store", id, "", nil)
}

// CloseIssue closes an issue with an outcome and journals it.
func (s *Store) CloseIssue(id, outcome string) error {
	if err := s.Issues.CloseIssue(id, outcome); err != nil {
		return err
	}
	return s.Record("issue.close", "store", id, "", map[string]any{"outcome": outcome})
}

// ReopenIssue reopens an issue and journals it.
func (s *Store) ReopenIssue(id string) error {
	if err := s.Issues.Reopen(id); err != nil {
		return err
	}
	return s.Record("issue.open", "store", id, "", nil)
}

// AddDep adds a dependency edge and journals it.
func (s *Store) AddDep(src, depType, dst string) error {
	if err := s.Issues.AddDep(src, depType, dst); err != nil {
		return err
	}
	return s.Record("issue.add_dep", "store", src, "", map[string]any{"dep_type": depType, "dst": dst})
}

// RemoveDep removes a dependency edge and journals it when one was removed.
func (s *Store) RemoveDep(src, depType, dst string) (bool, error) {
	removed, err := s.Issues.RemoveDep(src, depType, dst)
	if err != nil || !removed {
		return removed, err
	}
	return true, s.Record("issue.remove_dep", "store", src, "", map[string]any{"dep_type": depType, "dst": dst})
}

// Post appends a forum message and journals it.
func (s *Store) Post(topic, body, author string) (Message, error) {
	m, err := s.Forum.Post(topic, body, author)
	if err != nil {
		return Message{}, err
	}
	s.Record("forum.post", "store", "", "", map[string]any{"topic": topic, "author": author})
	return m, nil
}
