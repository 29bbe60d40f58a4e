package workspace

import (
	"sort"
	"strings"
	"sync"
)

// Message is one append-only forum record. Messages are never mutated or
// deleted.
type Message struct {
	Topic     string `json:"topic"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt int64  `json:"created_at"`
	TsMS      int64  `json:"ts_ms"`
}

// TopicSummary is one row of Topics output.
type TopicSummary struct {
	Topic    string `json:"topic"`
	Messages int    `json:"messages"`
	LastAt   int64  `json:"last_at"`
}

// IssueTopic is the conventional forum topic for one issue's thread.
func IssueTopic(issueID string) string { return "issue:" + issueID }

// ForumStore is the forum projection over forum.jsonl.
type ForumStore struct {
	mu      sync.RWMutex
	log     *Journal
	all     []Message
	byTopic map[string][]int // topic -> indexes into all
}

// OpenForumStore replays the forum log at path.
func OpenForumStore(path string) (*ForumStore, error) {
	s := &ForumStore{byTopic: make(map[string][]int)}
	log, err := OpenJournal(path, func(line []byte) error {
		var m Message
		if err := unmarshalStrict(line, &m); err != nil {
			return err
		}
		s.apply(m)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log = log
	return s, nil
}

func (s *ForumStore) Close() error { return s.log.Close() }

// Post appends a message and returns it with its timestamp filled in.
func (s *ForumStore) Post(topic, body, author string) (Message, error) {
	if strings.TrimSpace(topic) == "" {
		return Message{}, E(KindInvalidInput, "topic must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := nowMS()
	m := Message{Topic: topic, Author: author, Body: body, CreatedAt: ts, TsMS: ts}
	if err := s.log.Append(m); err != nil {
		return Message{}, err
	}
	s.apply(m)
	return m, nil
}

// Read returns up to limit messages on a topic in chronological order. A
// non-positive limit returns the whole thread.
func (s *ForumStore) Read(topic string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.byTopic[topic]
	if limit > 0 && len(idxs) > limit {
		idxs = idxs[len(idxs)-limit:]
	}
	out := make([]Message, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, s.all[i])
	}
	return out
}

// Topics returns a per-topic summary sorted by last activity, newest first.
func (s *ForumStore) Topics(prefix string) []TopicSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []TopicSummary
	for topic, idxs := range s.byTopic {
		if prefix != "" && !strings.HasPrefix(topic, prefix) {
			continue
		}
		out = append(out, TopicSummary{
			Topic:    topic,
			Messages: len(idxs),
			LastAt:   s.all[idxs[len(idxs)-1]].CreatedAt,
		})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].LastAt != out[b].LastAt {
			return out[a].LastAt > out[b].LastAt
		}
		return out[a].Topic < out[b].Topic
	})
	return out
}

func (s *ForumStore) apply(m Message) {
	s.all = append(s.all, m)
	s.byTopic[m.Topic] = append(s.byTopic[m.Topic], len(s.all)-1)
}
