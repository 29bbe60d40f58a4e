package workspace

import (
	"path/filepath"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) (*IssueStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "issues.jsonl")
	s, err := OpenIssueStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, path
}

func mustCreate(t *testing.T, s *IssueStore, title string, opts CreateOpts) *Issue {
	t.Helper()
	iss, err := s.Create(title, opts)
	if err != nil {
		t.Fatalf("create %q: %v", title, err)
	}
	return iss
}

func TestCreateValidation(t *testing.T) {
	s, _ := newTestStore(t)

	tests := []struct {
		name     string
		title    string
		priority int
		wantKind Kind
	}{
		{"empty title", "", 3, KindInvalidInput},
		{"whitespace title", "   ", 3, KindInvalidInput},
		{"priority too low", "x", -1, KindInvalidInput},
		{"priority too high", "x", 6, KindInvalidInput},
		{"ok", "x", 2, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(tt.title, CreateOpts{Priority: tt.priority})
			if got := KindOf(err); got != tt.wantKind {
				t.Errorf("kind = %q, want %q (err=%v)", got, tt.wantKind, err)
			}
		})
	}
}

func TestCreateDefaults(t *testing.T) {
	s, _ := newTestStore(t)
	iss := mustCreate(t, s, "hello", CreateOpts{Tags: []string{"a", "a", " b "}})

	if iss.Status != StatusOpen {
		t.Errorf("status = %q, want open", iss.Status)
	}
	if iss.Priority != PriorityDefault {
		t.Errorf("priority = %d, want %d", iss.Priority, PriorityDefault)
	}
	if iss.Outcome != "" {
		t.Errorf("outcome = %q, want empty", iss.Outcome)
	}
	if !reflect.DeepEqual(iss.Tags, []string{"a", "b"}) {
		t.Errorf("tags = %v, want deduped + trimmed", iss.Tags)
	}
}

// TestRoundTrip drives a mixed op sequence, reopens the store, and compares
// projections.
func TestRoundTrip(t *testing.T) {
	s, path := newTestStore(t)

	a := mustCreate(t, s, "A", CreateOpts{Tags: []string{TagAgent}})
	b := mustCreate(t, s, "B", CreateOpts{Priority: 1})
	c := mustCreate(t, s, "C", CreateOpts{})

	if err := s.AddDep(a.ID, DepBlocks, b.ID); err != nil {
		t.Fatalf("add_dep: %v", err)
	}
	if err := s.AddDep(c.ID, DepParent, a.ID); err != nil {
		t.Fatalf("add_dep parent: %v", err)
	}
	if _, err := s.Update(b.ID, IssuePatch{Body: strptr("body"), Priority: intptr(2)}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Claim(c.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CloseIssue(c.ID, OutcomeSuccess); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := s.RemoveDep(a.ID, DepBlocks, b.ID); err != nil {
		t.Fatalf("remove_dep: %v", err)
	}

	before := s.List(ListFilter{})
	s.Close()

	reopened, err := OpenIssueStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	after := reopened.List(ListFilter{})
	if !reflect.DeepEqual(before, after) {
		t.Errorf("projection mismatch after reopen:\nbefore: %+v\nafter:  %+v", before, after)
	}
}

func TestClaimRequiresOpen(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, "A", CreateOpts{})

	if err := s.Claim(a.ID); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := s.Claim(a.ID); KindOf(err) != KindInvalidInput {
		t.Errorf("second claim kind = %q, want invalid_input", KindOf(err))
	}
}

func TestDepInvariants(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, "A", CreateOpts{})
	b := mustCreate(t, s, "B", CreateOpts{})
	c := mustCreate(t, s, "C", CreateOpts{})

	if err := s.AddDep(a.ID, DepBlocks, a.ID); KindOf(err) != KindInvalidInput {
		t.Errorf("self-edge kind = %q, want invalid_input", KindOf(err))
	}

	if err := s.AddDep(a.ID, DepBlocks, b.ID); err != nil {
		t.Fatalf("a->b: %v", err)
	}
	if err := s.AddDep(b.ID, DepBlocks, c.ID); err != nil {
		t.Fatalf("b->c: %v", err)
	}
	if err := s.AddDep(c.ID, DepBlocks, a.ID); KindOf(err) != KindInvalidInput {
		t.Errorf("cycle kind = %q, want invalid_input", KindOf(err))
	}

	// Idempotent add, then removal reports presence.
	if err := s.AddDep(a.ID, DepBlocks, b.ID); err != nil {
		t.Fatalf("repeat a->b: %v", err)
	}
	removed, err := s.RemoveDep(a.ID, DepBlocks, b.ID)
	if err != nil || !removed {
		t.Errorf("remove = (%v, %v), want (true, nil)", removed, err)
	}
	removed, err = s.RemoveDep(a.ID, DepBlocks, b.ID)
	if err != nil || removed {
		t.Errorf("second remove = (%v, %v), want (false, nil)", removed, err)
	}
}

// TestBlockedFrontier is the blocked-frontier scenario: A blocks B, so only A
// is ready until A closes.
func TestBlockedFrontier(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, "A", CreateOpts{Tags: []string{TagAgent}})
	b := mustCreate(t, s, "B", CreateOpts{Tags: []string{TagAgent}})

	if err := s.AddDep(a.ID, DepBlocks, b.ID); err != nil {
		t.Fatalf("add_dep: %v", err)
	}

	ready := s.Ready("", ReadyFilter{Tags: []string{TagAgent}})
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("ready = %v, want [A]", ids(ready))
	}

	if err := s.CloseIssue(a.ID, OutcomeSuccess); err != nil {
		t.Fatalf("close A: %v", err)
	}
	ready = s.Ready("", ReadyFilter{Tags: []string{TagAgent}})
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("ready after close = %v, want [B]", ids(ready))
	}
}

func TestUnblockedFrontier(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, "A", CreateOpts{Tags: []string{TagAgent}})
	b := mustCreate(t, s, "B", CreateOpts{Tags: []string{TagAgent}})

	if err := s.AddDep(a.ID, DepBlocks, b.ID); err != nil {
		t.Fatalf("add_dep: %v", err)
	}
	if _, err := s.RemoveDep(a.ID, DepBlocks, b.ID); err != nil {
		t.Fatalf("remove_dep: %v", err)
	}

	ready := s.Ready("", ReadyFilter{Tags: []string{TagAgent}})
	if len(ready) != 2 {
		t.Fatalf("ready = %v, want both A and B", ids(ready))
	}
}

// TestReadyProperties checks the ready-set definition holds for every
// returned issue, and that no qualifying issue is omitted.
func TestReadyProperties(t *testing.T) {
	s, _ := newTestStore(t)

	root := mustCreate(t, s, "root", CreateOpts{Tags: []string{TagRoot, TagAgent}})
	var all []*Issue
	for i := 0; i < 6; i++ {
		iss := mustCreate(t, s, "task", CreateOpts{Tags: []string{TagAgent}, Priority: 1 + i%5})
		if err := s.AddDep(iss.ID, DepParent, root.ID); err != nil {
			t.Fatalf("parent: %v", err)
		}
		all = append(all, iss)
	}
	s.AddDep(all[0].ID, DepBlocks, all[1].ID)
	s.AddDep(all[2].ID, DepBlocks, all[1].ID)
	s.CloseIssue(all[3].ID, OutcomeSkipped)
	s.Claim(all[4].ID)

	ready := s.Ready(root.ID, ReadyFilter{Tags: []string{TagAgent}})
	got := map[string]bool{}
	for _, iss := range ready {
		got[iss.ID] = true
		if iss.Status != StatusOpen {
			t.Errorf("ready issue %s has status %s", iss.ID, iss.Status)
		}
		for _, src := range s.blockedByOf(iss.ID) {
			if s.Get(src).Status != StatusClosed {
				t.Errorf("ready issue %s has open blocker %s", iss.ID, src)
			}
		}
		for _, child := range s.Children(iss.ID) {
			if child.Status == StatusOpen {
				t.Errorf("ready issue %s has open child %s", iss.ID, child.ID)
			}
		}
	}
	// Completeness: every open, unblocked, childless issue in the subtree
	// shows up.
	for _, iss := range all {
		cur := s.Get(iss.ID)
		if cur.Status != StatusOpen {
			continue
		}
		blocked := false
		for _, src := range s.blockedByOf(iss.ID) {
			if s.Get(src).Status != StatusClosed {
				blocked = true
			}
		}
		if !blocked && !got[iss.ID] {
			t.Errorf("issue %s qualifies but was not returned", iss.ID)
		}
	}

	// Ordering: ascending priority.
	for i := 1; i < len(ready); i++ {
		if ready[i-1].Priority > ready[i].Priority {
			t.Errorf("ready not ordered by priority: %v", ids(ready))
		}
	}
}

// TestPrefixResolution is the id-prefix scenario: shared prefixes are
// ambiguous, absent prefixes are not found.
func TestPrefixResolution(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, "A", CreateOpts{})
	b := mustCreate(t, s, "B", CreateOpts{})

	shared := a.ID[:3]
	// Force the shared-prefix case by checking resolution against real ids.
	if got, err := s.Resolve(a.ID); err != nil || got != a.ID {
		t.Errorf("full id resolve = (%q, %v)", got, err)
	}
	if got, err := s.Resolve(b.ID[:12]); err != nil || got != b.ID {
		t.Errorf("unique prefix resolve = (%q, %v)", got, err)
	}
	if _, err := s.Resolve("zzzz-not-an-id"); KindOf(err) != KindNotFound {
		t.Errorf("missing prefix kind = %q, want not_found", KindOf(err))
	}
	if b.ID[:3] == shared {
		if _, err := s.Resolve(shared); KindOf(err) != KindAmbiguous {
			t.Errorf("shared prefix kind = %q, want ambiguous", KindOf(err))
		}
	}
}

func TestResetInProgressIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	root := mustCreate(t, s, "root", CreateOpts{Tags: []string{TagRoot}})
	child := mustCreate(t, s, "child", CreateOpts{})
	if err := s.AddDep(child.ID, DepParent, root.ID); err != nil {
		t.Fatalf("parent: %v", err)
	}
	if err := s.Claim(child.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}

	first, err := s.ResetInProgress(root.ID)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(first) != 1 || first[0] != child.ID {
		t.Errorf("first reset = %v, want [child]", first)
	}

	second, err := s.ResetInProgress(root.ID)
	if err != nil {
		t.Fatalf("second reset: %v", err)
	}
	if len(second) != 0 {
		t.Errorf("second reset = %v, want empty", second)
	}
}

func TestValidate(t *testing.T) {
	s, _ := newTestStore(t)
	root := mustCreate(t, s, "root", CreateOpts{Tags: []string{TagRoot}})
	child := mustCreate(t, s, "child", CreateOpts{})
	s.AddDep(child.ID, DepParent, root.ID)

	if v := s.Validate(root.ID); v.IsFinal {
		t.Errorf("open subtree reported final: %+v", v)
	}

	s.CloseIssue(child.ID, OutcomeSuccess)
	s.CloseIssue(root.ID, OutcomeExpanded)
	if v := s.Validate(root.ID); !v.IsFinal || v.Reason != "all closed" {
		t.Errorf("closed subtree = %+v, want final", v)
	}

	// failure is not a final outcome
	s.Reopen(child.ID)
	s.CloseIssue(child.ID, OutcomeFailure)
	if v := s.Validate(root.ID); v.IsFinal {
		t.Errorf("failure outcome reported final: %+v", v)
	}
}

func TestUpdatedAtMonotonic(t *testing.T) {
	s, _ := newTestStore(t)
	a := mustCreate(t, s, "A", CreateOpts{})
	prev := a.UpdatedAt
	for i := 0; i < 3; i++ {
		iss, err := s.Update(a.ID, IssuePatch{Body: strptr("b")})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if iss.UpdatedAt < prev {
			t.Errorf("updated_at went backwards: %d -> %d", prev, iss.UpdatedAt)
		}
		prev = iss.UpdatedAt
	}
}

// blockedByOf exposes the reverse block index for assertions.
func (s *IssueStore) blockedByOf(id string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.blockedBy[id]...)
}

func ids(issues []*Issue) []string {
	var out []string
	for _, iss := range issues {
		out = append(out, iss.ID)
	}
	return out
}

func strptr(s string) *string { return &s }
func intptr(i int) *int       { return &i }
