package operator

import (
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func TestRoleScopeExpansion(t *testing.T) {
	cases := []struct {
		role   string
		scopes []string
	}{
		{"operator", []string{"read", "write", "execute", "admin"}},
		{"contributor", []string{"read", "write", "execute"}},
		{"viewer", []string{"read"}},
	}
	for _, tc := range cases {
		got, err := ScopesForRole(tc.role)
		if err != nil {
			t.Fatalf("%s: %v", tc.role, err)
		}
		if len(got) != len(tc.scopes) {
			t.Fatalf("%s: scopes = %v", tc.role, got)
		}
		for i := range got {
			if got[i] != tc.scopes[i] {
				t.Fatalf("%s: scopes = %v, want %v", tc.role, got, tc.scopes)
			}
		}
	}
	if _, err := ScopesForRole("emperor"); !workspace.IsKind(err, workspace.KindInvalidInput) {
		t.Fatalf("unknown role: %v", err)
	}
}

func TestLinkUnlinkRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identities.jsonl")
	s, err := OpenIdentityStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	b, err := s.Link("op-1", "chat_a", "t1", "actor-1", "contributor")
	if err != nil {
		t.Fatalf("link: %v", err)
	}
	if found, ok := s.Find("chat_a", "t1", "actor-1"); !ok || found.BindingID != b.BindingID {
		t.Fatal("active binding not found")
	}

	if err := s.Unlink(b.BindingID, "left the team"); err != nil {
		t.Fatalf("unlink: %v", err)
	}
	if _, ok := s.Find("chat_a", "t1", "actor-1"); ok {
		t.Fatal("revoked binding still resolves")
	}
	s.Close()

	// Replay keeps the revocation.
	s2, err := OpenIdentityStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(b.BindingID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != BindingInactive || got.RevokeReason != "left the team" {
		t.Fatalf("binding = %+v", got)
	}
}
