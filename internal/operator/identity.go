package operator

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// Binding statuses.
const (
	BindingActive   = "active"
	BindingInactive = "inactive"
)

// Binding ties one channel actor to a role within the workspace.
type Binding struct {
	BindingID      string   `json:"binding_id"`
	OperatorID     string   `json:"operator_id"`
	Channel        string   `json:"channel"`
	ChannelTenant  string   `json:"channel_tenant_id,omitempty"`
	ChannelActorID string   `json:"channel_actor_id"`
	Role           string   `json:"role"`
	Scopes         []string `json:"scopes"`
	Status         string   `json:"status"`
	CreatedAtMS    int64    `json:"created_at"`
	RevokedAtMS    int64    `json:"revoked_at,omitempty"`
	RevokeReason   string   `json:"revoke_reason,omitempty"`
}

// HasScope reports whether the binding carries a capability.
func (b *Binding) HasScope(scope string) bool {
	for _, s := range b.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// ScopesForRole expands a role into its capability set.
func ScopesForRole(role string) ([]string, error) {
	switch role {
	case "operator":
		return []string{"read", "write", "execute", "admin"}, nil
	case "contributor":
		return []string{"read", "write", "execute"}, nil
	case "viewer":
		return []string{"read"}, nil
	}
	return nil, workspace.E(workspace.KindInvalidInput, "unknown role %q", role)
}

// IdentityStore is the binding projection over identities.jsonl. Revocations
// append a new record for the same binding id; replay keeps the latest.
type IdentityStore struct {
	mu       sync.RWMutex
	log      *workspace.Journal
	bindings map[string]*Binding
}

// OpenIdentityStore replays the identity log at path.
func OpenIdentityStore(path string) (*IdentityStore, error) {
	s := &IdentityStore{bindings: make(map[string]*Binding)}
	log, err := workspace.OpenJournal(path, func(line []byte) error {
		var b Binding
		if err := json.Unmarshal(line, &b); err != nil {
			return err
		}
		s.bindings[b.BindingID] = &b
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log = log
	return s, nil
}

func (s *IdentityStore) Close() error { return s.log.Close() }

// Link creates an active binding for a channel actor.
func (s *IdentityStore) Link(operatorID, channel, tenant, actorID, role string) (*Binding, error) {
	if strings.TrimSpace(actorID) == "" {
		return nil, workspace.E(workspace.KindInvalidInput, "channel actor id must not be empty")
	}
	scopes, err := ScopesForRole(role)
	if err != nil {
		return nil, err
	}
	b := &Binding{
		BindingID:      "bind-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		OperatorID:     operatorID,
		Channel:        channel,
		ChannelTenant:  tenant,
		ChannelActorID: actorID,
		Role:           role,
		Scopes:         scopes,
		Status:         BindingActive,
		CreatedAtMS:    time.Now().UnixMilli(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.log.Append(b); err != nil {
		return nil, err
	}
	s.bindings[b.BindingID] = b
	cp := *b
	return &cp, nil
}

// Unlink revokes a binding.
func (s *IdentityStore) Unlink(bindingID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[bindingID]
	if !ok {
		return workspace.E(workspace.KindNotFound, "binding %s", bindingID)
	}
	if b.Status == BindingInactive {
		return nil
	}
	revoked := *b
	revoked.Status = BindingInactive
	revoked.RevokedAtMS = time.Now().UnixMilli()
	revoked.RevokeReason = reason
	if err := s.log.Append(&revoked); err != nil {
		return err
	}
	s.bindings[bindingID] = &revoked
	return nil
}

// Get returns one binding.
func (s *IdentityStore) Get(bindingID string) (*Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b, ok := s.bindings[bindingID]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, workspace.E(workspace.KindNotFound, "binding %s", bindingID)
}

// Find returns the active binding for a channel actor, if any.
func (s *IdentityStore) Find(channel, tenant, actorID string) (*Binding, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.bindings {
		if b.Status == BindingActive && b.Channel == channel && b.ChannelTenant == tenant && b.ChannelActorID == actorID {
			cp := *b
			return &cp, true
		}
	}
	return nil, false
}

// List returns all bindings sorted by creation time.
func (s *IdentityStore) List() []*Binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Binding
	for _, b := range s.bindings {
		cp := *b
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAtMS != out[b].CreatedAtMS {
			return out[a].CreatedAtMS < out[b].CreatedAtMS
		}
		return out[a].BindingID < out[b].BindingID
	})
	return out
}
