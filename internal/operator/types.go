package operator

import "context"

// Inbound is one message arriving from an ingress channel.
type Inbound struct {
	Channel        string            `json:"channel"`
	TenantID       string            `json:"channel_tenant_id"`
	ConversationID string            `json:"channel_conversation_id"`
	RequestID      string            `json:"request_id"`
	RepoRoot       string            `json:"repo_root"`
	CommandText    string            `json:"command_text"`
	TargetType     string            `json:"target_type,omitempty"`
	TargetID       string            `json:"target_id,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// IdentityRef accompanies an inbound and names the binding it arrived under.
type IdentityRef struct {
	BindingID     string `json:"binding_id"`
	AssuranceTier string `json:"assurance_tier,omitempty"`
}

// Key is the conversation key an inbound maps to. Turns are serialized per
// key; sessions are sticky per key.
type Key struct {
	Channel        string
	TenantID       string
	ConversationID string
	BindingID      string
}

func (in Inbound) key(id IdentityRef) Key {
	return Key{
		Channel:        in.Channel,
		TenantID:       in.TenantID,
		ConversationID: in.ConversationID,
		BindingID:      id.BindingID,
	}
}

// Approved-command kinds. The set is closed; anything else is an invalid
// directive.
const (
	CmdStatus       = "status"
	CmdReady        = "ready"
	CmdIssueList    = "issue_list"
	CmdIssueGet     = "issue_get"
	CmdForumRead    = "forum_read"
	CmdRunList      = "run_list"
	CmdRunStatus    = "run_status"
	CmdRunResume    = "run_resume"
	CmdRunInterrupt = "run_interrupt"
	CmdRunStart     = "run_start"
)

// Proposal is the structured command a backend turn may produce.
type Proposal struct {
	Kind        string `json:"kind"`
	IssueID     string `json:"issue_id,omitempty"`
	RootIssueID string `json:"root_issue_id,omitempty"`
	Topic       string `json:"topic,omitempty"`
	Prompt      string `json:"prompt,omitempty"`
	// Numeric args arrive as JSON numbers; normalization truncates them to
	// integers.
	Limit    *float64 `json:"limit,omitempty"`
	MaxSteps *float64 `json:"max_steps,omitempty"`
}

// TurnOutput is what one backend turn yields: exactly one of Message or
// Proposal set.
type TurnOutput struct {
	Message  string    `json:"message,omitempty"`
	Proposal *Proposal `json:"proposal,omitempty"`
}

// Backend runs one operator-LLM turn inside a session.
type Backend interface {
	RunTurn(ctx context.Context, session *Session, in Inbound) (TurnOutput, error)
}

// Decision kinds.
const (
	DecisionResponse = "response"
	DecisionCommand  = "command"
	DecisionReject   = "reject"
)

// Decision is the broker's verdict on one inbound.
type Decision struct {
	Kind        string `json:"kind"`
	Message     string `json:"message,omitempty"`
	CommandText string `json:"command_text,omitempty"`
	Reason      string `json:"reason,omitempty"`
	SessionID   string `json:"operator_session_id"`
	TurnID      string `json:"operator_turn_id"`
}
