package operator

import (
	"strings"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// Namespace is the approved-command prefix users could have typed themselves.
const Namespace = "crew"

// normalized is a proposal after arg normalization: trimmed scalars, prompts
// split into whitespace tokens, numerics truncated to integers.
type normalized struct {
	Kind         string
	IssueID      string
	RootIssueID  string
	Topic        string
	PromptTokens []string
	Limit        int // 0 = unset
	MaxSteps     int // 0 = unset
}

// runTrigger reports whether a command kind starts, resumes, or interrupts a
// run.
func runTrigger(kind string) bool {
	switch kind {
	case CmdRunStart, CmdRunResume, CmdRunInterrupt:
		return true
	}
	return false
}

// normalize validates the proposal against the closed command set and
// normalizes its arguments. Range violations are cli_validation_failed;
// unknown kinds are operator_invalid_output.
func normalize(p *Proposal) (*normalized, error) {
	if p == nil {
		return nil, workspace.E(workspace.KindOperatorInvalidOutput, "empty command proposal")
	}
	n := &normalized{
		Kind:        strings.TrimSpace(p.Kind),
		IssueID:     strings.TrimSpace(p.IssueID),
		RootIssueID: strings.TrimSpace(p.RootIssueID),
		Topic:       strings.TrimSpace(p.Topic),
	}
	if p.Limit != nil {
		n.Limit = int(*p.Limit)
	}
	if p.MaxSteps != nil {
		n.MaxSteps = int(*p.MaxSteps)
	}

	switch n.Kind {
	case CmdStatus, CmdReady, CmdIssueList, CmdRunList, CmdRunStatus, CmdRunInterrupt, CmdIssueGet:
	case CmdForumRead:
		if p.Limit != nil && (n.Limit < 1 || n.Limit > 500) {
			return nil, workspace.E(workspace.KindCLIValidationFailed, "limit %d out of range [1..500]", n.Limit)
		}
	case CmdRunResume:
		if p.MaxSteps != nil && (n.MaxSteps < 1 || n.MaxSteps > 500) {
			return nil, workspace.E(workspace.KindCLIValidationFailed, "max_steps %d out of range [1..500]", n.MaxSteps)
		}
	case CmdRunStart:
		n.PromptTokens = strings.Fields(p.Prompt)
		if len(n.PromptTokens) == 0 {
			return nil, workspace.E(workspace.KindCLIValidationFailed, "run_start needs a non-empty prompt")
		}
		if p.MaxSteps != nil && (n.MaxSteps < 1 || n.MaxSteps > 500) {
			return nil, workspace.E(workspace.KindCLIValidationFailed, "max_steps %d out of range [1..500]", n.MaxSteps)
		}
	default:
		return nil, workspace.E(workspace.KindOperatorInvalidOutput, "unknown command kind %q", n.Kind)
	}
	return n, nil
}

// requiredScope maps a command kind to the capability its binding must carry.
func requiredScope(kind string) string {
	if runTrigger(kind) {
		return "execute"
	}
	return "read"
}
