package operator

import (
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// IssueResolver resolves an issue-id prefix to a full id.
type IssueResolver interface {
	Resolve(prefix string) (string, error)
}

// RunsView is the slice of the scheduled-run controller the resolver needs.
type RunsView interface {
	HasActiveRun(rootIssueID string) bool
}

// Resolver turns a normalized proposal plus inbound context into the single
// approved command text, or a kinded rejection
// (context_missing/context_ambiguous/context_unauthorized/cli_validation_failed).
type Resolver struct {
	Issues IssueResolver
	Runs   RunsView
}

// Approve resolves one normalized command for a binding. The returned text
// always starts with "/<namespace> ".
func (r *Resolver) Approve(n *normalized, in Inbound, binding *Binding) (string, error) {
	if binding == nil || binding.Status != BindingActive {
		return "", workspace.E(workspace.KindContextUnauthorized, "no active identity binding")
	}
	if scope := requiredScope(n.Kind); !binding.HasScope(scope) {
		return "", workspace.E(workspace.KindContextUnauthorized, "binding lacks %q scope", scope)
	}

	var args []string
	switch n.Kind {
	case CmdStatus:
		args = []string{"status"}
	case CmdReady:
		args = []string{"ready"}
	case CmdIssueList:
		args = []string{"issues", "list"}
	case CmdRunList:
		args = []string{"runs", "list"}

	case CmdIssueGet:
		id, err := r.resolveIssue(n.IssueID, in, "issue")
		if err != nil {
			return "", err
		}
		args = []string{"issues", "show", id}

	case CmdForumRead:
		topic := n.Topic
		if topic == "" && in.TargetType == "topic" {
			topic = strings.TrimSpace(in.TargetID)
		}
		if topic == "" {
			return "", workspace.E(workspace.KindContextMissing, "forum_read needs a topic")
		}
		args = []string{"forum", "read", topic}
		if n.Limit > 0 {
			args = append(args, "--limit", strconv.Itoa(n.Limit))
		}

	case CmdRunStatus:
		args = []string{"runs", "status"}
		if root, err := r.optionalRoot(n.RootIssueID, in); err != nil {
			return "", err
		} else if root != "" {
			args = append(args, root)
		}

	case CmdRunResume:
		root, err := r.resolveIssue(n.RootIssueID, in, "issue")
		if err != nil {
			return "", err
		}
		args = []string{"resume", root}
		if n.MaxSteps > 0 {
			args = append(args, "--max-steps", strconv.Itoa(n.MaxSteps))
		}

	case CmdRunInterrupt:
		root, err := r.optionalRoot(n.RootIssueID, in)
		if err != nil {
			return "", err
		}
		if r.Runs == nil || !r.Runs.HasActiveRun(root) {
			return "", workspace.E(workspace.KindCLIValidationFailed, "no active run matches")
		}
		args = []string{"runs", "interrupt"}
		if root != "" {
			args = append(args, root)
		}

	case CmdRunStart:
		args = append([]string{"run", "start"}, n.PromptTokens...)
		if n.MaxSteps > 0 {
			args = append(args, "--max-steps", strconv.Itoa(n.MaxSteps))
		}

	default:
		return "", workspace.E(workspace.KindOperatorInvalidOutput, "unknown command kind %q", n.Kind)
	}

	return "/" + Namespace + " " + strings.Join(args, " "), nil
}

// resolveIssue resolves an explicit id, falling back to the inbound target.
// A missing id is context_missing; a bad prefix maps not_found to
// context_missing and ambiguous to context_ambiguous.
func (r *Resolver) resolveIssue(explicit string, in Inbound, targetType string) (string, error) {
	prefix := explicit
	if prefix == "" && in.TargetType == targetType {
		prefix = strings.TrimSpace(in.TargetID)
	}
	if prefix == "" {
		return "", workspace.E(workspace.KindContextMissing, "no issue in command or conversation context")
	}
	if r.Issues == nil {
		return prefix, nil
	}
	id, err := r.Issues.Resolve(prefix)
	switch workspace.KindOf(err) {
	case "":
		return id, nil
	case workspace.KindNotFound:
		return "", workspace.Wrap(workspace.KindContextMissing, err, "issue %q not found", prefix)
	case workspace.KindAmbiguous:
		return "", workspace.Wrap(workspace.KindContextAmbiguous, err, "issue prefix %q is ambiguous", prefix)
	default:
		return "", err
	}
}

// optionalRoot resolves a root id when one was given, otherwise returns "".
func (r *Resolver) optionalRoot(explicit string, in Inbound) (string, error) {
	prefix := explicit
	if prefix == "" && in.TargetType == "issue" {
		prefix = strings.TrimSpace(in.TargetID)
	}
	if prefix == "" {
		return "", nil
	}
	return r.resolveIssue(prefix, in, "issue")
}
