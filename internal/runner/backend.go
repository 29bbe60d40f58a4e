package runner

import (
	"context"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// StepRequest is everything the backend gets for one step.
type StepRequest struct {
	RootID string
	Issue  *workspace.Issue
	Role   string // "orchestrator" or "worker"
	Prompt string
}

// StepResult is the backend's terminating outcome for one step.
type StepResult struct {
	Outcome  string // success, failure, needs_work, expanded, skipped
	ExitCode int
	Stdout   []string
	Stderr   []string
	LogHints []string // paths the backend wrote its own logs to
}

// BackendRunner drives the coding-agent backend for one step. onLine receives
// each line of the backend's streaming output as it is emitted; the runner
// makes no assumption about how the backend is implemented.
type BackendRunner interface {
	RunStep(ctx context.Context, req StepRequest, onLine func(line string)) (StepResult, error)
}

// RecoveryHint names the three things an operator can do after a backend
// crash.
type RecoveryHint struct {
	Replay string `json:"replay"`
	Logs   string `json:"logs"`
	Resume string `json:"resume"`
}

// BackendError wraps a backend crash with its recovery hint. The current
// issue has already been closed with outcome failure by the time this
// propagates.
type BackendError struct {
	IssueID string
	Hint    RecoveryHint
	Err     error
}

func (e *BackendError) Error() string {
	return "backend failed on issue " + e.IssueID + ": " + e.Err.Error()
}

func (e *BackendError) Unwrap() error { return e.Err }
