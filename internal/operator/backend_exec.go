package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// BackendCommandEnv overrides the operator-LLM command line.
const BackendCommandEnv = "CREWCLAW_OPERATOR_CMD"

// ExecBackend drives an external operator-LLM CLI: one subprocess per turn,
// the turn input as JSON on stdin, a TurnOutput as JSON on stdout.
type ExecBackend struct {
	Command []string
	Dir     string // working directory for the subprocess
}

// BackendFromEnv resolves the backend command from the environment. Returns
// nil when none is configured; the broker stays detached in that case.
func BackendFromEnv(dir string) *ExecBackend {
	env := os.Getenv(BackendCommandEnv)
	if env == "" {
		return nil
	}
	return &ExecBackend{Command: strings.Fields(env), Dir: dir}
}

// turnInput is the JSON handed to the subprocess on stdin.
type turnInput struct {
	SessionID    string  `json:"operator_session_id"`
	RepoRoot     string  `json:"repo_root"`
	MessageCount int     `json:"message_count"`
	Inbound      Inbound `json:"inbound"`
}

// RunTurn executes one operator turn.
func (b *ExecBackend) RunTurn(ctx context.Context, session *Session, in Inbound) (TurnOutput, error) {
	payload, err := json.Marshal(turnInput{
		SessionID:    session.ID,
		RepoRoot:     session.RepoRoot,
		MessageCount: session.MessageCount,
		Inbound:      in,
	})
	if err != nil {
		return TurnOutput{}, workspace.Wrap(workspace.KindBackendError, err, "encode turn input")
	}

	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Dir = b.Dir
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"CREWCLAW_SESSION_ID="+session.ID,
		"CREWCLAW_CHANNEL="+in.Channel,
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return TurnOutput{}, workspace.Wrap(workspace.KindBackendTimeout, ctx.Err(), "operator turn cancelled")
		}
		return TurnOutput{}, workspace.Wrap(workspace.KindBackendError, err, "operator backend: %s",
			strings.TrimSpace(stderr.String()))
	}

	var out TurnOutput
	if err := json.Unmarshal(bytes.TrimSpace(stdout.Bytes()), &out); err != nil {
		return TurnOutput{}, workspace.Wrap(workspace.KindOperatorInvalidOutput, err, "parse operator turn")
	}
	return out, nil
}
