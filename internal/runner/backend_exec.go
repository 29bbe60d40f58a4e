package runner

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// BackendCommandEnv overrides the coding-agent command line.
const BackendCommandEnv = "CREWCLAW_BACKEND_CMD"

// ExecBackend drives an external coding-agent CLI: one subprocess per step,
// the composed prompt on stdin, stdout streamed line by line. Exit code 0
// closes the issue with success, anything else with failure.
type ExecBackend struct {
	Command []string // argv; empty falls back to BackendCommandEnv
	Dir     string   // working directory for the subprocess
}

// NewExecBackend resolves the backend command from an explicit argv or the
// environment.
func NewExecBackend(command []string, dir string) (*ExecBackend, error) {
	if len(command) == 0 {
		if env := os.Getenv(BackendCommandEnv); env != "" {
			command = strings.Fields(env)
		}
	}
	if len(command) == 0 {
		return nil, workspace.E(workspace.KindInvalidInput,
			"no backend command configured; set %s", BackendCommandEnv)
	}
	return &ExecBackend{Command: command, Dir: dir}, nil
}

// RunStep executes one backend step.
func (b *ExecBackend) RunStep(ctx context.Context, req StepRequest, onLine func(string)) (StepResult, error) {
	cmd := exec.CommandContext(ctx, b.Command[0], b.Command[1:]...)
	cmd.Dir = b.Dir
	cmd.Stdin = strings.NewReader(req.Prompt)
	cmd.Env = append(os.Environ(),
		"CREWCLAW_ISSUE_ID="+req.Issue.ID,
		"CREWCLAW_ROOT_ID="+req.RootID,
		"CREWCLAW_ROLE="+req.Role,
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return StepResult{}, workspace.Wrap(workspace.KindBackendError, err, "backend stdout")
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return StepResult{}, workspace.Wrap(workspace.KindBackendError, err, "start backend")
	}

	var out []string
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out = append(out, line)
		if onLine != nil {
			onLine(line)
		}
	}

	waitErr := cmd.Wait()
	var errLines []string
	if s := strings.TrimSpace(stderr.String()); s != "" {
		errLines = strings.Split(s, "\n")
	}
	res := StepResult{
		Stdout: out,
		Stderr: errLines,
	}
	switch {
	case ctx.Err() != nil:
		return res, workspace.Wrap(workspace.KindBackendTimeout, ctx.Err(), "backend step cancelled")
	case waitErr == nil:
		res.Outcome = workspace.OutcomeSuccess
		return res, nil
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			res.ExitCode = exitErr.ExitCode()
			res.Outcome = workspace.OutcomeFailure
			return res, nil
		}
		return res, workspace.Wrap(workspace.KindBackendError, waitErr, "backend step")
	}
}
