package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// Exit statuses of one Run. ExitAborted accompanies a non-nil error:
// cancellation or a backend failure ended the run before a clean exit.
const (
	ExitRootFinal = "root_final"
	ExitDeadlock  = "deadlock"
	ExitMaxSteps  = "max_steps"
	ExitAborted   = "aborted"
)

// threadLimit bounds how much forum history is folded into a step prompt.
const threadLimit = 50

// Runner executes one root issue to completion (or to the step budget) by
// driving the backend over the ready frontier.
type Runner struct {
	store   *workspace.Store
	backend BackendRunner
	hooks   Hooks
	prompts PromptSet
	tracer  trace.Tracer
}

// Config configures a Runner.
type Config struct {
	Store   *workspace.Store
	Backend BackendRunner
	Hooks   Hooks
	Prompts *PromptSet // nil = DefaultPrompts
}

func New(cfg Config) *Runner {
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopHooks{}
	}
	prompts := DefaultPrompts
	if cfg.Prompts != nil {
		prompts = *cfg.Prompts
	}
	return &Runner{
		store:   cfg.Store,
		backend: cfg.Backend,
		hooks:   hooks,
		prompts: prompts,
		tracer:  otel.Tracer("crewclaw/runner"),
	}
}

// Result summarizes one Run.
type Result struct {
	Status string `json:"status"` // root_final, deadlock, max_steps, aborted
	Steps  int    `json:"steps"`
	Reason string `json:"reason,omitempty"`
}

// Run drives the step loop for rootID until the subtree is final, the
// frontier deadlocks, or maxSteps is spent. In-progress issues under the root
// are reopened first so a crashed step rejoins the frontier; the runner never
// exits with an issue left in_progress.
func (r *Runner) Run(ctx context.Context, rootID string, maxSteps int) (Result, error) {
	if maxSteps <= 0 {
		return Result{}, workspace.E(workspace.KindInvalidInput, "max_steps must be positive")
	}
	if r.store.Issues.Get(rootID) == nil {
		return Result{}, workspace.E(workspace.KindNotFound, "root issue %s", rootID)
	}

	reopened, err := r.store.Issues.ResetInProgress(rootID)
	if err != nil {
		return Result{}, err
	}
	if len(reopened) > 0 {
		slog.Info("runner.resumed", "root", rootID, "reopened", len(reopened))
	}

	for step := 1; step <= maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			return Result{Status: ExitAborted, Steps: step - 1, Reason: "cancelled"}, err
		}

		frontier := r.store.Issues.Ready(rootID, workspace.ReadyFilter{
			Tags:  []string{workspace.TagAgent},
			Limit: 1,
		})
		if len(frontier) == 0 {
			v := r.store.Issues.Validate(rootID)
			if v.IsFinal {
				return Result{Status: ExitRootFinal, Steps: step - 1, Reason: v.Reason}, nil
			}
			return Result{Status: ExitDeadlock, Steps: step - 1, Reason: v.Reason}, nil
		}

		if err := r.step(ctx, rootID, step, frontier[0]); err != nil {
			return Result{Status: ExitAborted, Steps: step, Reason: "backend failure"}, err
		}
	}

	v := r.store.Issues.Validate(rootID)
	if v.IsFinal {
		return Result{Status: ExitRootFinal, Steps: maxSteps, Reason: v.Reason}, nil
	}
	return Result{Status: ExitMaxSteps, Steps: maxSteps, Reason: "step budget spent"}, nil
}

func (r *Runner) step(ctx context.Context, rootID string, step int, iss *workspace.Issue) error {
	ctx, span := r.tracer.Start(ctx, "runner.step", trace.WithAttributes(
		attribute.String("issue.id", iss.ID),
		attribute.String("issue.role", iss.Role()),
		attribute.Int("step", step),
	))
	defer span.End()

	if err := r.store.ClaimIssue(iss.ID); err != nil {
		return err
	}

	r.hooks.OnStepStart(StepStart{
		Step:    step,
		RootID:  rootID,
		IssueID: iss.ID,
		Role:    iss.Role(),
		Title:   iss.Title,
	})
	r.store.Record("step.start", "runner", iss.ID, rootID, map[string]any{
		"step": step,
		"role": iss.Role(),
	})
	slog.Info("runner.step_start", "step", step, "issue", iss.ID, "role", iss.Role())

	thread := r.store.Forum.Read(workspace.IssueTopic(iss.ID), threadLimit)
	req := StepRequest{
		RootID: rootID,
		Issue:  iss,
		Role:   iss.Role(),
		Prompt: composePrompt(r.prompts, iss, thread),
	}

	start := time.Now()
	res, backendErr := r.backend.RunStep(ctx, req, func(line string) {
		r.hooks.OnBackendLine(BackendLine{IssueID: iss.ID, Line: line})
	})
	elapsed := time.Since(start).Seconds()

	outcome := res.Outcome
	if backendErr != nil {
		outcome = workspace.OutcomeFailure
	} else if !validOutcome(outcome) {
		backendErr = workspace.E(workspace.KindBackendError, "backend returned unknown outcome %q", res.Outcome)
		outcome = workspace.OutcomeFailure
	}

	if err := r.store.CloseIssue(iss.ID, outcome); err != nil {
		return err
	}

	r.hooks.OnStepEnd(StepEnd{
		Step:     step,
		IssueID:  iss.ID,
		Outcome:  outcome,
		ElapsedS: elapsed,
		ExitCode: res.ExitCode,
		Stderr:   res.Stderr,
		LogHints: res.LogHints,
	})
	r.store.Record("step.end", "runner", iss.ID, rootID, map[string]any{
		"step":      step,
		"outcome":   outcome,
		"elapsed_s": elapsed,
		"exit_code": res.ExitCode,
	})
	span.SetAttributes(attribute.String("outcome", outcome))
	slog.Info("runner.step_end", "step", step, "issue", iss.ID, "outcome", outcome, "elapsed_s", fmt.Sprintf("%.1f", elapsed))

	if backendErr != nil {
		return &BackendError{
			IssueID: iss.ID,
			Err:     backendErr,
			Hint: RecoveryHint{
				Replay: "crewclaw replay " + iss.ID,
				Logs:   r.store.Layout.RunLogDir(rootID),
				Resume: "crewclaw resume " + rootID,
			},
		}
	}
	return nil
}

func validOutcome(outcome string) bool {
	switch outcome {
	case workspace.OutcomeSuccess, workspace.OutcomeFailure, workspace.OutcomeNeedsWork,
		workspace.OutcomeExpanded, workspace.OutcomeSkipped:
		return true
	}
	return false
}
