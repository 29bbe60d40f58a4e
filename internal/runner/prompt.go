package runner

import (
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// PromptSet holds the role-specific system prompts.
type PromptSet struct {
	Orchestrator string
	Worker       string
}

// DefaultPrompts are the bundled role prompts. Deployments override them via
// Config.Prompts.
var DefaultPrompts = PromptSet{
	Orchestrator: "You are the orchestrator. Break the goal into child issues, " +
		"add blocks edges between them, and close this issue with outcome " +
		"expanded when decomposition is complete.",
	Worker: "You are a worker. Complete the task described below and close it " +
		"with outcome success, failure, needs_work, or skipped.",
}

func (p PromptSet) forRole(role string) string {
	if role == "orchestrator" {
		return p.Orchestrator
	}
	return p.Worker
}

// composePrompt builds the backend prompt for one issue: system prompt for
// the issue's role, the issue itself, and the accumulated forum thread.
func composePrompt(prompts PromptSet, iss *workspace.Issue, thread []workspace.Message) string {
	var b strings.Builder
	b.WriteString(prompts.forRole(iss.Role()))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "## Issue %s\n\n%s\n", iss.ID, iss.Title)
	if iss.Body != "" {
		b.WriteString("\n")
		b.WriteString(iss.Body)
		b.WriteString("\n")
	}
	if len(thread) > 0 {
		b.WriteString("\n## Thread\n\n")
		for _, m := range thread {
			fmt.Fprintf(&b, "[%s] %s\n", m.Author, m.Body)
		}
	}
	return b.String()
}
