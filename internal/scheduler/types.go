package scheduler

import (
	"strings"

	"github.com/google/uuid"
)

// Queued-run statuses.
const (
	RunQueued      = "queued"
	RunRunning     = "running"
	RunSucceeded   = "succeeded"
	RunFailed      = "failed"
	RunInterrupted = "interrupted"
)

// IsTerminal reports whether a run status is terminal.
func IsTerminal(status string) bool {
	switch status {
	case RunSucceeded, RunFailed, RunInterrupted:
		return true
	}
	return false
}

// QueuedRun is one unit of scheduled work. A record is appended to the run
// journal on creation and on every state change; the controller keeps the
// current record per job id in memory.
type QueuedRun struct {
	JobID        string   `json:"job_id"`
	RootIssueID  string   `json:"root_issue_id,omitempty"` // empty = create a root from the prompt
	Prompt       string   `json:"prompt,omitempty"`
	MaxSteps     int      `json:"max_steps"`
	Mode         string   `json:"mode,omitempty"`
	Status       string   `json:"status"`
	Source       string   `json:"source,omitempty"`
	StartedAtMS  int64    `json:"started_at_ms"`
	UpdatedAtMS  int64    `json:"updated_at_ms"`
	FinishedAtMS int64    `json:"finished_at_ms,omitempty"`
	ExitCode     *int     `json:"exit_code,omitempty"`
	LastProgress string   `json:"last_progress,omitempty"`
	StdoutTail   []string `json:"stdout_tail,omitempty"`
	StderrTail   []string `json:"stderr_tail,omitempty"`
	LogHints     []string `json:"log_hints,omitempty"`
}

func (r *QueuedRun) clone() *QueuedRun {
	c := *r
	c.StdoutTail = append([]string(nil), r.StdoutTail...)
	c.StderrTail = append([]string(nil), r.StderrTail...)
	c.LogHints = append([]string(nil), r.LogHints...)
	return &c
}

// Heartbeat target kinds.
const (
	TargetRun   = "run"
	TargetForum = "forum"
)

// Target is the tagged destination of a heartbeat firing.
type Target struct {
	Kind        string `json:"kind"`
	JobID       string `json:"job_id,omitempty"`
	RootIssueID string `json:"root_issue_id,omitempty"`
	Topic       string `json:"topic,omitempty"` // forum targets
}

// Wake modes.
const (
	WakeNudge   = "nudge"   // post a prod, leave the run alone
	WakeRequeue = "requeue" // re-enqueue the root when the run went terminal
)

// HeartbeatProgram is a periodic prod directed at a target.
type HeartbeatProgram struct {
	ProgramID       string            `json:"program_id"`
	Title           string            `json:"title,omitempty"`
	Enabled         bool              `json:"enabled"`
	Target          Target            `json:"target"`
	EveryMS         int64             `json:"every_ms"`
	NextTriggerAtMS int64             `json:"next_trigger_at_ms"`
	LastTriggeredMS int64             `json:"last_triggered_at_ms,omitempty"`
	LastResult      string            `json:"last_result,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	WakeMode        string            `json:"wake_mode,omitempty"`
	UpdatedAtMS     int64             `json:"updated_at_ms"`
	Deleted         bool              `json:"deleted,omitempty"` // journal tombstone
}

// autoDisableOnTerminal reports whether the program disables itself once its
// target reaches a terminal state.
func (p *HeartbeatProgram) autoDisableOnTerminal() bool {
	return p.Metadata["auto_disable_on_terminal"] == "true"
}

// Cron schedule kinds.
const (
	ScheduleEvery = "every"
	ScheduleAt    = "at"
	ScheduleCron  = "cron"
)

// Schedule is the tagged schedule variant of a cron program.
type Schedule struct {
	Kind    string `json:"kind"`
	EveryMS int64  `json:"every_ms,omitempty"`
	AtMS    int64  `json:"at_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
}

// CronProgram is a schedule-triggered program that enqueues a run when due.
type CronProgram struct {
	ProgramID   string   `json:"program_id"`
	Title       string   `json:"title,omitempty"`
	Enabled     bool     `json:"enabled"`
	Schedule    Schedule `json:"schedule"`
	Prompt      string   `json:"prompt,omitempty"`
	RootIssueID string   `json:"root_issue_id,omitempty"`
	MaxSteps    int      `json:"max_steps,omitempty"`
	NextRunAtMS int64    `json:"next_run_at_ms"`
	LastRunAtMS int64    `json:"last_run_at_ms,omitempty"`
	LastResult  string   `json:"last_result,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	UpdatedAtMS int64    `json:"updated_at_ms"`
	Deleted     bool     `json:"deleted,omitempty"`
}

// CronStatus is the aggregate returned by cron.status.
type CronStatus struct {
	Count        int         `json:"count"`
	EnabledCount int         `json:"enabled_count"`
	ArmedCount   int         `json:"armed_count"`
	Armed        []ArmedCron `json:"armed"`
}

// ArmedCron names one enabled program and when it is due.
type ArmedCron struct {
	ProgramID string `json:"program_id"`
	DueAtMS   int64  `json:"due_at_ms"`
}

// NewProgramID generates a short program id.
func NewProgramID(prefix string) string {
	return prefix + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
