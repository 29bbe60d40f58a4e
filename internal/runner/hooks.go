package runner

// StepStart is emitted when a ready issue has been claimed for a step.
type StepStart struct {
	Step    int    `json:"step"`
	RootID  string `json:"root_id"`
	IssueID string `json:"issue_id"`
	Role    string `json:"role"`
	Title   string `json:"title"`
}

// BackendLine is one line of streaming backend output.
type BackendLine struct {
	IssueID string `json:"issue_id"`
	Line    string `json:"line"`
}

// StepEnd is emitted after the issue has been closed with its outcome.
type StepEnd struct {
	Step     int      `json:"step"`
	IssueID  string   `json:"issue_id"`
	Outcome  string   `json:"outcome"`
	ElapsedS float64  `json:"elapsed_s"`
	ExitCode int      `json:"exit_code"`
	Stderr   []string `json:"stderr,omitempty"`
	LogHints []string `json:"log_hints,omitempty"`
}

// Hooks is the pluggable observation surface of the step loop.
type Hooks interface {
	OnStepStart(StepStart)
	OnBackendLine(BackendLine)
	OnStepEnd(StepEnd)
}

// NopHooks discards every event.
type NopHooks struct{}

func (NopHooks) OnStepStart(StepStart)     {}
func (NopHooks) OnBackendLine(BackendLine) {}
func (NopHooks) OnStepEnd(StepEnd)         {}

// MultiHooks fans every event out to each member in order.
type MultiHooks []Hooks

func (m MultiHooks) OnStepStart(ev StepStart) {
	for _, h := range m {
		h.OnStepStart(ev)
	}
}

func (m MultiHooks) OnBackendLine(ev BackendLine) {
	for _, h := range m {
		h.OnBackendLine(ev)
	}
}

func (m MultiHooks) OnStepEnd(ev StepEnd) {
	for _, h := range m {
		h.OnStepEnd(ev)
	}
}
