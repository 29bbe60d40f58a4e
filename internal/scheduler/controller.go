package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/crewclaw/internal/runner"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// RunFunc invokes the DAG runner for one root. The controller passes hooks so
// it can capture output tails and progress while other observers stay wired.
type RunFunc func(ctx context.Context, rootID string, maxSteps int, hooks runner.Hooks) (runner.Result, error)

// Config configures a Controller.
type Config struct {
	Store     *workspace.Store
	Run       RunFunc
	TickMS    int
	TailLines int
	Now       func() time.Time // injectable clock for tests
}

// Controller turns queued-run requests and time-based programs into DAG
// runner invocations. One worker loop runs at most one queued run at a time
// per workspace.
type Controller struct {
	store     *workspace.Store
	run       RunFunc
	now       func() time.Time
	tick      time.Duration
	tailLines int
	gron      *gronx.Gronx

	mu          sync.Mutex
	journal     *workspace.Journal
	runs        map[string]*QueuedRun
	order       []string
	heartbeats  map[string]*HeartbeatProgram
	hbJournal   *workspace.Journal
	cronPrgs    map[string]*CronProgram
	cronJournal *workspace.Journal

	notify     chan struct{}
	interrupts map[string]context.CancelFunc // job id -> cancel of the running job
}

// Open replays the run and program journals and returns a ready controller.
// Runs left in status running by a previous process are marked interrupted.
func Open(cfg Config) (*Controller, error) {
	c := &Controller{
		store:      cfg.Store,
		run:        cfg.Run,
		now:        cfg.Now,
		tailLines:  cfg.TailLines,
		gron:       gronx.New(),
		runs:       make(map[string]*QueuedRun),
		heartbeats: make(map[string]*HeartbeatProgram),
		cronPrgs:   make(map[string]*CronProgram),
		notify:     make(chan struct{}, 1),
		interrupts: make(map[string]context.CancelFunc),
	}
	if c.now == nil {
		c.now = time.Now
	}
	if cfg.TickMS <= 0 {
		cfg.TickMS = 1000
	}
	c.tick = time.Duration(cfg.TickMS) * time.Millisecond
	if c.tailLines <= 0 {
		c.tailLines = 64
	}

	layout := cfg.Store.Layout
	var err error
	c.journal, err = workspace.OpenJournal(layout.RunsLog(), func(line []byte) error {
		var r QueuedRun
		if uerr := unmarshal(line, &r); uerr != nil {
			return uerr
		}
		if _, seen := c.runs[r.JobID]; !seen {
			c.order = append(c.order, r.JobID)
		}
		c.runs[r.JobID] = &r
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.hbJournal, err = workspace.OpenJournal(layout.HeartbeatsLog(), func(line []byte) error {
		var p HeartbeatProgram
		if uerr := unmarshal(line, &p); uerr != nil {
			return uerr
		}
		if p.Deleted {
			delete(c.heartbeats, p.ProgramID)
		} else {
			c.heartbeats[p.ProgramID] = &p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.cronJournal, err = workspace.OpenJournal(layout.CronLog(), func(line []byte) error {
		var p CronProgram
		if uerr := unmarshal(line, &p); uerr != nil {
			return uerr
		}
		if p.Deleted {
			delete(c.cronPrgs, p.ProgramID)
		} else {
			c.cronPrgs[p.ProgramID] = &p
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Crash recovery: a run mid-flight when the previous process died is
	// interrupted, not running.
	for _, r := range c.runs {
		if r.Status == RunRunning {
			r.Status = RunInterrupted
			r.UpdatedAtMS = c.now().UnixMilli()
			r.FinishedAtMS = r.UpdatedAtMS
			if err := c.journal.Append(r); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// Close closes the journals.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.journal.Close()
	c.hbJournal.Close()
	c.cronJournal.Close()
}

// Start runs the worker loop and the program ticker until ctx is cancelled.
func (c *Controller) Start(ctx context.Context) {
	go c.workLoop(ctx)
	go c.tickLoop(ctx)
}

// EnqueueRequest describes one queued run.
type EnqueueRequest struct {
	RootIssueID string // empty = create a new root from the prompt at pickup
	Prompt      string
	MaxSteps    int
	Mode        string
	Source      string
}

// Enqueue appends a queued record and wakes the worker.
func (c *Controller) Enqueue(req EnqueueRequest) (*QueuedRun, error) {
	if req.RootIssueID == "" && strings.TrimSpace(req.Prompt) == "" {
		return nil, workspace.E(workspace.KindInvalidInput, "either a root issue or a prompt is required")
	}
	if req.MaxSteps <= 0 {
		return nil, workspace.E(workspace.KindInvalidInput, "max_steps must be positive")
	}

	now := c.now().UnixMilli()
	r := &QueuedRun{
		JobID:       uuid.NewString(),
		RootIssueID: req.RootIssueID,
		Prompt:      req.Prompt,
		MaxSteps:    req.MaxSteps,
		Mode:        req.Mode,
		Status:      RunQueued,
		Source:      req.Source,
		StartedAtMS: now,
		UpdatedAtMS: now,
	}

	c.mu.Lock()
	if err := c.journal.Append(r); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.runs[r.JobID] = r
	c.order = append(c.order, r.JobID)
	c.mu.Unlock()

	c.store.Record("run.queued", "scheduler", req.RootIssueID, r.JobID, map[string]any{"source": req.Source})
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return r.clone(), nil
}

// Interrupt cancels the running job for rootID (or the oldest queued one) and
// marks it interrupted. Returns not_found when nothing matches.
func (c *Controller) Interrupt(rootID string) (*QueuedRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, id := range c.order {
		r := c.runs[id]
		if rootID != "" && r.RootIssueID != rootID {
			continue
		}
		switch r.Status {
		case RunRunning:
			if cancel, ok := c.interrupts[r.JobID]; ok {
				cancel()
			}
			c.transitionLocked(r, RunInterrupted)
			return r.clone(), nil
		case RunQueued:
			c.transitionLocked(r, RunInterrupted)
			return r.clone(), nil
		}
	}
	return nil, workspace.E(workspace.KindNotFound, "no active run for %q", rootID)
}

// HasActiveRun reports whether a queued or running job matches rootID. An
// empty rootID matches any active job.
func (c *Controller) HasActiveRun(rootID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.order {
		r := c.runs[id]
		if rootID != "" && r.RootIssueID != rootID {
			continue
		}
		if r.Status == RunQueued || r.Status == RunRunning {
			return true
		}
	}
	return false
}

// ListFilter narrows List output.
type ListFilter struct {
	Status string
	Limit  int
}

// List returns runs ordered by updated_at descending.
func (c *Controller) List(filter ListFilter) []*QueuedRun {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*QueuedRun
	for _, id := range c.order {
		r := c.runs[id]
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, r.clone())
	}
	sort.SliceStable(out, func(a, b int) bool {
		return out[a].UpdatedAtMS > out[b].UpdatedAtMS
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

// Snapshot returns the current record for one job.
func (c *Controller) Snapshot(jobID string) (*QueuedRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.runs[jobID]; ok {
		return r.clone(), nil
	}
	return nil, workspace.E(workspace.KindNotFound, "run %s", jobID)
}

// Trace is the run record plus everything captured about its execution.
type Trace struct {
	Run        *QueuedRun `json:"run"`
	StdoutTail []string   `json:"stdout_tail,omitempty"`
	StderrTail []string   `json:"stderr_tail,omitempty"`
	LogHints   []string   `json:"log_hints,omitempty"`
	TraceFiles []string   `json:"trace_files,omitempty"`
}

// TraceFor assembles the trace view of one job.
func (c *Controller) TraceFor(jobID string) (*Trace, error) {
	r, err := c.Snapshot(jobID)
	if err != nil {
		return nil, err
	}
	t := &Trace{
		Run:        r,
		StdoutTail: r.StdoutTail,
		StderrTail: r.StderrTail,
		LogHints:   r.LogHints,
	}
	if r.RootIssueID != "" {
		t.TraceFiles = runner.TraceFiles(c.store.Layout.RunLogDir(r.RootIssueID))
	}
	return t, nil
}

// --- worker loop ---

func (c *Controller) workLoop(ctx context.Context) {
	for {
		if !c.processOne(ctx) {
			select {
			case <-ctx.Done():
				return
			case <-c.notify:
			case <-time.After(c.tick):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// processOne picks the oldest queued job and runs it to a terminal state.
// Returns false when the queue was empty.
func (c *Controller) processOne(ctx context.Context) bool {
	c.mu.Lock()
	var job *QueuedRun
	for _, id := range c.order {
		if c.runs[id].Status == RunQueued {
			job = c.runs[id]
			break
		}
	}
	if job == nil {
		c.mu.Unlock()
		return false
	}
	c.transitionLocked(job, RunRunning)
	runCtx, cancel := context.WithCancel(ctx)
	c.interrupts[job.JobID] = cancel
	jobID := job.JobID
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.interrupts, jobID)
		c.mu.Unlock()
	}()

	c.execute(runCtx, jobID)
	return true
}

// execute resolves the job's root (creating one from the prompt if needed),
// invokes the runner, and records the terminal state atomically with the
// journal append that sets it.
func (c *Controller) execute(ctx context.Context, jobID string) {
	c.mu.Lock()
	job := c.runs[jobID]
	rootID := job.RootIssueID
	prompt := job.Prompt
	maxSteps := job.MaxSteps
	c.mu.Unlock()

	if rootID == "" {
		root, err := c.store.CreateIssue(rootTitle(prompt), workspace.CreateOpts{
			Body: prompt,
			Tags: []string{workspace.TagRoot, workspace.TagAgent, workspace.TagOrchestrator},
		})
		if err != nil {
			c.finish(jobID, RunFailed, nil, "create root: "+err.Error())
			return
		}
		rootID = root.ID
		c.mu.Lock()
		job.RootIssueID = rootID
		c.journal.Append(job)
		c.mu.Unlock()
	}

	tail := &tailHook{controller: c, jobID: jobID, limit: c.tailLines}
	res, err := c.run(ctx, rootID, maxSteps, tail)

	switch {
	case ctx.Err() != nil:
		// Interrupt already transitioned the record; nothing to overwrite.
		c.mu.Lock()
		terminal := IsTerminal(job.Status)
		c.mu.Unlock()
		if !terminal {
			c.finish(jobID, RunInterrupted, nil, "cancelled")
		}
	case err != nil:
		code := 1
		c.finish(jobID, RunFailed, &code, err.Error())
	case res.Status == runner.ExitRootFinal:
		code := 0
		c.finish(jobID, RunSucceeded, &code, res.Reason)
	default:
		code := 1
		c.finish(jobID, RunFailed, &code, res.Status+": "+res.Reason)
	}
}

// finish records a terminal state exactly once.
func (c *Controller) finish(jobID, status string, exitCode *int, progress string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.runs[jobID]
	if !ok || IsTerminal(job.Status) {
		return
	}
	job.ExitCode = exitCode
	job.LastProgress = truncateLine(progress)
	if job.RootIssueID != "" {
		job.LogHints = appendUnique(job.LogHints, runner.TraceFiles(c.store.Layout.RunLogDir(job.RootIssueID)))
	}
	c.transitionLocked(job, status)
	slog.Info("scheduler.run_finished", "job", jobID, "status", status)
}

// transitionLocked sets the status and appends the journal record for it.
// Terminal classification is atomic with that append.
func (c *Controller) transitionLocked(job *QueuedRun, status string) {
	job.Status = status
	job.UpdatedAtMS = c.now().UnixMilli()
	if IsTerminal(status) {
		job.FinishedAtMS = job.UpdatedAtMS
	}
	if err := c.journal.Append(job); err != nil {
		slog.Error("scheduler.journal_append_failed", "job", job.JobID, "error", err)
	}
	c.store.Record("run."+status, "scheduler", job.RootIssueID, job.JobID, nil)
}

// tailHook captures backend output and progress onto the run record.
type tailHook struct {
	controller *Controller
	jobID      string
	limit      int
}

func (h *tailHook) OnStepStart(ev runner.StepStart) {
	h.controller.progress(h.jobID, "step "+itoa(ev.Step)+": "+ev.Title)
}

func (h *tailHook) OnBackendLine(ev runner.BackendLine) {
	c := h.controller
	c.mu.Lock()
	defer c.mu.Unlock()
	job, ok := c.runs[h.jobID]
	if !ok {
		return
	}
	job.StdoutTail = append(job.StdoutTail, ev.Line)
	if len(job.StdoutTail) > h.limit {
		job.StdoutTail = job.StdoutTail[len(job.StdoutTail)-h.limit:]
	}
}

func (h *tailHook) OnStepEnd(ev runner.StepEnd) {
	c := h.controller
	c.mu.Lock()
	if job, ok := c.runs[h.jobID]; ok {
		job.StderrTail = append(job.StderrTail, ev.Stderr...)
		if len(job.StderrTail) > h.limit {
			job.StderrTail = job.StderrTail[len(job.StderrTail)-h.limit:]
		}
		job.LogHints = appendUnique(job.LogHints, ev.LogHints)
	}
	c.mu.Unlock()
	c.progress(h.jobID, "step "+itoa(ev.Step)+" -> "+ev.Outcome)
}

func (c *Controller) progress(jobID, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if job, ok := c.runs[jobID]; ok {
		job.LastProgress = truncateLine(msg)
		job.UpdatedAtMS = c.now().UnixMilli()
	}
}

// --- helpers ---

func rootTitle(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if len(line) > 80 {
		line = line[:80]
	}
	if line == "" {
		line = "untitled goal"
	}
	return line
}

func truncateLine(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

func itoa(i int) string { return strconv.Itoa(i) }

// appendUnique appends the members of add not already present in dst.
func appendUnique(dst, add []string) []string {
	for _, s := range add {
		seen := false
		for _, have := range dst {
			if have == s {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, s)
		}
	}
	return dst
}

func unmarshal(line []byte, v any) error { return json.Unmarshal(line, v) }
