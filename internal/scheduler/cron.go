package scheduler

import (
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// fireCron enqueues the program's run and advances (or retires) its schedule.
func (c *Controller) fireCron(p *CronProgram, nowMS int64) {
	_, err := c.Enqueue(EnqueueRequest{
		RootIssueID: p.RootIssueID,
		Prompt:      p.Prompt,
		MaxSteps:    cronMaxSteps(p, c.defaultMaxSteps()),
		Source:      "cron:" + p.ProgramID,
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	p.LastRunAtMS = nowMS
	if err != nil {
		p.LastResult = "error"
		p.Reason = err.Error()
	} else {
		p.LastResult = "enqueued"
		p.Reason = ""
	}

	next, nerr := nextRunAt(p.Schedule, time.UnixMilli(nowMS))
	switch {
	case nerr != nil:
		p.Enabled = false
		p.LastResult = "error"
		p.Reason = nerr.Error()
	case next.IsZero():
		// One-shot schedule exhausted.
		p.Enabled = false
		p.NextRunAtMS = 0
	default:
		p.NextRunAtMS = next.UnixMilli()
	}
	p.UpdatedAtMS = nowMS
	if jerr := c.cronJournal.Append(p); jerr != nil {
		slog.Error("scheduler.cron_journal_failed", "program", p.ProgramID, "error", jerr)
	}
	c.store.Record("cron.fired", "scheduler", p.RootIssueID, "", map[string]any{
		"program": p.ProgramID,
		"result":  p.LastResult,
	})
}

func cronMaxSteps(p *CronProgram, fallback int) int {
	if p.MaxSteps > 0 {
		return p.MaxSteps
	}
	return fallback
}

func (c *Controller) defaultMaxSteps() int {
	sched := c.store.Config.SchedulerSnapshot()
	if sched.MaxSteps > 0 {
		return sched.MaxSteps
	}
	return 50
}

// nextRunAt computes the next due time strictly after now. A zero time with a
// nil error means the schedule has no further occurrence.
func nextRunAt(s Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleEvery:
		if s.EveryMS <= 0 {
			return time.Time{}, workspace.E(workspace.KindInvalidInput, "every schedule needs a positive every_ms")
		}
		return now.Add(time.Duration(s.EveryMS) * time.Millisecond), nil
	case ScheduleAt:
		at := time.UnixMilli(s.AtMS)
		if at.After(now) {
			return at, nil
		}
		return time.Time{}, nil
	case ScheduleCron:
		loc := time.UTC
		if s.TZ != "" {
			l, err := time.LoadLocation(s.TZ)
			if err != nil {
				return time.Time{}, workspace.E(workspace.KindInvalidInput, "unknown timezone %q", s.TZ)
			}
			loc = l
		}
		next, err := gronx.NextTickAfter(s.Expr, now.In(loc), false)
		if err != nil {
			return time.Time{}, workspace.Wrap(workspace.KindInvalidInput, err, "cron expression %q", s.Expr)
		}
		return next, nil
	default:
		return time.Time{}, workspace.E(workspace.KindInvalidInput, "unknown schedule kind %q", s.Kind)
	}
}

// validateSchedule rejects malformed schedules at create/update time.
func (c *Controller) validateSchedule(s Schedule) error {
	switch s.Kind {
	case ScheduleEvery:
		if s.EveryMS <= 0 {
			return workspace.E(workspace.KindInvalidInput, "every schedule needs a positive every_ms")
		}
	case ScheduleAt:
		if s.AtMS <= 0 {
			return workspace.E(workspace.KindInvalidInput, "at schedule needs at_ms")
		}
	case ScheduleCron:
		if !c.gron.IsValid(s.Expr) {
			return workspace.E(workspace.KindInvalidInput, "invalid cron expression %q", s.Expr)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return workspace.E(workspace.KindInvalidInput, "unknown timezone %q", s.TZ)
			}
		}
	default:
		return workspace.E(workspace.KindInvalidInput, "unknown schedule kind %q", s.Kind)
	}
	return nil
}

// --- cron CRUD ---

// CreateCron registers a program and arms its first occurrence.
func (c *Controller) CreateCron(p CronProgram) (*CronProgram, error) {
	if err := c.validateSchedule(p.Schedule); err != nil {
		return nil, err
	}
	if p.RootIssueID == "" && strings.TrimSpace(p.Prompt) == "" {
		return nil, workspace.E(workspace.KindInvalidInput, "either a root issue or a prompt is required")
	}
	if p.ProgramID == "" {
		p.ProgramID = NewProgramID("cron")
	}
	now := c.now()
	if p.NextRunAtMS == 0 {
		next, err := nextRunAt(p.Schedule, now)
		if err != nil {
			return nil, err
		}
		if next.IsZero() {
			return nil, workspace.E(workspace.KindInvalidInput, "schedule is already in the past")
		}
		p.NextRunAtMS = next.UnixMilli()
	}
	p.UpdatedAtMS = now.UnixMilli()

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.cronPrgs[p.ProgramID]; exists {
		return nil, workspace.E(workspace.KindInvalidInput, "cron program %s already exists", p.ProgramID)
	}
	if err := c.cronJournal.Append(&p); err != nil {
		return nil, err
	}
	c.cronPrgs[p.ProgramID] = &p
	cp := p
	return &cp, nil
}

// UpdateCron mutates an existing program and re-arms it when the schedule
// changed. The mutation runs against a copy; a rejected update leaves the
// projection untouched.
func (c *Controller) UpdateCron(programID string, mutate func(*CronProgram)) (*CronProgram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.cronPrgs[programID]
	if !ok {
		return nil, workspace.E(workspace.KindNotFound, "cron program %s", programID)
	}
	next := *p
	mutate(&next)
	next.ProgramID = programID // the id is the journal key; mutate cannot move it
	if err := c.validateSchedule(next.Schedule); err != nil {
		return nil, err
	}
	if next.Schedule != p.Schedule {
		due, err := nextRunAt(next.Schedule, c.now())
		if err != nil {
			return nil, err
		}
		if due.IsZero() {
			next.Enabled = false
			next.NextRunAtMS = 0
		} else {
			next.NextRunAtMS = due.UnixMilli()
		}
	}
	next.UpdatedAtMS = c.now().UnixMilli()
	if err := c.cronJournal.Append(&next); err != nil {
		return nil, err
	}
	c.cronPrgs[programID] = &next
	cp := next
	return &cp, nil
}

// DeleteCron tombstones a program in the journal.
func (c *Controller) DeleteCron(programID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.cronPrgs[programID]
	if !ok {
		return workspace.E(workspace.KindNotFound, "cron program %s", programID)
	}
	tomb := *p
	tomb.Deleted = true
	tomb.UpdatedAtMS = c.now().UnixMilli()
	if err := c.cronJournal.Append(&tomb); err != nil {
		return err
	}
	delete(c.cronPrgs, programID)
	return nil
}

// GetCron returns one program.
func (c *Controller) GetCron(programID string) (*CronProgram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.cronPrgs[programID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, workspace.E(workspace.KindNotFound, "cron program %s", programID)
}

// ListCron returns all programs sorted by program id.
func (c *Controller) ListCron() []*CronProgram {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*CronProgram
	for _, p := range c.cronPrgs {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ProgramID < out[b].ProgramID })
	return out
}

// CronSnapshot summarizes the program set and its armed subset.
func (c *Controller) CronSnapshot() CronStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := CronStatus{Count: len(c.cronPrgs)}
	for _, p := range c.cronPrgs {
		if !p.Enabled {
			continue
		}
		st.EnabledCount++
		if p.NextRunAtMS > 0 {
			st.Armed = append(st.Armed, ArmedCron{ProgramID: p.ProgramID, DueAtMS: p.NextRunAtMS})
		}
	}
	sort.Slice(st.Armed, func(a, b int) bool {
		if st.Armed[a].DueAtMS != st.Armed[b].DueAtMS {
			return st.Armed[a].DueAtMS < st.Armed[b].DueAtMS
		}
		return st.Armed[a].ProgramID < st.Armed[b].ProgramID
	})
	st.ArmedCount = len(st.Armed)
	return st
}
