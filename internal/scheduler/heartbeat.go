package scheduler

import (
	"context"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// tickLoop drives heartbeat and cron programs off a monotonic ticker.
func (c *Controller) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.TickOnce()
		}
	}
}

// TickOnce scans enabled programs and fires everything due. Exported so tests
// drive the clock directly.
func (c *Controller) TickOnce() {
	nowMS := c.now().UnixMilli()

	c.mu.Lock()
	var dueHB []*HeartbeatProgram
	for _, p := range c.heartbeats {
		if p.Enabled && p.NextTriggerAtMS <= nowMS {
			dueHB = append(dueHB, p)
		}
	}
	var dueCron []*CronProgram
	for _, p := range c.cronPrgs {
		if p.Enabled && p.NextRunAtMS <= nowMS {
			dueCron = append(dueCron, p)
		}
	}
	c.mu.Unlock()

	for _, p := range dueHB {
		c.fireHeartbeat(p, nowMS)
	}
	for _, p := range dueCron {
		c.fireCron(p, nowMS)
	}
}

// fireHeartbeat fires one due heartbeat. A firing that fails records
// last_result="error" with a reason; the program stays enabled unless its
// target went terminal and auto-disable is set.
func (c *Controller) fireHeartbeat(p *HeartbeatProgram, nowMS int64) {
	result, reason := c.fireTarget(p)

	c.mu.Lock()
	defer c.mu.Unlock()
	p.LastTriggeredMS = nowMS
	p.LastResult = result
	p.Reason = reason
	p.NextTriggerAtMS = nowMS + p.EveryMS
	if result == "terminal" && p.autoDisableOnTerminal() {
		p.Enabled = false
	}
	p.UpdatedAtMS = nowMS
	if err := c.hbJournal.Append(p); err != nil {
		slog.Error("scheduler.heartbeat_journal_failed", "program", p.ProgramID, "error", err)
	}
	c.store.Record("heartbeat.fired", "scheduler", "", p.Target.JobID, map[string]any{
		"program": p.ProgramID,
		"result":  result,
	})
}

// fireTarget performs the target action and classifies the firing.
func (c *Controller) fireTarget(p *HeartbeatProgram) (result, reason string) {
	switch p.Target.Kind {
	case TargetRun:
		return c.fireRunTarget(p)
	case TargetForum:
		topic := p.Target.Topic
		if topic == "" {
			return "error", "forum target without topic"
		}
		if _, err := c.store.Post(topic, heartbeatBody(p), "heartbeat"); err != nil {
			return "error", err.Error()
		}
		return "ok", ""
	default:
		return "error", "unknown target kind " + p.Target.Kind
	}
}

// fireRunTarget nudges an active run, or re-enqueues a terminal one when the
// wake mode asks for it.
func (c *Controller) fireRunTarget(p *HeartbeatProgram) (result, reason string) {
	c.mu.Lock()
	job := c.runs[p.Target.JobID]
	c.mu.Unlock()

	if job == nil {
		return "error", "unknown job " + p.Target.JobID
	}
	if !IsTerminal(job.Status) {
		// Active run: prod the root's forum thread so the next step sees it.
		if p.Target.RootIssueID != "" {
			topic := workspace.IssueTopic(p.Target.RootIssueID)
			if _, err := c.store.Post(topic, heartbeatBody(p), "heartbeat"); err != nil {
				return "error", err.Error()
			}
		}
		return "nudged", ""
	}
	if p.WakeMode == WakeRequeue && p.Target.RootIssueID != "" {
		fresh, err := c.Enqueue(EnqueueRequest{
			RootIssueID: p.Target.RootIssueID,
			MaxSteps:    job.MaxSteps,
			Source:      "heartbeat:" + p.ProgramID,
		})
		if err != nil {
			return "error", err.Error()
		}
		c.mu.Lock()
		p.Target.JobID = fresh.JobID
		c.mu.Unlock()
		return "requeued", ""
	}
	return "terminal", "run " + job.JobID + " is " + job.Status
}

func heartbeatBody(p *HeartbeatProgram) string {
	if msg := p.Metadata["message"]; msg != "" {
		return msg
	}
	if p.Title != "" {
		return "heartbeat: " + p.Title
	}
	return "heartbeat"
}

// --- heartbeat CRUD ---

// CreateHeartbeat registers a program. A zero NextTriggerAtMS arms it one
// period from now.
func (c *Controller) CreateHeartbeat(p HeartbeatProgram) (*HeartbeatProgram, error) {
	if p.EveryMS <= 0 {
		return nil, workspace.E(workspace.KindInvalidInput, "every_ms must be positive")
	}
	if p.ProgramID == "" {
		p.ProgramID = NewProgramID("hb")
	}
	nowMS := c.now().UnixMilli()
	if p.NextTriggerAtMS == 0 {
		p.NextTriggerAtMS = nowMS + p.EveryMS
	}
	p.UpdatedAtMS = nowMS

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.heartbeats[p.ProgramID]; exists {
		return nil, workspace.E(workspace.KindInvalidInput, "heartbeat %s already exists", p.ProgramID)
	}
	if err := c.hbJournal.Append(&p); err != nil {
		return nil, err
	}
	c.heartbeats[p.ProgramID] = &p
	cp := p
	return &cp, nil
}

// UpdateHeartbeat replaces mutable fields of an existing program. The mutation
// runs against a copy; a rejected update leaves the projection untouched.
func (c *Controller) UpdateHeartbeat(programID string, mutate func(*HeartbeatProgram)) (*HeartbeatProgram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.heartbeats[programID]
	if !ok {
		return nil, workspace.E(workspace.KindNotFound, "heartbeat %s", programID)
	}
	next := *p
	next.Metadata = maps.Clone(p.Metadata)
	mutate(&next)
	next.ProgramID = programID // the id is the journal key; mutate cannot move it
	if next.EveryMS <= 0 {
		return nil, workspace.E(workspace.KindInvalidInput, "every_ms must be positive")
	}
	next.UpdatedAtMS = c.now().UnixMilli()
	if err := c.hbJournal.Append(&next); err != nil {
		return nil, err
	}
	c.heartbeats[programID] = &next
	cp := next
	return &cp, nil
}

// DeleteHeartbeat tombstones a program in the journal.
func (c *Controller) DeleteHeartbeat(programID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.heartbeats[programID]
	if !ok {
		return workspace.E(workspace.KindNotFound, "heartbeat %s", programID)
	}
	tomb := *p
	tomb.Deleted = true
	tomb.UpdatedAtMS = c.now().UnixMilli()
	if err := c.hbJournal.Append(&tomb); err != nil {
		return err
	}
	delete(c.heartbeats, programID)
	return nil
}

// GetHeartbeat returns one program.
func (c *Controller) GetHeartbeat(programID string) (*HeartbeatProgram, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.heartbeats[programID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, workspace.E(workspace.KindNotFound, "heartbeat %s", programID)
}

// ListHeartbeats returns all programs sorted by program id.
func (c *Controller) ListHeartbeats() []*HeartbeatProgram {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*HeartbeatProgram
	for _, p := range c.heartbeats {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ProgramID < out[b].ProgramID })
	return out
}
