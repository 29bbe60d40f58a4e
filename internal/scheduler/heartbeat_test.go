package scheduler

import (
	"testing"
	"time"

	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func TestCreateHeartbeatValidation(t *testing.T) {
	c, _ := newTestController(t, &scriptedRun{}, newFakeClock())

	_, err := c.CreateHeartbeat(HeartbeatProgram{
		Enabled: true,
		Target:  Target{Kind: TargetForum, Topic: "ops"},
	})
	if !workspace.IsKind(err, workspace.KindInvalidInput) {
		t.Fatalf("want invalid_input for missing every_ms, got %v", err)
	}
}

func TestHeartbeatForumFiring(t *testing.T) {
	clock := newFakeClock()
	c, store := newTestController(t, &scriptedRun{}, clock)

	p, err := c.CreateHeartbeat(HeartbeatProgram{
		Title:   "ops nudge",
		Enabled: true,
		Target:  Target{Kind: TargetForum, Topic: "ops"},
		EveryMS: 60_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.NextTriggerAtMS != clock.Now().UnixMilli()+60_000 {
		t.Fatalf("next_trigger_at_ms = %d, want one period out", p.NextTriggerAtMS)
	}

	// Not due yet.
	c.TickOnce()
	if got := store.Forum.Read("ops", 0); len(got) != 0 {
		t.Fatalf("fired early: %d messages", len(got))
	}

	clock.Advance(61 * time.Second)
	c.TickOnce()
	msgs := store.Forum.Read("ops", 0)
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	if msgs[0].Author != "heartbeat" {
		t.Fatalf("author = %q", msgs[0].Author)
	}

	got, _ := c.GetHeartbeat(p.ProgramID)
	if got.LastResult != "ok" {
		t.Fatalf("last_result = %q, want ok", got.LastResult)
	}
	if got.NextTriggerAtMS != clock.Now().UnixMilli()+60_000 {
		t.Fatal("next trigger did not advance by one period")
	}

	// Same instant again: not due until the next period.
	c.TickOnce()
	if got := store.Forum.Read("ops", 0); len(got) != 1 {
		t.Fatalf("double fire: %d messages", len(got))
	}
}

func TestHeartbeatRunNudge(t *testing.T) {
	clock := newFakeClock()
	run := &scriptedRun{}
	c, store := newTestController(t, run, clock)

	root, _ := store.CreateIssue("watched goal", workspace.CreateOpts{Tags: []string{workspace.TagRoot, workspace.TagAgent}})
	job, _ := c.Enqueue(EnqueueRequest{RootIssueID: root.ID, MaxSteps: 5})

	p, err := c.CreateHeartbeat(HeartbeatProgram{
		Enabled:  true,
		Target:   Target{Kind: TargetRun, JobID: job.JobID, RootIssueID: root.ID},
		EveryMS:  30_000,
		WakeMode: WakeNudge,
		Metadata: map[string]string{"message": "still with us?"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	clock.Advance(31 * time.Second)
	c.TickOnce()

	got, _ := c.GetHeartbeat(p.ProgramID)
	if got.LastResult != "nudged" {
		t.Fatalf("last_result = %q, want nudged", got.LastResult)
	}
	msgs := store.Forum.Read(workspace.IssueTopic(root.ID), 0)
	if len(msgs) != 1 || msgs[0].Body != "still with us?" {
		t.Fatalf("nudge message = %+v", msgs)
	}
}

func TestHeartbeatRequeueTerminal(t *testing.T) {
	clock := newFakeClock()
	c, store := newTestController(t, &scriptedRun{}, clock)

	root, _ := store.CreateIssue("recurring goal", workspace.CreateOpts{Tags: []string{workspace.TagRoot, workspace.TagAgent}})
	job, _ := c.Enqueue(EnqueueRequest{RootIssueID: root.ID, MaxSteps: 5})
	if _, err := c.Interrupt(root.ID); err != nil {
		t.Fatalf("interrupt: %v", err)
	}

	p, _ := c.CreateHeartbeat(HeartbeatProgram{
		Enabled:  true,
		Target:   Target{Kind: TargetRun, JobID: job.JobID, RootIssueID: root.ID},
		EveryMS:  30_000,
		WakeMode: WakeRequeue,
	})

	clock.Advance(31 * time.Second)
	c.TickOnce()

	got, _ := c.GetHeartbeat(p.ProgramID)
	if got.LastResult != "requeued" {
		t.Fatalf("last_result = %q, want requeued", got.LastResult)
	}
	if got.Target.JobID == job.JobID {
		t.Fatal("target still points at the terminal job")
	}
	fresh, err := c.Snapshot(got.Target.JobID)
	if err != nil {
		t.Fatalf("fresh job: %v", err)
	}
	if fresh.Status != RunQueued || fresh.RootIssueID != root.ID {
		t.Fatalf("fresh job = %+v", fresh)
	}
}

func TestHeartbeatAutoDisableOnTerminal(t *testing.T) {
	clock := newFakeClock()
	c, store := newTestController(t, &scriptedRun{}, clock)

	root, _ := store.CreateIssue("one-off goal", workspace.CreateOpts{Tags: []string{workspace.TagRoot, workspace.TagAgent}})
	job, _ := c.Enqueue(EnqueueRequest{RootIssueID: root.ID, MaxSteps: 5})
	c.Interrupt(root.ID)

	p, _ := c.CreateHeartbeat(HeartbeatProgram{
		Enabled:  true,
		Target:   Target{Kind: TargetRun, JobID: job.JobID, RootIssueID: root.ID},
		EveryMS:  30_000,
		WakeMode: WakeNudge,
		Metadata: map[string]string{"auto_disable_on_terminal": "true"},
	})

	clock.Advance(31 * time.Second)
	c.TickOnce()

	got, _ := c.GetHeartbeat(p.ProgramID)
	if got.LastResult != "terminal" {
		t.Fatalf("last_result = %q, want terminal", got.LastResult)
	}
	if got.Enabled {
		t.Fatal("program did not auto-disable")
	}
}

func TestHeartbeatUpdateRejectionKeepsProjection(t *testing.T) {
	c, _ := newTestController(t, &scriptedRun{}, newFakeClock())

	p, err := c.CreateHeartbeat(HeartbeatProgram{
		Title:   "steady",
		Enabled: true,
		Target:  Target{Kind: TargetForum, Topic: "ops"},
		EveryMS: 60_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	_, err = c.UpdateHeartbeat(p.ProgramID, func(hp *HeartbeatProgram) {
		hp.Title = "mutated"
		hp.EveryMS = 0
	})
	if !workspace.IsKind(err, workspace.KindInvalidInput) {
		t.Fatalf("want invalid_input, got %v", err)
	}

	got, _ := c.GetHeartbeat(p.ProgramID)
	if got.Title != "steady" || got.EveryMS != 60_000 {
		t.Fatalf("rejected update leaked into the projection: %+v", got)
	}
}

func TestHeartbeatErrorStaysEnabled(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestController(t, &scriptedRun{}, clock)

	p, _ := c.CreateHeartbeat(HeartbeatProgram{
		Enabled: true,
		Target:  Target{Kind: TargetRun, JobID: "no-such-job"},
		EveryMS: 30_000,
	})

	clock.Advance(31 * time.Second)
	c.TickOnce()

	got, _ := c.GetHeartbeat(p.ProgramID)
	if got.LastResult != "error" || got.Reason == "" {
		t.Fatalf("last_result = %q reason = %q", got.LastResult, got.Reason)
	}
	if !got.Enabled {
		t.Fatal("error firing must not disable the program")
	}
}

func TestHeartbeatDeleteSurvivesReopen(t *testing.T) {
	clock := newFakeClock()
	run := &scriptedRun{}
	store, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	c, err := Open(Config{Store: store, Run: run.fn, Now: clock.Now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	keep, _ := c.CreateHeartbeat(HeartbeatProgram{Enabled: true, Target: Target{Kind: TargetForum, Topic: "a"}, EveryMS: 1000})
	drop, _ := c.CreateHeartbeat(HeartbeatProgram{Enabled: true, Target: Target{Kind: TargetForum, Topic: "b"}, EveryMS: 1000})
	if err := c.DeleteHeartbeat(drop.ProgramID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	c.Close()

	c2, err := Open(Config{Store: store, Run: run.fn, Now: clock.Now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	if _, err := c2.GetHeartbeat(keep.ProgramID); err != nil {
		t.Fatalf("kept program lost: %v", err)
	}
	if _, err := c2.GetHeartbeat(drop.ProgramID); !workspace.IsKind(err, workspace.KindNotFound) {
		t.Fatalf("tombstoned program survived: %v", err)
	}
}
