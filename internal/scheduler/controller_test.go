package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/crewclaw/internal/runner"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// fakeClock is a hand-advanced clock shared between the test and the
// controller under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// scriptedRun is a RunFunc whose outcome the test controls.
type scriptedRun struct {
	mu     sync.Mutex
	calls  []string
	result runner.Result
	err    error
	emit   func(runner.Hooks) // when set, fired before the result returns
	block  chan struct{}      // when set, RunStep parks until closed or ctx done
}

func (s *scriptedRun) fn(ctx context.Context, rootID string, maxSteps int, hooks runner.Hooks) (runner.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, rootID)
	block := s.block
	s.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return runner.Result{}, ctx.Err()
		}
	}
	if s.emit != nil {
		s.emit(hooks)
	}
	return s.result, s.err
}

func (s *scriptedRun) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func newTestController(t *testing.T, run *scriptedRun, clock *fakeClock) (*Controller, *workspace.Store) {
	t.Helper()
	store, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	c, err := Open(Config{
		Store:     store,
		Run:       run.fn,
		TickMS:    10,
		TailLines: 8,
		Now:       clock.Now,
	})
	if err != nil {
		t.Fatalf("open controller: %v", err)
	}
	t.Cleanup(c.Close)
	return c, store
}

func TestEnqueueValidation(t *testing.T) {
	c, _ := newTestController(t, &scriptedRun{}, newFakeClock())

	cases := []struct {
		name string
		req  EnqueueRequest
	}{
		{"no root and no prompt", EnqueueRequest{MaxSteps: 5}},
		{"blank prompt", EnqueueRequest{Prompt: "   ", MaxSteps: 5}},
		{"zero max steps", EnqueueRequest{Prompt: "do a thing"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.Enqueue(tc.req); !workspace.IsKind(err, workspace.KindInvalidInput) {
				t.Fatalf("want invalid_input, got %v", err)
			}
		})
	}
}

func TestQueueLifecycle(t *testing.T) {
	run := &scriptedRun{result: runner.Result{Status: runner.ExitRootFinal, Reason: "all closed"}}
	c, _ := newTestController(t, run, newFakeClock())

	job, err := c.Enqueue(EnqueueRequest{Prompt: "ship the feature", MaxSteps: 10, Source: "cli"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.Status != RunQueued {
		t.Fatalf("status = %q, want queued", job.Status)
	}

	if !c.processOne(context.Background()) {
		t.Fatal("processOne found no queued job")
	}
	got, err := c.Snapshot(job.JobID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got.Status != RunSucceeded {
		t.Fatalf("status = %q, want succeeded", got.Status)
	}
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", got.ExitCode)
	}
	if got.RootIssueID == "" {
		t.Fatal("root issue was not created from the prompt")
	}
	if run.callCount() != 1 {
		t.Fatalf("run invoked %d times, want 1", run.callCount())
	}
}

func TestFailedRunKeepsReason(t *testing.T) {
	run := &scriptedRun{result: runner.Result{Status: runner.ExitDeadlock, Reason: "issue x blocked"}}
	c, _ := newTestController(t, run, newFakeClock())

	job, err := c.Enqueue(EnqueueRequest{Prompt: "doomed goal", MaxSteps: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	c.processOne(context.Background())

	got, _ := c.Snapshot(job.JobID)
	if got.Status != RunFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if got.LastProgress == "" {
		t.Fatal("failed run lost its reason")
	}
}

func TestInterruptQueued(t *testing.T) {
	c, store := newTestController(t, &scriptedRun{}, newFakeClock())

	root, err := store.CreateIssue("root goal", workspace.CreateOpts{Tags: []string{workspace.TagRoot, workspace.TagAgent}})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	job, err := c.Enqueue(EnqueueRequest{RootIssueID: root.ID, MaxSteps: 5})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := c.Interrupt(root.ID)
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if got.JobID != job.JobID || got.Status != RunInterrupted {
		t.Fatalf("interrupted %q status %q", got.JobID, got.Status)
	}
	if _, err := c.Interrupt(root.ID); !workspace.IsKind(err, workspace.KindNotFound) {
		t.Fatalf("second interrupt: want not_found, got %v", err)
	}
}

func TestHasActiveRun(t *testing.T) {
	c, store := newTestController(t, &scriptedRun{}, newFakeClock())

	if c.HasActiveRun("") {
		t.Fatal("empty controller reports an active run")
	}

	root, err := store.CreateIssue("root goal", workspace.CreateOpts{Tags: []string{workspace.TagRoot, workspace.TagAgent}})
	if err != nil {
		t.Fatalf("create root: %v", err)
	}
	if _, err := c.Enqueue(EnqueueRequest{RootIssueID: root.ID, MaxSteps: 5}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if !c.HasActiveRun("") || !c.HasActiveRun(root.ID) {
		t.Fatal("queued run not reported as active")
	}
	if c.HasActiveRun("other-root") {
		t.Fatal("unrelated root reported as active")
	}

	if _, err := c.Interrupt(root.ID); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if c.HasActiveRun(root.ID) {
		t.Fatal("interrupted run still reported as active")
	}
}

func TestFailedStepStderrReachesTrace(t *testing.T) {
	run := &scriptedRun{
		result: runner.Result{Status: runner.ExitAborted, Steps: 1, Reason: "backend failure"},
		err:    errors.New("backend exploded"),
		emit: func(h runner.Hooks) {
			h.OnStepEnd(runner.StepEnd{
				Step:     1,
				Outcome:  workspace.OutcomeFailure,
				Stderr:   []string{"panic: boom"},
				LogHints: []string{"logs/root/step-1.jsonl"},
			})
		},
	}
	c, store := newTestController(t, run, newFakeClock())

	root, _ := store.CreateIssue("doomed goal", workspace.CreateOpts{Tags: []string{workspace.TagRoot, workspace.TagAgent}})
	job, err := c.Enqueue(EnqueueRequest{RootIssueID: root.ID, MaxSteps: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	c.processOne(context.Background())

	got, _ := c.Snapshot(job.JobID)
	if got.Status != RunFailed {
		t.Fatalf("status = %q, want failed", got.Status)
	}
	if len(got.StderrTail) == 0 || got.StderrTail[0] != "panic: boom" {
		t.Fatalf("stderr tail = %v, want the backend stderr", got.StderrTail)
	}

	tr, err := c.TraceFor(job.JobID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if len(tr.StderrTail) == 0 {
		t.Fatal("trace lost the stderr tail")
	}
	if len(tr.LogHints) == 0 || tr.LogHints[0] != "logs/root/step-1.jsonl" {
		t.Fatalf("log hints = %v", tr.LogHints)
	}
}

func TestInterruptRunning(t *testing.T) {
	run := &scriptedRun{block: make(chan struct{})}
	c, store := newTestController(t, run, newFakeClock())

	root, _ := store.CreateIssue("long goal", workspace.CreateOpts{Tags: []string{workspace.TagRoot, workspace.TagAgent}})
	job, _ := c.Enqueue(EnqueueRequest{RootIssueID: root.ID, MaxSteps: 5})

	done := make(chan struct{})
	go func() {
		c.processOne(context.Background())
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		got, err := c.Snapshot(job.JobID)
		if err == nil && got.Status == RunRunning {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job never reached running")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := c.Interrupt(root.ID); err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	<-done

	got, _ := c.Snapshot(job.JobID)
	if got.Status != RunInterrupted {
		t.Fatalf("status = %q, want interrupted", got.Status)
	}
}

func TestCrashRecovery(t *testing.T) {
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
	job, err := c.Enqueue(EnqueueRequest{Prompt: "goal", MaxSteps: 5})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Simulate a process dying mid-run: force the journal record to running.
	c.mu.Lock()
	r := c.runs[job.JobID]
	r.Status = RunRunning
	c.journal.Append(r)
	c.mu.Unlock()
	c.Close()

	c2, err := Open(Config{Store: store, Run: run.fn, Now: clock.Now})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()
	got, err := c2.Snapshot(job.JobID)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if got.Status != RunInterrupted {
		t.Fatalf("status after reopen = %q, want interrupted", got.Status)
	}
}

func TestListOrdering(t *testing.T) {
	clock := newFakeClock()
	c, _ := newTestController(t, &scriptedRun{}, clock)

	a, _ := c.Enqueue(EnqueueRequest{Prompt: "first", MaxSteps: 1})
	clock.Advance(time.Second)
	b, _ := c.Enqueue(EnqueueRequest{Prompt: "second", MaxSteps: 1})

	runs := c.List(ListFilter{})
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].JobID != b.JobID || runs[1].JobID != a.JobID {
		t.Fatal("list is not updated_at descending")
	}

	queued := c.List(ListFilter{Status: RunQueued, Limit: 1})
	if len(queued) != 1 {
		t.Fatalf("filtered len = %d, want 1", len(queued))
	}
}
