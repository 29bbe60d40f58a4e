package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/crewclaw/internal/operator"
	"github.com/nextlevelbuilder/crewclaw/internal/runner"
	"github.com/nextlevelbuilder/crewclaw/internal/scheduler"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

func newTestServer(t *testing.T, token string, configure ...func(*Server, *workspace.Store, *scheduler.Controller)) (*Client, *Server, *scheduler.Controller) {
	t.Helper()
	store, err := workspace.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	store.Config.ControlPlane.Host = "127.0.0.1"
	store.Config.ControlPlane.Port = 0
	store.Config.ControlPlane.Token = token

	ctrl, err := scheduler.Open(scheduler.Config{
		Store: store,
		Run: func(ctx context.Context, rootID string, maxSteps int, hooks runner.Hooks) (runner.Result, error) {
			return runner.Result{Status: runner.ExitRootFinal}, nil
		},
	})
	if err != nil {
		t.Fatalf("open controller: %v", err)
	}
	t.Cleanup(ctrl.Close)

	srv := New(store, ctrl)
	for _, fn := range configure {
		fn(srv, store, ctrl)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Start(ctx)

	addrCtx, addrCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer addrCancel()
	addr, err := srv.WaitAddr(addrCtx)
	if err != nil {
		t.Fatalf("server never bound: %v", err)
	}
	return NewClient("http://"+addr, token), srv, ctrl
}

func TestHealthz(t *testing.T) {
	client, _, _ := newTestServer(t, "")
	if err := client.Healthz(context.Background()); err != nil {
		t.Fatalf("healthz: %v", err)
	}
}

func TestRunStartAndList(t *testing.T) {
	client, _, _ := newTestServer(t, "")

	run, err := client.StartRun(context.Background(), RunStartRequest{Prompt: "do the thing", MaxSteps: 5})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.JobID == "" || run.MaxSteps != 5 {
		t.Fatalf("run = %+v", run)
	}

	runs, err := client.Runs(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].JobID != run.JobID {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRunStartDefaultsMaxSteps(t *testing.T) {
	client, _, _ := newTestServer(t, "")

	run, err := client.StartRun(context.Background(), RunStartRequest{Prompt: "use defaults"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if run.MaxSteps != workspace.DefaultConfig().Scheduler.MaxSteps {
		t.Fatalf("max_steps = %d", run.MaxSteps)
	}
}

func TestRejectedRequestCarriesServerError(t *testing.T) {
	client, _, _ := newTestServer(t, "")

	_, err := client.StartRun(context.Background(), RunStartRequest{Prompt: "", MaxSteps: 5})
	if !workspace.IsKind(err, workspace.KindRequestRejected) {
		t.Fatalf("want request_rejected, got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	client, _, _ := newTestServer(t, "secret")

	if _, err := client.Runs(context.Background()); err != nil {
		t.Fatalf("authorized call failed: %v", err)
	}

	bad := NewClient(client.BaseURL, "wrong")
	if _, err := bad.Runs(context.Background()); !workspace.IsKind(err, workspace.KindRequestRejected) {
		t.Fatalf("want request_rejected, got %v", err)
	}
	// Healthz stays open for discovery probes.
	if err := bad.Healthz(context.Background()); err != nil {
		t.Fatalf("healthz must not require auth: %v", err)
	}
}

func TestHeartbeatEndpoints(t *testing.T) {
	client, _, _ := newTestServer(t, "")

	created, err := client.CreateHeartbeat(context.Background(), scheduler.HeartbeatProgram{
		Title:   "ops nudge",
		Enabled: true,
		Target:  scheduler.Target{Kind: scheduler.TargetForum, Topic: "ops"},
		EveryMS: 60_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	list, err := client.Heartbeats(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ProgramID != created.ProgramID {
		t.Fatalf("heartbeats = %+v", list)
	}
}

func TestHeartbeatUpdateAndDelete(t *testing.T) {
	client, _, _ := newTestServer(t, "")

	created, err := client.CreateHeartbeat(context.Background(), scheduler.HeartbeatProgram{
		Enabled: true,
		Target:  scheduler.Target{Kind: scheduler.TargetForum, Topic: "ops"},
		EveryMS: 60_000,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	off := false
	updated, err := client.UpdateHeartbeat(context.Background(), HeartbeatPatch{
		ProgramID: created.ProgramID,
		Enabled:   &off,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Enabled {
		t.Fatal("update did not disable the program")
	}

	if err := client.DeleteHeartbeat(context.Background(), created.ProgramID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	list, err := client.Heartbeats(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("heartbeats after delete = %+v", list)
	}

	err = client.DeleteHeartbeat(context.Background(), "hb-missing")
	if !workspace.IsKind(err, workspace.KindRequestRejected) {
		t.Fatalf("want request_rejected for unknown program, got %v", err)
	}
}

func TestRunInterruptEndpoint(t *testing.T) {
	client, _, ctrl := newTestServer(t, "")

	if _, err := client.InterruptRun(context.Background(), ""); !workspace.IsKind(err, workspace.KindRequestRejected) {
		t.Fatalf("want request_rejected with no runs, got %v", err)
	}

	queued, err := ctrl.Enqueue(scheduler.EnqueueRequest{Prompt: "long job", MaxSteps: 5})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	run, err := client.InterruptRun(context.Background(), "")
	if err != nil {
		t.Fatalf("interrupt: %v", err)
	}
	if run.JobID != queued.JobID || run.Status != scheduler.RunInterrupted {
		t.Fatalf("run = %+v", run)
	}
}

func TestRunTraceEndpoint(t *testing.T) {
	client, _, ctrl := newTestServer(t, "")

	queued, err := ctrl.Enqueue(scheduler.EnqueueRequest{Prompt: "traced job", MaxSteps: 5})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	trace, err := client.RunTrace(context.Background(), queued.JobID)
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	if trace.Run == nil || trace.Run.JobID != queued.JobID {
		t.Fatalf("trace = %+v", trace)
	}
	if _, err := client.RunTrace(context.Background(), "job-missing"); !workspace.IsKind(err, workspace.KindRequestRejected) {
		t.Fatalf("want request_rejected for unknown job, got %v", err)
	}
}

func TestCronEndpoints(t *testing.T) {
	client, _, _ := newTestServer(t, "")

	created, err := client.CreateCron(context.Background(), scheduler.CronProgram{
		Enabled:  true,
		Prompt:   "sweep",
		Schedule: scheduler.Schedule{Kind: scheduler.ScheduleEvery, EveryMS: 60_000},
	})
	if err != nil {
		t.Fatalf("create cron: %v", err)
	}
	view, err := client.Cron(context.Background())
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	if view.Status.Count != 1 || len(view.Programs) != 1 {
		t.Fatalf("view = %+v", view)
	}

	prompt := "sweep deeper"
	updated, err := client.UpdateCron(context.Background(), CronPatch{
		ProgramID: created.ProgramID,
		Prompt:    &prompt,
	})
	if err != nil {
		t.Fatalf("update cron: %v", err)
	}
	if updated.Prompt != prompt {
		t.Fatalf("prompt = %q", updated.Prompt)
	}

	if err := client.DeleteCron(context.Background(), created.ProgramID); err != nil {
		t.Fatalf("delete cron: %v", err)
	}
	view, err = client.Cron(context.Background())
	if err != nil {
		t.Fatalf("cron after delete: %v", err)
	}
	if view.Status.Count != 0 {
		t.Fatalf("view after delete = %+v", view)
	}
}

// scriptedOperator replies to "start:<goal>" with a run_start proposal and
// acknowledges anything else.
type scriptedOperator struct{}

func (scriptedOperator) RunTurn(_ context.Context, _ *operator.Session, in operator.Inbound) (operator.TurnOutput, error) {
	if goal, ok := strings.CutPrefix(in.CommandText, "start:"); ok {
		return operator.TurnOutput{Proposal: &operator.Proposal{Kind: operator.CmdRunStart, Prompt: goal}}, nil
	}
	return operator.TurnOutput{Message: "ack: " + in.CommandText}, nil
}

func TestOperatorInboundEndpoint(t *testing.T) {
	var binding *operator.Binding
	client, _, _ := newTestServer(t, "", func(srv *Server, store *workspace.Store, ctrl *scheduler.Controller) {
		store.Config.Operator.Enabled = true
		store.Config.Operator.Channels = []string{"chat_a"}
		store.Config.Operator.RunTriggers = true

		identities, err := operator.OpenIdentityStore(store.Layout.IdentitiesLog())
		if err != nil {
			t.Fatalf("open identities: %v", err)
		}
		t.Cleanup(func() { identities.Close() })
		binding, err = identities.Link("op-1", "chat_a", "tenant", "actor", "operator")
		if err != nil {
			t.Fatalf("link: %v", err)
		}

		srv.AttachBroker(operator.NewBroker(operator.BrokerConfig{
			Store:      store,
			Backend:    scriptedOperator{},
			Sessions:   operator.NewSessionManager(operator.SessionManagerConfig{RepoRoot: store.Layout.Root}),
			Identities: identities,
			Resolver:   &operator.Resolver{Issues: store.Issues, Runs: ctrl},
			Audit:      operator.NewAuditor(store.Layout.OperatorTurnsLog()),
		}))
	})

	id := operator.IdentityRef{BindingID: binding.BindingID}
	in := operator.Inbound{
		Channel:        "chat_a",
		TenantID:       "tenant",
		ConversationID: "conv-1",
		RequestID:      "req-1",
		CommandText:    "how is it going?",
	}
	d, err := client.OperatorInbound(context.Background(), in, id)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if d.Kind != operator.DecisionResponse || d.Message != "ack: how is it going?" {
		t.Fatalf("decision = %+v", d)
	}

	in.RequestID = "req-2"
	in.CommandText = "start: ship  the  release"
	d2, err := client.OperatorInbound(context.Background(), in, id)
	if err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if d2.Kind != operator.DecisionCommand {
		t.Fatalf("decision = %+v", d2)
	}
	if d2.CommandText != "/crew run start ship the release" {
		t.Fatalf("command text = %q", d2.CommandText)
	}
	if d2.SessionID != d.SessionID {
		t.Fatalf("conversation lost stickiness: %s vs %s", d.SessionID, d2.SessionID)
	}
}

func TestOperatorInboundWithoutBroker(t *testing.T) {
	client, _, _ := newTestServer(t, "")
	_, err := client.OperatorInbound(context.Background(), operator.Inbound{Channel: "chat_a"}, operator.IdentityRef{})
	if !workspace.IsKind(err, workspace.KindRequestRejected) {
		t.Fatalf("want request_rejected without a broker, got %v", err)
	}
}

func TestShutdownEndpoint(t *testing.T) {
	client, srv, _ := newTestServer(t, "")

	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-srv.ShutdownRequested():
	case <-time.After(time.Second):
		t.Fatal("shutdown signal never resolved")
	}
	// Idempotent.
	if err := client.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestUnreachableServer(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "")
	err := client.Healthz(context.Background())
	if !workspace.IsKind(err, workspace.KindServerUnreachable) {
		t.Fatalf("want server_unreachable, got %v", err)
	}
}
