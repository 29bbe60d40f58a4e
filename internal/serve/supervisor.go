package serve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/crewclaw/internal/httpapi"
	"github.com/nextlevelbuilder/crewclaw/internal/operator"
	"github.com/nextlevelbuilder/crewclaw/internal/runner"
	"github.com/nextlevelbuilder/crewclaw/internal/scheduler"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// Supervisor owns the background server process: writer lock, scheduler,
// HTTP control plane, config watcher, and signal handling.
type Supervisor struct {
	store   *workspace.Store
	backend runner.BackendRunner
	hub     *httpapi.EventHub
}

// NewSupervisor wires a supervisor over an open store.
func NewSupervisor(store *workspace.Store, backend runner.BackendRunner) *Supervisor {
	return &Supervisor{store: store, backend: backend}
}

// Run serves until a signal or a shutdown request arrives. The returned exit
// code is 0 on graceful shutdown and 128+signo when a signal won.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if err := s.takeWriterLock(); err != nil {
		return 1, err
	}
	defer CleanRecord(s.store.Layout)

	ctrl, err := scheduler.Open(scheduler.Config{
		Store:     s.store,
		Run:       s.runFunc(),
		TickMS:    s.store.Config.SchedulerSnapshot().TickMS,
		TailLines: s.store.Config.SchedulerSnapshot().TailLines,
	})
	if err != nil {
		return 1, err
	}
	defer ctrl.Close()

	srv := httpapi.New(s.store, ctrl)
	s.hub = srv.Hub()

	sessions, identities, err := s.attachOperator(srv, ctrl)
	if err != nil {
		return 1, err
	}
	if sessions != nil {
		defer sessions.Shutdown()
		defer identities.Close()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ctrl.Start(runCtx)

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return srv.Start(gctx) })
	g.Go(func() error { return s.watchConfig(gctx) })
	if sessions != nil {
		g.Go(func() error { return sweepSessions(gctx, sessions) })
	}

	// Publish the discovery record once the listener is bound.
	addr, err := srv.WaitAddr(gctx)
	if err != nil {
		cancel()
		g.Wait()
		return 1, err
	}
	port := portOf(addr)
	if err := WriteRecord(s.store.Layout, Record{
		PID:  os.Getpid(),
		Port: port,
		URL:  fmt.Sprintf("http://127.0.0.1:%d", port),
	}); err != nil {
		cancel()
		g.Wait()
		return 1, err
	}
	slog.Info("serve.ready", "addr", addr, "pid", os.Getpid())

	exitCode := 0
	select {
	case sig := <-sigCh:
		// First signal wins.
		if n, ok := sig.(syscall.Signal); ok {
			exitCode = 128 + int(n)
		} else {
			exitCode = 1
		}
		slog.Info("serve.signal", "signal", sig.String(), "exit", exitCode)
	case <-srv.ShutdownRequested():
		slog.Info("serve.shutdown_requested")
	case <-gctx.Done():
	}

	cancel()
	if err := shutdownErr(g.Wait()); err != nil {
		return exitCode, err
	}
	return exitCode, nil
}

// shutdownErr filters the expected cancellation out of an errgroup result,
// including wrapped cancellations from child goroutines.
func shutdownErr(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runFunc binds the DAG runner to the scheduler, fanning step events out to
// the trace writer and websocket subscribers alongside the scheduler's own
// tail hook.
func (s *Supervisor) runFunc() scheduler.RunFunc {
	return func(ctx context.Context, rootID string, maxSteps int, hooks runner.Hooks) (runner.Result, error) {
		all := []runner.Hooks{hooks}
		if tw, err := runner.NewTraceWriter(s.store.Layout.RunLogDir(rootID), rootID); err != nil {
			slog.Warn("serve.trace_writer_failed", "root", rootID, "error", err)
		} else {
			defer tw.Close()
			all = append(all, tw)
		}
		if s.hub != nil {
			all = append(all, s.hub.StepHooks())
		}
		r := runner.New(runner.Config{
			Store:   s.store,
			Backend: s.backend,
			Hooks:   runner.MultiHooks(all),
		})
		return r.Run(ctx, rootID, maxSteps)
	}
}

// attachOperator wires the operator broker onto the control plane when an
// operator backend is configured. Ingress adapters stay external; they
// deliver inbounds over POST /api/operator/inbound. Returns the session
// manager and identity store so the caller can tear them down.
func (s *Supervisor) attachOperator(srv *httpapi.Server, ctrl *scheduler.Controller) (*operator.SessionManager, *operator.IdentityStore, error) {
	backend := operator.BackendFromEnv(s.store.Layout.Root)
	if backend == nil {
		slog.Info("serve.operator_detached", "reason", operator.BackendCommandEnv+" unset")
		return nil, nil, nil
	}

	identities, err := operator.OpenIdentityStore(s.store.Layout.IdentitiesLog())
	if err != nil {
		return nil, nil, err
	}
	cfg := s.store.Config.OperatorSnapshot()
	sessions := operator.NewSessionManager(operator.SessionManagerConfig{
		TTL:      time.Duration(cfg.SessionTTLMin) * time.Minute,
		Max:      cfg.MaxSessions,
		Path:     s.store.Layout.OperatorConversationsFile(),
		RepoRoot: s.store.Layout.Root,
	})
	srv.AttachBroker(operator.NewBroker(operator.BrokerConfig{
		Store:      s.store,
		Backend:    backend,
		Sessions:   sessions,
		Identities: identities,
		Resolver:   &operator.Resolver{Issues: s.store.Issues, Runs: ctrl},
		Audit:      operator.NewAuditor(s.store.Layout.OperatorTurnsLog()),
	}))
	slog.Info("serve.operator_attached", "command", backend.Command[0])
	return sessions, identities, nil
}

// sweepSessions expires idle operator sessions once a minute.
func sweepSessions(ctx context.Context, sessions *operator.SessionManager) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			sessions.Sweep()
		}
	}
}

// takeWriterLock claims exclusive store ownership for this process. A live
// lock from another process is an error; a stale one is replaced.
func (s *Supervisor) takeWriterLock() error {
	path := s.store.Layout.WriterLock()
	if data, err := os.ReadFile(path); err == nil {
		if pid, perr := strconv.Atoi(string(trimNL(data))); perr == nil && pid != os.Getpid() && pidAlive(pid) {
			return workspace.E(workspace.KindInvalidInput, "store already served by pid %d", pid)
		}
		os.Remove(path)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// watchConfig reloads the workspace config when the file changes on disk.
func (s *Supervisor) watchConfig(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	// Watch the directory: editors replace the file, which drops a direct
	// watch.
	if err := watcher.Add(s.store.Layout.StoreDir()); err != nil {
		return err
	}
	cfgPath := s.store.Layout.ConfigFile()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Name != cfgPath {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.store.Config.Reload(cfgPath); err != nil {
				slog.Warn("serve.config_reload_failed", "error", err)
			} else {
				slog.Info("serve.config_reloaded")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("serve.config_watch_error", "error", err)
		}
	}
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, _ := strconv.Atoi(portStr)
	return port
}

func trimNL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
