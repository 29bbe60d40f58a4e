package serve

import (
	"context"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/nextlevelbuilder/crewclaw/internal/httpapi"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// stopDeadline bounds how long Stop waits for the server to die after a
// graceful shutdown request.
const stopDeadline = 10 * time.Second

// Stop shuts down the discovered server. Graceful first: POST the shutdown
// endpoint and poll the pid. When the deadline passes without force the call
// fails; with force the process is killed and stale files removed.
func Stop(ctx context.Context, layout workspace.Layout, token string, force bool) error {
	rec, err := ReadRecord(layout)
	if err != nil {
		return err
	}
	if rec == nil || !pidAlive(rec.PID) {
		CleanRecord(layout)
		return workspace.E(workspace.KindNotFound, "no running server")
	}

	client := httpapi.NewClient(rec.URL, token)
	if err := client.Shutdown(ctx); err != nil {
		slog.Warn("serve.graceful_shutdown_failed", "error", err)
	}

	deadline := time.Now().Add(stopDeadline)
	for time.Now().Before(deadline) {
		if !pidAlive(rec.PID) {
			CleanRecord(layout)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	if !force {
		return workspace.E(workspace.KindRequestTimeout,
			"server pid %d still alive after %s; retry with --force", rec.PID, stopDeadline)
	}

	if proc, err := os.FindProcess(rec.PID); err == nil {
		proc.Signal(syscall.SIGKILL)
	}
	CleanRecord(layout)
	slog.Info("serve.force_killed", "pid", rec.PID)
	return nil
}
