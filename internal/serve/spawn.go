package serve

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/nextlevelbuilder/crewclaw/internal/httpapi"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// spawnDeadline bounds how long EnsureServer waits for a freshly spawned
// server to become healthy.
const spawnDeadline = 15 * time.Second

// EnsureServer returns the URL of a healthy server, spawning a background one
// when discovery comes up empty. The spawned process writes its own discovery
// record before reporting healthy.
func EnsureServer(ctx context.Context, layout workspace.Layout, token string) (string, error) {
	if url, ok := Discover(ctx, layout, token); ok {
		return url, nil
	}

	exe, err := os.Executable()
	if err != nil {
		return "", workspace.Wrap(workspace.KindServerUnreachable, err, "locate executable")
	}
	cmd := exec.Command(exe, "serve", "--root", layout.Root)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.SysProcAttr = detachedProcAttr()
	if err := cmd.Start(); err != nil {
		return "", workspace.Wrap(workspace.KindServerUnreachable, err, "spawn server")
	}
	// The child outlives this invocation; release our handle on it.
	cmd.Process.Release()

	deadline := time.Now().Add(spawnDeadline)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		rec, _ := ReadRecord(layout)
		if rec != nil {
			client := httpapi.NewClient(rec.URL, token)
			if client.Healthz(ctx) == nil {
				return rec.URL, nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return "", workspace.E(workspace.KindServerUnreachable, "spawned server never became healthy within %s", spawnDeadline)
}
