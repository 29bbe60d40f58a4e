package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"syscall"

	"github.com/nextlevelbuilder/crewclaw/internal/httpapi"
	"github.com/nextlevelbuilder/crewclaw/internal/workspace"
)

// ServerURLEnv overrides discovery entirely when set.
const ServerURLEnv = "CREWCLAW_SERVER_URL"

// Record is the discovery file at control-plane/server.json.
type Record struct {
	PID  int    `json:"pid"`
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// ReadRecord loads the discovery record, if any.
func ReadRecord(layout workspace.Layout) (*Record, error) {
	data, err := os.ReadFile(layout.ServerFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, workspace.Wrap(workspace.KindStorageIO, err, "read discovery record")
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, workspace.Wrap(workspace.KindStorageIO, err, "parse discovery record")
	}
	return &rec, nil
}

// WriteRecord writes the discovery record atomically.
func WriteRecord(layout workspace.Layout, rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return workspace.Wrap(workspace.KindStorageIO, err, "marshal discovery record")
	}
	tmp := fmt.Sprintf("%s.tmp.%d", layout.ServerFile(), os.Getpid())
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return workspace.Wrap(workspace.KindStorageIO, err, "write discovery record")
	}
	if err := os.Rename(tmp, layout.ServerFile()); err != nil {
		return workspace.Wrap(workspace.KindStorageIO, err, "publish discovery record")
	}
	return nil
}

// CleanRecord removes the discovery record and the writer lock.
func CleanRecord(layout workspace.Layout) {
	os.Remove(layout.ServerFile())
	os.Remove(layout.WriterLock())
}

// pidAlive reports whether a process with that pid exists.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Discover returns the URL of a healthy server if one exists. The env
// override wins without probing the discovery record. A stale record (dead
// pid or failed health probe) is cleaned along with the writer lock.
func Discover(ctx context.Context, layout workspace.Layout, token string) (string, bool) {
	if url := os.Getenv(ServerURLEnv); url != "" {
		return url, true
	}
	rec, err := ReadRecord(layout)
	if err != nil || rec == nil {
		return "", false
	}
	if pidAlive(rec.PID) {
		client := httpapi.NewClient(rec.URL, token)
		if client.Healthz(ctx) == nil {
			return rec.URL, true
		}
	}
	slog.Info("serve.stale_record_cleaned", "pid", rec.PID, "url", rec.URL)
	CleanRecord(layout)
	return "", false
}
