package workspace

import (
	"os"
	"path/filepath"
)

// StoreDirName is the well-known store directory inside a repository root.
const StoreDirName = ".crewclaw"

// Layout resolves every persistent path under one repository root.
// All state the runtime owns lives below StoreDir.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout { return Layout{Root: root} }

func (l Layout) StoreDir() string     { return filepath.Join(l.Root, StoreDirName) }
func (l Layout) IssuesLog() string    { return filepath.Join(l.StoreDir(), "issues.jsonl") }
func (l Layout) ForumLog() string     { return filepath.Join(l.StoreDir(), "forum.jsonl") }
func (l Layout) EventsLog() string    { return filepath.Join(l.StoreDir(), "events.jsonl") }
func (l Layout) ConfigFile() string   { return filepath.Join(l.StoreDir(), "config.json") }
func (l Layout) LogsDir() string      { return filepath.Join(l.StoreDir(), "logs") }
func (l Layout) RunsLog() string      { return filepath.Join(l.StoreDir(), "runs.jsonl") }
func (l Layout) HeartbeatsLog() string { return filepath.Join(l.StoreDir(), "heartbeats.jsonl") }
func (l Layout) CronLog() string      { return filepath.Join(l.StoreDir(), "cron.jsonl") }

// RunLogDir holds per-run trace files for one root issue.
func (l Layout) RunLogDir(rootIssueID string) string {
	return filepath.Join(l.LogsDir(), rootIssueID)
}

func (l Layout) ControlPlaneDir() string { return filepath.Join(l.StoreDir(), "control-plane") }

func (l Layout) ServerFile() string { return filepath.Join(l.ControlPlaneDir(), "server.json") }
func (l Layout) WriterLock() string { return filepath.Join(l.ControlPlaneDir(), "writer.lock") }

func (l Layout) IdentitiesLog() string { return filepath.Join(l.ControlPlaneDir(), "identities.jsonl") }

func (l Layout) OperatorTurnsLog() string {
	return filepath.Join(l.ControlPlaneDir(), "operator_turns.jsonl")
}

func (l Layout) OperatorConversationsFile() string {
	return filepath.Join(l.ControlPlaneDir(), "operator_conversations.json")
}

// Ensure creates the store directory tree and claims it from version control.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.StoreDir(), l.LogsDir(), l.ControlPlaneDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Wrap(KindStorageIO, err, "create %s", dir)
		}
	}
	gitignore := filepath.Join(l.StoreDir(), ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		if err := os.WriteFile(gitignore, []byte("*\n"), 0o644); err != nil {
			return Wrap(KindStorageIO, err, "write %s", gitignore)
		}
	}
	return nil
}
