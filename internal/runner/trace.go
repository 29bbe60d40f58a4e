package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TraceWriter appends step events to per-issue JSONL trace files under
// logs/<root_issue_id>/. One file per issue per run; the file path doubles as
// the replay source for `crewclaw replay`.
type TraceWriter struct {
	mu     sync.Mutex
	dir    string
	rootID string
	files  map[string]*os.File // issue id -> open trace file
	paths  []string
}

// NewTraceWriter writes traces under dir (the root's run-log directory).
func NewTraceWriter(dir, rootID string) (*TraceWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create trace dir: %w", err)
	}
	return &TraceWriter{dir: dir, rootID: rootID, files: make(map[string]*os.File)}, nil
}

// Paths returns the trace files written so far.
func (w *TraceWriter) Paths() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.paths...)
}

// Close closes every open trace file.
func (w *TraceWriter) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, f := range w.files {
		f.Close()
	}
	w.files = map[string]*os.File{}
}

type traceRecord struct {
	TsMS int64  `json:"ts_ms"`
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

func (w *TraceWriter) OnStepStart(ev StepStart) { w.write(ev.IssueID, "step.start", ev) }
func (w *TraceWriter) OnBackendLine(ev BackendLine) {
	w.write(ev.IssueID, "backend.line", ev)
}
func (w *TraceWriter) OnStepEnd(ev StepEnd) { w.write(ev.IssueID, "step.end", ev) }

// write is best effort: trace loss never fails a step.
func (w *TraceWriter) write(issueID, kind string, data any) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, ok := w.files[issueID]
	if !ok {
		path := filepath.Join(w.dir, fmt.Sprintf("%s-%d.jsonl", issueID, time.Now().UnixMilli()))
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		w.files[issueID] = f
		w.paths = append(w.paths, path)
	}

	line, err := json.Marshal(traceRecord{TsMS: time.Now().UnixMilli(), Kind: kind, Data: data})
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
}

// TraceFiles lists existing trace files for a root's run-log directory,
// newest last.
func TraceFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out
}
