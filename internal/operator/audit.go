package operator

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Turn outcomes as audited.
const (
	OutcomeRespond          = "respond"
	OutcomeCommand          = "command"
	OutcomeInvalidDirective = "invalid_directive"
	OutcomeError            = "error"
)

// TurnRecord is one line of operator_turns.jsonl.
type TurnRecord struct {
	TsMS           int64  `json:"ts_ms"`
	Kind           string `json:"kind"` // always "operator.turn"
	RepoRoot       string `json:"repo_root"`
	Channel        string `json:"channel"`
	RequestID      string `json:"request_id"`
	SessionID      string `json:"session_id"`
	TurnID         string `json:"turn_id"`
	Outcome        string `json:"outcome"`
	Reason         string `json:"reason,omitempty"`
	MessagePreview string `json:"message_preview,omitempty"`
	Command        string `json:"command,omitempty"`
}

// Auditor appends turn records. Audit is best-effort: an I/O failure is
// logged and swallowed, it never fails the turn.
type Auditor struct {
	mu   sync.Mutex
	path string
}

func NewAuditor(path string) *Auditor { return &Auditor{path: path} }

const previewLimit = 280

// Record appends one turn record, stamping ts_ms and the fixed kind and
// clamping the preview.
func (a *Auditor) Record(rec TurnRecord) {
	if a == nil || a.path == "" {
		return
	}
	rec.TsMS = time.Now().UnixMilli()
	rec.Kind = "operator.turn"
	if len(rec.MessagePreview) > previewLimit {
		rec.MessagePreview = rec.MessagePreview[:previewLimit]
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		slog.Warn("operator.audit_failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		slog.Warn("operator.audit_failed", "error", err)
	}
}
