package runner

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-runewidth"
)

const (
	ansiDim   = "\x1b[2m"
	ansiBold  = "\x1b[1m"
	ansiReset = "\x1b[0m"
)

// LineRenderer renders step events as compact terminal lines. Backend output
// is dimmed and truncated to the terminal width so streaming stays one line
// per record.
type LineRenderer struct {
	mu    sync.Mutex
	out   io.Writer
	width int
	color bool
}

// NewLineRenderer builds a renderer for out. width <= 0 disables truncation.
// Color is dropped when the NO_COLOR convention is in effect.
func NewLineRenderer(out io.Writer, width int) *LineRenderer {
	return &LineRenderer{
		out:   out,
		width: width,
		color: os.Getenv("NO_COLOR") == "",
	}
}

func (r *LineRenderer) OnStepStart(ev StepStart) {
	r.mu.Lock()
	defer r.mu.Unlock()
	title := ev.Title
	if r.width > 0 {
		title = runewidth.Truncate(title, r.width-24, "…")
	}
	fmt.Fprintf(r.out, "%sstep %d%s %s [%s] %s\n", r.sgr(ansiBold), ev.Step, r.sgr(ansiReset), shortID(ev.IssueID), ev.Role, title)
}

func (r *LineRenderer) OnBackendLine(ev BackendLine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	line := ev.Line
	if r.width > 0 {
		line = runewidth.Truncate(line, r.width-4, "…")
	}
	fmt.Fprintf(r.out, "  %s%s%s\n", r.sgr(ansiDim), line, r.sgr(ansiReset))
}

func (r *LineRenderer) OnStepEnd(ev StepEnd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, "%sstep %d%s %s -> %s (%.1fs)\n", r.sgr(ansiBold), ev.Step, r.sgr(ansiReset), shortID(ev.IssueID), ev.Outcome, ev.ElapsedS)
}

func (r *LineRenderer) sgr(code string) string {
	if !r.color {
		return ""
	}
	return code
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
