package workspace

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Issue status values.
const (
	StatusOpen       = "open"
	StatusInProgress = "in_progress"
	StatusClosed     = "closed"
)

// Issue outcome values. Empty means no outcome recorded yet.
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeNeedsWork = "needs_work"
	OutcomeExpanded  = "expanded"
	OutcomeSkipped   = "skipped"
)

// Well-known tags.
const (
	TagRoot         = "node:root"
	TagAgent        = "node:agent"
	TagOrchestrator = "role:orchestrator"
	TagWorker       = "role:worker"
)

// Dependency edge types.
const (
	DepBlocks = "blocks"
	DepParent = "parent"
)

const (
	PriorityMin     = 1
	PriorityMax     = 5
	PriorityDefault = 3
)

// Issue is one node in the work DAG. Edges are stored on the source issue:
// Blocks lists issues this one blocks; Parents lists tree parents.
type Issue struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Status    string   `json:"status"`
	Outcome   string   `json:"outcome,omitempty"`
	Priority  int      `json:"priority"`
	Tags      []string `json:"tags,omitempty"`
	Blocks    []string `json:"blocks,omitempty"`
	Parents   []string `json:"parents,omitempty"`
	CreatedAt int64    `json:"created_at"`
	UpdatedAt int64    `json:"updated_at"`
}

// HasTag reports whether the issue carries tag.
func (i *Issue) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Role returns the runner role for this issue.
func (i *Issue) Role() string {
	if i.HasTag(TagOrchestrator) {
		return "orchestrator"
	}
	return "worker"
}

func (i *Issue) clone() *Issue {
	c := *i
	c.Tags = append([]string(nil), i.Tags...)
	c.Blocks = append([]string(nil), i.Blocks...)
	c.Parents = append([]string(nil), i.Parents...)
	return &c
}

// contains does a case-insensitive substring check over title and body.
func (i *Issue) contains(substr string) bool {
	s := strings.ToLower(substr)
	return strings.Contains(strings.ToLower(i.Title), s) ||
		strings.Contains(strings.ToLower(i.Body), s)
}

// IssuePatch is a partial update. Nil fields are left unchanged; Tags, when
// set, replaces the whole tag set atomically.
type IssuePatch struct {
	Title    *string   `json:"title,omitempty"`
	Body     *string   `json:"body,omitempty"`
	Status   *string   `json:"status,omitempty"`
	Outcome  *string   `json:"outcome,omitempty"`
	Priority *int      `json:"priority,omitempty"`
	Tags     *[]string `json:"tags,omitempty"`
}

// Issue log record ops.
const (
	opCreate    = "create"
	opUpdate    = "update"
	opAddDep    = "add_dep"
	opRemoveDep = "remove_dep"
	opClaim     = "claim"
	opClose     = "close"
)

// issueRecord is one line of issues.jsonl, discriminated by Op.
type issueRecord struct {
	Op   string `json:"op"`
	TsMS int64  `json:"ts_ms"`
	ID   string `json:"id,omitempty"`

	// create
	Title    string   `json:"title,omitempty"`
	Body     string   `json:"body,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Priority int      `json:"priority,omitempty"`

	// update
	Patch *IssuePatch `json:"patch,omitempty"`

	// add_dep / remove_dep
	DepType string `json:"dep_type,omitempty"`
	Dst     string `json:"dst,omitempty"`

	// close
	Outcome string `json:"outcome,omitempty"`
}

// NewIssueID generates a fresh opaque issue id.
func NewIssueID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func nowMS() int64 { return time.Now().UnixMilli() }
