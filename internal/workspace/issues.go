package workspace

import (
	"sort"
	"strings"
	"sync"
)

// IssueStore is the issue projection over issues.jsonl. The writer enforces
// every invariant before a record is appended; the reader applies records
// unconditionally.
type IssueStore struct {
	mu  sync.RWMutex
	log *Journal

	issues    map[string]*Issue
	order     []string            // insertion order
	sortedIDs []string            // for prefix resolution
	blockedBy map[string][]string // dst -> srcs with src blocks dst
	children  map[string][]string // parent -> child ids
}

// OpenIssueStore replays the issue log at path into a fresh projection.
func OpenIssueStore(path string) (*IssueStore, error) {
	s := &IssueStore{
		issues:    make(map[string]*Issue),
		blockedBy: make(map[string][]string),
		children:  make(map[string][]string),
	}
	log, err := OpenJournal(path, s.replay)
	if err != nil {
		return nil, err
	}
	s.log = log
	return s, nil
}

func (s *IssueStore) Close() error { return s.log.Close() }

// CreateOpts are the optional attributes for Create.
type CreateOpts struct {
	Body     string
	Tags     []string
	Priority int
}

// Create appends a create record and returns the materialized issue.
func (s *IssueStore) Create(title string, opts CreateOpts) (*Issue, error) {
	if strings.TrimSpace(title) == "" {
		return nil, E(KindInvalidInput, "title must not be empty")
	}
	priority := opts.Priority
	if priority == 0 {
		priority = PriorityDefault
	}
	if priority < PriorityMin || priority > PriorityMax {
		return nil, E(KindInvalidInput, "priority %d out of range [%d..%d]", priority, PriorityMin, PriorityMax)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := issueRecord{
		Op:       opCreate,
		TsMS:     nowMS(),
		ID:       NewIssueID(),
		Title:    title,
		Body:     opts.Body,
		Tags:     normalizeTags(opts.Tags),
		Priority: priority,
	}
	if err := s.log.Append(rec); err != nil {
		return nil, err
	}
	s.applyCreate(rec)
	return s.issues[rec.ID].clone(), nil
}

// Get returns the issue with the given full id, or nil when absent.
func (s *IssueStore) Get(id string) *Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if iss, ok := s.issues[id]; ok {
		return iss.clone()
	}
	return nil
}

// Resolve maps a user-entered id prefix to a full id. Exactly one match wins;
// an exact id always wins over longer ids sharing the prefix.
func (s *IssueStore) Resolve(prefix string) (string, error) {
	if prefix == "" {
		return "", E(KindInvalidInput, "empty id")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Prefix scan over the sorted index.
	i := sort.SearchStrings(s.sortedIDs, prefix)
	var matches []string
	for ; i < len(s.sortedIDs) && strings.HasPrefix(s.sortedIDs[i], prefix); i++ {
		matches = append(matches, s.sortedIDs[i])
	}
	switch len(matches) {
	case 0:
		return "", E(KindNotFound, "no issue matches %q", prefix)
	case 1:
		return matches[0], nil
	default:
		if matches[0] == prefix {
			return prefix, nil
		}
		return "", E(KindAmbiguous, "%q matches %s", prefix, strings.Join(matches, ", "))
	}
}

// ListFilter narrows List output.
type ListFilter struct {
	Status string
	Tag    string
}

// List returns issues matching the filter in insertion order.
func (s *IssueStore) List(filter ListFilter) []*Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Issue
	for _, id := range s.order {
		iss := s.issues[id]
		if filter.Status != "" && iss.Status != filter.Status {
			continue
		}
		if filter.Tag != "" && !iss.HasTag(filter.Tag) {
			continue
		}
		out = append(out, iss.clone())
	}
	return out
}

// SubtreeIDs returns the ids reachable from rootID by reverse parent edges,
// rootID included.
func (s *IssueStore) SubtreeIDs(rootID string) map[string]bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subtreeLocked(rootID)
}

func (s *IssueStore) subtreeLocked(rootID string) map[string]bool {
	seen := map[string]bool{}
	if _, ok := s.issues[rootID]; !ok {
		return seen
	}
	stack := []string{rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, s.children[id]...)
	}
	return seen
}

// Children returns the direct children of id in insertion order.
func (s *IssueStore) Children(id string) []*Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Issue
	for _, cid := range s.children[id] {
		out = append(out, s.issues[cid].clone())
	}
	return out
}

// ReadyFilter narrows the ready frontier.
type ReadyFilter struct {
	Tags     []string
	Contains string
	Limit    int
}

// Ready returns the ready frontier: open issues whose blockers are all
// closed, with no unfinished children, carrying every required tag. When
// rootID is non-empty the frontier is restricted to that subtree. Ordered by
// ascending priority, then ascending created_at.
func (s *IssueStore) Ready(rootID string, filter ReadyFilter) []*Issue {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var subtree map[string]bool
	if rootID != "" {
		subtree = s.subtreeLocked(rootID)
	}

	var out []*Issue
	for _, id := range s.order {
		iss := s.issues[id]
		if subtree != nil && !subtree[id] {
			continue
		}
		if !s.readyLocked(iss, filter) {
			continue
		}
		out = append(out, iss.clone())
	}

	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority < out[b].Priority
		}
		return out[a].CreatedAt < out[b].CreatedAt
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out
}

func (s *IssueStore) readyLocked(iss *Issue, filter ReadyFilter) bool {
	if iss.Status != StatusOpen {
		return false
	}
	for _, src := range s.blockedBy[iss.ID] {
		if s.issues[src].Status != StatusClosed {
			return false
		}
	}
	for _, cid := range s.children[iss.ID] {
		if s.issues[cid].Status != StatusClosed {
			return false
		}
	}
	for _, tag := range filter.Tags {
		if !iss.HasTag(tag) {
			return false
		}
	}
	if filter.Contains != "" && !iss.contains(filter.Contains) {
		return false
	}
	return true
}

// Update applies a partial patch, re-checking invariants before the write.
func (s *IssueStore) Update(id string, patch IssuePatch) (*Issue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.issues[id]
	if !ok {
		return nil, E(KindNotFound, "issue %s", id)
	}
	if patch.Priority != nil && (*patch.Priority < PriorityMin || *patch.Priority > PriorityMax) {
		return nil, E(KindInvalidInput, "priority %d out of range [%d..%d]", *patch.Priority, PriorityMin, PriorityMax)
	}
	if patch.Status != nil {
		switch *patch.Status {
		case StatusOpen, StatusInProgress, StatusClosed:
		default:
			return nil, E(KindInvalidInput, "unknown status %q", *patch.Status)
		}
	}
	if patch.Outcome != nil && *patch.Outcome != "" {
		if !validOutcome(*patch.Outcome) {
			return nil, E(KindInvalidInput, "unknown outcome %q", *patch.Outcome)
		}
	}
	if patch.Title != nil && strings.TrimSpace(*patch.Title) == "" {
		return nil, E(KindInvalidInput, "title must not be empty")
	}

	rec := issueRecord{Op: opUpdate, TsMS: nowMS(), ID: id, Patch: &patch}
	if err := s.log.Append(rec); err != nil {
		return nil, err
	}
	s.applyUpdate(rec)
	return iss.clone(), nil
}

// Claim transitions an open issue to in_progress.
func (s *IssueStore) Claim(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.issues[id]
	if !ok {
		return E(KindNotFound, "issue %s", id)
	}
	if iss.Status != StatusOpen {
		return E(KindInvalidInput, "issue %s is %s, not open", id, iss.Status)
	}
	rec := issueRecord{Op: opClaim, TsMS: nowMS(), ID: id}
	if err := s.log.Append(rec); err != nil {
		return err
	}
	s.applyClaim(rec)
	return nil
}

// CloseIssue transitions any issue to closed with the given outcome.
func (s *IssueStore) CloseIssue(id, outcome string) error {
	if !validOutcome(outcome) {
		return E(KindInvalidInput, "unknown outcome %q", outcome)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.issues[id]; !ok {
		return E(KindNotFound, "issue %s", id)
	}
	rec := issueRecord{Op: opClose, TsMS: nowMS(), ID: id, Outcome: outcome}
	if err := s.log.Append(rec); err != nil {
		return err
	}
	s.applyClose(rec)
	return nil
}

// Reopen resets a closed or in_progress issue to open and clears its outcome.
func (s *IssueStore) Reopen(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reopenLocked(id)
}

func (s *IssueStore) reopenLocked(id string) error {
	iss, ok := s.issues[id]
	if !ok {
		return E(KindNotFound, "issue %s", id)
	}
	if iss.Status == StatusOpen {
		return nil
	}
	open := StatusOpen
	empty := ""
	rec := issueRecord{Op: opUpdate, TsMS: nowMS(), ID: id, Patch: &IssuePatch{Status: &open, Outcome: &empty}}
	if err := s.log.Append(rec); err != nil {
		return err
	}
	s.applyUpdate(rec)
	return nil
}

// AddDep records src -> dst for the given edge type. Self-edges and edges
// that would create a cycle in the same relation are rejected. Idempotent.
func (s *IssueStore) AddDep(src, depType, dst string) error {
	if depType != DepBlocks && depType != DepParent {
		return E(KindInvalidInput, "unknown dep type %q", depType)
	}
	if src == dst {
		return E(KindInvalidInput, "self-edge on %s", src)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	srcIss, ok := s.issues[src]
	if !ok {
		return E(KindNotFound, "issue %s", src)
	}
	if _, ok := s.issues[dst]; !ok {
		return E(KindNotFound, "issue %s", dst)
	}

	edges := srcIss.Blocks
	if depType == DepParent {
		edges = srcIss.Parents
	}
	for _, e := range edges {
		if e == dst {
			return nil // already present
		}
	}
	if s.wouldCycle(src, depType, dst) {
		return E(KindInvalidInput, "%s edge %s -> %s would create a cycle", depType, src, dst)
	}

	rec := issueRecord{Op: opAddDep, TsMS: nowMS(), ID: src, DepType: depType, Dst: dst}
	if err := s.log.Append(rec); err != nil {
		return err
	}
	s.applyAddDep(rec)
	return nil
}

// RemoveDep removes src -> dst and reports whether an edge was present.
func (s *IssueStore) RemoveDep(src, depType, dst string) (bool, error) {
	if depType != DepBlocks && depType != DepParent {
		return false, E(KindInvalidInput, "unknown dep type %q", depType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	srcIss, ok := s.issues[src]
	if !ok {
		return false, E(KindNotFound, "issue %s", src)
	}
	edges := srcIss.Blocks
	if depType == DepParent {
		edges = srcIss.Parents
	}
	present := false
	for _, e := range edges {
		if e == dst {
			present = true
			break
		}
	}
	if !present {
		return false, nil
	}
	rec := issueRecord{Op: opRemoveDep, TsMS: nowMS(), ID: src, DepType: depType, Dst: dst}
	if err := s.log.Append(rec); err != nil {
		return false, err
	}
	s.applyRemoveDep(rec)
	return true, nil
}

// ResetInProgress reopens every in_progress issue in the subtree and returns
// the ids it reopened. Used by resume so crashed steps rejoin the frontier.
func (s *IssueStore) ResetInProgress(rootID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subtree := s.subtreeLocked(rootID)
	var reopened []string
	for _, id := range s.order {
		if !subtree[id] {
			continue
		}
		if s.issues[id].Status != StatusInProgress {
			continue
		}
		if err := s.reopenLocked(id); err != nil {
			return reopened, err
		}
		reopened = append(reopened, id)
	}
	return reopened, nil
}

// Validation is the result of Validate.
type Validation struct {
	IsFinal bool   `json:"is_final"`
	Reason  string `json:"reason"`
}

// Validate reports whether every issue under rootID is closed with a final
// outcome (success, skipped, expanded).
func (s *IssueStore) Validate(rootID string) Validation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subtree := s.subtreeLocked(rootID)
	if len(subtree) == 0 {
		return Validation{IsFinal: false, Reason: "unknown root " + rootID}
	}
	for _, id := range s.order {
		if !subtree[id] {
			continue
		}
		iss := s.issues[id]
		if iss.Status != StatusClosed {
			return Validation{IsFinal: false, Reason: "issue " + id + " is " + iss.Status}
		}
		switch iss.Outcome {
		case OutcomeSuccess, OutcomeSkipped, OutcomeExpanded:
		default:
			return Validation{IsFinal: false, Reason: "issue " + id + " closed with outcome " + orNone(iss.Outcome)}
		}
	}
	return Validation{IsFinal: true, Reason: "all closed"}
}

// Len returns the number of issues in the projection.
func (s *IssueStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.issues)
}

// wouldCycle reports whether adding src -> dst to the depType relation closes
// a cycle, i.e. src is already reachable from dst.
func (s *IssueStore) wouldCycle(src, depType, dst string) bool {
	seen := map[string]bool{}
	stack := []string{dst}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == src {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		iss, ok := s.issues[id]
		if !ok {
			continue
		}
		if depType == DepBlocks {
			stack = append(stack, iss.Blocks...)
		} else {
			stack = append(stack, iss.Parents...)
		}
	}
	return false
}

// --- replay / apply ---

func (s *IssueStore) replay(line []byte) error {
	var rec issueRecord
	if err := unmarshalStrict(line, &rec); err != nil {
		return err
	}
	switch rec.Op {
	case opCreate:
		s.applyCreate(rec)
	case opUpdate:
		s.applyUpdate(rec)
	case opAddDep:
		s.applyAddDep(rec)
	case opRemoveDep:
		s.applyRemoveDep(rec)
	case opClaim:
		s.applyClaim(rec)
	case opClose:
		s.applyClose(rec)
	default:
		return E(KindStorageIO, "unknown op %q", rec.Op)
	}
	return nil
}

func (s *IssueStore) applyCreate(rec issueRecord) {
	iss := &Issue{
		ID:        rec.ID,
		Title:     rec.Title,
		Body:      rec.Body,
		Status:    StatusOpen,
		Priority:  rec.Priority,
		Tags:      rec.Tags,
		CreatedAt: rec.TsMS,
		UpdatedAt: rec.TsMS,
	}
	s.issues[rec.ID] = iss
	s.order = append(s.order, rec.ID)
	i := sort.SearchStrings(s.sortedIDs, rec.ID)
	s.sortedIDs = append(s.sortedIDs, "")
	copy(s.sortedIDs[i+1:], s.sortedIDs[i:])
	s.sortedIDs[i] = rec.ID
}

func (s *IssueStore) applyUpdate(rec issueRecord) {
	iss, ok := s.issues[rec.ID]
	if !ok || rec.Patch == nil {
		return
	}
	p := rec.Patch
	if p.Title != nil {
		iss.Title = *p.Title
	}
	if p.Body != nil {
		iss.Body = *p.Body
	}
	if p.Status != nil {
		iss.Status = *p.Status
	}
	if p.Outcome != nil {
		iss.Outcome = *p.Outcome
	}
	if p.Priority != nil {
		iss.Priority = *p.Priority
	}
	if p.Tags != nil {
		iss.Tags = normalizeTags(*p.Tags)
	}
	s.touch(iss, rec.TsMS)
}

func (s *IssueStore) applyAddDep(rec issueRecord) {
	iss, ok := s.issues[rec.ID]
	if !ok {
		return
	}
	if rec.DepType == DepBlocks {
		iss.Blocks = append(iss.Blocks, rec.Dst)
		s.blockedBy[rec.Dst] = append(s.blockedBy[rec.Dst], rec.ID)
	} else {
		iss.Parents = append(iss.Parents, rec.Dst)
		s.children[rec.Dst] = append(s.children[rec.Dst], rec.ID)
	}
	s.touch(iss, rec.TsMS)
}

func (s *IssueStore) applyRemoveDep(rec issueRecord) {
	iss, ok := s.issues[rec.ID]
	if !ok {
		return
	}
	if rec.DepType == DepBlocks {
		iss.Blocks = removeString(iss.Blocks, rec.Dst)
		s.blockedBy[rec.Dst] = removeString(s.blockedBy[rec.Dst], rec.ID)
	} else {
		iss.Parents = removeString(iss.Parents, rec.Dst)
		s.children[rec.Dst] = removeString(s.children[rec.Dst], rec.ID)
	}
	s.touch(iss, rec.TsMS)
}

func (s *IssueStore) applyClaim(rec issueRecord) {
	if iss, ok := s.issues[rec.ID]; ok {
		iss.Status = StatusInProgress
		s.touch(iss, rec.TsMS)
	}
}

func (s *IssueStore) applyClose(rec issueRecord) {
	if iss, ok := s.issues[rec.ID]; ok {
		iss.Status = StatusClosed
		iss.Outcome = rec.Outcome
		s.touch(iss, rec.TsMS)
	}
}

// touch keeps updated_at monotonically non-decreasing per issue.
func (s *IssueStore) touch(iss *Issue, tsMS int64) {
	if tsMS > iss.UpdatedAt {
		iss.UpdatedAt = tsMS
	}
}

func validOutcome(outcome string) bool {
	switch outcome {
	case OutcomeSuccess, OutcomeFailure, OutcomeNeedsWork, OutcomeExpanded, OutcomeSkipped:
		return true
	}
	return false
}

func normalizeTags(tags []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

func removeString(ss []string, target string) []string {
	out := ss[:0]
	for _, s := range ss {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
