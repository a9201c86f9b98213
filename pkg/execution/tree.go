package execution

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Option configures a Tree.
type Option func(*Tree)

// WithIDGenerator replaces the uuid based id generator.
func WithIDGenerator(gen func() string) Option {
	return func(t *Tree) {
		t.newID = gen
	}
}

// WithClock replaces time.Now for StartedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) {
		t.now = now
	}
}

// WithSuperExecution links a tree started by a call activity to its caller.
func WithSuperExecution(superExecutionID, rootProcessInstanceID string) Option {
	return func(t *Tree) {
		t.superExecutionID = superExecutionID
		t.rootProcessInstanceID = rootProcessInstanceID
	}
}

// Tree is the arena holding every execution of one process instance.
// A Tree is not safe for concurrent use; callers serialize access per instance.
type Tree struct {
	processInstanceID     string
	rootProcessInstanceID string
	definitionID          string
	superExecutionID      string

	executions map[string]*Execution
	seq        int64
	edits      []Edit

	newID func() string
	now   func() time.Time
}

// NewTree creates a tree holding only the root execution.
func NewTree(processInstanceID, definitionID string, opts ...Option) *Tree {
	t := &Tree{
		processInstanceID: processInstanceID,
		definitionID:      definitionID,
		executions:        make(map[string]*Execution),
		newID:             uuid.NewString,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.rootProcessInstanceID == "" {
		t.rootProcessInstanceID = processInstanceID
	}

	t.seq++
	root := &Execution{
		ID:                    processInstanceID,
		ProcessInstanceID:     processInstanceID,
		RootProcessInstanceID: t.rootProcessInstanceID,
		ProcessDefinitionID:   definitionID,
		IsScope:               true,
		SuperExecutionID:      t.superExecutionID,
		Variables:             make(map[string]interface{}),
		Seq:                   t.seq,
		StartedAt:             t.now().UTC(),
	}
	t.executions[root.ID] = root
	t.record(EditCreate, root)
	return t
}

// Restore rebuilds a tree from persisted executions. Child lists are derived from
// parent references ordered by Seq. The result is validated.
func Restore(processInstanceID string, executions []*Execution, opts ...Option) (*Tree, error) {
	t := &Tree{
		processInstanceID: processInstanceID,
		executions:        make(map[string]*Execution, len(executions)),
		newID:             uuid.NewString,
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	// An ended instance has no executions left.
	if len(executions) == 0 {
		if t.rootProcessInstanceID == "" {
			t.rootProcessInstanceID = processInstanceID
		}
		return t, nil
	}

	sorted := append([]*Execution(nil), executions...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Seq < sorted[j].Seq })

	for _, e := range sorted {
		c := e.Clone()
		c.ChildIDs = nil
		if c.Variables == nil {
			c.Variables = make(map[string]interface{})
		}
		t.executions[c.ID] = c
		if c.Seq > t.seq {
			t.seq = c.Seq
		}
	}

	root, ok := t.executions[processInstanceID]
	if !ok {
		return nil, &NotFoundError{ExecutionID: processInstanceID, ProcessInstanceID: processInstanceID}
	}
	t.definitionID = root.ProcessDefinitionID
	t.rootProcessInstanceID = root.RootProcessInstanceID
	t.superExecutionID = root.SuperExecutionID

	for _, e := range sorted {
		if e.ParentID == "" {
			continue
		}
		parent, ok := t.executions[e.ParentID]
		if !ok {
			return nil, &InvariantError{ExecutionID: e.ID, Rule: "parent '" + e.ParentID + "' does not exist"}
		}
		parent.ChildIDs = append(parent.ChildIDs, e.ID)
	}

	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ProcessInstanceID returns the id of the root execution.
func (t *Tree) ProcessInstanceID() string {
	return t.processInstanceID
}

// RootProcessInstanceID returns the top-level instance of a call hierarchy.
func (t *Tree) RootProcessInstanceID() string {
	return t.rootProcessInstanceID
}

// DefinitionID returns the definition this tree executes.
func (t *Tree) DefinitionID() string {
	return t.definitionID
}

// SuperExecutionID returns the calling execution, if any.
func (t *Tree) SuperExecutionID() string {
	return t.superExecutionID
}

// Root returns the root execution, or nil once the instance has ended.
func (t *Tree) Root() *Execution {
	return t.executions[t.processInstanceID]
}

// Len returns the number of executions in the tree.
func (t *Tree) Len() int {
	return len(t.executions)
}

// Get returns an execution by id.
func (t *Tree) Get(id string) (*Execution, bool) {
	e, ok := t.executions[id]
	return e, ok
}

func (t *Tree) mustGet(id string) (*Execution, error) {
	e, ok := t.executions[id]
	if !ok {
		return nil, &NotFoundError{ExecutionID: id, ProcessInstanceID: t.processInstanceID}
	}
	return e, nil
}

// Executions returns every execution in creation order.
func (t *Tree) Executions() []*Execution {
	all := make([]*Execution, 0, len(t.executions))
	for _, e := range t.executions {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Seq < all[j].Seq })
	return all
}

// Children returns the direct children of an execution in creation order.
func (t *Tree) Children(id string) []*Execution {
	e, ok := t.executions[id]
	if !ok {
		return nil
	}
	children := make([]*Execution, 0, len(e.ChildIDs))
	for _, cid := range e.ChildIDs {
		if c, ok := t.executions[cid]; ok {
			children = append(children, c)
		}
	}
	return children
}

// Parent returns the parent of an execution, or nil for the root.
func (t *Tree) Parent(id string) *Execution {
	e, ok := t.executions[id]
	if !ok || e.ParentID == "" {
		return nil
	}
	return t.executions[e.ParentID]
}

func (t *Tree) create(parentID, activityID string) (*Execution, error) {
	parent, err := t.mustGet(parentID)
	if err != nil {
		return nil, err
	}

	t.seq++
	e := &Execution{
		ID:                    t.newID(),
		ProcessInstanceID:     t.processInstanceID,
		RootProcessInstanceID: t.rootProcessInstanceID,
		ProcessDefinitionID:   t.definitionID,
		ParentID:              parent.ID,
		ActivityID:            activityID,
		Variables:             make(map[string]interface{}),
		Seq:                   t.seq,
		StartedAt:             t.now().UTC(),
	}
	t.executions[e.ID] = e
	parent.ChildIDs = append(parent.ChildIDs, e.ID)
	return e, nil
}

// CreateChild creates an active token execution positioned on activityID.
func (t *Tree) CreateChild(parentID, activityID string, concurrent bool) (*Execution, error) {
	e, err := t.create(parentID, activityID)
	if err != nil {
		return nil, err
	}
	e.IsActive = true
	e.IsConcurrent = concurrent
	t.record(EditCreate, e)
	return e, nil
}

// CreateScope creates an inactive scope execution for a sub-process or multi-instance root.
func (t *Tree) CreateScope(parentID, activityID string, concurrent bool) (*Execution, error) {
	e, err := t.create(parentID, activityID)
	if err != nil {
		return nil, err
	}
	e.IsScope = true
	e.IsConcurrent = concurrent
	t.record(EditCreate, e)
	return e, nil
}

// Terminate removes an execution and all its descendants, deepest first,
// and returns the removed executions in removal order.
func (t *Tree) Terminate(id string) ([]*Execution, error) {
	e, err := t.mustGet(id)
	if err != nil {
		return nil, err
	}

	var removed []*Execution
	var walk func(*Execution)
	walk = func(x *Execution) {
		for _, cid := range append([]string(nil), x.ChildIDs...) {
			if c, ok := t.executions[cid]; ok {
				walk(c)
			}
		}
		delete(t.executions, x.ID)
		x.ChildIDs = nil
		removed = append(removed, x)
		t.edits = append(t.edits, Edit{Op: EditTerminate, ExecutionID: x.ID})
	}
	walk(e)

	if parent, ok := t.executions[e.ParentID]; ok {
		parent.ChildIDs = removeID(parent.ChildIDs, e.ID)
	}
	return removed, nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// SetActive marks whether a token resides directly on the execution.
func (t *Tree) SetActive(id string, active bool) error {
	e, err := t.mustGet(id)
	if err != nil {
		return err
	}
	if e.IsActive == active {
		return nil
	}
	e.IsActive = active
	if active {
		t.record(EditActivate, e)
	} else {
		t.record(EditDeactivate, e)
	}
	return nil
}

// SetActivity moves the execution onto another activity.
func (t *Tree) SetActivity(id, activityID string) error {
	return t.Update(id, func(e *Execution) {
		e.ActivityID = activityID
	})
}

// SetConcurrent sets the concurrency flag.
func (t *Tree) SetConcurrent(id string, concurrent bool) error {
	e, err := t.mustGet(id)
	if err != nil {
		return err
	}
	if e.IsConcurrent == concurrent {
		return nil
	}
	e.IsConcurrent = concurrent
	t.record(EditUpdate, e)
	return nil
}

// Update applies fn to an execution and records the change.
// fn must not touch ParentID, ChildIDs or Variables.
func (t *Tree) Update(id string, fn func(*Execution)) error {
	e, err := t.mustGet(id)
	if err != nil {
		return err
	}
	fn(e)
	t.record(EditUpdate, e)
	return nil
}

// NormalizeConcurrency marks the children of parentID concurrent exactly when there is more than one.
func (t *Tree) NormalizeConcurrency(parentID string) {
	parent, ok := t.executions[parentID]
	if !ok {
		return
	}
	concurrent := len(parent.ChildIDs) > 1
	for _, cid := range parent.ChildIDs {
		_ = t.SetConcurrent(cid, concurrent)
	}
}

// FindByActivityID returns every execution positioned on activityID in creation order.
func (t *Tree) FindByActivityID(activityID string) []*Execution {
	var found []*Execution
	for _, e := range t.Executions() {
		if e.ActivityID == activityID {
			found = append(found, e)
		}
	}
	return found
}

// ActiveLeaves returns the executions currently holding a token.
func (t *Tree) ActiveLeaves() []*Execution {
	var leaves []*Execution
	for _, e := range t.Executions() {
		if e.IsActive && len(e.ChildIDs) == 0 && e.ActivityID != "" {
			leaves = append(leaves, e)
		}
	}
	return leaves
}

// AncestorsTo returns the ancestors of id from its parent upwards, stopping after
// the first ancestor matching stop. A nil stop walks up to the root.
func (t *Tree) AncestorsTo(id string, stop func(*Execution) bool) ([]*Execution, error) {
	e, err := t.mustGet(id)
	if err != nil {
		return nil, err
	}
	var ancestors []*Execution
	for p := t.executions[e.ParentID]; p != nil; p = t.executions[p.ParentID] {
		ancestors = append(ancestors, p)
		if stop != nil && stop(p) {
			break
		}
		if p.ParentID == "" {
			break
		}
	}
	return ancestors, nil
}

// ScopeOf returns the nearest scope execution strictly above id.
func (t *Tree) ScopeOf(id string) *Execution {
	ancestors, err := t.AncestorsTo(id, func(e *Execution) bool { return e.IsScope })
	if err != nil || len(ancestors) == 0 {
		return nil
	}
	last := ancestors[len(ancestors)-1]
	if !last.IsScope {
		return nil
	}
	return last
}

// MultiInstanceRootOf returns the nearest multi-instance root at or above id.
func (t *Tree) MultiInstanceRootOf(id string) *Execution {
	for e := t.executions[id]; e != nil; e = t.executions[e.ParentID] {
		if e.IsMultiInstanceRoot {
			return e
		}
		if e.ParentID == "" {
			break
		}
	}
	return nil
}

// Path returns the executions from the root down to id.
func (t *Tree) Path(id string) ([]*Execution, error) {
	e, err := t.mustGet(id)
	if err != nil {
		return nil, err
	}
	var path []*Execution
	for x := e; x != nil; x = t.executions[x.ParentID] {
		path = append(path, x)
		if x.ParentID == "" {
			break
		}
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// LowestCommonAncestor returns the deepest execution that is an ancestor of, or equal to,
// every given execution.
func (t *Tree) LowestCommonAncestor(ids ...string) (*Execution, error) {
	if len(ids) == 0 {
		return t.Root(), nil
	}
	common, err := t.Path(ids[0])
	if err != nil {
		return nil, err
	}
	for _, id := range ids[1:] {
		path, err := t.Path(id)
		if err != nil {
			return nil, err
		}
		n := 0
		for n < len(common) && n < len(path) && common[n].ID == path[n].ID {
			n++
		}
		common = common[:n]
	}
	if len(common) == 0 {
		return nil, &InvariantError{ExecutionID: ids[0], Rule: "executions do not share a root"}
	}
	return common[len(common)-1], nil
}

// Clone returns a deep copy with an empty edit log.
func (t *Tree) Clone() *Tree {
	c := &Tree{
		processInstanceID:     t.processInstanceID,
		rootProcessInstanceID: t.rootProcessInstanceID,
		definitionID:          t.definitionID,
		superExecutionID:      t.superExecutionID,
		executions:            make(map[string]*Execution, len(t.executions)),
		seq:                   t.seq,
		newID:                 t.newID,
		now:                   t.now,
	}
	for id, e := range t.executions {
		c.executions[id] = e.Clone()
	}
	return c
}

func (t *Tree) record(op EditOp, e *Execution) {
	snapshot := e.Clone()
	snapshot.Variables = nil
	t.edits = append(t.edits, Edit{Op: op, ExecutionID: e.ID, Execution: snapshot})
}

// Edits returns a copy of the edit log.
func (t *Tree) Edits() []Edit {
	return append([]Edit(nil), t.edits...)
}

// DrainEdits returns the edit log and resets it.
func (t *Tree) DrainEdits() []Edit {
	edits := t.edits
	t.edits = nil
	return edits
}
