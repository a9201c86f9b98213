package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

// moveGroup is the merged form of all instructions that share a kind and a
// target set. Its sources are split into placements by the scope they are
// re-entered from.
type moveGroup struct {
	kind    MoveKind
	targets []string

	// from holds the sources; place receives the targets.
	from  *instance
	place *instance

	sources    []*execution.Execution
	placements []*placement

	// to_parent
	superExec *execution.Execution

	// to_sub_process_instance
	callActivity *model.ActivityNode
	called       *callOverride
}

// placement is where a group creates its target tokens: below anchor, after
// entering the target scopes that anchor does not already cover.
type placement struct {
	anchorID string
	level    int
	sources  []*execution.Execution
}

type changePlan struct {
	inst   *instance
	parent *instance
	groups []*moveGroup
}

// changeState validates req against the working copies and then applies it.
func (s *session) changeState(req ChangeStateRequest) error {
	inst, err := s.activeInstance(req.ProcessInstanceID)
	if err != nil {
		return err
	}
	plan, err := s.plan(inst, req)
	if err != nil {
		return err
	}
	return s.apply(plan, req)
}

func invalidRequest(inst *instance, format string, args ...interface{}) *EngineError {
	return NewValidationError(ErrCodeInvalidRequest, fmt.Sprintf(format, args...), nil).WithProcessInstance(inst.id)
}

// plan resolves every id in req and checks that the moves are legal. It does
// not modify any instance.
func (s *session) plan(inst *instance, req ChangeStateRequest) (*changePlan, error) {
	plan := &changePlan{inst: inst}
	index := make(map[string]*moveGroup)

	for _, m := range req.Moves {
		kind := m.kind()
		sources, err := s.resolveSources(inst, m)
		if err != nil {
			return nil, err
		}

		key := groupKey(m)
		g, ok := index[key]
		if !ok {
			g = &moveGroup{kind: kind, targets: dedupe(m.TargetActivityIDs), from: inst, place: inst}
			if err := s.resolveTargets(plan, g, m); err != nil {
				return nil, err
			}
			index[key] = g
			plan.groups = append(plan.groups, g)
		}
		g.sources = append(g.sources, sources...)
	}

	if err := checkDisjointSources(inst, plan.groups); err != nil {
		return nil, err
	}

	for _, g := range plan.groups {
		g.sources = outermost(inst.tree, g.sources)
		if err := s.placeGroup(g); err != nil {
			return nil, err
		}
	}

	for _, v := range req.LocalVariables {
		if !plan.knows(v.ActivityID) {
			_, err := s.describe(inst, v.ActivityID)
			return nil, err
		}
	}

	if err := s.checkGuard(plan, req); err != nil {
		return nil, err
	}
	return plan, nil
}

func groupKey(m MoveInstruction) string {
	targets := dedupe(m.TargetActivityIDs)
	sort.Strings(targets)
	return fmt.Sprintf("%s|%s|%d|%s", m.kind(), m.CallActivityID, m.CalledDefinitionVersion, strings.Join(targets, ","))
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// resolveSources returns the executions an instruction moves away from.
func (s *session) resolveSources(inst *instance, m MoveInstruction) ([]*execution.Execution, error) {
	var sources []*execution.Execution

	for _, id := range m.SourceActivityIDs {
		if _, err := s.describe(inst, id); err != nil {
			return nil, err
		}
		var found []*execution.Execution
		for _, e := range inst.tree.FindByActivityID(id) {
			if !e.IsRoot() {
				found = append(found, e)
			}
		}
		found = outermost(inst.tree, found)
		if len(found) == 0 {
			return nil, NewValidationError(ErrCodeNoCurrentExecution,
				fmt.Sprintf("no active execution found for activity '%s'", id), nil).
				WithProcessInstance(inst.id).
				WithActivity(id)
		}
		sources = append(sources, found...)
	}

	for _, id := range m.SourceExecutionIDs {
		e, ok := inst.tree.Get(id)
		if !ok || e.IsRoot() || e.ActivityID == "" || !(e.IsActive || e.IsScope || e.IsWaitingJoin()) {
			return nil, NewValidationError(ErrCodeNoCurrentExecution,
				fmt.Sprintf("execution '%s' does not exist or is not active", id), nil).
				WithProcessInstance(inst.id).
				WithExecution(id)
		}
		sources = append(sources, e)
	}
	return sources, nil
}

// outermost drops executions nested below another execution of the list and duplicates.
func outermost(tree *execution.Tree, execs []*execution.Execution) []*execution.Execution {
	ids := make(map[string]bool, len(execs))
	for _, e := range execs {
		ids[e.ID] = true
	}
	seen := make(map[string]bool, len(execs))
	out := make([]*execution.Execution, 0, len(execs))
	for _, e := range execs {
		if seen[e.ID] || hasAncestorIn(tree, e, ids) {
			continue
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

func hasAncestorIn(tree *execution.Tree, e *execution.Execution, ids map[string]bool) bool {
	for p := tree.Parent(e.ID); p != nil; p = tree.Parent(p.ID) {
		if ids[p.ID] {
			return true
		}
	}
	return false
}

// checkDisjointSources rejects requests in which two groups move the same
// execution, or one group moves an execution nested in another group's source.
func checkDisjointSources(inst *instance, groups []*moveGroup) error {
	owner := make(map[string]int)
	for gi, g := range groups {
		for _, e := range g.sources {
			if prev, ok := owner[e.ID]; ok && prev != gi {
				return invalidRequest(inst, "execution '%s' is moved by more than one instruction", e.ID)
			}
			owner[e.ID] = gi
		}
	}
	for gi, g := range groups {
		for _, e := range g.sources {
			for p := inst.tree.Parent(e.ID); p != nil; p = inst.tree.Parent(p.ID) {
				if other, ok := owner[p.ID]; ok && other != gi {
					return invalidRequest(inst, "execution '%s' is nested in execution '%s' moved by another instruction", e.ID, p.ID)
				}
			}
		}
	}
	return nil
}

// resolveTargets checks the targets of a new group and, for moves across a
// call activity, selects the instance that receives them.
func (s *session) resolveTargets(plan *changePlan, g *moveGroup, m MoveInstruction) error {
	inst := plan.inst

	switch g.kind {
	case MoveToParentInstance:
		if inst.superProcessInstanceID == "" {
			return invalidRequest(inst, "process instance '%s' was not started by a call activity", inst.id)
		}
		parent, err := s.activeInstance(inst.superProcessInstanceID)
		if err != nil {
			return err
		}
		superExec, ok := parent.tree.Get(inst.tree.SuperExecutionID())
		if !ok {
			return NewInvariantError(fmt.Sprintf("calling execution '%s' of process instance '%s' does not exist",
				inst.tree.SuperExecutionID(), inst.id), nil).WithProcessInstance(inst.id)
		}
		plan.parent = parent
		g.place = parent
		g.superExec = superExec

	case MoveToSubProcessInstance:
		node, err := s.describe(inst, m.CallActivityID)
		if err != nil {
			return err
		}
		if node.Type != model.ActivityCallActivity {
			return invalidRequest(inst, "activity '%s' is not a call activity", node.ID).WithActivity(node.ID)
		}
		version := m.CalledDefinitionVersion
		if version == 0 {
			version = node.CalledElementVersion
		}
		graph, err := s.resolveCalledGraph(inst, inst.tree.Root().ID, node, version)
		if err != nil {
			return err
		}
		override := &callOverride{graph: graph}
		for _, id := range g.targets {
			target, err := graph.Describe(id)
			if err != nil {
				return classify(err).WithProcessInstance(inst.id)
			}
			if err := checkTarget(inst, graph, target); err != nil {
				return err
			}
			scopes, _ := graph.ContainingScopes(id)
			if err := checkEntry(inst, graph, scopes); err != nil {
				return err
			}
			override.targets = append(override.targets, target)
		}
		g.callActivity = node
		g.called = override
		return nil
	}

	for _, id := range g.targets {
		target, err := s.describe(g.place, id)
		if err != nil {
			return err
		}
		if err := checkTarget(inst, g.place.graph, target); err != nil {
			return err
		}
		if target.Type == model.ActivityCallActivity {
			if _, err := s.resolveCalledGraph(g.place, g.place.tree.Root().ID, target, target.CalledElementVersion); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkTarget(inst *instance, graph *model.Graph, target *model.ActivityNode) error {
	if target.Type == model.ActivityBoundaryEvent {
		return invalidRequest(inst, "cannot move to boundary event '%s' of process definition '%s'",
			target.ID, graph.DefinitionID()).WithActivity(target.ID)
	}
	return nil
}

// checkEntry rejects entering the body of a multi-instance sub-process from outside.
func checkEntry(inst *instance, graph *model.Graph, scopes []string) error {
	for _, scope := range scopes {
		node, err := graph.Describe(scope)
		if err != nil {
			return classify(err).WithProcessInstance(inst.id)
		}
		if node.IsMultiInstance() {
			return NewValidationError(ErrCodeIllegalMigration,
				fmt.Sprintf("cannot move into the multi-instance body of activity '%s'", scope), nil).
				WithProcessInstance(inst.id).
				WithActivity(scope)
		}
	}
	return nil
}

// placementTargets returns the activities the group enters in g.place.
func (g *moveGroup) placementTargets() []string {
	if g.kind == MoveToSubProcessInstance {
		return []string{g.callActivity.ID}
	}
	return g.targets
}

// placeGroup splits the sources of g by the execution the targets are entered
// below, and checks that no source leaves or enters a multi-instance body.
func (s *session) placeGroup(g *moveGroup) error {
	targets := g.placementTargets()
	chains := make([][]string, 0, len(targets))
	for _, id := range targets {
		scopes, err := g.place.graph.ContainingScopes(id)
		if err != nil {
			return classify(err).WithProcessInstance(g.place.id)
		}
		chains = append(chains, scopes)
	}
	common := commonPrefix(chains)

	// Sources of a to_parent move all vanish with their instance; the calling
	// execution decides where the targets go.
	anchorSources := g.sources
	tree := g.from.tree
	if g.kind == MoveToParentInstance {
		anchorSources = []*execution.Execution{g.superExec}
		tree = g.place.tree
	}

	byAnchor := make(map[string]*placement)
	for _, src := range anchorSources {
		if err := checkExit(g.place, tree, src, chains); err != nil {
			return err
		}
		anchor, level, err := anchorFor(tree, src, common)
		if err != nil {
			return err
		}
		p, ok := byAnchor[anchor.ID]
		if !ok {
			p = &placement{anchorID: anchor.ID, level: level}
			byAnchor[anchor.ID] = p
			g.placements = append(g.placements, p)
			for _, chain := range chains {
				if err := checkEntry(g.place, g.place.graph, chain[level:]); err != nil {
					return err
				}
			}
		}
		p.sources = append(p.sources, src)
	}
	if g.kind == MoveToParentInstance && len(g.placements) == 1 {
		g.placements[0].sources = g.sources
	}
	return nil
}

// checkExit rejects moving src out of the body of the multi-instance loop it runs in.
func checkExit(inst *instance, tree *execution.Tree, src *execution.Execution, chains [][]string) error {
	loop := tree.MultiInstanceRootOf(src.ParentID)
	if loop == nil {
		return nil
	}
	for _, chain := range chains {
		inside := false
		for _, scope := range chain {
			if scope == loop.ActivityID {
				inside = true
				break
			}
		}
		if !inside {
			return NewValidationError(ErrCodeIllegalMigration,
				fmt.Sprintf("cannot move execution '%s' out of the multi-instance body of activity '%s'", src.ID, loop.ActivityID), nil).
				WithProcessInstance(inst.id).
				WithExecution(src.ID).
				WithActivity(loop.ActivityID)
		}
	}
	return nil
}

// anchorFor returns the deepest execution above src whose scope chain matches
// the leading entries of scopes, and how many entries it matches. A loop root
// and its member count as one level.
func anchorFor(tree *execution.Tree, src *execution.Execution, scopes []string) (*execution.Execution, int, error) {
	parent := tree.Parent(src.ID)
	if parent == nil {
		return nil, 0, NewInvariantError(fmt.Sprintf("execution '%s' has no parent", src.ID), nil).WithExecution(src.ID)
	}
	path, err := tree.Path(parent.ID)
	if err != nil {
		return nil, 0, classify(err)
	}

	anchor, level := path[0], 0
	for i := 1; i < len(path) && level < len(scopes); i++ {
		e := path[i]
		if !e.IsScope || e.ActivityID != scopes[level] {
			break
		}
		if e.IsMultiInstanceRoot {
			if i+1 >= len(path) || path[i+1].ActivityID != e.ActivityID {
				break
			}
			i++
			e = path[i]
		}
		anchor, level = e, level+1
	}
	return anchor, level, nil
}

func commonPrefix(chains [][]string) []string {
	if len(chains) == 0 {
		return nil
	}
	prefix := chains[0]
	for _, chain := range chains[1:] {
		n := 0
		for n < len(prefix) && n < len(chain) && prefix[n] == chain[n] {
			n++
		}
		prefix = prefix[:n]
	}
	return prefix
}

// knows reports whether any instance touched by the plan declares activityID.
func (p *changePlan) knows(activityID string) bool {
	if p.inst.graph.Has(activityID) {
		return true
	}
	if p.parent != nil && p.parent.graph.Has(activityID) {
		return true
	}
	for _, g := range p.groups {
		if g.called != nil && g.called.graph.Has(activityID) {
			return true
		}
	}
	return false
}

func (s *session) checkGuard(plan *changePlan, req ChangeStateRequest) error {
	if s.eng.guard == nil {
		return nil
	}
	inst := plan.inst
	def := inst.graph.Definition()
	input := GuardInput{
		ProcessInstanceID: inst.id,
		DefinitionID:      def.ID,
		DefinitionKey:     def.Key,
		ActiveActivityIDs: inst.tree.ActiveActivityIDs(),
		Variables:         inst.tree.VariablesFlattened(inst.tree.Root().ID),
	}
	for _, g := range plan.groups {
		move := GuardMove{Kind: g.kind, TargetIDs: append([]string(nil), g.targets...)}
		seen := make(map[string]bool)
		for _, src := range g.sources {
			move.ExecutionIDs = append(move.ExecutionIDs, src.ID)
			if !seen[src.ActivityID] {
				seen[src.ActivityID] = true
				move.SourceIDs = append(move.SourceIDs, src.ActivityID)
			}
		}
		input.Moves = append(input.Moves, move)
	}
	for _, v := range req.ProcessVariables {
		input.ProcessVariables = append(input.ProcessVariables, v.Name)
	}

	if err := s.eng.guard.Check(s.ctx, input); err != nil {
		return NewValidationError(ErrCodePolicyDenied, err.Error(), err).WithProcessInstance(inst.id)
	}
	return nil
}

// apply executes a validated plan. Sources are vacated first, then process
// variables are written, then every group enters its targets. Scopes emptied
// along the way are completed or pruned only after all targets are placed.
func (s *session) apply(plan *changePlan, req ChangeStateRequest) error {
	s.pooling = true
	s.deferEnds = true
	for _, v := range req.LocalVariables {
		s.pendingLocals[v.ActivityID] = append(s.pendingLocals[v.ActivityID], Variable{Name: v.Name, Value: v.Value})
	}
	prev := s.em.enter(phaseVacated)
	defer s.em.enter(prev)

	for _, g := range plan.groups {
		if err := s.vacate(g); err != nil {
			return err
		}
	}

	s.em.enter(phaseProcessVariables)
	target := plan.inst
	if !target.state.IsActive() && plan.parent != nil {
		target = plan.parent
	}
	for _, v := range req.ProcessVariables {
		if err := s.setLocalVariable(target, target.tree.Root().ID, v.Name, v.Value); err != nil {
			return err
		}
	}

	s.em.enter(phaseTargets)
	for _, g := range plan.groups {
		for _, p := range g.placements {
			anchor, ok := g.place.tree.Get(p.anchorID)
			if !ok {
				return NewInvariantError(fmt.Sprintf("anchor execution '%s' vanished during the move", p.anchorID), nil).
					WithProcessInstance(g.place.id)
			}
			if g.called != nil {
				s.callOverrides[g.callActivity.ID] = g.called
			}
			targets := make([]*model.ActivityNode, 0, len(g.placementTargets()))
			for _, id := range g.placementTargets() {
				node, err := s.describe(g.place, id)
				if err != nil {
					return err
				}
				targets = append(targets, node)
			}
			if err := s.placeTargets(g.place, anchor, p.level, targets, len(p.sources), phaseScopes); err != nil {
				return err
			}
			if g.called != nil {
				delete(s.callOverrides, g.callActivity.ID)
			}
		}
	}

	s.deferEnds = false
	ended := s.ended
	s.ended = nil
	for _, ref := range ended {
		if err := s.scopeChildEnded(ref.inst, ref.id); err != nil {
			return err
		}
	}

	if err := s.prune(); err != nil {
		return err
	}

	s.em.enter(phaseScopes)
	for _, v := range req.LocalVariables {
		vars, ok := s.pendingLocals[v.ActivityID]
		if !ok {
			continue
		}
		delete(s.pendingLocals, v.ActivityID)
		exec, inst := s.firstExecutionOf(v.ActivityID)
		if exec == nil {
			return invalidRequest(plan.inst, "no execution of activity '%s' exists to receive local variables", v.ActivityID).
				WithActivity(v.ActivityID)
		}
		for _, lv := range vars {
			if err := s.setLocalVariable(inst, exec.ID, lv.Name, lv.Value); err != nil {
				return err
			}
		}
	}

	s.drainPool()
	return nil
}

// vacate cancels the sources of a group.
func (s *session) vacate(g *moveGroup) error {
	if g.kind != MoveToParentInstance {
		for _, src := range g.sources {
			if err := s.cancelExecution(g.from, src.ID); err != nil {
				return err
			}
		}
		return nil
	}

	if g.from.state.IsActive() {
		if err := s.cancelInstance(g.from, "moved to parent process instance"); err != nil {
			return err
		}
	}
	superExec, ok := g.place.tree.Get(g.superExec.ID)
	if !ok {
		return nil
	}
	if err := g.place.tree.Update(superExec.ID, func(e *execution.Execution) { e.SubProcessInstanceID = "" }); err != nil {
		return classify(err)
	}
	return s.cancelExecution(g.place, superExec.ID)
}

// placeTargets enters the scopes between anchor and each target, then creates
// the target tokens and executes them. A synchronizing target receives one
// token per source so that a join counts every arriving branch.
func (s *session) placeTargets(inst *instance, anchor *execution.Execution, level int, targets []*model.ActivityNode, sources int, scopePhase phase) error {
	type token struct {
		exec *execution.Execution
		node *model.ActivityNode
	}
	var tokens []token

	for _, target := range targets {
		scopes, err := inst.graph.ContainingScopes(target.ID)
		if err != nil {
			return classify(err).WithProcessInstance(inst.id)
		}
		if level > len(scopes) {
			level = len(scopes)
		}
		parent, err := s.enterScopeChain(inst, anchor, scopes[level:], scopePhase)
		if err != nil {
			return err
		}

		n := 1
		if target.Type.IsSynchronizing() && inst.graph.IncomingFlowCount(target.ID) > 1 && sources > 1 {
			n = sources
		}
		for i := 0; i < n; i++ {
			child, err := inst.tree.CreateChild(parent.ID, target.ID, false)
			if err != nil {
				return classify(err)
			}
			inst.tree.NormalizeConcurrency(parent.ID)
			tokens = append(tokens, token{exec: child, node: target})
		}
	}

	for _, t := range tokens {
		if _, ok := inst.tree.Get(t.exec.ID); !ok {
			continue
		}
		if err := s.execute(inst, t.exec, t.node); err != nil {
			return err
		}
	}
	return nil
}

// enterScopeChain walks down from parent through scopes, reusing a live scope
// execution where one exists and creating the others. Created scopes are
// started with their data objects, local variables and boundary timers.
func (s *session) enterScopeChain(inst *instance, parent *execution.Execution, scopes []string, p phase) (*execution.Execution, error) {
	prev := s.em.enter(p)
	defer s.em.enter(prev)

	for _, id := range scopes {
		var next *execution.Execution
		for _, child := range inst.tree.Children(parent.ID) {
			if child.IsScope && !child.IsMultiInstanceRoot && child.ActivityID == id {
				next = child
				break
			}
		}
		if next == nil {
			node, err := s.describe(inst, id)
			if err != nil {
				return nil, err
			}
			scope, err := inst.tree.CreateScope(parent.ID, id, false)
			if err != nil {
				return nil, classify(err)
			}
			inst.tree.NormalizeConcurrency(parent.ID)
			s.emitActivity(inst, EventActivityStarted, scope, node)
			if err := s.initScope(inst, scope, node, true); err != nil {
				return nil, err
			}
			next = scope
		}
		parent = next
	}
	return parent, nil
}

// placeCalledTargets puts the first tokens of a called instance on targets
// instead of its start event.
func (s *session) placeCalledTargets(sub *instance, targets []*model.ActivityNode) error {
	return s.placeTargets(sub, sub.tree.Root(), 0, targets, 1, s.em.current)
}

// prune removes scopes left without children and completes instances left
// without executions.
func (s *session) prune() error {
	prev := s.em.enter(phaseVacated)
	defer s.em.enter(prev)

	for i := 0; i < len(s.order); i++ {
		inst := s.instances[s.order[i]]
		if !inst.state.IsActive() {
			continue
		}
		for {
			var empty *execution.Execution
			for _, e := range inst.tree.Executions() {
				if e.IsScope && !e.IsRoot() && !e.IsActive && len(e.ChildIDs) == 0 {
					empty = e
					break
				}
			}
			if empty == nil {
				break
			}
			if err := s.cancelExecution(inst, empty.ID); err != nil {
				return err
			}
		}
	}

	s.em.enter(phaseTargets)
	for i := 0; i < len(s.order); i++ {
		inst := s.instances[s.order[i]]
		root := inst.tree.Root()
		if !inst.state.IsActive() || root == nil || len(root.ChildIDs) > 0 {
			continue
		}
		if err := s.completeInstance(inst); err != nil {
			return err
		}
	}
	return nil
}

// firstExecutionOf returns the oldest execution of activityID in any touched instance.
func (s *session) firstExecutionOf(activityID string) (*execution.Execution, *instance) {
	for _, id := range s.order {
		inst := s.instances[id]
		if !inst.state.IsActive() {
			continue
		}
		if found := inst.tree.FindByActivityID(activityID); len(found) > 0 {
			return found[0], inst
		}
	}
	return nil, nil
}
