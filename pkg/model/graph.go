package model

import (
	"sort"
)

// Graph is the read-only, indexed view of one process definition.
// It is built once per deployed definition and shared between instances.
type Graph struct {
	definition *ProcessDefinition

	// nodes maps activity ids to their declaration
	nodes map[string]*ActivityNode

	// order maps activity ids to their declaration index
	order map[string]int

	flows    map[string]*SequenceFlow
	incoming map[string][]*SequenceFlow
	outgoing map[string][]*SequenceFlow

	// boundaries maps an activity id to the boundary events attached to it
	boundaries map[string][]*ActivityNode

	// children maps a scope id ("" for the process level) to the activities it contains
	children map[string][]string
}

// NewGraph validates a definition and indexes it.
func NewGraph(def *ProcessDefinition) (*Graph, error) {
	g := &Graph{
		definition: def,
		nodes:      make(map[string]*ActivityNode, len(def.Activities)),
		order:      make(map[string]int, len(def.Activities)),
		flows:      make(map[string]*SequenceFlow, len(def.Flows)),
		incoming:   make(map[string][]*SequenceFlow),
		outgoing:   make(map[string][]*SequenceFlow),
		boundaries: make(map[string][]*ActivityNode),
		children:   make(map[string][]string),
	}

	verr := &ValidationError{Key: def.Key}

	for i := range def.Activities {
		node := &def.Activities[i]
		if node.ID == "" {
			verr.add("activity at index %d has an empty id", i)
			continue
		}
		if _, exists := g.nodes[node.ID]; exists {
			verr.add("duplicate activity id '%s'", node.ID)
			continue
		}
		if node.Type == 0 {
			verr.add("activity '%s' has no type", node.ID)
		}
		g.nodes[node.ID] = node
		g.order[node.ID] = i
	}

	for i := range def.Flows {
		flow := &def.Flows[i]
		if _, exists := g.flows[flow.ID]; exists || g.nodes[flow.ID] != nil {
			verr.add("duplicate flow id '%s'", flow.ID)
			continue
		}
		g.flows[flow.ID] = flow
		g.outgoing[flow.Source] = append(g.outgoing[flow.Source], flow)
		g.incoming[flow.Target] = append(g.incoming[flow.Target], flow)
	}

	for _, id := range g.declared() {
		node := g.nodes[id]
		g.children[node.Scope] = append(g.children[node.Scope], id)
		if node.Type == ActivityBoundaryEvent && node.AttachedTo != "" {
			g.boundaries[node.AttachedTo] = append(g.boundaries[node.AttachedTo], node)
		}
	}

	g.validate(verr)
	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return g, nil
}

// validate runs the semantic checks the struct tags cannot express.
func (g *Graph) validate(verr *ValidationError) {
	for _, id := range g.declared() {
		node := g.nodes[id]

		if node.Scope != "" {
			scope, ok := g.nodes[node.Scope]
			if !ok {
				verr.add("activity '%s' references unknown scope '%s'", id, node.Scope)
			} else if scope.Type != ActivitySubProcess {
				verr.add("activity '%s' is scoped by '%s' which is not a subProcess", id, node.Scope)
			}
		}
		if g.scopeDepth(id) < 0 {
			verr.add("activity '%s' has a cyclic scope chain", id)
		}

		switch node.Type {
		case ActivityBoundaryEvent:
			attached, ok := g.nodes[node.AttachedTo]
			switch {
			case node.AttachedTo == "":
				verr.add("boundary event '%s' is not attached to an activity", id)
			case !ok:
				verr.add("boundary event '%s' is attached to unknown activity '%s'", id, node.AttachedTo)
			case attached.Scope != node.Scope:
				verr.add("boundary event '%s' must share the scope of '%s'", id, node.AttachedTo)
			case attached.Type.IsGateway() || attached.Type == ActivityBoundaryEvent:
				verr.add("boundary event '%s' cannot be attached to %s '%s'", id, attached.Type, attached.ID)
			}
			if node.Timer == nil {
				verr.add("boundary event '%s' must declare a timer", id)
			}
			if len(g.incoming[id]) > 0 {
				verr.add("boundary event '%s' cannot have incoming flows", id)
			}
		case ActivityIntermediateCatchEvent:
			if node.Timer == nil {
				verr.add("intermediate catch event '%s' must declare a timer", id)
			}
		case ActivityCallActivity:
			if node.CalledElement == "" {
				verr.add("call activity '%s' must declare calledElement", id)
			}
		case ActivityStartEvent:
			if len(g.incoming[id]) > 0 {
				verr.add("start event '%s' cannot have incoming flows", id)
			}
		case ActivityEndEvent:
			if len(g.outgoing[id]) > 0 {
				verr.add("end event '%s' cannot have outgoing flows", id)
			}
		}

		if node.Timer != nil {
			set := 0
			for _, v := range []string{node.Timer.Duration, node.Timer.Date, node.Timer.Cycle} {
				if v != "" {
					set++
				}
			}
			if set != 1 {
				verr.add("timer of '%s' must set exactly one of duration, date or cycle", id)
			}
		}

		if mi := node.MultiInstance; mi != nil {
			if mi.Cardinality == "" && mi.Collection == "" {
				verr.add("multi-instance activity '%s' needs a cardinality or a collection", id)
			}
			if node.Type.IsGateway() || node.Type == ActivityBoundaryEvent ||
				node.Type == ActivityStartEvent || node.Type == ActivityEndEvent {
				verr.add("%s '%s' cannot be multi-instance", node.Type, id)
			}
		}

		if node.Default != "" {
			flow, ok := g.flows[node.Default]
			if !ok || flow.Source != id {
				verr.add("default flow '%s' is not an outgoing flow of '%s'", node.Default, id)
			}
		}
	}

	for _, flow := range g.sortedFlows() {
		source, okSource := g.nodes[flow.Source]
		target, okTarget := g.nodes[flow.Target]
		if !okSource {
			verr.add("flow '%s' references unknown source '%s'", flow.ID, flow.Source)
		}
		if !okTarget {
			verr.add("flow '%s' references unknown target '%s'", flow.ID, flow.Target)
		}
		if okSource && okTarget && source.Scope != target.Scope {
			verr.add("flow '%s' crosses scopes from '%s' to '%s'", flow.ID, flow.Source, flow.Target)
		}
	}

	scopes := []string{""}
	for _, id := range g.declared() {
		if g.nodes[id].Type == ActivitySubProcess {
			scopes = append(scopes, id)
		}
	}
	for _, scope := range scopes {
		starts := 0
		for _, id := range g.children[scope] {
			if g.nodes[id].Type == ActivityStartEvent {
				starts++
			}
		}
		name := scope
		if name == "" {
			name = "process"
		}
		if starts != 1 {
			verr.add("scope '%s' must contain exactly one start event, found %d", name, starts)
		}
	}
}

// scopeDepth returns the nesting depth of an activity, or -1 for a cyclic chain.
func (g *Graph) scopeDepth(id string) int {
	depth := 0
	seen := map[string]bool{id: true}
	for node := g.nodes[id]; node != nil && node.Scope != ""; node = g.nodes[node.Scope] {
		if seen[node.Scope] {
			return -1
		}
		seen[node.Scope] = true
		depth++
	}
	return depth
}

// declared returns activity ids in declaration order.
func (g *Graph) declared() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return g.order[ids[i]] < g.order[ids[j]] })
	return ids
}

func (g *Graph) sortedFlows() []*SequenceFlow {
	flows := make([]*SequenceFlow, 0, len(g.definition.Flows))
	for i := range g.definition.Flows {
		flows = append(flows, &g.definition.Flows[i])
	}
	return flows
}

// Definition returns the underlying definition.
func (g *Graph) Definition() *ProcessDefinition {
	return g.definition
}

// DefinitionID returns the id of the underlying definition.
func (g *Graph) DefinitionID() string {
	return g.definition.ID
}

// Has reports whether the activity is declared.
func (g *Graph) Has(activityID string) bool {
	_, ok := g.nodes[activityID]
	return ok
}

// Describe returns the declaration of an activity.
func (g *Graph) Describe(activityID string) (*ActivityNode, error) {
	node, ok := g.nodes[activityID]
	if !ok {
		return nil, &ActivityNotFoundError{ActivityID: activityID, DefinitionID: g.definition.ID}
	}
	return node, nil
}

// Activities returns all activity ids in declaration order.
func (g *Graph) Activities() []string {
	return g.declared()
}

// ContainingScopes returns the sub-process ids enclosing an activity, outermost first.
func (g *Graph) ContainingScopes(activityID string) ([]string, error) {
	node, err := g.Describe(activityID)
	if err != nil {
		return nil, err
	}
	var scopes []string
	for scope := node.Scope; scope != ""; scope = g.nodes[scope].Scope {
		scopes = append(scopes, scope)
	}
	for i, j := 0, len(scopes)-1; i < j; i, j = i+1, j-1 {
		scopes[i], scopes[j] = scopes[j], scopes[i]
	}
	return scopes, nil
}

// IsGateway reports whether the activity is a gateway. Unknown ids are not gateways.
func (g *Graph) IsGateway(activityID string) bool {
	node, ok := g.nodes[activityID]
	return ok && node.Type.IsGateway()
}

// IncomingFlowCount returns the number of declared incoming flows.
func (g *Graph) IncomingFlowCount(activityID string) int {
	return len(g.incoming[activityID])
}

// Incoming returns the flows targeting an activity, in declaration order.
func (g *Graph) Incoming(activityID string) []*SequenceFlow {
	return g.incoming[activityID]
}

// Outgoing returns the flows leaving an activity, in declaration order.
func (g *Graph) Outgoing(activityID string) []*SequenceFlow {
	return g.outgoing[activityID]
}

// Flow returns a flow by id.
func (g *Graph) Flow(flowID string) (*SequenceFlow, bool) {
	f, ok := g.flows[flowID]
	return f, ok
}

// BoundaryEvents returns the boundary events attached to an activity, in declaration order.
func (g *Graph) BoundaryEvents(activityID string) []*ActivityNode {
	return g.boundaries[activityID]
}

// DeclarationIndex returns the position of an activity in its definition, or -1.
func (g *Graph) DeclarationIndex(activityID string) int {
	if i, ok := g.order[activityID]; ok {
		return i
	}
	return -1
}

// ScopeActivities returns the activities directly inside a scope ("" for the process level).
func (g *Graph) ScopeActivities(scope string) []string {
	return g.children[scope]
}

// InitialActivity returns the start event of a scope ("" for the process level).
func (g *Graph) InitialActivity(scope string) (*ActivityNode, error) {
	for _, id := range g.children[scope] {
		if g.nodes[id].Type == ActivityStartEvent {
			return g.nodes[id], nil
		}
	}
	return nil, &ActivityNotFoundError{ActivityID: "startEvent of " + scope, DefinitionID: g.definition.ID}
}

// EnclosingIn returns the activity directly inside scope that contains activityID,
// which may be activityID itself. It returns false if activityID is not nested in scope.
func (g *Graph) EnclosingIn(activityID, scope string) (string, bool) {
	for id := activityID; ; {
		node, ok := g.nodes[id]
		if !ok {
			return "", false
		}
		if node.Scope == scope {
			return id, true
		}
		if node.Scope == "" {
			return "", false
		}
		id = node.Scope
	}
}

// CanReach reports whether a token on from can still arrive at to by following
// sequence flows and boundary events of the scope both activities share.
func (g *Graph) CanReach(from, to string) bool {
	if from == to {
		return true
	}
	src, ok := g.nodes[from]
	dst, ok2 := g.nodes[to]
	if !ok || !ok2 || src.Scope != dst.Scope {
		return false
	}

	visited := map[string]bool{from: true}
	queue := []string{from}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		next := make([]string, 0, len(g.outgoing[current]))
		for _, flow := range g.outgoing[current] {
			next = append(next, flow.Target)
		}
		for _, boundary := range g.boundaries[current] {
			next = append(next, boundary.ID)
		}

		for _, id := range next {
			if id == to {
				return true
			}
			if !visited[id] {
				visited[id] = true
				queue = append(queue, id)
			}
		}
	}
	return false
}
