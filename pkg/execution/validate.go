package execution

import (
	"fmt"
	"sort"
	"strings"
)

// Validate checks the structural invariants of the tree:
// every execution is reachable from the root exactly once through consistent
// parent and child links, multi-instance counters add up, and only leaves hold tokens.
func (t *Tree) Validate() error {
	root, ok := t.executions[t.processInstanceID]
	if !ok {
		if len(t.executions) == 0 {
			return nil
		}
		return &InvariantError{ExecutionID: t.processInstanceID, Rule: "root execution is missing"}
	}
	if root.ParentID != "" {
		return &InvariantError{ExecutionID: root.ID, Rule: "root execution has a parent"}
	}

	visited := make(map[string]bool, len(t.executions))
	var walk func(*Execution) error
	walk = func(e *Execution) error {
		if visited[e.ID] {
			return &InvariantError{ExecutionID: e.ID, Rule: "execution reachable more than once"}
		}
		visited[e.ID] = true

		for _, cid := range e.ChildIDs {
			c, ok := t.executions[cid]
			if !ok {
				return &InvariantError{ExecutionID: e.ID, Rule: fmt.Sprintf("child '%s' does not exist", cid)}
			}
			if c.ParentID != e.ID {
				return &InvariantError{ExecutionID: cid, Rule: fmt.Sprintf("parent link points to '%s', expected '%s'", c.ParentID, e.ID)}
			}
			if len(e.ChildIDs) > 1 && !c.IsConcurrent {
				return &InvariantError{ExecutionID: cid, Rule: "sibling execution is not marked concurrent"}
			}
			if err := walk(c); err != nil {
				return err
			}
		}

		if e.IsActive && len(e.ChildIDs) > 0 {
			return &InvariantError{ExecutionID: e.ID, Rule: "active execution has children"}
		}
		if e.JoinArrivals < 0 {
			return &InvariantError{ExecutionID: e.ID, Rule: "join arrival count is negative"}
		}
		if e.IsMultiInstanceRoot {
			if e.NrOfActiveInstances < 0 || e.NrOfCompletedInstances < 0 {
				return &InvariantError{ExecutionID: e.ID, Rule: "multi-instance counter is negative"}
			}
			if e.NrOfActiveInstances+e.NrOfCompletedInstances != e.NrOfInstances {
				return &InvariantError{ExecutionID: e.ID, Rule: fmt.Sprintf(
					"nrOfActiveInstances (%d) + nrOfCompletedInstances (%d) != nrOfInstances (%d)",
					e.NrOfActiveInstances, e.NrOfCompletedInstances, e.NrOfInstances)}
			}
		}
		return nil
	}
	if err := walk(root); err != nil {
		return err
	}

	if len(visited) != len(t.executions) {
		var orphans []string
		for id := range t.executions {
			if !visited[id] {
				orphans = append(orphans, id)
			}
		}
		sort.Strings(orphans)
		return &InvariantError{ExecutionID: orphans[0], Rule: "execution is not reachable from the root: " + strings.Join(orphans, ", ")}
	}
	return nil
}
