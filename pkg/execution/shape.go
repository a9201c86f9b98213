package execution

import (
	"fmt"
	"strings"
)

// Shape summarizes where an instance currently is, independent of execution ids.
// Two trees with equal shapes are isomorphic for the purpose of position queries.
type Shape struct {
	// Active counts token holding executions per activity.
	Active map[string]int `json:"active"`

	// Waiting counts inactive join executions per gateway.
	Waiting map[string]int `json:"waiting,omitempty"`

	// Scopes counts scope executions per activity.
	Scopes map[string]int `json:"scopes,omitempty"`
}

// Shape computes the current shape of the tree.
func (t *Tree) Shape() Shape {
	s := Shape{
		Active:  map[string]int{},
		Waiting: map[string]int{},
		Scopes:  map[string]int{},
	}
	for _, e := range t.executions {
		switch {
		case e.ParentID == "":
		case e.IsScope:
			s.Scopes[e.ActivityID]++
		case e.IsActive && len(e.ChildIDs) == 0:
			s.Active[e.ActivityID]++
		case e.IsWaitingJoin():
			s.Waiting[e.ActivityID]++
		}
	}
	return s
}

// ActiveActivityIDs lists activities holding a token, one entry per token, in creation order.
func (t *Tree) ActiveActivityIDs() []string {
	leaves := t.ActiveLeaves()
	ids := make([]string, 0, len(leaves))
	for _, e := range leaves {
		ids = append(ids, e.ActivityID)
	}
	return ids
}

// Dump renders the tree as indented text, one execution per line.
func (t *Tree) Dump() string {
	var sb strings.Builder
	root := t.Root()
	if root == nil {
		return ""
	}

	var walk func(*Execution, int)
	walk = func(e *Execution, depth int) {
		sb.WriteString(strings.Repeat("  ", depth))
		activity := e.ActivityID
		if activity == "" {
			activity = "<process>"
		}
		sb.WriteString(fmt.Sprintf("%s [%s]", activity, e.ID))

		var flags []string
		if e.IsScope {
			flags = append(flags, "scope")
		}
		if e.IsActive {
			flags = append(flags, "active")
		}
		if e.IsConcurrent {
			flags = append(flags, "concurrent")
		}
		if e.IsMultiInstanceRoot {
			flags = append(flags, fmt.Sprintf("mi %d/%d/%d", e.NrOfInstances, e.NrOfActiveInstances, e.NrOfCompletedInstances))
		}
		if e.JoinArrivals > 0 {
			flags = append(flags, fmt.Sprintf("arrivals=%d", e.JoinArrivals))
		}
		if e.SubProcessInstanceID != "" {
			flags = append(flags, "calls="+e.SubProcessInstanceID)
		}
		if len(flags) > 0 {
			sb.WriteString(" " + strings.Join(flags, ","))
		}
		sb.WriteString("\n")

		for _, c := range t.Children(e.ID) {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return sb.String()
}
