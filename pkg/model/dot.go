package model

import (
	"fmt"
	"strings"
)

// ToDOT renders the graph in Graphviz DOT format. Sub-processes become clusters.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("digraph %q {\n", g.definition.Key))
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	g.writeScope(&sb, "", "  ")

	sb.WriteString("\n")
	for _, flow := range g.sortedFlows() {
		attrs := ""
		if flow.Condition != "" {
			attrs = fmt.Sprintf(" [label=%q]", flow.Condition)
		}
		sb.WriteString(fmt.Sprintf("  %q -> %q%s;\n", flow.Source, flow.Target, attrs))
	}
	for _, id := range g.declared() {
		node := g.nodes[id]
		if node.Type == ActivityBoundaryEvent {
			sb.WriteString(fmt.Sprintf("  %q -> %q [style=dotted, arrowhead=none];\n", node.AttachedTo, node.ID))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func (g *Graph) writeScope(sb *strings.Builder, scope, indent string) {
	for _, id := range g.children[scope] {
		node := g.nodes[id]
		label := id
		if node.Name != "" {
			label = node.Name
		}
		if node.IsMultiInstance() {
			label += " |||"
		}

		if node.Type == ActivitySubProcess {
			sb.WriteString(fmt.Sprintf("%ssubgraph %q {\n", indent, "cluster_"+id))
			sb.WriteString(fmt.Sprintf("%s  label=%q;\n", indent, label))
			sb.WriteString(fmt.Sprintf("%s  style=rounded;\n", indent))
			sb.WriteString(fmt.Sprintf("%s  %q [shape=point];\n", indent, id))
			g.writeScope(sb, id, indent+"  ")
			sb.WriteString(fmt.Sprintf("%s}\n", indent))
			continue
		}

		sb.WriteString(fmt.Sprintf("%s%q [label=%q, %s];\n", indent, id, label, nodeStyle(node.Type)))
	}
}

// nodeStyle returns DOT attributes for an activity type.
func nodeStyle(t ActivityType) string {
	switch t {
	case ActivityStartEvent:
		return `shape=circle, fillcolor="lightgreen", style=filled`
	case ActivityEndEvent:
		return `shape=doublecircle, fillcolor="lightcoral", style=filled`
	case ActivityExclusiveGateway, ActivityParallelGateway, ActivityInclusiveGateway:
		return `shape=diamond, fillcolor="lightyellow", style=filled`
	case ActivityIntermediateCatchEvent, ActivityBoundaryEvent:
		return `shape=circle, fillcolor="lightblue", style=filled`
	case ActivityCallActivity:
		return `fillcolor="lightgray", style="filled,rounded,bold"`
	default:
		return `fillcolor="white", style="filled,rounded"`
	}
}
