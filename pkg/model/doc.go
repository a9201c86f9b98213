// Package model holds process definitions and the read-only activity graph
// derived from them. It covers loading definitions from YAML (checked against a
// CUE schema and struct tags), versioned deployment, directory watching and
// Graphviz export.
package model
