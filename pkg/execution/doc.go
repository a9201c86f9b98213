// Package execution implements the execution tree of a process instance.
//
// A Tree is an arena of Execution values keyed by id. Parent and child links are
// id references, so the tree can be cloned, persisted and restored without
// pointer cycles. The root execution is the process instance; tokens are
// active leaf executions below it, nested under one scope execution per
// entered sub-process or multi-instance loop.
//
// Every structural mutation is appended to an edit log that the persistence
// layer drains and applies in one transaction.
package execution
