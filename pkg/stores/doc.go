// Package stores provides persistence layer implementations for tokenflow.
// It includes SQLite-based storage with WAL mode and embedded migrations for
// process definitions, process instances, executions, variables, timer jobs,
// history events and audit logs. SQLiteStore is the persistence collaborator
// of the engine: it opens one transaction per engine operation and rehydrates
// instances the engine does not hold in memory.
package stores
