package policy

import (
	"time"
)

// Names of the built-in policies.
const (
	PolicyProtectedActivities = "protected-activities"
	PolicyFrozenDefinitions   = "frozen-definitions"
	PolicyReservedVariables   = "reserved-variables"
	PolicyBulkMove            = "bulk-move"
	PolicyCrossInstanceMoves  = "cross-instance-moves"
	PolicyRestartActivity     = "restart-activity"
)

// GetBuiltinPolicies returns all built-in policies. They read their settings
// from `data.config`, see WithConfigData.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedActivitiesPolicy(),
		frozenDefinitionsPolicy(),
		reservedVariablesPolicy(),
		bulkMovePolicy(),
		crossInstanceMovesPolicy(),
		restartActivityPolicy(),
	}
}

// protectedActivitiesPolicy forbids moving tokens into or out of protected activities.
func protectedActivitiesPolicy() Policy {
	return Policy{
		Name:        PolicyProtectedActivities,
		Description: "Tokens may not be moved into or out of activities listed in config.protected_activities",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"activities"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tokenflow.policies.protected

import rego.v1

deny contains violation if {
	some move in input.moves
	some target in move.target_activity_ids
	target in data.config.protected_activities
	violation := {
		"message": sprintf("activity '%s' is protected and cannot receive moved tokens", [target]),
		"activity_id": target,
	}
}

deny contains violation if {
	some move in input.moves
	some source in move.source_activity_ids
	source in data.config.protected_activities
	violation := {
		"message": sprintf("activity '%s' is protected and cannot be vacated", [source]),
		"activity_id": source,
	}
}
`,
	}
}

// frozenDefinitionsPolicy rejects any change of state for frozen definition keys.
func frozenDefinitionsPolicy() Policy {
	return Policy{
		Name:        PolicyFrozenDefinitions,
		Description: "Instances of definitions listed in config.frozen_definitions cannot change state",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"definitions"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tokenflow.policies.frozen

import rego.v1

deny contains violation if {
	input.definition_key in data.config.frozen_definitions
	violation := {
		"message": sprintf("process definition '%s' is frozen", [input.definition_key]),
		"definition_key": input.definition_key,
	}
}
`,
	}
}

// reservedVariablesPolicy keeps change-state requests from overwriting multi-instance counters.
func reservedVariablesPolicy() Policy {
	return Policy{
		Name:        PolicyReservedVariables,
		Description: "Process variables set by a change-state request may not use multi-instance variable names",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"variables"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tokenflow.policies.variables

import rego.v1

reserved := {"nrOfInstances", "nrOfActiveInstances", "nrOfCompletedInstances", "loopCounter"}

deny contains violation if {
	some name in input.process_variables
	name in reserved
	violation := {
		"message": sprintf("variable '%s' is reserved for multi-instance bookkeeping", [name]),
		"variable": name,
	}
}
`,
	}
}

// bulkMovePolicy caps the number of executions a single move may relocate.
func bulkMovePolicy() Policy {
	return Policy{
		Name:        PolicyBulkMove,
		Description: "A single move may relocate at most config.max_executions_per_move executions (default 100)",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"limits"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tokenflow.policies.bulk

import rego.v1

default max_executions := 100

max_executions := n if {
	n := data.config.max_executions_per_move
}

deny contains violation if {
	some move in input.moves
	count(move.execution_ids) > max_executions
	violation := {
		"message": sprintf("move from %v relocates %d executions, limit is %d", [move.source_activity_ids, count(move.execution_ids), max_executions]),
		"count": count(move.execution_ids),
	}
}
`,
	}
}

// crossInstanceMovesPolicy flags moves that leave or enter a called process instance.
func crossInstanceMovesPolicy() Policy {
	return Policy{
		Name:        PolicyCrossInstanceMoves,
		Description: "Moves crossing process instance boundaries are reported",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"call-activity"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tokenflow.policies.crossinstance

import rego.v1

deny contains violation if {
	some move in input.moves
	move.kind != "within"
	violation := {
		"message": sprintf("move from %v to %v crosses a process instance boundary (%s)", [move.source_activity_ids, move.target_activity_ids, move.kind]),
		"kind": move.kind,
	}
}
`,
	}
}

// restartActivityPolicy reports moves that target the activity they vacate.
func restartActivityPolicy() Policy {
	return Policy{
		Name:        PolicyRestartActivity,
		Description: "Moves whose target is also a source restart the activity",
		Severity:    SeverityInfo,
		Enabled:     true,
		Tags:        []string{"activities"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package tokenflow.policies.restart

import rego.v1

deny contains violation if {
	some move in input.moves
	move.kind == "within"
	some target in move.target_activity_ids
	target in move.source_activity_ids
	violation := {
		"message": sprintf("activity '%s' is restarted", [target]),
		"activity_id": target,
	}
}
`,
	}
}
