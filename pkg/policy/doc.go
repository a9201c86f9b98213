// Package policy guards change-state requests with Open Policy Agent (OPA) Rego policies.
//
// An Engine compiles a set of Rego modules and implements engine.Guard, so it
// can be handed to the process engine with engine.WithGuard. The process
// engine consults the guard after a request has been validated structurally
// and before any execution is touched; a blocking violation aborts the request
// with a POLICY_DENIED validation error.
//
// # Policies
//
// Every policy module defines a `deny` set. Each element is either a message
// string or an object with a "message" and optional "severity" and
// "activity_id" keys:
//
//	package custom.review
//
//	import rego.v1
//
//	deny contains violation if {
//		some move in input.moves
//		"approve" in move.target_activity_ids
//		input.context.user != "operator"
//		violation := {"message": "only operators may skip to approval", "activity_id": "approve"}
//	}
//
// Violations of severity error and critical reject the request. Warning and
// info violations are logged.
//
// The input document holds the guard input (process_instance_id,
// definition_key, active_activity_ids, moves, process_variables, variables)
// plus a context object with the caller (see WithUser), the environment and
// the evaluation time.
//
// # Built-in Policies
//
// Built-in policies read their settings from `data.config`, supplied with
// WithConfigData:
//
//   - protected-activities: config.protected_activities cannot be vacated or targeted
//   - frozen-definitions: instances of config.frozen_definitions cannot change state
//   - reserved-variables: multi-instance counters cannot be set as process variables
//   - bulk-move: a move relocates at most config.max_executions_per_move executions
//   - cross-instance-moves: moves into or out of called instances are reported
//   - restart-activity: moves that target their own source are reported
//
// # Loading
//
// The Loader reads .rego files (the leading comment is the description and a
// `# severity: <level>` line sets the severity), single JSON policy documents
// and YAML bundles. Engine.Watch loads a set of paths and recompiles the
// policies whenever a file under them changes:
//
//	guard, err := policy.NewEngine(logger, policy.WithConfigData(cfg))
//	if err != nil {
//	    return err
//	}
//	if _, err := guard.Watch(ctx, []string{"policies"}); err != nil {
//	    return err
//	}
//	eng := engine.New(repo, engine.WithGuard(guard))
package policy
