package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/execution"
)

// LoadInstance rehydrates a process instance with its executions, variables
// and timer jobs. A missing instance yields a nil snapshot. Variable values
// come back as decoded JSON, so numbers are float64.
func (s *SQLiteStore) LoadInstance(ctx context.Context, processInstanceID string) (*engine.InstanceSnapshot, error) {
	query := `
		SELECT id, definition_id, root_process_instance_id, super_process_instance_id, super_execution_id,
			state, started_at, ended_at
		FROM process_instances
		WHERE id = ?
	`

	snap := &engine.InstanceSnapshot{}
	rec := &snap.Instance
	err := s.db.QueryRowContext(ctx, query, processInstanceID).Scan(
		&rec.ID,
		&rec.DefinitionID,
		&rec.RootProcessInstanceID,
		&rec.SuperProcessInstanceID,
		&rec.SuperExecutionID,
		&rec.State,
		&rec.StartedAt,
		&rec.EndedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get process instance: %w", err)
	}

	if snap.Executions, err = s.loadExecutions(ctx, processInstanceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM jobs WHERE process_instance_id = ? ORDER BY due_at, id`, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()
	if snap.Jobs, err = scanJobs(rows); err != nil {
		return nil, err
	}

	return snap, nil
}

func (s *SQLiteStore) loadExecutions(ctx context.Context, processInstanceID string) ([]*execution.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM executions WHERE process_instance_id = ? ORDER BY seq`, processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	execs := []*execution.Execution{}
	byID := make(map[string]*execution.Execution)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		exec := &execution.Execution{}
		if err := json.Unmarshal([]byte(data), exec); err != nil {
			return nil, fmt.Errorf("failed to decode execution: %w", err)
		}
		execs = append(execs, exec)
		byID[exec.ID] = exec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	vars, err := s.db.QueryContext(ctx,
		`SELECT execution_id, name, value FROM variables WHERE process_instance_id = ? ORDER BY execution_id, name`,
		processInstanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list variables: %w", err)
	}
	defer vars.Close()

	for vars.Next() {
		var execID, name, raw string
		if err := vars.Scan(&execID, &name, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan variable: %w", err)
		}
		exec, ok := byID[execID]
		if !ok {
			continue
		}
		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			return nil, fmt.Errorf("failed to decode variable %s: %w", name, err)
		}
		if exec.Variables == nil {
			exec.Variables = make(map[string]interface{})
		}
		exec.Variables[name] = value
	}
	if err := vars.Err(); err != nil {
		return nil, fmt.Errorf("error iterating variables: %w", err)
	}

	return execs, nil
}

// LocateExecution returns the process instance owning an execution, or "" when unknown.
func (s *SQLiteStore) LocateExecution(ctx context.Context, executionID string) (string, error) {
	return s.locate(ctx, `SELECT process_instance_id FROM executions WHERE id = ?`, executionID)
}

// LocateJob returns the process instance owning a timer job, or "" when unknown.
func (s *SQLiteStore) LocateJob(ctx context.Context, jobID string) (string, error) {
	return s.locate(ctx, `SELECT process_instance_id FROM jobs WHERE id = ?`, jobID)
}

func (s *SQLiteStore) locate(ctx context.Context, query, id string) (string, error) {
	var processInstanceID string
	err := s.db.QueryRowContext(ctx, query, id).Scan(&processInstanceID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to locate %s: %w", id, err)
	}
	return processInstanceID, nil
}
