package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/execution"
)

// sqliteUnit writes the changes of one engine operation inside a single transaction.
type sqliteUnit struct {
	tx  *sql.Tx
	now time.Time
}

// Begin starts the transaction backing one engine operation.
func (s *SQLiteStore) Begin(ctx context.Context) (engine.UnitOfWork, error) {
	if s.db == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &sqliteUnit{tx: tx, now: s.now().UTC()}, nil
}

func (u *sqliteUnit) SaveInstance(ctx context.Context, rec *engine.InstanceRecord) error {
	query := `
		INSERT INTO process_instances (id, definition_id, root_process_instance_id, super_process_instance_id,
			super_execution_id, state, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at
	`

	var endedAt *time.Time
	if rec.EndedAt != nil {
		t := rec.EndedAt.UTC()
		endedAt = &t
	}
	_, err := u.tx.ExecContext(ctx, query,
		rec.ID,
		rec.DefinitionID,
		rec.RootProcessInstanceID,
		rec.SuperProcessInstanceID,
		rec.SuperExecutionID,
		rec.State,
		rec.StartedAt.UTC(),
		endedAt,
		u.now,
	)
	if err != nil {
		return fmt.Errorf("failed to save process instance %s: %w", rec.ID, err)
	}
	return nil
}

// ApplyEdits replays the edit log in order. Structural edits upsert the
// execution row, terminations delete it together with its variables.
func (u *sqliteUnit) ApplyEdits(ctx context.Context, processInstanceID string, edits []execution.Edit) error {
	for i, ed := range edits {
		var err error
		switch ed.Op {
		case execution.EditCreate, execution.EditUpdate, execution.EditActivate, execution.EditDeactivate:
			err = u.upsertExecution(ctx, processInstanceID, ed.Execution)
		case execution.EditTerminate:
			err = u.deleteExecution(ctx, ed.ExecutionID)
		case execution.EditSetVariable:
			err = u.setVariable(ctx, processInstanceID, ed.ExecutionID, ed.VariableName, ed.Value)
		case execution.EditRemoveVariable:
			_, err = u.tx.ExecContext(ctx,
				`DELETE FROM variables WHERE execution_id = ? AND name = ?`, ed.ExecutionID, ed.VariableName)
		default:
			err = fmt.Errorf("unknown edit operation %q", ed.Op)
		}
		if err != nil {
			return fmt.Errorf("edit %d (%s %s): %w", i, ed.Op, ed.ExecutionID, err)
		}
	}
	return nil
}

func (u *sqliteUnit) upsertExecution(ctx context.Context, processInstanceID string, exec *execution.Execution) error {
	if exec == nil {
		return fmt.Errorf("edit carries no execution snapshot")
	}
	snapshot := *exec
	snapshot.Variables = nil
	snapshot.ChildIDs = nil
	data, err := json.Marshal(&snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode execution: %w", err)
	}

	query := `
		INSERT INTO executions (id, process_instance_id, parent_id, activity_id, is_active, is_scope, seq, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			parent_id = excluded.parent_id,
			activity_id = excluded.activity_id,
			is_active = excluded.is_active,
			is_scope = excluded.is_scope,
			data = excluded.data
	`
	_, err = u.tx.ExecContext(ctx, query,
		snapshot.ID,
		processInstanceID,
		snapshot.ParentID,
		snapshot.ActivityID,
		snapshot.IsActive,
		snapshot.IsScope,
		snapshot.Seq,
		string(data),
	)
	return err
}

func (u *sqliteUnit) deleteExecution(ctx context.Context, executionID string) error {
	if _, err := u.tx.ExecContext(ctx, `DELETE FROM variables WHERE execution_id = ?`, executionID); err != nil {
		return err
	}
	_, err := u.tx.ExecContext(ctx, `DELETE FROM executions WHERE id = ?`, executionID)
	return err
}

func (u *sqliteUnit) setVariable(ctx context.Context, processInstanceID, executionID, name string, value interface{}) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode variable %s: %w", name, err)
	}

	query := `
		INSERT INTO variables (execution_id, process_instance_id, name, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, name) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`
	_, err = u.tx.ExecContext(ctx, query, executionID, processInstanceID, name, string(encoded), u.now)
	return err
}

func (u *sqliteUnit) SaveJobs(ctx context.Context, jobs []*engine.Job) error {
	query := `
		INSERT INTO jobs (id, process_instance_id, execution_id, activity_id, due_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			execution_id = excluded.execution_id,
			activity_id = excluded.activity_id,
			due_at = excluded.due_at,
			data = excluded.data
	`

	for _, job := range jobs {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to encode job %s: %w", job.ID, err)
		}
		_, err = u.tx.ExecContext(ctx, query,
			job.ID,
			job.ProcessInstanceID,
			job.ExecutionID,
			job.ActivityID,
			job.DueDate.UnixNano(),
			string(data),
		)
		if err != nil {
			return fmt.Errorf("failed to save job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (u *sqliteUnit) DeleteJobs(ctx context.Context, jobIDs []string) error {
	for _, id := range jobIDs {
		if _, err := u.tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete job %s: %w", id, err)
		}
	}
	return nil
}

func (u *sqliteUnit) RecordEvents(ctx context.Context, events []engine.Event) error {
	query := `
		INSERT INTO history_events (event_id, seq, type, process_instance_id, execution_id, activity_id, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event %s: %w", ev.ID, err)
		}
		ts := ev.Timestamp
		if ts.IsZero() {
			ts = u.now
		}
		_, err = u.tx.ExecContext(ctx, query,
			ev.ID,
			ev.Seq,
			ev.Type,
			ev.ProcessInstanceID,
			ev.ExecutionID,
			ev.ActivityID,
			string(payload),
			ts.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to record event %s: %w", ev.ID, err)
		}
	}
	return nil
}

func (u *sqliteUnit) Commit() error {
	return u.tx.Commit()
}

func (u *sqliteUnit) Rollback() error {
	return u.tx.Rollback()
}
