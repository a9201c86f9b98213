package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tokenflow/tokenflow/pkg/execution"
)

// scriptedStore is a Persistence whose units of work fail on demand.
type scriptedStore struct {
	failSave   error
	failCommit error
	commits    int
	rollbacks  int
}

func (s *scriptedStore) Begin(context.Context) (UnitOfWork, error) {
	return &scriptedUnit{store: s}, nil
}

type scriptedUnit struct {
	store *scriptedStore
}

func (u *scriptedUnit) SaveInstance(context.Context, *InstanceRecord) error {
	return u.store.failSave
}

func (u *scriptedUnit) ApplyEdits(context.Context, string, []execution.Edit) error { return nil }
func (u *scriptedUnit) SaveJobs(context.Context, []*Job) error { return nil }
func (u *scriptedUnit) DeleteJobs(context.Context, []string) error { return nil }
func (u *scriptedUnit) RecordEvents(context.Context, []Event) error { return nil }

func (u *scriptedUnit) Commit() error {
	if u.store.failCommit != nil {
		return u.store.failCommit
	}
	u.store.commits++
	return nil
}

func (u *scriptedUnit) Rollback() error {
	u.store.rollbacks++
	return nil
}

func TestPersistence_SaveFailureNamesInstance(t *testing.T) {
	store := &scriptedStore{}
	eng, _ := setupTestEngine(t, []string{nestedProcess}, WithPersistence(store))
	pi := startInstance(t, eng, "nested", nil)

	diskFull := errors.New("disk full")
	store.failSave = diskFull
	exec := tokenOn(t, eng, pi.ID, "taskBefore")
	_, err := eng.Trigger(context.Background(), exec.ID, nil)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Expected ErrPersistence, got %v", err)
	}
	if !errors.Is(err, diskFull) {
		t.Errorf("Expected the store error to be wrapped, got %v", err)
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.ProcessInstanceID != pi.ID {
		t.Errorf("Expected the error to name instance %s, got %+v", pi.ID, engErr)
	}
	if store.rollbacks != 1 {
		t.Errorf("Expected 1 rollback, got %d", store.rollbacks)
	}
	if diff := cmp.Diff([]string{"taskBefore"}, mustActive(t, eng, pi.ID)); diff != "" {
		t.Errorf("Expected the instance to be unchanged (-want +got):\n%s", diff)
	}
}

func TestPersistence_CommitFailureHidesEventsFromTolerantListeners(t *testing.T) {
	store := &scriptedStore{}
	eng, rec := setupTestEngine(t, []string{nestedProcess}, WithPersistence(store))
	strict := &recorder{}
	eng.RegisterListener(strict, FailOnException())

	pi := startInstance(t, eng, "nested", nil)
	if rec.count() == 0 || rec.count() != strict.count() {
		t.Fatalf("Expected both listeners to see the committed start, got %d and %d", rec.count(), strict.count())
	}
	seen := rec.count()
	strictSeen := strict.count()

	store.failCommit = errors.New("database is locked")
	exec := tokenOn(t, eng, pi.ID, "taskBefore")
	_, err := eng.Trigger(context.Background(), exec.ID, nil)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Expected ErrPersistence, got %v", err)
	}

	if got := rec.count(); got != seen {
		t.Errorf("Expected no events for tolerant listeners after a failed commit, got %d new", got-seen)
	}
	if strict.count() == strictSeen {
		t.Error("Expected the fail-on-exception listener to run before the commit")
	}
	if diff := cmp.Diff([]string{"taskBefore"}, mustActive(t, eng, pi.ID)); diff != "" {
		t.Errorf("Expected the instance to be unchanged (-want +got):\n%s", diff)
	}

	store.failCommit = nil
	trigger(t, eng, pi.ID, "taskBefore")
	if rec.count() == seen {
		t.Error("Expected tolerant listeners to see events once the commit succeeds")
	}
}
