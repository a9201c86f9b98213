package stores

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/execution"
	"github.com/tokenflow/tokenflow/pkg/model"
)

const leaveProcess = `
key: leave
name: Leave request
activities:
  - id: start
    type: startEvent
  - id: review
    type: userTask
  - id: escalate
    type: boundaryEvent
    attachedTo: review
    timer:
      duration: PT1H
  - id: escalated
    type: userTask
  - id: approval
    type: subProcess
  - id: approvalStart
    type: startEvent
    scope: approval
  - id: sign
    type: userTask
    scope: approval
  - id: approvalEnd
    type: endEvent
    scope: approval
  - id: end
    type: endEvent
flows:
  - {id: f1, source: start, target: review}
  - {id: f2, source: review, target: approval}
  - {id: f3, source: escalate, target: escalated}
  - {id: f4, source: escalated, target: end}
  - {id: a1, source: approvalStart, target: sign}
  - {id: a2, source: sign, target: approvalEnd}
  - {id: f5, source: approval, target: end}
`

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// deployLeave deploys the leave process into a fresh repository and stores it.
func deployLeave(t *testing.T, store *SQLiteStore) *model.Repository {
	t.Helper()

	loader, err := model.NewLoader()
	if err != nil {
		t.Fatalf("failed to create loader: %v", err)
	}
	def, err := loader.Parse([]byte(leaveProcess))
	if err != nil {
		t.Fatalf("failed to parse definition: %v", err)
	}
	repo := model.NewRepository()
	graph, err := repo.Deploy(def)
	if err != nil {
		t.Fatalf("failed to deploy definition: %v", err)
	}
	if err := store.SaveDefinition(context.Background(), graph.Definition()); err != nil {
		t.Fatalf("failed to save definition: %v", err)
	}
	return repo
}

// newPersistentEngine builds an engine that writes through and loads from store.
func newPersistentEngine(t *testing.T, store *SQLiteStore) *engine.Engine {
	t.Helper()

	repo := model.NewRepository()
	if _, err := store.LoadDefinitions(context.Background(), repo); err != nil {
		t.Fatalf("failed to load definitions: %v", err)
	}
	return engine.New(repo,
		engine.WithPersistence(store),
		engine.WithLoader(store),
		engine.WithClock(func() time.Time { return testNow }),
	)
}

func activeExecution(t *testing.T, tree *execution.Tree, activityID string) *execution.Execution {
	t.Helper()
	for _, e := range tree.FindByActivityID(activityID) {
		if e.IsActive && len(e.ChildIDs) == 0 {
			return e
		}
	}
	t.Fatalf("no active execution for %s:\n%s", activityID, tree.Dump())
	return nil
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_Config(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for missing path")
	}

	file, err := NewSQLiteStore(Config{Path: "/tmp/tokenflow.db"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if file.cfg.MaxOpenConns != 25 || file.cfg.BusyTimeout != 5*time.Second {
		t.Errorf("expected defaults to be applied, got %+v", file.cfg)
	}
	if want := "/tmp/tokenflow.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"; file.dsn() != want {
		t.Errorf("expected DSN %s, got %s", want, file.dsn())
	}

	mem, err := NewSQLiteStore(Config{Path: MemoryPath, MaxOpenConns: 10})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if mem.cfg.MaxOpenConns != 1 {
		t.Errorf("expected a single connection for an in-memory database, got %d", mem.cfg.MaxOpenConns)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"process_definitions", "process_instances", "executions", "variables", "jobs", "history_events", "audit"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running them again is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("expected second migration to succeed, got %v", err)
	}
}

func TestDefinitions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	repo := deployLeave(t, store)
	graph, err := repo.Latest("leave")
	if err != nil {
		t.Fatalf("failed to get definition: %v", err)
	}

	// Saving the same version again is a no-op
	if err := store.SaveDefinition(ctx, graph.Definition()); err != nil {
		t.Errorf("expected saving twice to succeed, got %v", err)
	}
	if err := store.SaveDefinition(ctx, &model.ProcessDefinition{Key: "draft"}); err == nil {
		t.Error("expected error for a definition that has not been deployed")
	}

	rec, err := store.GetDefinition(ctx, "leave:1")
	if err != nil {
		t.Fatalf("failed to get definition: %v", err)
	}
	if rec.Key != "leave" || rec.Version != 1 || rec.Name != "Leave request" {
		t.Errorf("unexpected definition record: %+v", rec)
	}
	if _, err := store.GetDefinition(ctx, "leave:2"); err == nil {
		t.Error("expected error for unknown definition")
	}

	records, err := store.ListDefinitions(ctx)
	if err != nil {
		t.Fatalf("failed to list definitions: %v", err)
	}
	if len(records) != 1 {
		t.Errorf("expected 1 definition, got %d", len(records))
	}

	restored := model.NewRepository()
	n, err := store.LoadDefinitions(ctx, restored)
	if err != nil {
		t.Fatalf("failed to load definitions: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 loaded definition, got %d", n)
	}
	latest, err := restored.Latest("leave")
	if err != nil {
		t.Fatalf("expected restored definition to resolve: %v", err)
	}
	if diff := cmp.Diff(graph.Definition(), latest.Definition(), cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("restored definition differs (-want +got):\n%s", diff)
	}
}

func TestEngineRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	deployLeave(t, store)

	first := newPersistentEngine(t, store)
	pi, err := first.StartProcessInstance(ctx, "leave", map[string]interface{}{"days": 3})
	if err != nil {
		t.Fatalf("failed to start process instance: %v", err)
	}
	firstTree, err := first.Tree(ctx, pi.ID)
	if err != nil {
		t.Fatalf("failed to get tree: %v", err)
	}
	firstJobs, err := first.Jobs(ctx, pi.ID)
	if err != nil {
		t.Fatalf("failed to get jobs: %v", err)
	}

	// A second engine only knows the instance through the store
	second := newPersistentEngine(t, store)
	tree, err := second.Tree(ctx, pi.ID)
	if err != nil {
		t.Fatalf("failed to load process instance: %v", err)
	}
	if diff := cmp.Diff(firstTree.Shape(), tree.Shape()); diff != "" {
		t.Errorf("loaded shape differs (-want +got):\n%s", diff)
	}
	if days, ok := tree.Variable(tree.Root().ID, "days"); !ok || days != float64(3) {
		t.Errorf("expected days=3, got %v (%T)", days, days)
	}

	jobs, err := second.Jobs(ctx, pi.ID)
	if err != nil {
		t.Fatalf("failed to get jobs: %v", err)
	}
	if len(jobs) != 1 || len(firstJobs) != 1 {
		t.Fatalf("expected 1 job in each engine, got %d and %d", len(firstJobs), len(jobs))
	}
	if jobs[0].ID != firstJobs[0].ID || jobs[0].ActivityID != "escalate" || !jobs[0].DueDate.Equal(testNow.Add(time.Hour)) {
		t.Errorf("unexpected job: %+v", jobs[0])
	}

	due, err := store.ListDueJobs(ctx, testNow.Add(30*time.Minute), 10)
	if err != nil {
		t.Fatalf("failed to list due jobs: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected no due jobs yet, got %d", len(due))
	}
	due, err = store.ListDueJobs(ctx, testNow.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("failed to list due jobs: %v", err)
	}
	if len(due) != 1 || due[0].ID != jobs[0].ID {
		t.Errorf("expected the escalation job to be due, got %+v", due)
	}

	// Move on through the store only
	review := activeExecution(t, tree, "review")
	if _, err := second.Trigger(ctx, review.ID, map[string]interface{}{"approved": true}); err != nil {
		t.Fatalf("failed to trigger review: %v", err)
	}

	third := newPersistentEngine(t, store)
	active, err := third.ActiveActivityIDs(ctx, pi.ID)
	if err != nil {
		t.Fatalf("failed to get active activities: %v", err)
	}
	if diff := cmp.Diff([]string{"sign"}, active); diff != "" {
		t.Errorf("unexpected active activities (-want +got):\n%s", diff)
	}
	if _, err := third.FireTimer(ctx, jobs[0].ID); engine.ErrorCode(err) != engine.ErrCodeJobNotFound {
		t.Errorf("expected %s for the cancelled job, got %v", engine.ErrCodeJobNotFound, err)
	}

	tree, err = third.Tree(ctx, pi.ID)
	if err != nil {
		t.Fatalf("failed to get tree: %v", err)
	}
	if _, err := third.Trigger(ctx, activeExecution(t, tree, "sign").ID, nil); err != nil {
		t.Fatalf("failed to trigger sign: %v", err)
	}

	snap, err := store.LoadInstance(ctx, pi.ID)
	if err != nil {
		t.Fatalf("failed to load process instance: %v", err)
	}
	if snap.Instance.State != engine.InstanceStateCompleted || snap.Instance.EndedAt == nil {
		t.Errorf("expected a completed instance, got %+v", snap.Instance)
	}
	if len(snap.Executions) != 0 || len(snap.Jobs) != 0 {
		t.Errorf("expected no executions or jobs left, got %d and %d", len(snap.Executions), len(snap.Jobs))
	}

	completed := engine.InstanceStateCompleted
	instances, err := store.ListInstances(ctx, &completed, 10, 0)
	if err != nil {
		t.Fatalf("failed to list instances: %v", err)
	}
	if len(instances) != 1 || instances[0].ID != pi.ID {
		t.Errorf("expected the instance to be listed as completed, got %+v", instances)
	}

	history, err := store.GetHistory(ctx, pi.ID, nil, 100, 0)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(history) == 0 {
		t.Fatal("expected history events")
	}
	if history[0].Type != engine.EventProcessStarted {
		t.Errorf("expected first event %s, got %s", engine.EventProcessStarted, history[0].Type)
	}
	if last := history[len(history)-1]; last.Type != engine.EventProcessCompleted {
		t.Errorf("expected last event %s, got %s", engine.EventProcessCompleted, last.Type)
	}

	cancelled := engine.EventJobCanceled
	canceledJobs, err := store.GetHistory(ctx, pi.ID, &cancelled, 100, 0)
	if err != nil {
		t.Fatalf("failed to get history: %v", err)
	}
	if len(canceledJobs) != 1 || canceledJobs[0].ActivityID != "escalate" {
		t.Errorf("expected one cancelled escalation job, got %+v", canceledJobs)
	}
}

func TestApplyEdits_Variables(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	deployLeave(t, store)

	uow, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	rec := &engine.InstanceRecord{
		ID:                    "pi-1",
		DefinitionID:          "leave:1",
		RootProcessInstanceID: "pi-1",
		State:                 engine.InstanceStateActive,
		StartedAt:             testNow,
	}
	if err := uow.SaveInstance(ctx, rec); err != nil {
		t.Fatalf("failed to save instance: %v", err)
	}
	root := &execution.Execution{ID: "root", ProcessInstanceID: "pi-1", RootProcessInstanceID: "pi-1", ProcessDefinitionID: "leave:1", IsScope: true, IsActive: true, Seq: 1}
	child := &execution.Execution{ID: "child", ProcessInstanceID: "pi-1", RootProcessInstanceID: "pi-1", ProcessDefinitionID: "leave:1", ParentID: "root", ActivityID: "review", IsActive: true, Seq: 2}
	edits := []execution.Edit{
		{Op: execution.EditCreate, ExecutionID: "root", Execution: root},
		{Op: execution.EditCreate, ExecutionID: "child", Execution: child},
		{Op: execution.EditSetVariable, ExecutionID: "root", VariableName: "days", Value: 3},
		{Op: execution.EditSetVariable, ExecutionID: "root", VariableName: "days", Value: 4},
		{Op: execution.EditSetVariable, ExecutionID: "root", VariableName: "tmp", Value: "x"},
		{Op: execution.EditRemoveVariable, ExecutionID: "root", VariableName: "tmp"},
		{Op: execution.EditSetVariable, ExecutionID: "child", VariableName: "note", Value: "local"},
	}
	if err := uow.ApplyEdits(ctx, "pi-1", edits); err != nil {
		t.Fatalf("failed to apply edits: %v", err)
	}
	if err := uow.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	snap, err := store.LoadInstance(ctx, "pi-1")
	if err != nil {
		t.Fatalf("failed to load instance: %v", err)
	}
	if len(snap.Executions) != 2 {
		t.Fatalf("expected 2 executions, got %d", len(snap.Executions))
	}
	if diff := cmp.Diff(map[string]interface{}{"days": float64(4)}, snap.Executions[0].Variables); diff != "" {
		t.Errorf("unexpected root variables (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(map[string]interface{}{"note": "local"}, snap.Executions[1].Variables); diff != "" {
		t.Errorf("unexpected child variables (-want +got):\n%s", diff)
	}

	// Terminating an execution drops its variables
	uow, err = store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	if err := uow.ApplyEdits(ctx, "pi-1", []execution.Edit{{Op: execution.EditTerminate, ExecutionID: "child"}}); err != nil {
		t.Fatalf("failed to apply edits: %v", err)
	}
	if err := uow.Commit(); err != nil {
		t.Fatalf("failed to commit: %v", err)
	}

	var count int
	if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM variables WHERE execution_id = 'child'").Scan(&count); err != nil {
		t.Fatalf("failed to count variables: %v", err)
	}
	if count != 0 {
		t.Errorf("expected child variables to be removed, got %d", count)
	}
	id, err := store.LocateExecution(ctx, "child")
	if err != nil || id != "" {
		t.Errorf("expected terminated execution to be unknown, got %q, %v", id, err)
	}
	id, err = store.LocateExecution(ctx, "root")
	if err != nil || id != "pi-1" {
		t.Errorf("expected root to belong to pi-1, got %q, %v", id, err)
	}
}

func TestUnitOfWork_Rollback(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	deployLeave(t, store)

	uow, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	rec := &engine.InstanceRecord{ID: "pi-2", DefinitionID: "leave:1", RootProcessInstanceID: "pi-2", State: engine.InstanceStateActive, StartedAt: testNow}
	if err := uow.SaveInstance(ctx, rec); err != nil {
		t.Fatalf("failed to save instance: %v", err)
	}
	job := &engine.Job{ID: "job-1", ProcessInstanceID: "pi-2", ExecutionID: "e1", ActivityID: "escalate", DueDate: testNow}
	if err := uow.SaveJobs(ctx, []*engine.Job{job}); err != nil {
		t.Fatalf("failed to save job: %v", err)
	}
	if err := uow.Rollback(); err != nil {
		t.Fatalf("failed to roll back: %v", err)
	}

	snap, err := store.LoadInstance(ctx, "pi-2")
	if err != nil {
		t.Fatalf("failed to load instance: %v", err)
	}
	if snap != nil {
		t.Errorf("expected rolled back instance to be missing, got %+v", snap.Instance)
	}
	id, err := store.LocateJob(ctx, "job-1")
	if err != nil || id != "" {
		t.Errorf("expected rolled back job to be unknown, got %q, %v", id, err)
	}
}

func TestApplyEdits_UnknownDefinition(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	uow, err := store.Begin(ctx)
	if err != nil {
		t.Fatalf("failed to begin: %v", err)
	}
	defer uow.Rollback()

	rec := &engine.InstanceRecord{ID: "pi-3", DefinitionID: "missing:1", RootProcessInstanceID: "pi-3", State: engine.InstanceStateActive, StartedAt: testNow}
	if err := uow.SaveInstance(ctx, rec); err == nil {
		t.Error("expected foreign key violation for an unknown definition")
	}
}

// TestAuditOperations tests audit trail operations
func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Create audit entries
	targetID := "leave:1"
	details := `{"file":"leave.yaml"}`
	entry1 := &AuditEntry{
		Action:    "definition.deployed",
		Actor:     "cli",
		TargetID:  &targetID,
		Details:   &details,
		Timestamp: testNow,
	}
	if err := store.CreateAuditEntry(ctx, entry1); err != nil {
		t.Fatalf("failed to create audit entry: %v", err)
	}
	if entry1.ID == 0 {
		t.Error("expected audit entry ID to be set")
	}

	entry2 := &AuditEntry{
		Action: "instance.moved",
		Actor:  "alice",
	}
	if err := store.CreateAuditEntry(ctx, entry2); err != nil {
		t.Fatalf("failed to create audit entry: %v", err)
	}
	if entry2.Timestamp.IsZero() {
		t.Error("expected audit timestamp to default to now")
	}

	// List all entries
	entries, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected 2 audit entries, got %d", len(entries))
	}

	// Filter by action
	action := "definition.deployed"
	filtered, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(filtered) != 1 {
		t.Fatalf("expected 1 filtered entry, got %d", len(filtered))
	}
	if filtered[0].TargetID == nil || *filtered[0].TargetID != targetID {
		t.Errorf("expected target %s, got %v", targetID, filtered[0].TargetID)
	}

	// Filter by actor
	actor := "alice"
	byActor, err := store.ListAuditEntries(ctx, nil, &actor, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(byActor) != 1 || byActor[0].Action != "instance.moved" {
		t.Errorf("expected the move entry for alice, got %+v", byActor)
	}
}

func TestMain(m *testing.M) {
	os.Exit(m.Run())
}
