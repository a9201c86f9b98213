package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/model"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// Every connection to :memory: gets its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

func (s *SQLiteStore) dsn() string {
	params := []string{
		"_pragma=foreign_keys(1)",
		fmt.Sprintf("_pragma=busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()),
		"_txlock=immediate",
	}
	if s.cfg.Path != MemoryPath {
		params = append(params, "_pragma=journal_mode(WAL)", "_pragma=synchronous(NORMAL)")
	}
	return s.cfg.Path + "?" + strings.Join(params, "&")
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveDefinition stores a deployed definition version. Saving the same
// version twice is a no-op.
func (s *SQLiteStore) SaveDefinition(ctx context.Context, def *model.ProcessDefinition) error {
	if def.ID == "" {
		return fmt.Errorf("definition '%s' has not been deployed", def.Key)
	}
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}

	query := `
		INSERT INTO process_definitions (id, key, version, name, document, deployed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`
	deployedAt := def.DeployedAt
	if deployedAt.IsZero() {
		deployedAt = s.now()
	}
	_, err = s.db.ExecContext(ctx, query, def.ID, def.Key, def.Version, def.Name, string(doc), deployedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	return nil
}

// GetDefinition retrieves a definition version by ID
func (s *SQLiteStore) GetDefinition(ctx context.Context, id string) (*DefinitionRecord, error) {
	query := `
		SELECT id, key, version, name, document, deployed_at
		FROM process_definitions
		WHERE id = ?
	`

	rec := &DefinitionRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&rec.ID,
		&rec.Key,
		&rec.Version,
		&rec.Name,
		&rec.Document,
		&rec.DeployedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("definition not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}
	return rec, nil
}

// ListDefinitions lists every stored definition version ordered by key and version
func (s *SQLiteStore) ListDefinitions(ctx context.Context) ([]*DefinitionRecord, error) {
	query := `
		SELECT id, key, version, name, document, deployed_at
		FROM process_definitions
		ORDER BY key, version
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	defer rows.Close()

	records := []*DefinitionRecord{}
	for rows.Next() {
		rec := &DefinitionRecord{}
		if err := rows.Scan(&rec.ID, &rec.Key, &rec.Version, &rec.Name, &rec.Document, &rec.DeployedAt); err != nil {
			return nil, fmt.Errorf("failed to scan definition: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating definitions: %w", err)
	}

	return records, nil
}

// LoadDefinitions registers every stored definition version with repo and
// returns how many were loaded.
func (s *SQLiteStore) LoadDefinitions(ctx context.Context, repo *model.Repository) (int, error) {
	records, err := s.ListDefinitions(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		def := &model.ProcessDefinition{}
		if err := json.Unmarshal([]byte(rec.Document), def); err != nil {
			return 0, fmt.Errorf("failed to decode definition %s: %w", rec.ID, err)
		}
		if _, err := repo.Restore(def); err != nil {
			return 0, fmt.Errorf("failed to restore definition %s: %w", rec.ID, err)
		}
	}
	return len(records), nil
}

// ListInstances lists process instances, optionally filtered by state, newest first
func (s *SQLiteStore) ListInstances(ctx context.Context, state *engine.InstanceState, limit, offset int) ([]*InstanceSummary, error) {
	query := `
		SELECT id, definition_id, root_process_instance_id, super_process_instance_id, state, started_at, ended_at, updated_at
		FROM process_instances
		WHERE (? IS NULL OR state = ?)
		ORDER BY started_at DESC, id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, state, state, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list process instances: %w", err)
	}
	defer rows.Close()

	instances := []*InstanceSummary{}
	for rows.Next() {
		inst := &InstanceSummary{}
		err := rows.Scan(
			&inst.ID,
			&inst.DefinitionID,
			&inst.RootProcessInstanceID,
			&inst.SuperProcessInstanceID,
			&inst.State,
			&inst.StartedAt,
			&inst.EndedAt,
			&inst.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan process instance: %w", err)
		}
		instances = append(instances, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating process instances: %w", err)
	}

	return instances, nil
}

// ListDueJobs returns the timer jobs due at or before now, earliest first
func (s *SQLiteStore) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]*engine.Job, error) {
	query := `
		SELECT data
		FROM jobs
		WHERE due_at <= ?
		ORDER BY due_at, id
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, now.UnixNano(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list due jobs: %w", err)
	}
	defer rows.Close()

	return scanJobs(rows)
}

// GetHistory retrieves the recorded events of a process instance in emission order
func (s *SQLiteStore) GetHistory(ctx context.Context, processInstanceID string, eventType *engine.EventType, limit, offset int) ([]*HistoryEvent, error) {
	query := `
		SELECT id, event_id, seq, type, process_instance_id, execution_id, activity_id, payload, timestamp
		FROM history_events
		WHERE process_instance_id = ?
		  AND (? IS NULL OR type = ?)
		ORDER BY id
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, processInstanceID, eventType, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get history: %w", err)
	}
	defer rows.Close()

	events := []*HistoryEvent{}
	for rows.Next() {
		ev := &HistoryEvent{}
		err := rows.Scan(
			&ev.ID,
			&ev.EventID,
			&ev.Seq,
			&ev.Type,
			&ev.ProcessInstanceID,
			&ev.ExecutionID,
			&ev.ActivityID,
			&ev.Payload,
			&ev.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history events: %w", err)
	}

	return events, nil
}

// CreateAuditEntry creates an audit trail entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

func scanJobs(rows *sql.Rows) ([]*engine.Job, error) {
	jobs := []*engine.Job{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		job := &engine.Job{}
		if err := json.Unmarshal([]byte(data), job); err != nil {
			return nil, fmt.Errorf("failed to decode job: %w", err)
		}
		jobs = append(jobs, job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating jobs: %w", err)
	}

	return jobs, nil
}
