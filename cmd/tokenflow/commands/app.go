package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/tokenflow/tokenflow/pkg/config"
	"github.com/tokenflow/tokenflow/pkg/engine"
	"github.com/tokenflow/tokenflow/pkg/model"
	"github.com/tokenflow/tokenflow/pkg/policy"
	"github.com/tokenflow/tokenflow/pkg/stores"
	"github.com/tokenflow/tokenflow/pkg/telemetry"
)

// app holds the components a command works with. Every command opens its
// own app, runs one engine call and closes it again.
type app struct {
	cfg    *config.Config
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	repo   *model.Repository
	engine *engine.Engine
	guard  *policy.Engine
}

// loadConfig reads the configuration and applies the global flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, nil
}

// openStore opens the database and applies migrations when configured to.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
	}
	return store, nil
}

// openApp wires configuration, telemetry, the store, the deployed definitions,
// the policy guard and the engine.
func openApp(ctx context.Context) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	tel, err := telemetry.NewTelemetry(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	a := &app{cfg: cfg, tel: tel, store: store, repo: model.NewRepository()}

	n, err := store.LoadDefinitions(ctx, a.repo)
	if err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	log.Debug().Int("definitions", n).Msg("Loaded process definitions")

	opts := append(cfg.EngineOptions(), tel.EngineOptions()...)
	opts = append(opts, engine.WithPersistence(store), engine.WithLoader(store))

	if cfg.Policies.Enabled {
		guard, err := policy.NewEngine(tel.Logger.NewComponentLogger("policy").Zerolog(), cfg.PolicyOptions()...)
		if err != nil {
			_ = a.Close(ctx)
			return nil, fmt.Errorf("failed to create policy engine: %w", err)
		}
		if len(cfg.Policies.Paths) > 0 {
			if err := guard.LoadPolicies(ctx, cfg.Policies.Paths); err != nil {
				_ = a.Close(ctx)
				return nil, err
			}
		}
		a.guard = guard
		opts = append(opts, engine.WithGuard(guard))
	}

	a.engine = engine.New(a.repo, opts...)
	tel.Attach(a.engine, cfg.ListenerOptions()...)

	if verbose {
		tel.Events.Subscribe(func(ev telemetry.Event) {
			log.Debug().
				Str("type", ev.Type).
				Str("process_instance_id", ev.ProcessInstanceID).
				Str("activity_id", ev.ActivityID).
				Msg(ev.Message)
		}, nil)
	}

	return a, nil
}

// Close releases the store and flushes telemetry.
func (a *app) Close(ctx context.Context) error {
	return multierr.Combine(a.store.Close(), a.tel.Shutdown(ctx))
}

// audit records an audit entry. Failures are logged only.
func (a *app) audit(ctx context.Context, action, targetID string, details interface{}) {
	entry := &stores.AuditEntry{Action: action, Actor: actor}
	if targetID != "" {
		entry.TargetID = &targetID
	}
	if details != nil {
		data, err := json.Marshal(details)
		if err == nil {
			s := string(data)
			entry.Details = &s
		}
	}
	if err := a.store.CreateAuditEntry(ctx, entry); err != nil {
		log.Warn().Err(err).Str("action", action).Msg("Failed to write audit entry")
	}
}

// deploy deploys def into the repository and saves it.
func (a *app) deploy(ctx context.Context, def *model.ProcessDefinition) (*model.Graph, error) {
	graph, err := a.repo.Deploy(def)
	if err != nil {
		return nil, err
	}
	if err := a.store.SaveDefinition(ctx, graph.Definition()); err != nil {
		return nil, err
	}
	a.audit(ctx, "definition.deployed", graph.DefinitionID(), map[string]interface{}{
		"key":     def.Key,
		"version": graph.Definition().Version,
	})
	log.Info().
		Str("definition_id", graph.DefinitionID()).
		Int("activities", len(graph.Activities())).
		Msg("Deployed process definition")
	return graph, nil
}

// parseVars turns k=v pairs into variables. Values that parse as JSON keep
// their JSON type, everything else is a string.
func parseVars(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid variable %q, expected name=value", pair)
		}
		var value interface{}
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}
		vars[name] = value
	}
	return vars, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printEvents prints the events of a result, one per line.
func printEvents(w io.Writer, res *engine.Result) error {
	if jsonOutput {
		return printJSON(w, res)
	}
	for _, ev := range res.Events {
		fmt.Fprintf(w, "%4d  %s\n", ev.Seq, ev.String())
	}
	return nil
}
