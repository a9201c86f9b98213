package model

import (
	"sort"
	"sync"
	"time"
)

// Repository holds every deployed definition version together with its compiled graph.
// It is safe for concurrent use.
type Repository struct {
	mu       sync.RWMutex
	byID     map[string]*Graph
	versions map[string][]*Graph
	now      func() time.Time
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		byID:     make(map[string]*Graph),
		versions: make(map[string][]*Graph),
		now:      time.Now,
	}
}

// Deploy assigns the next version for the definition key, compiles the graph and stores it.
// The caller's definition is copied; the returned graph owns the stored copy.
func (r *Repository) Deploy(def *ProcessDefinition) (*Graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := *def
	stored.Activities = append([]ActivityNode(nil), def.Activities...)
	stored.Flows = append([]SequenceFlow(nil), def.Flows...)
	stored.DataObjects = append([]DataObject(nil), def.DataObjects...)
	stored.Version = len(r.versions[def.Key]) + 1
	stored.ID = DefinitionID(stored.Key, stored.Version)
	stored.DeployedAt = r.now().UTC()

	g, err := NewGraph(&stored)
	if err != nil {
		return nil, err
	}

	r.byID[stored.ID] = g
	r.versions[stored.Key] = append(r.versions[stored.Key], g)
	return g, nil
}

// Restore registers a definition that already carries its id and version,
// as read back from storage.
func (r *Repository) Restore(def *ProcessDefinition) (*Graph, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.ID == "" {
		def.ID = DefinitionID(def.Key, def.Version)
	}
	if g, ok := r.byID[def.ID]; ok {
		return g, nil
	}

	g, err := NewGraph(def)
	if err != nil {
		return nil, err
	}

	r.byID[def.ID] = g
	versions := append(r.versions[def.Key], g)
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].definition.Version < versions[j].definition.Version
	})
	r.versions[def.Key] = versions
	return g, nil
}

// Latest returns the newest version deployed for key.
func (r *Repository) Latest(key string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.versions[key]
	if len(versions) == 0 {
		return nil, &DefinitionNotFoundError{Key: key}
	}
	return versions[len(versions)-1], nil
}

// Version returns a specific version of key.
func (r *Repository) Version(key string, version int) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, g := range r.versions[key] {
		if g.definition.Version == version {
			return g, nil
		}
	}
	return nil, &DefinitionNotFoundError{Key: key, Version: version}
}

// ByID returns the graph of a deployed definition.
func (r *Repository) ByID(id string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.byID[id]
	if !ok {
		return nil, &DefinitionNotFoundError{ID: id}
	}
	return g, nil
}

// Resolve returns version of key, or the latest when version is 0.
func (r *Repository) Resolve(key string, version int) (*Graph, error) {
	if version > 0 {
		return r.Version(key, version)
	}
	return r.Latest(key)
}

// List returns every deployed definition, ordered by key then version.
func (r *Repository) List() []*ProcessDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.versions))
	for key := range r.versions {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	defs := make([]*ProcessDefinition, 0, len(r.byID))
	for _, key := range keys {
		for _, g := range r.versions[key] {
			defs = append(defs, g.definition)
		}
	}
	return defs
}
