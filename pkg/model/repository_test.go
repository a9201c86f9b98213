package model

import (
	"errors"
	"strings"
	"testing"
)

func parseNested(t *testing.T) *ProcessDefinition {
	t.Helper()
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	def, err := loader.Parse([]byte(nestedYAML))
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	return def
}

func TestRepository_DeployAssignsVersions(t *testing.T) {
	repo := NewRepository()
	def := parseNested(t)

	g1, err := repo.Deploy(def)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	g2, err := repo.Deploy(def)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if g1.DefinitionID() != "nested:1" || g2.DefinitionID() != "nested:2" {
		t.Errorf("Expected nested:1 and nested:2, got %s and %s", g1.DefinitionID(), g2.DefinitionID())
	}

	latest, err := repo.Latest("nested")
	if err != nil || latest != g2 {
		t.Errorf("Expected latest to be version 2, got %v (%v)", latest, err)
	}

	v1, err := repo.Resolve("nested", 1)
	if err != nil || v1 != g1 {
		t.Errorf("Expected version 1, got %v (%v)", v1, err)
	}

	byID, err := repo.ByID("nested:2")
	if err != nil || byID != g2 {
		t.Errorf("Expected ByID to return version 2, got %v (%v)", byID, err)
	}

	if len(repo.List()) != 2 {
		t.Errorf("Expected 2 definitions, got %d", len(repo.List()))
	}
}

func TestRepository_NotFound(t *testing.T) {
	repo := NewRepository()

	_, err := repo.Latest("unknown")
	var notFound *DefinitionNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("Expected DefinitionNotFoundError, got %v", err)
	}

	repo.Deploy(parseNested(t))
	_, err = repo.Version("nested", 7)
	if err == nil || !strings.Contains(err.Error(), "version 7") {
		t.Errorf("Expected version error, got %v", err)
	}
}

func TestRepository_Restore(t *testing.T) {
	repo := NewRepository()
	def := parseNested(t)
	def.Version = 3

	g, err := repo.Restore(def)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if g.DefinitionID() != "nested:3" {
		t.Errorf("Expected nested:3, got %s", g.DefinitionID())
	}

	again, _ := repo.Restore(def)
	if again != g {
		t.Error("Expected Restore to be idempotent")
	}
}

func TestLoader_RejectsSchemaViolations(t *testing.T) {
	loader, err := NewLoader()
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}

	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"unknown type", "key: p\nactivities:\n  - {id: s, type: teleport}\n"},
		{"unknown field", "key: p\nactivities:\n  - {id: s, type: startEvent, colour: red}\n"},
		{"no activities", "key: p\nactivities: []\n"},
		{"bad key", "key: \"1 bad\"\nactivities:\n  - {id: s, type: startEvent}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := loader.Parse([]byte(tt.doc)); err == nil {
				t.Error("Expected error, got nil")
			}
		})
	}
}

func TestActivityType_Mapping(t *testing.T) {
	for _, name := range []string{"startEvent", "parallelGateway", "callActivity", "boundaryEvent"} {
		if got := MapActivityType(name).String(); got != name {
			t.Errorf("Expected %s, got %s", name, got)
		}
	}
	if MapActivityType("nope") != 0 {
		t.Error("Expected unknown type to map to 0")
	}
	if !ActivityInclusiveGateway.IsSynchronizing() || ActivityExclusiveGateway.IsSynchronizing() {
		t.Error("Unexpected IsSynchronizing result")
	}
}
