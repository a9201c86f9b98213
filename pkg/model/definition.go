package model

import (
	"fmt"
	"time"
)

// ProcessDefinition is one deployed version of a process model.
type ProcessDefinition struct {
	// ID is "<key>:<version>", assigned on deployment.
	ID string `yaml:"-" json:"id"`

	// Key identifies the process across versions.
	Key string `yaml:"key" json:"key" validate:"required"`

	// Name is a human-readable label.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Version is assigned on deployment, starting at 1.
	Version int `yaml:"-" json:"version"`

	// DataObjects become process variables when an instance starts.
	DataObjects []DataObject `yaml:"dataObjects,omitempty" json:"data_objects,omitempty" validate:"dive"`

	// Activities in declaration order.
	Activities []ActivityNode `yaml:"activities" json:"activities" validate:"required,min=1,dive"`

	// Flows in declaration order.
	Flows []SequenceFlow `yaml:"flows" json:"flows" validate:"dive"`

	// DeployedAt is set by the repository.
	DeployedAt time.Time `yaml:"-" json:"deployed_at"`
}

// DefinitionID builds the id of a deployed definition version.
func DefinitionID(key string, version int) string {
	return fmt.Sprintf("%s:%d", key, version)
}
