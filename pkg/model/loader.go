package model

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader turns YAML documents into validated process definitions.
// Each document passes three checks: the CUE schema, struct tags and graph semantics.
type Loader struct {
	schema    *SchemaValidator
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schema.
func NewLoader() (*Loader, error) {
	schema, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &Loader{
		schema:    schema,
		validator: validator.New(),
	}, nil
}

// Parse decodes and validates a single YAML document.
func (l *Loader) Parse(data []byte) (*ProcessDefinition, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	if raw == nil {
		return nil, errors.New("definition document is empty")
	}
	if err := l.schema.Validate(raw); err != nil {
		return nil, err
	}

	var def ProcessDefinition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}

	if err := l.validator.Struct(&def); err != nil {
		return nil, fmt.Errorf("definition validation failed: %w", err)
	}

	if _, err := NewGraph(&def); err != nil {
		return nil, err
	}

	return &def, nil
}

// LoadFile reads and parses a definition file.
func (l *Loader) LoadFile(path string) (*ProcessDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %s: %w", path, err)
	}
	def, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
