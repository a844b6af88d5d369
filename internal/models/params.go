package models

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ParamSchema is a compiled JSON Schema describing the data a task must produce
type ParamSchema struct {
	name   string
	raw    json.RawMessage
	schema *jsonschema.Schema
}

// NewParamSchema compiles a JSON Schema document under the given name
func NewParamSchema(name string, document []byte) (*ParamSchema, error) {
	compiler := jsonschema.NewCompiler()
	url := "mem://schemas/" + name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(document)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource %s: %w", name, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	return &ParamSchema{name: name, raw: append(json.RawMessage(nil), document...), schema: compiled}, nil
}

// MustParamSchema is NewParamSchema for static schemas; it panics on error
func MustParamSchema(name, document string) *ParamSchema {
	s, err := NewParamSchema(name, []byte(document))
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name
func (p *ParamSchema) Name() string { return p.name }

// MarshalJSON emits the schema document
func (p *ParamSchema) MarshalJSON() ([]byte, error) { return p.raw, nil }

// Validate checks data against the schema.
// Data is normalised through JSON first so Go ints and structs validate like decoded JSON.
func (p *ParamSchema) Validate(data map[string]interface{}) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("output is not JSON-serialisable: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return fmt.Errorf("output is not JSON-serialisable: %w", err)
	}
	if doc == nil {
		doc = map[string]interface{}{}
	}
	return p.schema.Validate(doc)
}
