// Package toolexec provides the single tool-capability surface for the
// engine. Every caller that needs to run a tool (the loop, the risk gate,
// external command surfaces) goes through the same Registry and Executor;
// there are no per-caller execution paths.
package toolexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Param describes a single tool parameter
type Param struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Spec is the model-facing description of a tool
type Spec struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Parameters  []Param `json:"parameters"`
}

// InputSchema renders the spec as a JSON-schema-shaped map for providers
func (s Spec) InputSchema() map[string]interface{} {
	properties := make(map[string]interface{})
	required := []string{}

	for _, p := range s.Parameters {
		prop := map[string]interface{}{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}

	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// Tool is the capability interface every tool implements
type Tool interface {
	// Spec returns the tool's model-facing description
	Spec() Spec
	// Mutating reports whether the tool changes state outside the process.
	// Mutating tools never run concurrently with anything else in a batch.
	Mutating() bool
	// Run executes the tool. The context carries the execution deadline.
	Run(ctx context.Context, args map[string]interface{}) (string, error)
}

// Registry holds registered tools keyed by name
type Registry struct {
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool, compiling a validation schema from its spec
func (r *Registry) Register(tool Tool) error {
	spec := tool.Spec()
	if spec.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if spec.Description == "" {
		return fmt.Errorf("tool %s: description cannot be empty", spec.Name)
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, p := range spec.Parameters {
		if p.Name == "" {
			return fmt.Errorf("tool %s: parameter name cannot be empty", spec.Name)
		}
		if !validTypes[p.Type] {
			return fmt.Errorf("tool %s: invalid parameter type %s for %s", spec.Name, p.Type, p.Name)
		}
	}

	schemaMap := spec.InputSchema()
	schemaMap["additionalProperties"] = false
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
	if err != nil {
		return fmt.Errorf("tool %s: failed to compile schema: %w", spec.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[spec.Name]; exists {
		return fmt.Errorf("tool %s already registered", spec.Name)
	}
	r.tools[spec.Name] = tool
	r.schemas[spec.Name] = schema

	log.Debug().Str("tool", spec.Name).Msg("Tool registered")
	return nil
}

// Get returns a tool by name
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Specs returns the specs of all registered tools
func (r *Registry) Specs() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specs := make([]Spec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec())
	}
	return specs
}

// ValidateArgs checks args against a tool's compiled schema
func (r *Registry) ValidateArgs(name string, args map[string]interface{}) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()

	if schema == nil {
		return fmt.Errorf("tool not found: %s", name)
	}

	if args == nil {
		args = map[string]interface{}{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := []string{}
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("argument validation failed: %v", msgs)
	}
	return nil
}
