package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/xeipuuv/gojsonschema"
)

// Kind distinguishes read-only tools from actions.
type Kind string

const (
	KindQuery  Kind = "query"
	KindAction Kind = "action"
)

// Descriptor is the catalog view of a tool, fed to tool selection prompts.
type Descriptor struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Kind           Kind              `json:"kind"`
	Parameters     []Parameter       `json:"parameters,omitempty"`
	RequiredFields []string          `json:"required_fields,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
}

// Registry maps tool names to implementations.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*gojsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*gojsonschema.Schema),
	}
}

// Register adds a tool. The tool must be Queryable or Actionable.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool cannot be nil")
	}
	if t.Name() == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if t.Description() == "" {
		return fmt.Errorf("tool description cannot be empty for %s", t.Name())
	}
	_, isQuery := t.(Queryable)
	_, isAction := t.(Actionable)
	if !isQuery && !isAction {
		return fmt.Errorf("tool %s implements neither Queryable nor Actionable", t.Name())
	}

	var schema *gojsonschema.Schema
	if p, ok := t.(Parameterized); ok {
		s, err := buildSchema(p.Parameters())
		if err != nil {
			return fmt.Errorf("invalid parameters for %s: %w", t.Name(), err)
		}
		schema = s
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool already registered: %s", t.Name())
	}
	r.tools[t.Name()] = t
	if schema != nil {
		r.schemas[t.Name()] = schema
	}

	log.Debug().Str("tool", t.Name()).Msg("Tool registered")
	return nil
}

// MustRegister registers tools and panics on the first error. Use it for
// static wiring only.
func (r *Registry) MustRegister(ts ...Tool) *Registry {
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Queryable returns the read-only tool registered under name.
func (r *Registry) Queryable(name string) (Queryable, bool) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	q, ok := t.(Queryable)
	return q, ok
}

// Actionable returns the action registered under name.
func (r *Registry) Actionable(name string) (Actionable, bool) {
	t, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	a, ok := t.(Actionable)
	return a, ok
}

// IsAction reports whether name is a registered action.
func (r *Registry) IsAction(name string) bool {
	_, ok := r.Actionable(name)
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Subset returns a registry holding only the named tools that exist in r.
func (r *Registry) Subset(names ...string) *Registry {
	sub := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if t, ok := r.tools[name]; ok {
			sub.tools[name] = t
			if s, ok := r.schemas[name]; ok {
				sub.schemas[name] = s
			}
		}
	}
	return sub
}

// Describe returns descriptors for every tool, sorted by name.
func (r *Registry) Describe() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		t, ok := r.Lookup(name)
		if !ok {
			continue
		}
		d := Descriptor{Name: name, Description: t.Description(), Kind: KindQuery}
		if p, ok := t.(Parameterized); ok {
			d.Parameters = p.Parameters()
		}
		if a, ok := t.(Actionable); ok {
			d.Kind = KindAction
			d.RequiredFields = a.RequiredFields()
			d.Fields = a.FieldDescriptions()
		}
		out = append(out, d)
	}
	return out
}

type schemaValidator struct {
	schema *gojsonschema.Schema
}

func (v schemaValidator) validate(args map[string]any) error {
	return validateArgs(v.schema, args)
}

func (r *Registry) schema(name string) schemaValidator {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return schemaValidator{schema: r.schemas[name]}
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "boolean": true,
	"object": true, "array": true, "integer": true,
}

func buildSchema(params []Parameter) (*gojsonschema.Schema, error) {
	properties := make(map[string]any, len(params))
	required := []string{}

	for _, param := range params {
		if param.Name == "" {
			return nil, fmt.Errorf("parameter name cannot be empty")
		}
		if !validParamTypes[param.Type] {
			return nil, fmt.Errorf("invalid parameter type %q for %s", param.Type, param.Name)
		}

		paramSchema := map[string]any{
			"type":        param.Type,
			"description": param.Description,
		}
		if param.Default != nil {
			paramSchema["default"] = param.Default
		}
		properties[param.Name] = paramSchema

		if param.Required {
			required = append(required, param.Name)
		}
	}

	schemaMap := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateArgs(schema *gojsonschema.Schema, args map[string]any) error {
	if schema == nil {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return err
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %v", msgs)
	}
	return nil
}
