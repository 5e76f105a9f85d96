package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/ashfox/meshgate/internal/backend"
	"github.com/ashfox/meshgate/internal/dispatch"
)

// ToolHandler serves a tool locally in the gateway, bypassing the
// backend dispatcher. Tools without a handler are routed through the
// dispatcher instead.
type ToolHandler func(ctx context.Context, args map[string]any, call dispatch.Call) *backend.ToolResponse

// ToolDef defines a tool with its visibility metadata.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`

	// Permission gates visibility for workspace principals; empty means
	// any authenticated workspace principal may see the tool.
	Permission string `json:"-"`

	// ServiceOnly tools are visible to service keys and system admins.
	ServiceOnly bool `json:"-"`
}

// Registry stores tool definitions and handlers in registration order.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*ToolDef
	handlers map[string]ToolHandler
	order    []string
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:    make(map[string]*ToolDef),
		handlers: make(map[string]ToolHandler),
		order:    make([]string, 0),
	}
}

// Register adds a tool. The input schema is auto-generated from the P
// type parameter when the definition does not carry one. A nil handler
// routes the tool through the dispatcher.
func Register[P any](r *Registry, def ToolDef, handler ToolHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if def.InputSchema == nil {
		def.InputSchema = GenerateSchema[P]()
	}
	if _, exists := r.tools[def.Name]; !exists {
		r.order = append(r.order, def.Name)
	}
	r.tools[def.Name] = &def
	if handler != nil {
		r.handlers[def.Name] = handler
	}
}

// GetTool returns a tool definition by name.
func (r *Registry) GetTool(name string) (*ToolDef, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// GetAllTools returns all tool definitions in registration order.
func (r *Registry) GetAllTools() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]*ToolDef, 0, len(r.order))
	for _, name := range r.order {
		if tool, ok := r.tools[name]; ok {
			tools = append(tools, tool)
		}
	}
	return tools
}

// Handler returns the local handler for a tool, or nil when the tool is
// dispatcher-routed.
func (r *Registry) Handler(name string) ToolHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Hash returns a stable digest of the registry: the ordered list of
// (name, inputSchema) pairs. Clients compare it across sessions to
// detect tool changes.
func (r *Registry) Hash() string {
	type entry struct {
		Name        string         `json:"name"`
		InputSchema map[string]any `json:"inputSchema"`
	}

	r.mu.RLock()
	entries := make([]entry, 0, len(r.order))
	for _, name := range r.order {
		if tool, ok := r.tools[name]; ok {
			entries = append(entries, entry{Name: tool.Name, InputSchema: tool.InputSchema})
		}
	}
	r.mu.RUnlock()

	data, err := json.Marshal(entries)
	if err != nil {
		panic(fmt.Sprintf("tool registry not marshalable: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}

// Info returns the registry digest and tool count together; wired into
// the capabilities envelope.
func (r *Registry) Info() (string, int) {
	return r.Hash(), r.Count()
}

// SchemaObject converts a tool's generated schema into a typed
// jsonschema.Schema for the tools/list payload.
func SchemaObject(def *ToolDef) (*jsonschema.Schema, error) {
	if def.InputSchema == nil {
		return &jsonschema.Schema{Type: "object"}, nil
	}
	data, err := json.Marshal(def.InputSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for %s: %w", def.Name, err)
	}
	schema := &jsonschema.Schema{}
	if err := json.Unmarshal(data, schema); err != nil {
		return nil, fmt.Errorf("failed to convert schema for %s: %w", def.Name, err)
	}
	return schema, nil
}

// GenerateSchema creates a JSON Schema from a Go type using reflection.
// Fields without omitempty become required; the description tag feeds
// the property description.
func GenerateSchema[P any]() map[string]any {
	var p P
	t := reflect.TypeOf(p)

	if t == nil {
		return map[string]any{"type": "object"}
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return map[string]any{"type": "object"}
	}

	props := make(map[string]any)
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}

	var required []string
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		name := field.Name
		omitempty := false
		if jsonTag != "" {
			parts := strings.Split(jsonTag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitempty = true
				}
			}
		}

		propSchema := typeToSchema(field.Type)
		if desc := field.Tag.Get("description"); desc != "" {
			propSchema["description"] = desc
		}
		props[name] = propSchema

		if !omitempty {
			required = append(required, name)
		}
	}

	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func typeToSchema(t reflect.Type) map[string]any {
	switch t.Kind() {
	case reflect.Ptr:
		return typeToSchema(t.Elem())
	case reflect.String:
		return map[string]any{"type": "string"}
	case reflect.Bool:
		return map[string]any{"type": "boolean"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return map[string]any{"type": "number"}
	case reflect.Slice, reflect.Array:
		return map[string]any{"type": "array", "items": typeToSchema(t.Elem())}
	case reflect.Map:
		return map[string]any{"type": "object"}
	case reflect.Struct:
		props := make(map[string]any)
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name := field.Name
			if tag := strings.Split(field.Tag.Get("json"), ",")[0]; tag != "" && tag != "-" {
				name = tag
			}
			props[name] = typeToSchema(field.Type)
		}
		return map[string]any{"type": "object", "properties": props}
	case reflect.Interface:
		return map[string]any{}
	default:
		return map[string]any{"type": "string"}
	}
}
