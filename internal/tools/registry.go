package tools

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/nextlevelbuilder/agentd/internal/providers"
)

// ErrDuplicateTool is returned when a registration collides on name or XML tag.
var ErrDuplicateTool = errors.New("tools: duplicate registration")

// Entry is a registered tool with its compiled schema and optional XML format.
type Entry struct {
	Tool     Tool
	XML      *XMLSpec
	Schema   *jsonschema.Schema
	Terminal bool
}

// Registry indexes tools by function name and, for tools that declare one, by
// XML tag. Both indexes resolve to the same entry.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*Entry
	byTag  map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Entry),
		byTag:  make(map[string]*Entry),
	}
}

// Register adds a tool. The parameter schema is compiled once here so
// dispatch-time validation is cheap.
func (r *Registry) Register(t Tool) error {
	name := t.Name()
	if name == "" {
		return errors.New("tools: tool has empty name")
	}

	schema, err := compileSchema(name, t.Parameters())
	if err != nil {
		return fmt.Errorf("tools: schema for %q: %w", name, err)
	}

	entry := &Entry{Tool: t, Schema: schema}
	if tt, ok := t.(TerminalTool); ok {
		entry.Terminal = tt.Terminal()
	}
	if xt, ok := t.(XMLTool); ok {
		entry.XML = xt.XMLSpec()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("%w: name %q", ErrDuplicateTool, name)
	}
	if entry.XML != nil {
		if _, exists := r.byTag[entry.XML.Tag]; exists {
			return fmt.Errorf("%w: xml tag %q", ErrDuplicateTool, entry.XML.Tag)
		}
	}

	r.byName[name] = entry
	if entry.XML != nil {
		r.byTag[entry.XML.Tag] = entry
	}
	return nil
}

// Unregister removes a tool by name, along with its XML tag index entry.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byName[name]
	if !ok {
		return
	}
	delete(r.byName, name)
	if e.XML != nil {
		delete(r.byTag, e.XML.Tag)
	}
}

// Get resolves a tool by function name.
func (r *Registry) Get(name string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	return e, ok
}

// GetByTag resolves a tool by XML tag.
func (r *Registry) GetByTag(tag string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byTag[tag]
	return e, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Tags returns all registered XML tags, sorted.
func (r *Registry) Tags() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Defs returns tool definitions in provider function-calling format.
func (r *Registry) Defs() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)

	defs := make([]providers.ToolDefinition, 0, len(names))
	for _, name := range names {
		e := r.byName[name]
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        e.Tool.Name(),
				Description: e.Tool.Description(),
				Parameters:  e.Tool.Parameters(),
			},
		})
	}
	return defs
}

// XMLExamples renders usage examples for all XML-capable tools, for inclusion
// in the system prompt.
func (r *Registry) XMLExamples() string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	var b strings.Builder
	for _, tag := range tags {
		e := r.byTag[tag]
		if e.XML.Example == "" {
			continue
		}
		b.WriteString("## ")
		b.WriteString(e.Tool.Name())
		b.WriteString("\n")
		b.WriteString(e.XML.Example)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Validate checks args against the tool's parameter schema.
func (r *Registry) Validate(name string, args map[string]interface{}) error {
	e, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("tools: unknown tool %q", name)
	}
	if e.Schema == nil {
		return nil
	}
	if err := e.Schema.Validate(normalizeForSchema(args)); err != nil {
		return fmt.Errorf("tools: invalid arguments for %q: %w", name, err)
	}
	return nil
}

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	if params == nil {
		return nil, nil
	}
	c := jsonschema.NewCompiler()
	url := "inmem://tools/" + name + ".json"
	if err := c.AddResource(url, normalizeForSchema(params)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalizeForSchema converts nested values to the shapes the validator
// expects from decoded JSON (maps of interface{}, []interface{}).
func normalizeForSchema(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []string:
		out := make([]interface{}, len(vv))
		for i, s := range vv {
			out[i] = s
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, val := range vv {
			out[i] = normalizeForSchema(val)
		}
		return out
	case int:
		return float64(vv)
	case int64:
		return float64(vv)
	default:
		return vv
	}
}
