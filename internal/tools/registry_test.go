package tools

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// fakeTool is a minimal configurable tool for registry and dispatch tests.
type fakeTool struct {
	name     string
	tag      string
	terminal bool
	params   map[string]interface{}
	execute  func(ctx context.Context, args map[string]interface{}) *Result
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "test tool " + f.name }

func (f *fakeTool) Parameters() map[string]interface{} {
	if f.params != nil {
		return f.params
	}
	return map[string]interface{}{"type": "object"}
}

func (f *fakeTool) Terminal() bool { return f.terminal }

func (f *fakeTool) XMLSpec() *XMLSpec {
	if f.tag == "" {
		return nil
	}
	return &XMLSpec{Tag: f.tag, Mappings: []XMLMapping{{Param: "text", NodeType: XMLNodeContent}}}
}

func (f *fakeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	if f.execute != nil {
		return f.execute(ctx, args)
	}
	return SilentResult("ok")
}

func TestRegistryDualIndex(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "ask", tag: "ask", terminal: true}); err != nil {
		t.Fatal(err)
	}

	byName, ok := r.Get("ask")
	if !ok {
		t.Fatal("Get(ask) not found")
	}
	byTag, ok := r.GetByTag("ask")
	if !ok {
		t.Fatal("GetByTag(ask) not found")
	}
	if byName != byTag {
		t.Error("name and tag indexes should resolve to the same entry")
	}
	if !byName.Terminal {
		t.Error("terminal flag not captured")
	}
}

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "shell"}); err != nil {
		t.Fatal(err)
	}
	err := r.Register(&fakeTool{name: "shell"})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("want ErrDuplicateTool, got %v", err)
	}
}

func TestRegistryDuplicateTag(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "a", tag: "do-thing"}); err != nil {
		t.Fatal(err)
	}
	err := r.Register(&fakeTool{name: "b", tag: "do-thing"})
	if !errors.Is(err, ErrDuplicateTool) {
		t.Errorf("want ErrDuplicateTool for tag collision, got %v", err)
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "ask", tag: "ask"}); err != nil {
		t.Fatal(err)
	}
	r.Unregister("ask")
	if _, ok := r.Get("ask"); ok {
		t.Error("tool still resolvable by name after Unregister")
	}
	if _, ok := r.GetByTag("ask"); ok {
		t.Error("tool still resolvable by tag after Unregister")
	}
	// Name and tag are free for re-registration.
	if err := r.Register(&fakeTool{name: "ask", tag: "ask"}); err != nil {
		t.Errorf("re-register after Unregister: %v", err)
	}
}

func TestRegistryValidate(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&fakeTool{
		name: "search",
		params: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
				"count": map[string]interface{}{"type": "number", "minimum": 1.0},
			},
			"required": []string{"query"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		args    map[string]interface{}
		wantErr bool
	}{
		{"valid", map[string]interface{}{"query": "go", "count": 3.0}, false},
		{"missing required", map[string]interface{}{"count": 3.0}, true},
		{"wrong type", map[string]interface{}{"query": 42.0}, true},
		{"below minimum", map[string]interface{}{"query": "go", "count": 0.0}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate("search", tc.args)
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestRegistryDefsSorted(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := r.Register(&fakeTool{name: name}); err != nil {
			t.Fatal(err)
		}
	}
	defs := r.Defs()
	if len(defs) != 3 {
		t.Fatalf("len(defs) = %d", len(defs))
	}
	if defs[0].Function.Name != "alpha" || defs[2].Function.Name != "zeta" {
		t.Errorf("defs not sorted by name: %s, %s, %s",
			defs[0].Function.Name, defs[1].Function.Name, defs[2].Function.Name)
	}
}

func TestRegistryReadsRaceRegistration(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&fakeTool{name: "seed", tag: "seed"}); err != nil {
		t.Fatal(err)
	}

	// Defs and XMLExamples iterate the indexes; they must hold the read lock
	// for the whole walk so MCP servers can register tools after startup.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			name := fmt.Sprintf("tool-%d", i)
			if err := r.Register(&fakeTool{name: name, tag: name}); err != nil {
				t.Errorf("register %s: %v", name, err)
				return
			}
		}
	}()
	for i := 0; i < 50; i++ {
		if defs := r.Defs(); len(defs) == 0 {
			t.Fatal("Defs returned nothing")
		}
		_ = r.XMLExamples()
	}
	<-done
}
