package tools

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, toolList ...Tool) *Dispatcher {
	t.Helper()
	r := NewRegistry()
	for _, tool := range toolList {
		if err := r.Register(tool); err != nil {
			t.Fatal(err)
		}
	}
	return NewDispatcher(r)
}

func TestDispatchParallelPreservesOrder(t *testing.T) {
	// The first call finishes last; results must still come back in call order.
	slow := &fakeTool{name: "slow", execute: func(ctx context.Context, args map[string]interface{}) *Result {
		time.Sleep(50 * time.Millisecond)
		return SilentResult("slow done")
	}}
	fast := &fakeTool{name: "fast", execute: func(ctx context.Context, args map[string]interface{}) *Result {
		return SilentResult("fast done")
	}}
	d := newTestDispatcher(t, slow, fast)

	results := d.Dispatch(context.Background(), []Call{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "fast"},
	}, Policy{Parallel: true})

	if len(results) != 2 {
		t.Fatalf("len(results) = %d", len(results))
	}
	if results[0].Call.Name != "slow" || results[0].Result.ForLLM != "slow done" {
		t.Errorf("results[0] = %+v, want slow first", results[0])
	}
	if results[1].Call.Name != "fast" {
		t.Errorf("results[1] = %+v, want fast second", results[1])
	}
}

func TestDispatchSequentialStopsAfterTerminal(t *testing.T) {
	var executed atomic.Int32
	counting := func(ctx context.Context, args map[string]interface{}) *Result {
		executed.Add(1)
		return SilentResult("ok")
	}
	d := newTestDispatcher(t,
		&fakeTool{name: "work", execute: counting},
		&fakeTool{name: "complete", terminal: true, execute: counting},
		&fakeTool{name: "after", execute: counting},
	)

	results := d.Dispatch(context.Background(), []Call{
		{Name: "work"},
		{Name: "complete"},
		{Name: "after"},
	}, Policy{})

	if got := executed.Load(); got != 2 {
		t.Errorf("executed %d tools, want 2", got)
	}
	if results[2].Skipped != true {
		t.Error("call after terminal tool should be skipped")
	}
	if results[1].Skipped {
		t.Error("the terminal call itself must execute")
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := newTestDispatcher(t)
	results := d.Dispatch(context.Background(), []Call{{Name: "nope"}}, Policy{})
	if !results[0].Result.IsError {
		t.Error("unknown tool should produce an error result")
	}
}

func TestDispatchValidationError(t *testing.T) {
	d := newTestDispatcher(t, &fakeTool{
		name: "search",
		params: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"query": map[string]interface{}{"type": "string"}},
			"required":   []string{"query"},
		},
		execute: func(ctx context.Context, args map[string]interface{}) *Result {
			t.Error("tool must not execute on invalid arguments")
			return SilentResult("")
		},
	})
	results := d.Dispatch(context.Background(), []Call{{Name: "search", Arguments: map[string]interface{}{}}}, Policy{})
	if !results[0].Result.IsError {
		t.Error("validation failure should produce an error result")
	}
}

func TestDispatchRecoversPanic(t *testing.T) {
	d := newTestDispatcher(t, &fakeTool{name: "boom", execute: func(ctx context.Context, args map[string]interface{}) *Result {
		panic("kaboom")
	}})
	results := d.Dispatch(context.Background(), []Call{{Name: "boom"}}, Policy{})
	if !results[0].Result.IsError {
		t.Error("panicking tool should produce an error result")
	}
}

func TestDispatchTimeout(t *testing.T) {
	d := newTestDispatcher(t, &fakeTool{name: "hang", execute: func(ctx context.Context, args map[string]interface{}) *Result {
		select {
		case <-ctx.Done():
			return ErrorResult("cancelled")
		case <-time.After(5 * time.Second):
			return SilentResult("finished")
		}
	}})
	start := time.Now()
	results := d.Dispatch(context.Background(), []Call{{Name: "hang"}}, Policy{Timeout: 50 * time.Millisecond})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dispatch took %s, timeout not applied", elapsed)
	}
	if !results[0].Result.IsError {
		t.Error("timed-out tool should report an error")
	}
}

func TestSkipAll(t *testing.T) {
	calls := []Call{{Name: "a"}, {Name: "b"}}
	results := SkipAll(calls)
	if len(results) != 2 {
		t.Fatalf("len = %d", len(results))
	}
	for i, r := range results {
		if !r.Skipped {
			t.Errorf("results[%d].Skipped = false", i)
		}
		if r.Call.Name != calls[i].Name {
			t.Errorf("results[%d] order mismatch", i)
		}
	}
}
