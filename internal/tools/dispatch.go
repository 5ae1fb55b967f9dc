package tools

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Call is one tool invocation in the order the model produced it.
type Call struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
	Source    string                 `json:"source"` // "json" or "xml"
}

// CallResult pairs a call with its outcome, in the call's original position.
type CallResult struct {
	Call    Call
	Result  *Result
	Skipped bool
}

// Policy controls how a batch of calls is executed.
type Policy struct {
	// Parallel runs all calls concurrently. Sequential execution stops at
	// the first terminal tool and marks the remainder skipped.
	Parallel bool

	// Timeout bounds each individual tool execution.
	Timeout time.Duration
}

// Dispatcher validates and executes tool calls against a registry.
type Dispatcher struct {
	registry *Registry
}

func NewDispatcher(registry *Registry) *Dispatcher {
	return &Dispatcher{registry: registry}
}

// Dispatch executes calls per policy. Results always come back in the order
// the calls were given, regardless of completion order.
func (d *Dispatcher) Dispatch(ctx context.Context, calls []Call, policy Policy) []CallResult {
	if len(calls) == 0 {
		return nil
	}

	results := make([]CallResult, len(calls))

	if policy.Parallel && len(calls) > 1 {
		type indexed struct {
			idx int
			res CallResult
		}
		ch := make(chan indexed, len(calls))
		for i, call := range calls {
			go func(idx int, c Call) {
				ch <- indexed{idx: idx, res: d.execute(ctx, c, policy.Timeout)}
			}(i, call)
		}
		for range calls {
			r := <-ch
			results[r.idx] = r.res
		}
		return results
	}

	stopped := false
	for i, call := range calls {
		if stopped {
			results[i] = SkippedCall(call)
			continue
		}
		results[i] = d.execute(ctx, call, policy.Timeout)
		if entry, ok := d.registry.Get(call.Name); ok && entry.Terminal {
			stopped = true
		}
	}
	return results
}

// SkippedCall marks a call that was not executed (execution disabled, or a
// prior terminal tool ended the batch).
func SkippedCall(call Call) CallResult {
	return CallResult{
		Call:    call,
		Result:  SilentResult(fmt.Sprintf("tool %s was not executed", call.Name)),
		Skipped: true,
	}
}

// SkipAll returns skipped results for every call, preserving order.
func SkipAll(calls []Call) []CallResult {
	out := make([]CallResult, len(calls))
	for i, c := range calls {
		out[i] = SkippedCall(c)
	}
	return out
}

func (d *Dispatcher) execute(ctx context.Context, call Call, timeout time.Duration) (cr CallResult) {
	cr = CallResult{Call: call}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("tool panicked", "tool", call.Name, "panic", r, "stack", string(debug.Stack()))
			cr.Result = ErrorResult(fmt.Sprintf("tool %s crashed: %v", call.Name, r))
		}
	}()

	entry, ok := d.registry.Get(call.Name)
	if !ok {
		cr.Result = ErrorResult(fmt.Sprintf("unknown tool: %s", call.Name))
		return cr
	}

	if err := d.registry.Validate(call.Name, call.Arguments); err != nil {
		cr.Result = ErrorResult(err.Error())
		return cr
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cr.Result = entry.Tool.Execute(ctx, call.Arguments)
	if cr.Result == nil {
		cr.Result = ErrorResult(fmt.Sprintf("tool %s returned no result", call.Name))
	}

	slog.Debug("tool executed",
		"tool", call.Name,
		"source", call.Source,
		"duration", time.Since(start),
		"is_error", cr.Result.IsError,
	)
	return cr
}
