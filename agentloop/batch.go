package agentloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
)

// BatchExecutor runs the tool calls of one model turn, concurrently when
// policy allows, and always returns results in request order.
type BatchExecutor struct {
	Registry       *ToolRegistry
	Mode           ConfirmMode
	DryRun         bool
	ToolTimeout    time.Duration  // per call; 0 means none
	MaxConcurrency int            // 0 means one goroutine per call
	Context        *ContextConfig // nil is permissive

	Confirmer  Confirmer
	Guardrails Guardrails
	Hooks      Hooks
	Sink       EventSink
}

func (b *BatchExecutor) sink() EventSink {
	if b.Sink == nil {
		return NopSink{}
	}
	return b.Sink
}

// ShouldParallelize reports whether calls may run concurrently. Confirmation
// prompts and sensitive tools under confirm-sensitive force sequential
// execution, as does a context config with ParallelTools off.
func (b *BatchExecutor) ShouldParallelize(calls []unifiedllm.ToolCall) bool {
	if b.Mode == ConfirmAll {
		return false
	}
	if b.Context != nil && !b.Context.ParallelTools {
		return false
	}
	if b.Mode == ConfirmSensitive {
		for _, c := range calls {
			if t, ok := b.Registry.Get(c.Name); ok && t.Sensitive() {
				return false
			}
		}
	}
	return true
}

// ExecuteBatch executes calls and returns exactly one result per call, in
// the order requested. A failing call never affects its siblings.
func (b *BatchExecutor) ExecuteBatch(ctx context.Context, calls []unifiedllm.ToolCall) []ToolCallResult {
	results := make([]ToolCallResult, len(calls))
	if len(calls) == 0 {
		return results
	}

	parallel := len(calls) > 1 && b.ShouldParallelize(calls)
	b.sink().Emit(EventBatchStart, map[string]any{
		"size":     len(calls),
		"parallel": parallel,
	})

	if !parallel {
		for i, call := range calls {
			results[i] = b.executeOne(ctx, call)
			b.record(results[i])
		}
		return results
	}

	limit := b.MaxConcurrency
	if limit <= 0 || limit > len(calls) {
		limit = len(calls)
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call unifiedllm.ToolCall) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			// Each goroutine writes only its own slot.
			results[idx] = b.executeOne(ctx, call)
		}(i, call)
	}
	wg.Wait()

	for _, r := range results {
		b.record(r)
	}
	return results
}

func (b *BatchExecutor) record(r ToolCallResult) {
	if b.Guardrails != nil {
		b.Guardrails.Record(r)
	}
}

// executeOne runs the per-call pipeline: lookup, guardrails, confirmation,
// dry-run, pre-hooks, execution, code rules, post-hooks.
func (b *BatchExecutor) executeOne(ctx context.Context, call unifiedllm.ToolCall) (res ToolCallResult) {
	start := time.Now()
	res = ToolCallResult{CallID: call.ID, Name: call.Name}

	b.sink().Emit(EventToolCallStart, map[string]any{
		"tool":    call.Name,
		"call_id": call.ID,
	})
	defer func() {
		res.Duration = time.Since(start)
		fields := map[string]any{
			"tool":        call.Name,
			"call_id":     call.ID,
			"success":     res.Success,
			"duration_ms": res.Duration.Milliseconds(),
		}
		if res.DryRun {
			fields["dry_run"] = true
		}
		if !res.Success {
			fields["error"] = res.Error
		}
		b.sink().Emit(EventToolCallEnd, fields)
	}()
	// Collaborators (guardrails, confirmer, hooks) run on worker goroutines.
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Output = ""
			res.Error = fmt.Sprintf("Tool error (%s): panic: %v", call.Name, r)
		}
	}()

	fail := func(err error) ToolCallResult {
		res.Success = false
		res.Error = fmt.Sprintf("Tool error (%s): %v", call.Name, err)
		return res
	}

	args, err := call.Args()
	if err != nil {
		return fail(fmt.Errorf("invalid arguments: %w", err))
	}
	res.Arguments = args

	tool, ok := b.Registry.Get(call.Name)
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrUnknownTool, call.Name))
	}

	if b.Guardrails != nil {
		if err := b.Guardrails.Check(call.Name, args); err != nil {
			return fail(fmt.Errorf("%w: %v", ErrToolBlocked, err))
		}
	}

	if b.Mode.Requires(tool.Sensitive()) {
		res.Confirmed = true
		if b.Confirmer == nil {
			return fail(fmt.Errorf("%w: no confirmer configured", ErrDeclined))
		}
		approved, err := b.Confirmer.Confirm(ctx, call.Name, args)
		if err != nil {
			return fail(fmt.Errorf("confirmation: %w", err))
		}
		if !approved {
			return fail(ErrDeclined)
		}
	}

	if b.DryRun && tool.Sensitive() {
		res.DryRun = true
		res.Success = true
		res.Output = fmt.Sprintf("[dry-run] %s was not executed. Arguments: %s", call.Name, string(call.Arguments))
		return res
	}

	if b.Hooks != nil {
		if err := b.Hooks.PreTool(ctx, call.Name, args); err != nil {
			return fail(fmt.Errorf("%w: pre-tool hook: %v", ErrToolBlocked, err))
		}
	}

	out, err := b.invoke(ctx, tool, args)
	if err != nil {
		res.Error = fmt.Sprintf("Tool error (%s): %v", call.Name, err)
	} else {
		res.Success = true
		res.Output = out
		if b.Guardrails != nil {
			if warning := b.Guardrails.CodeRules(call.Name, args, out); warning != "" {
				res.Output += "\n\n" + warning
			}
		}
	}

	if b.Hooks != nil {
		post, herr := b.Hooks.PostTool(ctx, call.Name, args, out)
		if res.Success {
			if post != "" {
				res.Output += "\n\n[post-tool hook]\n" + post
			}
			if herr != nil {
				res.Output += fmt.Sprintf("\n\n[post-tool hook failed: %v]", herr)
			}
		}
	}
	return res
}

// invoke executes the tool under the per-call timeout, converting panics
// into errors.
func (b *BatchExecutor) invoke(ctx context.Context, tool Tool, args map[string]any) (out string, err error) {
	if b.ToolTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.ToolTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()

	out, err = tool.Execute(ctx, args)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && b.ToolTimeout > 0 {
		err = fmt.Errorf("timed out after %s: %w", b.ToolTimeout, err)
	}
	return out, err
}
