package agentloop

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/codeagent/unifiedllm"
)

// LoopConfig is the immutable run configuration. Zero limits disable the
// matching safety net.
type LoopConfig struct {
	Model          string
	MaxSteps       int
	Timeout        time.Duration // wall clock for the whole run
	LLMTimeout     time.Duration // per model call, capped by what is left of Timeout
	ToolTimeout    time.Duration
	CloseTimeout   time.Duration
	BudgetUSD      float64
	ConfirmMode    ConfirmMode
	DryRun         bool
	Stream         bool
	MaxConcurrency int

	LoopDetection       bool
	LoopDetectionWindow int

	// Context is the context budget; nil leaves every mechanism off and
	// lets tool batches run in parallel.
	Context *ContextConfig
}

// Loop drives one agent run: per-step context management, safety nets, the
// model round trip, tool dispatch and graceful close.
type Loop struct {
	cfg      LoopConfig
	llm      LLMClient
	registry *ToolRegistry
	ctxMgr   *ContextManager
	batch    *BatchExecutor
	budget   *Budget
	shutdown *Shutdown
	sink     EventSink
	now      func() time.Time
	runID    string

	transcript []unifiedllm.Message
}

// Option configures a Loop.
type Option func(*Loop)

// WithSink sets the event sink.
func WithSink(sink EventSink) Option {
	return func(l *Loop) { l.sink = sink }
}

// WithShutdown sets the external stop signal.
func WithShutdown(s *Shutdown) Option {
	return func(l *Loop) { l.shutdown = s }
}

// WithConfirmer sets the confirmation collaborator.
func WithConfirmer(c Confirmer) Option {
	return func(l *Loop) { l.batch.Confirmer = c }
}

// WithGuardrails sets the policy collaborator.
func WithGuardrails(g Guardrails) Option {
	return func(l *Loop) { l.batch.Guardrails = g }
}

// WithHooks sets the tool hook collaborator.
func WithHooks(h Hooks) Option {
	return func(l *Loop) { l.batch.Hooks = h }
}

// WithClock replaces time.Now for safety-net timing.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithRunID fixes the run identifier.
func WithRunID(id string) Option {
	return func(l *Loop) { l.runID = id }
}

// New builds a Loop over llm and the tools in registry.
func New(cfg LoopConfig, llm LLMClient, registry *ToolRegistry, opts ...Option) *Loop {
	if registry == nil {
		registry = NewToolRegistry()
	}
	ctxCfg := ContextConfig{}
	if cfg.Context != nil {
		ctxCfg = *cfg.Context
	}
	l := &Loop{
		cfg:      cfg,
		llm:      llm,
		registry: registry,
		budget:   NewBudget(cfg.BudgetUSD, cfg.Model),
		sink:     NopSink{},
		now:      time.Now,
		runID:    uuid.NewString(),
		batch: &BatchExecutor{
			Registry:       registry,
			Mode:           cfg.ConfirmMode,
			DryRun:         cfg.DryRun,
			ToolTimeout:    cfg.ToolTimeout,
			MaxConcurrency: cfg.MaxConcurrency,
			Context:        cfg.Context,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink == nil {
		l.sink = NopSink{}
	}
	l.batch.Sink = l.sink
	l.ctxMgr = NewContextManager(ctxCfg, cfg.Model, l.sink)
	return l
}

// RunID returns the run identifier.
func (l *Loop) RunID() string { return l.runID }

// Transcript returns the messages as they stood when the last run ended.
func (l *Loop) Transcript() []unifiedllm.Message {
	return unifiedllm.CloneMessages(l.transcript)
}

// Run executes task to a terminal state. It never returns a nil State and
// never panics on collaborator failures; the outcome is in Status and
// StopReason.
func (l *Loop) Run(ctx context.Context, systemPrompt, task string) *State {
	start := l.now()
	state := newState(l.runID, l.cfg.Model, start)
	messages := []unifiedllm.Message{
		unifiedllm.SystemMessage(systemPrompt),
		unifiedllm.UserMessage(task),
	}

	l.sink.Emit(EventRunStart, map[string]any{
		"run_id":    l.runID,
		"model":     l.cfg.Model,
		"max_steps": l.cfg.MaxSteps,
		"tools":     l.registry.Count(),
	})
	defer func() {
		l.transcript = messages
		l.sink.Emit(EventRunEnd, map[string]any{
			"run_id":      l.runID,
			"status":      string(state.Status),
			"stop_reason": string(state.Reason()),
			"steps":       state.Step,
			"llm_calls":   state.LLMCalls,
			"cost_usd":    state.CostUSD,
		})
	}()

	for {
		messages = l.ctxMgr.Manage(ctx, messages, l.llm)

		if reason, tripped := l.safetyNet(ctx, state, start, messages); tripped {
			l.gracefulClose(ctx, reason, messages, state)
			return state
		}

		l.sink.Emit(EventStepStart, map[string]any{"step": state.Step + 1})
		resp, err := l.complete(ctx, messages, start, state)
		if err != nil {
			l.onLLMError(ctx, err, start, messages, state)
			return state
		}

		calls := resp.ToolCalls()
		if len(calls) == 0 {
			messages = append(messages, unifiedllm.AssistantMessage(resp.Text()))
			state.finish(StatusSuccess, StopLLMDone, resp.Text(), l.now())
			return state
		}

		// Cost is only known after spending it.
		if l.budget.Exceeded() {
			l.sink.Emit(EventSafetyNet, map[string]any{
				"reason":    string(StopBudgetExceeded),
				"step":      state.Step,
				"spent_usd": l.budget.Spent(),
				"limit_usd": l.budget.Limit(),
			})
			l.gracefulClose(ctx, StopBudgetExceeded, messages, state)
			return state
		}

		messages = append(messages, unifiedllm.AssistantMessage(resp.Text(), calls...))
		results := l.batch.ExecuteBatch(ctx, calls)
		for _, r := range results {
			messages = append(messages, unifiedllm.ToolResultMessage(
				r.CallID, r.Name, l.ctxMgr.TruncateToolResult(r.Content()), !r.Success))
		}
		state.Step++
		state.Steps = append(state.Steps, StepRecord{Step: state.Step, Results: results})

		if l.cfg.LoopDetection {
			window := l.cfg.LoopDetectionWindow
			if window <= 0 {
				window = DefaultLoopDetectionWindow
			}
			if DetectLoop(messages, window) {
				warning := loopWarning(window)
				messages = append(messages, unifiedllm.UserMessage(warning))
				l.sink.Emit(EventLoopDetection, map[string]any{
					"step":    state.Step,
					"message": warning,
				})
			}
		}
	}
}

// safetyNet evaluates the per-step stop conditions in fixed priority order.
func (l *Loop) safetyNet(ctx context.Context, state *State, start time.Time, messages []unifiedllm.Message) (StopReason, bool) {
	reason := StopReason("")
	switch {
	case l.shutdown.Requested() || ctx.Err() != nil:
		reason = StopUserInterrupt
	case l.cfg.MaxSteps > 0 && state.Step >= l.cfg.MaxSteps:
		reason = StopMaxSteps
	case l.timedOut(start):
		reason = StopTimeout
	case l.ctxMgr.IsCriticallyFull(messages):
		reason = StopContextFull
	default:
		return "", false
	}
	l.sink.Emit(EventSafetyNet, map[string]any{
		"reason": string(reason),
		"step":   state.Step,
		"tokens": EstimateTokens(messages),
	})
	return reason, true
}

func (l *Loop) timedOut(start time.Time) bool {
	return l.cfg.Timeout > 0 && l.now().Sub(start) >= l.cfg.Timeout
}

// complete performs one model call under the per-call timeout.
func (l *Loop) complete(ctx context.Context, messages []unifiedllm.Message, start time.Time, state *State) (*unifiedllm.Response, error) {
	timeout := l.cfg.LLMTimeout
	if l.cfg.Timeout > 0 {
		remaining := l.cfg.Timeout - l.now().Sub(start)
		if timeout <= 0 || remaining < timeout {
			timeout = remaining
		}
	}
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req := unifiedllm.Request{
		Model:      l.cfg.Model,
		Messages:   messages,
		Tools:      l.registry.Definitions(),
		ToolChoice: &unifiedllm.ToolChoice{Mode: "auto"},
	}
	l.sink.Emit(EventLLMRequest, map[string]any{
		"step":     state.Step + 1,
		"messages": len(messages),
		"tokens":   EstimateTokens(messages),
	})

	state.LLMCalls++
	var resp *unifiedllm.Response
	var err error
	if sc, ok := l.llm.(StreamingLLMClient); ok && l.cfg.Stream {
		var events <-chan unifiedllm.StreamEvent
		events, err = sc.Stream(cctx, req)
		if err == nil {
			resp, err = unifiedllm.Collect(cctx, events, func(delta string) {
				l.sink.Emit(EventLLMTextDelta, map[string]any{"delta": delta})
			})
		}
	} else {
		resp, err = l.llm.Complete(cctx, req)
	}
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, &unifiedllm.SDKError{Message: "empty response from model"}
	}

	cost := l.account(state, resp)
	l.sink.Emit(EventLLMResponse, map[string]any{
		"step":          state.Step + 1,
		"tool_calls":    len(resp.ToolCalls()),
		"input_tokens":  resp.Usage.InputTokens,
		"output_tokens": resp.Usage.OutputTokens,
		"cost_usd":      cost,
	})
	return resp, nil
}

// account folds a response's usage and cost into state.
func (l *Loop) account(state *State, resp *unifiedllm.Response) float64 {
	state.Usage = state.Usage.Add(resp.Usage)
	cost := l.budget.Add(resp.Model, resp.Usage)
	state.CostUSD = l.budget.Spent()
	return cost
}

// onLLMError classifies a failed model call. Timeouts and interrupts that
// surface as call errors close gracefully; anything else fails the run.
func (l *Loop) onLLMError(ctx context.Context, err error, start time.Time, messages []unifiedllm.Message, state *State) {
	switch {
	case l.timedOut(start):
		l.gracefulClose(ctx, StopTimeout, messages, state)
	case l.shutdown.Requested() || ctx.Err() != nil:
		l.gracefulClose(ctx, StopUserInterrupt, messages, state)
	default:
		l.sink.Emit(EventError, map[string]any{
			"step":  state.Step,
			"error": err.Error(),
		})
		state.Err = err
		state.Error = err.Error()
		state.finish(StatusFailed, StopLLMError, "LLM call failed: "+err.Error(), l.now())
	}
}
