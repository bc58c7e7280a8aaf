package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/config"
	"github.com/martinemde/codeagent/telemetry"
	"github.com/martinemde/codeagent/toolset"
	"github.com/martinemde/codeagent/unifiedllm"
)

// runner executes one agent run. newLLM and signals are replaced in tests.
type runner struct {
	stdin          io.Reader
	stdout, stderr io.Writer

	newLLM func(cfg config.Config, mw ...unifiedllm.Middleware) (agentloop.LLMClient, error)
	// signals delivers interrupts; nil means SIGINT and SIGTERM.
	signals <-chan os.Signal
	// interactive reports whether confirmations can be asked.
	interactive func() bool
}

func defaultLLM(cfg config.Config, mw ...unifiedllm.Middleware) (agentloop.LLMClient, error) {
	client, err := unifiedllm.NewClientForProvider(cfg.Provider, cfg.APIKey, cfg.Model, mw...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// run wires the collaborators from cfg, runs the loop and returns the exit
// code. The error is non-nil only for failures outside the loop.
func (r *runner) run(ctx context.Context, cfg config.Config, task string) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := telemetry.NewLogger(telemetry.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: r.stderr,
	})

	env, err := toolset.NewLocalEnvironment(cfg.WorkDir)
	if err != nil {
		return exitConfig, err
	}
	registry := toolset.NewRegistry(env, cfg.ToolOptions())

	policy, err := toolset.NewPolicy(cfg.WorkDir, cfg.Guardrails)
	if err != nil {
		return exitConfig, fmt.Errorf("guardrails: %w", err)
	}

	tp, shutdownTracing, err := telemetry.NewTracerProvider(ctx, telemetry.TraceConfig{
		ServiceName:    "codeagent",
		ServiceVersion: version,
		Endpoint:       cfg.Trace.Endpoint,
		Insecure:       cfg.Trace.Insecure,
		SamplingRate:   cfg.Trace.SamplingRate,
	})
	if err != nil {
		return exitConfig, err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("flush traces", "error", err)
		}
	}()
	registry.Wrap(telemetry.TraceTools(tp))

	metrics := telemetry.NewMetrics(nil)

	newLLM := r.newLLM
	if newLLM == nil {
		newLLM = defaultLLM
	}
	llm, err := newLLM(cfg, metrics.Middleware(), telemetry.TracingMiddleware(tp))
	if err != nil {
		if unifiedllm.IsAuthError(err) {
			return exitAuth, err
		}
		return exitConfig, err
	}
	if c, ok := llm.(unifiedllm.Closer); ok {
		defer c.Close()
	}

	sinks := agentloop.MultiSink{telemetry.NewLogSink(logger), metrics}
	if cfg.Stream {
		sinks = append(sinks, agentloop.SinkFunc(func(kind agentloop.EventKind, fields map[string]any) {
			if kind == agentloop.EventLLMTextDelta {
				if delta, ok := fields["delta"].(string); ok {
					fmt.Fprint(r.stdout, delta)
				}
			}
		}))
	}

	runID := uuid.NewString()
	if cfg.EventsOut != "" {
		events, err := startEventLog(cfg.EventsOut, runID)
		if err != nil {
			return exitConfig, err
		}
		defer func() {
			if err := events.stop(); err != nil {
				logger.Error("write events", "error", err)
			}
		}()
		sinks = append(sinks, events.emitter)
	}

	shutdown := agentloop.NewShutdown()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopSignals := r.watchSignals(cancel, shutdown, logger)
	defer stopSignals()

	opts := []agentloop.Option{
		agentloop.WithRunID(runID),
		agentloop.WithSink(sinks),
		agentloop.WithShutdown(shutdown),
		agentloop.WithGuardrails(policy),
	}
	if hooks := toolset.NewCommandHooks(cfg.WorkDir, cfg.Hooks); hooks != nil {
		opts = append(opts, agentloop.WithHooks(hooks))
	}
	loopCfg := cfg.LoopConfig()
	if loopCfg.ConfirmMode != agentloop.Yolo {
		if r.isInteractive() {
			opts = append(opts, agentloop.WithConfirmer(toolset.NewTerminalConfirmer(r.confirmInput(), r.stderr)))
		} else {
			logger.Warn("no terminal for confirmations; gated tool calls will be declined",
				"confirm_mode", cfg.ConfirmMode)
		}
	}

	loop := agentloop.New(loopCfg, llm, registry, opts...)
	systemPrompt := agentloop.BuildSystemPrompt(agentloop.PromptContext{
		WorkDir:      cfg.WorkDir,
		Provider:     cfg.Provider,
		Model:        cfg.Model,
		Tools:        registry.Definitions(),
		Instructions: cfg.Instructions,
		Now:          time.Now(),
	})

	state := loop.Run(ctx, systemPrompt, task)

	if cfg.Stream {
		fmt.Fprintln(r.stdout)
	}
	if !cfg.Stream || state.Status != agentloop.StatusSuccess {
		fmt.Fprintln(r.stdout, state.FinalOutput)
	}
	logger.Info("run finished",
		"run_id", state.RunID,
		"status", string(state.Status),
		"stop_reason", string(state.Reason()),
		"steps", state.Step,
		"cost_usd", state.CostUSD,
		"guardrails", policy.Counters(),
	)

	if cfg.Report != "" {
		if err := writeReport(cfg.Report, state); err != nil {
			logger.Error("write report", "error", err)
		}
	}
	if cfg.MetricsOut != "" {
		if err := metrics.WriteToTextfile(cfg.MetricsOut); err != nil {
			logger.Error("write metrics", "error", err)
		}
	}
	return exitCode(state), nil
}

func (r *runner) isInteractive() bool {
	if r.interactive != nil {
		return r.interactive()
	}
	return toolset.StdinIsTerminal()
}

// confirmInput is the reader for confirmation answers. The process stdin
// is used only when it is a terminal.
func (r *runner) confirmInput() io.Reader {
	if r.stdin != nil {
		return r.stdin
	}
	return os.Stdin
}

// watchSignals requests a graceful shutdown on the first interrupt and
// cancels the run on the second.
func (r *runner) watchSignals(cancel context.CancelFunc, shutdown *agentloop.Shutdown, logger *slog.Logger) func() {
	sigs := r.signals
	var notified chan os.Signal
	if sigs == nil {
		notified = make(chan os.Signal, 2)
		signal.Notify(notified, os.Interrupt, syscall.SIGTERM)
		sigs = notified
	}

	done := make(chan struct{})
	go func() {
		count := 0
		for {
			select {
			case <-done:
				return
			case _, ok := <-sigs:
				if !ok {
					return
				}
				count++
				if count == 1 {
					logger.Warn("interrupt received; finishing the current step (interrupt again to abort)")
					shutdown.Request()
					continue
				}
				logger.Warn("second interrupt; aborting")
				cancel()
				return
			}
		}
	}()

	return func() {
		if notified != nil {
			signal.Stop(notified)
		}
		close(done)
	}
}

func writeReport(path string, state *agentloop.State) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

// eventLog streams loop events to a JSON-lines file from its own goroutine.
type eventLog struct {
	emitter *agentloop.EventEmitter
	file    *os.File
	done    chan error
}

func startEventLog(path, runID string) (*eventLog, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("events file: %w", err)
	}
	l := &eventLog{
		emitter: agentloop.NewEventEmitter(runID, 1024),
		file:    f,
		done:    make(chan error, 1),
	}
	go func() {
		enc := json.NewEncoder(f)
		var werr error
		for ev := range l.emitter.Events() {
			if werr == nil {
				werr = enc.Encode(ev)
			}
		}
		l.done <- werr
	}()
	return l, nil
}

// stop closes the emitter, waits for the writer to drain and closes the file.
func (l *eventLog) stop() error {
	l.emitter.Close()
	werr := <-l.done
	cerr := l.file.Close()
	if werr != nil {
		return werr
	}
	if n := l.emitter.Dropped(); n > 0 {
		return fmt.Errorf("%d events dropped", n)
	}
	return cerr
}
