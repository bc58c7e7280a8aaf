package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/martinemde/codeagent/config"
	"github.com/martinemde/codeagent/unifiedllm"
)

func buildRootCmd(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "codeagent",
		Short: "Autonomous coding agent",
		Long: `codeagent drives a language model through a bounded tool-calling loop
to complete a coding task in the current directory.

Runs stop on completion, step limit, timeout, cost budget, a full context
window or Ctrl-C, and always end with a summary of what was done.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(
		buildRunCmd(&runner{stdin: stdin, stdout: stdout, stderr: stderr}),
		buildModelsCmd(),
		buildVersionCmd(),
	)
	return root
}

// runFlags holds the run command's flags. Only flags the user set override
// the file and environment layers.
type runFlags struct {
	configPath string

	provider     string
	model        string
	workDir      string
	maxSteps     int
	timeout      time.Duration
	budget       float64
	confirmMode  string
	yolo         bool
	dryRun       bool
	stream       bool
	concurrency  int
	instructions string

	maxToolResultTokens int
	maxContextTokens    int
	summarizeAfter      int
	keepRecent          int
	noParallel          bool

	logLevel   string
	logFormat  string
	report     string
	metricsOut string
	eventsOut  string
}

func buildRunCmd(r *runner) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Run the agent on a task",
		Long: `Run the agent on a task. The task is the joined arguments, or standard
input when no arguments are given or the only argument is "-".

Exit codes: 0 success, 1 failed, 2 partial (a safety net stopped the run),
3 configuration error, 4 authentication error, 124 timeout, 130 interrupted.`,
		Example: `  codeagent run "rename Foo to Bar across the repo"
  codeagent run --max-steps 20 --budget 1.00 --report run.json "fix the flaky test"
  git diff | codeagent run --dry-run -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := readTask(args, r.stdin)
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			cfg, err := config.Load(config.LoadOptions{
				Path:      f.configPath,
				Overrides: f.overrides(cmd.Flags().Changed),
			})
			if err != nil {
				return &exitError{code: exitConfig, err: err}
			}
			code, err := r.run(cmd.Context(), cfg, task)
			if code != exitSuccess || err != nil {
				return &exitError{code: code, err: err}
			}
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	fl.StringVar(&f.provider, "provider", "", "LLM provider (anthropic, openai, ...)")
	fl.StringVarP(&f.model, "model", "m", "", "model ID or alias")
	fl.StringVarP(&f.workDir, "work-dir", "C", "", "working directory for tools")
	fl.IntVar(&f.maxSteps, "max-steps", 0, "maximum tool-calling steps")
	fl.DurationVar(&f.timeout, "timeout", 0, "wall-clock limit for the run")
	fl.Float64Var(&f.budget, "budget", 0, "cost budget in USD (0 = unlimited)")
	fl.StringVar(&f.confirmMode, "confirm-mode", "", "yolo, confirm-sensitive or confirm-all")
	fl.BoolVar(&f.yolo, "yolo", false, "never ask for confirmation (same as --confirm-mode yolo)")
	fl.BoolVar(&f.dryRun, "dry-run", false, "do not execute sensitive tools")
	fl.BoolVar(&f.stream, "stream", false, "stream model output to stdout")
	fl.IntVar(&f.concurrency, "max-concurrency", 0, "parallel tool calls per batch (0 = unbounded)")
	fl.StringVar(&f.instructions, "instructions", "", "extra instructions appended to the system prompt")
	fl.IntVar(&f.maxToolResultTokens, "max-tool-result-tokens", 0, "truncate tool results above this many tokens (0 = unlimited)")
	fl.IntVar(&f.maxContextTokens, "max-context-tokens", 0, "context window budget in tokens (0 = unlimited)")
	fl.IntVar(&f.summarizeAfter, "summarize-after", 0, "compress history after this many steps (0 = never)")
	fl.IntVar(&f.keepRecent, "keep-recent", 0, "steps kept verbatim when compressing")
	fl.BoolVar(&f.noParallel, "no-parallel-tools", false, "run tool calls one at a time")
	fl.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fl.StringVar(&f.logFormat, "log-format", "", "text or json")
	fl.StringVar(&f.report, "report", "", "write the final run state as JSON to this file")
	fl.StringVar(&f.metricsOut, "metrics-out", "", "write Prometheus metrics to this file when the run ends")
	fl.StringVar(&f.eventsOut, "events-json", "", "write loop events as JSON lines to this file")
	return cmd
}

// overrides returns a config layer applying every flag for which changed
// reports true.
func (f *runFlags) overrides(changed func(string) bool) func(*config.Config) {
	return func(c *config.Config) {
		set := func(name string, apply func()) {
			if changed(name) {
				apply()
			}
		}
		set("provider", func() { c.Provider = f.provider })
		set("model", func() { c.Model = f.model })
		set("work-dir", func() { c.WorkDir = f.workDir })
		set("max-steps", func() { c.MaxSteps = f.maxSteps })
		set("timeout", func() { c.Timeout = f.timeout })
		set("budget", func() { c.BudgetUSD = f.budget })
		set("confirm-mode", func() { c.ConfirmMode = f.confirmMode })
		set("yolo", func() {
			if f.yolo {
				c.ConfirmMode = "yolo"
			}
		})
		set("dry-run", func() { c.DryRun = f.dryRun })
		set("stream", func() { c.Stream = f.stream })
		set("max-concurrency", func() { c.MaxConcurrency = f.concurrency })
		set("instructions", func() { c.Instructions = f.instructions })
		set("max-tool-result-tokens", func() { c.Context.MaxToolResultTokens = f.maxToolResultTokens })
		set("max-context-tokens", func() { c.Context.MaxContextTokens = f.maxContextTokens })
		set("summarize-after", func() { c.Context.SummarizeAfterSteps = f.summarizeAfter })
		set("keep-recent", func() { c.Context.KeepRecentSteps = f.keepRecent })
		set("no-parallel-tools", func() { c.Context.ParallelTools = !f.noParallel })
		set("log-level", func() { c.Log.Level = f.logLevel })
		set("log-format", func() { c.Log.Format = f.logFormat })
		set("report", func() { c.Report = f.report })
		set("metrics-out", func() { c.MetricsOut = f.metricsOut })
		set("events-json", func() { c.EventsOut = f.eventsOut })
	}
}

func readTask(args []string, stdin io.Reader) (string, error) {
	if len(args) > 0 && !(len(args) == 1 && args[0] == "-") {
		return strings.TrimSpace(strings.Join(args, " ")), nil
	}
	data, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read task from stdin: %w", err)
	}
	task := strings.TrimSpace(string(data))
	if task == "" {
		return "", fmt.Errorf("a task is required")
	}
	return task, nil
}

func buildModelsCmd() *cobra.Command {
	var provider string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List known models with context windows and prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			models := unifiedllm.ListModels(provider)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(models)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tCONTEXT\tINPUT $/M\tOUTPUT $/M\tALIASES")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%d\t%.2f\t%.2f\t%s\n",
					m.ID, m.Provider, m.ContextWindow,
					m.InputCostPerMillion, m.OutputCostPerMillion,
					strings.Join(m.Aliases, ","))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "only list this provider's models")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "codeagent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
