// Package config builds the immutable run configuration.
//
// Values are merged in a fixed order: built-in defaults, then the YAML file,
// then CODEAGENT_* environment variables, then command-line overrides. The
// result is validated once and handed to the loop by value.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/toolset"
	"github.com/martinemde/codeagent/unifiedllm"
)

// EnvPrefix prefixes every environment variable the loader reads.
const EnvPrefix = "CODEAGENT_"

// ErrInvalidConfig wraps every parse and validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full run configuration.
type Config struct {
	Provider string `yaml:"provider" env:"PROVIDER"`
	Model    string `yaml:"model" env:"MODEL" validate:"required"`
	// APIKey is read from the environment only. When empty the provider's
	// own variable (ANTHROPIC_API_KEY, OPENAI_API_KEY, ...) is used.
	APIKey  string `yaml:"-" env:"API_KEY"`
	WorkDir string `yaml:"work_dir" env:"WORK_DIR"`

	MaxSteps     int           `yaml:"max_steps" env:"MAX_STEPS" validate:"gte=1"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT" validate:"gte=0"`
	LLMTimeout   time.Duration `yaml:"llm_timeout" env:"LLM_TIMEOUT" validate:"gte=0"`
	ToolTimeout  time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT" validate:"gte=0"`
	CloseTimeout time.Duration `yaml:"close_timeout" env:"CLOSE_TIMEOUT" validate:"gte=0"`
	BudgetUSD    float64       `yaml:"budget_usd" env:"BUDGET_USD" validate:"gte=0"`

	ConfirmMode    string `yaml:"confirm_mode" env:"CONFIRM_MODE" validate:"oneof=yolo confirm-sensitive confirm-all"`
	DryRun         bool   `yaml:"dry_run" env:"DRY_RUN"`
	Stream         bool   `yaml:"stream" env:"STREAM"`
	MaxConcurrency int    `yaml:"max_concurrency" env:"MAX_CONCURRENCY" validate:"gte=0"`

	LoopDetection       bool `yaml:"loop_detection" env:"LOOP_DETECTION"`
	LoopDetectionWindow int  `yaml:"loop_detection_window" env:"LOOP_DETECTION_WINDOW" validate:"gte=0"`

	ShellTimeout    time.Duration `yaml:"shell_timeout" env:"SHELL_TIMEOUT" validate:"gte=0"`
	MaxShellTimeout time.Duration `yaml:"max_shell_timeout" env:"MAX_SHELL_TIMEOUT" validate:"gte=0"`

	// Instructions are appended to the system prompt.
	Instructions string `yaml:"instructions" env:"INSTRUCTIONS"`

	Context    ContextConfig        `yaml:"context" envPrefix:"CONTEXT_"`
	Hooks      toolset.HooksConfig  `yaml:"hooks" envPrefix:"HOOKS_"`
	Guardrails toolset.PolicyConfig `yaml:"guardrails" envPrefix:"GUARDRAILS_"`
	Log        LogConfig            `yaml:"log" envPrefix:"LOG_"`
	Trace      TraceConfig          `yaml:"trace" envPrefix:"TRACE_"`

	// MetricsOut is a Prometheus textfile written when the run ends.
	MetricsOut string `yaml:"metrics_out" env:"METRICS_OUT"`
	// Report is a JSON file receiving the final run state.
	Report string `yaml:"report" env:"REPORT"`
	// EventsOut is a JSON-lines file receiving every loop event.
	EventsOut string `yaml:"events_out" env:"EVENTS_OUT"`
}

// ContextConfig is the context budget. Zero token limits mean unlimited and
// zero SummarizeAfterSteps disables compression.
type ContextConfig struct {
	MaxToolResultTokens int  `yaml:"max_tool_result_tokens" env:"MAX_TOOL_RESULT_TOKENS" validate:"gte=0"`
	MaxContextTokens    int  `yaml:"max_context_tokens" env:"MAX_CONTEXT_TOKENS" validate:"gte=0"`
	SummarizeAfterSteps int  `yaml:"summarize_after_steps" env:"SUMMARIZE_AFTER_STEPS" validate:"gte=0"`
	KeepRecentSteps     int  `yaml:"keep_recent_steps" env:"KEEP_RECENT_STEPS" validate:"gte=1"`
	ParallelTools       bool `yaml:"parallel_tools" env:"PARALLEL_TOOLS"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" env:"FORMAT" validate:"oneof=json text"`
}

// TraceConfig enables OTLP trace export. An empty endpoint disables it.
type TraceConfig struct {
	Endpoint     string  `yaml:"endpoint" env:"ENDPOINT"`
	Insecure     bool    `yaml:"insecure" env:"INSECURE"`
	SamplingRate float64 `yaml:"sampling_rate" env:"SAMPLING_RATE" validate:"gte=0,lte=1"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		MaxSteps:            50,
		Timeout:             30 * time.Minute,
		LLMTimeout:          5 * time.Minute,
		ToolTimeout:         15 * time.Minute,
		CloseTimeout:        agentloop.DefaultCloseTimeout,
		ConfirmMode:         agentloop.ConfirmSensitive.String(),
		MaxConcurrency:      4,
		LoopDetection:       true,
		LoopDetectionWindow: agentloop.DefaultLoopDetectionWindow,
		ShellTimeout:        2 * time.Minute,
		MaxShellTimeout:     10 * time.Minute,
		Context: ContextConfig{
			MaxToolResultTokens: 8000,
			MaxContextTokens:    150000,
			SummarizeAfterSteps: 20,
			KeepRecentSteps:     5,
			ParallelTools:       true,
		},
		Guardrails: toolset.PolicyConfig{
			MaxEditsWithoutTest: 10,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// LoadOptions controls Load.
type LoadOptions struct {
	// Path is an optional YAML file. A missing file is an error.
	Path string
	// Environment replaces the process environment when non-nil.
	Environment map[string]string
	// Overrides runs last, after the environment layer.
	Overrides func(*Config)
}

// Load merges defaults, file, environment and overrides, then validates.
func Load(opts LoadOptions) (Config, error) {
	cfg := Default()

	if opts.Path != "" {
		if err := loadFile(opts.Path, &cfg); err != nil {
			return Config{}, err
		}
	}

	envOpts := env.Options{Prefix: EnvPrefix}
	if opts.Environment != nil {
		envOpts.Environment = opts.Environment
	}
	if err := env.ParseWithOptions(&cfg, envOpts); err != nil {
		return Config{}, fmt.Errorf("%w: environment: %v", ErrInvalidConfig, err)
	}

	if opts.Overrides != nil {
		opts.Overrides(&cfg)
	}

	if err := cfg.resolve(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", ErrInvalidConfig, path, err)
	}
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}
	return nil
}

// resolve fills in values derived from others: the provider from a catalog
// model, the provider's default model, canonical model IDs and an absolute
// working directory.
func (c *Config) resolve() error {
	if info := unifiedllm.GetModelInfo(c.Model); info != nil {
		if c.Provider == "" {
			c.Provider = info.Provider
		}
		if info.Provider == c.Provider {
			c.Model = info.ID
		}
	}
	if c.Provider == "" {
		c.Provider = "anthropic"
	}
	if c.Model == "" {
		if info := unifiedllm.DefaultModel(c.Provider); info != nil {
			c.Model = info.ID
		}
	}

	if c.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("%w: working directory: %v", ErrInvalidConfig, err)
		}
		c.WorkDir = wd
	}
	abs, err := filepath.Abs(c.WorkDir)
	if err != nil {
		return fmt.Errorf("%w: working directory: %v", ErrInvalidConfig, err)
	}
	c.WorkDir = abs
	return nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks field constraints and cross-field rules.
func (c Config) Validate() error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if c.ShellTimeout > 0 && c.MaxShellTimeout > 0 && c.ShellTimeout > c.MaxShellTimeout {
		problems = append(problems, "shell_timeout must not exceed max_shell_timeout")
	}
	if info, err := os.Stat(c.WorkDir); err != nil || !info.IsDir() {
		problems = append(problems, fmt.Sprintf("work_dir %s is not a directory", c.WorkDir))
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// LoopConfig converts to the loop's configuration.
func (c Config) LoopConfig() agentloop.LoopConfig {
	mode, err := agentloop.ParseConfirmMode(c.ConfirmMode)
	if err != nil {
		mode = agentloop.ConfirmSensitive
	}
	return agentloop.LoopConfig{
		Model:               c.Model,
		MaxSteps:            c.MaxSteps,
		Timeout:             c.Timeout,
		LLMTimeout:          c.LLMTimeout,
		ToolTimeout:         c.ToolTimeout,
		CloseTimeout:        c.CloseTimeout,
		BudgetUSD:           c.BudgetUSD,
		ConfirmMode:         mode,
		DryRun:              c.DryRun,
		Stream:              c.Stream,
		MaxConcurrency:      c.MaxConcurrency,
		LoopDetection:       c.LoopDetection,
		LoopDetectionWindow: c.LoopDetectionWindow,
		Context: &agentloop.ContextConfig{
			MaxToolResultTokens: c.Context.MaxToolResultTokens,
			MaxContextTokens:    c.Context.MaxContextTokens,
			SummarizeAfterSteps: c.Context.SummarizeAfterSteps,
			KeepRecentSteps:     c.Context.KeepRecentSteps,
			ParallelTools:       c.Context.ParallelTools,
		},
	}
}

// ToolOptions returns the core tool settings.
func (c Config) ToolOptions() toolset.Options {
	return toolset.Options{
		DefaultShellTimeout: c.ShellTimeout,
		MaxShellTimeout:     c.MaxShellTimeout,
	}
}
