package toolset

import (
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/martinemde/codeagent/agentloop"
)

// PolicyConfig configures the guardrails.
type PolicyConfig struct {
	// BlockedCommands are substrings that reject a shell command, matched
	// after collapsing whitespace.
	BlockedCommands []string `yaml:"blocked_commands" json:"blocked_commands,omitempty" env:"BLOCKED_COMMANDS"`
	// ProtectedPaths are glob patterns, relative to the working directory,
	// that write_file and edit_file may not touch.
	ProtectedPaths []string `yaml:"protected_paths" json:"protected_paths,omitempty" env:"PROTECTED_PATHS"`
	// MaxEditsWithoutTest triggers a reminder once that many edits happened
	// since the last test command. Zero disables it.
	MaxEditsWithoutTest int `yaml:"max_edits_without_test" json:"max_edits_without_test,omitempty" env:"MAX_EDITS_WITHOUT_TEST" validate:"gte=0"`
	// TestCommandPatterns are regular expressions recognizing test runs.
	TestCommandPatterns []string `yaml:"test_command_patterns" json:"test_command_patterns,omitempty" env:"TEST_COMMAND_PATTERNS"`
}

// DefaultBlockedCommands are rejected unless the configuration overrides
// them.
var DefaultBlockedCommands = []string{
	"rm -rf /",
	"rm -rf ~",
	"git push --force",
	"git push -f",
	"mkfs",
	"dd if=",
	":(){ :|:& };:",
}

// DefaultTestCommandPatterns recognize common test runners.
var DefaultTestCommandPatterns = []string{
	`\bgo test\b`,
	`\bmake (test|check)\b`,
	`\b(npm|pnpm|yarn) (run )?test\b`,
	`\bpytest\b`,
	`\bcargo test\b`,
	`\bbundle exec rspec\b|\brspec\b`,
}

// Counters is the guardrail bookkeeping.
type Counters struct {
	EditsSinceTest   int `json:"edits_since_test"`
	TotalEdits       int `json:"total_edits"`
	CommandsExecuted int `json:"commands_executed"`
	TestRuns         int `json:"test_runs"`
}

// Policy implements agentloop.Guardrails: command and path blocking, and an
// edits-without-test reminder.
type Policy struct {
	workDir   string
	blocked   []string
	protected []string
	maxEdits  int
	testRes   []*regexp.Regexp

	mu       sync.RWMutex
	counters Counters
}

var _ agentloop.Guardrails = (*Policy)(nil)

// NewPolicy compiles cfg for the given working directory. Nil
// BlockedCommands or TestCommandPatterns use the defaults.
func NewPolicy(workDir string, cfg PolicyConfig) (*Policy, error) {
	p := &Policy{
		workDir:   workDir,
		protected: cfg.ProtectedPaths,
		maxEdits:  cfg.MaxEditsWithoutTest,
	}

	blocked := cfg.BlockedCommands
	if blocked == nil {
		blocked = DefaultBlockedCommands
	}
	for _, b := range blocked {
		if b = normalizeCommand(b); b != "" {
			p.blocked = append(p.blocked, b)
		}
	}

	for _, pat := range p.protected {
		if _, err := path.Match(pat, ""); err != nil {
			return nil, fmt.Errorf("protected path %q: %w", pat, err)
		}
	}

	patterns := cfg.TestCommandPatterns
	if patterns == nil {
		patterns = DefaultTestCommandPatterns
	}
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("test command pattern %q: %w", pat, err)
		}
		p.testRes = append(p.testRes, re)
	}
	return p, nil
}

func normalizeCommand(cmd string) string {
	return strings.Join(strings.Fields(cmd), " ")
}

// Check rejects blocked shell commands and writes to protected paths.
func (p *Policy) Check(name string, args map[string]any) error {
	switch name {
	case ToolShell:
		cmd, _ := agentloop.GetStringArg(args, "command")
		norm := normalizeCommand(cmd)
		for _, b := range p.blocked {
			if strings.Contains(norm, b) {
				return fmt.Errorf("command contains blocked pattern %q", b)
			}
		}
	case ToolWriteFile, ToolEditFile:
		target, _ := agentloop.GetStringArg(args, "path")
		if pat, ok := p.protectedMatch(target); ok {
			return fmt.Errorf("%s is protected by %q", target, pat)
		}
	}
	return nil
}

func (p *Policy) protectedMatch(target string) (string, bool) {
	if target == "" || len(p.protected) == 0 {
		return "", false
	}
	abs := target
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(p.workDir, abs)
	}
	rel, err := filepath.Rel(p.workDir, filepath.Clean(abs))
	if err != nil {
		rel = abs
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range p.protected {
		if matchGlob(pat, rel) || matchGlob(pat, path.Base(rel)) {
			return pat, true
		}
		// A directory pattern protects everything beneath it.
		if strings.HasPrefix(rel, strings.TrimSuffix(pat, "/")+"/") {
			return pat, true
		}
	}
	return "", false
}

// CodeRules reminds the model to run tests after too many untested edits.
func (p *Policy) CodeRules(name string, args map[string]any, output string) string {
	if p.maxEdits <= 0 || (name != ToolWriteFile && name != ToolEditFile) {
		return ""
	}
	p.mu.RLock()
	edits := p.counters.EditsSinceTest + 1 // this edit is recorded after the batch
	p.mu.RUnlock()
	if edits < p.maxEdits {
		return ""
	}
	return fmt.Sprintf("[guardrail] %d edits since the last test run. Run the tests before making more changes.", edits)
}

// Record updates the counters from a finished call.
func (p *Policy) Record(result agentloop.ToolCallResult) {
	if !result.Success || result.DryRun {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch result.Name {
	case ToolWriteFile, ToolEditFile:
		p.counters.EditsSinceTest++
		p.counters.TotalEdits++
	case ToolShell:
		p.counters.CommandsExecuted++
		cmd, _ := agentloop.GetStringArg(result.Arguments, "command")
		if p.isTestCommand(cmd) {
			p.counters.TestRuns++
			p.counters.EditsSinceTest = 0
		}
	}
}

func (p *Policy) isTestCommand(cmd string) bool {
	for _, re := range p.testRes {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}

// Counters returns a snapshot of the bookkeeping.
func (p *Policy) Counters() Counters {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counters
}
