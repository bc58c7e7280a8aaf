package agentloop

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/martinemde/codeagent/unifiedllm"
)

const maxProjectDocBytes = 32 * 1024 // 32KB

// PromptContext is everything the system prompt describes.
type PromptContext struct {
	WorkDir      string
	Provider     string
	Model        string
	Tools        []unifiedllm.ToolDefinition
	Instructions string // appended last, verbatim
	Now          time.Time
}

// BuildSystemPrompt assembles the base instructions, the environment and git
// blocks, a tool summary and any project instruction files.
func BuildSystemPrompt(pc PromptContext) string {
	var sb strings.Builder

	sb.WriteString(basePrompt)
	sb.WriteString("\n\n")

	sb.WriteString(BuildEnvironmentContext(pc.WorkDir, pc.Model, pc.Now))
	sb.WriteString("\n\n")

	if gitCtx := GetGitContext(pc.WorkDir); gitCtx != "" {
		sb.WriteString(gitCtx)
		sb.WriteString("\n\n")
	}

	if len(pc.Tools) > 0 {
		sb.WriteString("# Available Tools\n\n")
		for _, def := range pc.Tools {
			fmt.Fprintf(&sb, "## %s\n%s\n\n", def.Name, def.Description)
		}
	}

	if docs := DiscoverProjectDocs(pc.WorkDir, pc.Provider); docs != "" {
		sb.WriteString("# Project Instructions\n\n")
		sb.WriteString(docs)
		sb.WriteString("\n\n")
	}

	if pc.Instructions != "" {
		sb.WriteString("# User Instructions\n\n")
		sb.WriteString(pc.Instructions)
		sb.WriteString("\n")
	}

	return strings.TrimRight(sb.String(), "\n") + "\n"
}

const basePrompt = `You are an autonomous coding agent working unattended in a real repository. You accomplish the task by reading files, editing code and running commands until it is done, then reply with a short report and no tool calls.

# Core Principles

- Read files before editing them.
- Prefer editing existing files over creating new ones.
- Keep changes minimal and focused on the task.
- After making changes, verify them by running the relevant tests or build.
- Your step count, time and cost are limited. Batch independent read-only tool calls in one turn.

# Tool Usage

- edit_file replaces an exact, unique old_string; re-read the file if it fails.
- write_file is for new files only.
- shell runs a command in the working directory; prefer short-running commands.
- grep and glob search file contents and names.

# Error Handling

- A failed tool call is feedback, not a reason to stop. Read the error and try a different approach.
- Do not repeat an identical failing call.`

// BuildEnvironmentContext generates the structured environment context block.
func BuildEnvironmentContext(workingDir, model string, now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	isGitRepo := isGitRepository(workingDir)

	var sb strings.Builder
	sb.WriteString("<environment>\n")
	fmt.Fprintf(&sb, "Working directory: %s\n", workingDir)
	fmt.Fprintf(&sb, "Is git repository: %v\n", isGitRepo)
	if isGitRepo {
		if branch := getGitBranch(workingDir); branch != "" {
			fmt.Fprintf(&sb, "Git branch: %s\n", branch)
		}
	}
	fmt.Fprintf(&sb, "Platform: %s\n", runtime.GOOS)
	fmt.Fprintf(&sb, "OS version: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(&sb, "Today's date: %s\n", now.Format("2006-01-02"))
	if model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", model)
	}
	sb.WriteString("</environment>")
	return sb.String()
}

// projectDocFiles lists instruction files per provider; AGENTS.md is always
// read.
var projectDocFiles = map[string][]string{
	"anthropic": {"CLAUDE.md"},
	"gemini":    {"GEMINI.md"},
	"openai":    {".codex/instructions.md"},
}

// DiscoverProjectDocs loads recognized instruction files from the git root
// (or working directory) down to the working directory, capped at 32KB.
func DiscoverProjectDocs(workingDir string, provider string) string {
	root := gitRoot(workingDir)
	if root == "" {
		root = workingDir
	}
	recognized := append([]string{"AGENTS.md"}, projectDocFiles[provider]...)

	var docs []string
	totalBytes := 0
	for _, dir := range collectPathHierarchy(root, workingDir) {
		for _, fileName := range recognized {
			path := filepath.Join(dir, fileName)
			content, err := os.ReadFile(path)
			if err != nil {
				continue
			}

			remaining := maxProjectDocBytes - totalBytes
			if remaining <= 0 {
				docs = append(docs, "[Project instructions truncated at 32KB]")
				return strings.Join(docs, "\n\n---\n\n")
			}

			text := string(content)
			if len(text) > remaining {
				text = text[:runeFloor(text, remaining)] + "\n[Project instructions truncated at 32KB]"
			}

			header := fmt.Sprintf("# %s (from %s)", fileName, dir)
			docs = append(docs, header+"\n\n"+text)
			totalBytes += len(text)
		}
	}
	return strings.Join(docs, "\n\n---\n\n")
}

// GetGitContext returns a summary of the git state for the system prompt.
func GetGitContext(workingDir string) string {
	root := gitRoot(workingDir)
	if root == "" {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("<git_context>\n")
	if branch := getGitBranch(root); branch != "" {
		fmt.Fprintf(&sb, "Branch: %s\n", branch)
	}
	if status := runGitCommand(root, "status", "--short"); status != "" {
		lines := strings.Split(strings.TrimSpace(status), "\n")
		fmt.Fprintf(&sb, "Modified/untracked files: %d\n", len(lines))
	}
	if log := runGitCommand(root, "log", "--oneline", "-10"); log != "" {
		sb.WriteString("Recent commits:\n")
		sb.WriteString(log)
		sb.WriteString("\n")
	}
	sb.WriteString("</git_context>")
	return sb.String()
}

// collectPathHierarchy returns directories from root to target, inclusive.
func collectPathHierarchy(root, target string) []string {
	root = filepath.Clean(root)
	target = filepath.Clean(target)
	if root == target {
		return []string{root}
	}

	dirs := []string{root}
	rel, err := filepath.Rel(root, target)
	if err != nil || strings.HasPrefix(rel, "..") {
		return dirs
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		current = filepath.Join(current, part)
		dirs = append(dirs, current)
	}
	return dirs
}

func isGitRepository(dir string) bool {
	return strings.TrimSpace(runGitCommand(dir, "rev-parse", "--is-inside-work-tree")) == "true"
}

func gitRoot(dir string) string {
	return strings.TrimSpace(runGitCommand(dir, "rev-parse", "--show-toplevel"))
}

func getGitBranch(dir string) string {
	return strings.TrimSpace(runGitCommand(dir, "rev-parse", "--abbrev-ref", "HEAD"))
}

func runGitCommand(dir string, args ...string) string {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}
