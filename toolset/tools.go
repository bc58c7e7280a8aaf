package toolset

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/martinemde/codeagent/agentloop"
	"github.com/martinemde/codeagent/unifiedllm"
)

// Options tunes the core tools.
type Options struct {
	DefaultShellTimeout time.Duration // default 2 minutes
	MaxShellTimeout     time.Duration // default 10 minutes
	DefaultReadLimit    int           // lines; default 2000
	MaxGrepResults      int           // default 100
}

func (o Options) withDefaults() Options {
	if o.DefaultShellTimeout <= 0 {
		o.DefaultShellTimeout = 2 * time.Minute
	}
	if o.MaxShellTimeout <= 0 {
		o.MaxShellTimeout = 10 * time.Minute
	}
	if o.MaxShellTimeout < o.DefaultShellTimeout {
		o.MaxShellTimeout = o.DefaultShellTimeout
	}
	if o.DefaultReadLimit <= 0 {
		o.DefaultReadLimit = 2000
	}
	if o.MaxGrepResults <= 0 {
		o.MaxGrepResults = 100
	}
	return o
}

// Core tool names. write_file, edit_file and shell are sensitive.
const (
	ToolReadFile  = "read_file"
	ToolWriteFile = "write_file"
	ToolEditFile  = "edit_file"
	ToolListDir   = "list_dir"
	ToolGlob      = "glob"
	ToolGrep      = "grep"
	ToolShell     = "shell"
)

// CoreTools returns the built-in tools bound to env.
func CoreTools(env Environment, opts Options) []agentloop.Tool {
	opts = opts.withDefaults()
	return []agentloop.Tool{
		readFileTool(env, opts),
		writeFileTool(env),
		editFileTool(env),
		listDirTool(env),
		globTool(env),
		grepTool(env, opts),
		shellTool(env, opts),
	}
}

// NewRegistry registers the core tools on a fresh registry.
func NewRegistry(env Environment, opts Options) *agentloop.ToolRegistry {
	return agentloop.NewToolRegistry(CoreTools(env, opts)...)
}

func schema(required []string, props map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func tool(name, description string, sensitive bool, params map[string]any, fn func(ctx context.Context, args map[string]any) (string, error)) *agentloop.FuncTool {
	return &agentloop.FuncTool{
		Def: unifiedllm.ToolDefinition{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
		IsSensitive: sensitive,
		Fn:          fn,
	}
}

func requireString(args map[string]any, key string) (string, error) {
	s, ok := agentloop.GetStringArg(args, key)
	if !ok || s == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return s, nil
}

func readFileTool(env Environment, opts Options) agentloop.Tool {
	return tool(ToolReadFile,
		"Read a file. Returns line-numbered content.",
		false,
		schema([]string{"path"}, map[string]any{
			"path":   prop("string", "File path, absolute or relative to the working directory."),
			"offset": prop("integer", "1-based line number to start reading from."),
			"limit":  prop("integer", fmt.Sprintf("Maximum number of lines to read. Default: %d.", opts.DefaultReadLimit)),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return "", err
			}
			offset, _ := agentloop.GetIntArg(args, "offset")
			limit, _ := agentloop.GetIntArg(args, "limit")
			if limit <= 0 {
				limit = opts.DefaultReadLimit
			}
			out, err := env.ReadFile(path, offset, limit)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return "", fmt.Errorf("file not found: %s", path)
				}
				return "", err
			}
			if out == "" {
				return "(empty file or offset past end)", nil
			}
			return out, nil
		})
}

func writeFileTool(env Environment) agentloop.Tool {
	return tool(ToolWriteFile,
		"Write content to a file, creating it and any parent directories. Overwrites existing files.",
		true,
		schema([]string{"path", "content"}, map[string]any{
			"path":    prop("string", "File path to write."),
			"content": prop("string", "The full file content."),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return "", err
			}
			content, ok := agentloop.GetStringArg(args, "content")
			if !ok {
				return "", fmt.Errorf("content is required")
			}
			if err := env.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Wrote %d bytes to %s", len(content), path), nil
		})
}

func editFileTool(env Environment) agentloop.Tool {
	return tool(ToolEditFile,
		"Replace an exact string in a file. old_string must be unique unless replace_all is true.",
		true,
		schema([]string{"path", "old_string", "new_string"}, map[string]any{
			"path":        prop("string", "File path to edit."),
			"old_string":  prop("string", "Exact text to find."),
			"new_string":  prop("string", "Replacement text."),
			"replace_all": prop("boolean", "Replace every occurrence. Default: false."),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			path, err := requireString(args, "path")
			if err != nil {
				return "", err
			}
			oldString, err := requireString(args, "old_string")
			if err != nil {
				return "", err
			}
			newString, _ := agentloop.GetStringArg(args, "new_string")
			replaceAll, _ := agentloop.GetBoolArg(args, "replace_all")

			content, err := env.ReadRaw(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return "", fmt.Errorf("file not found: %s", path)
				}
				return "", err
			}

			count := strings.Count(content, oldString)
			if count == 0 {
				return "", fmt.Errorf("old_string not found in %s", path)
			}
			if count > 1 && !replaceAll {
				return "", fmt.Errorf("old_string found %d times in %s; add context to make it unique or set replace_all", count, path)
			}

			replaced := 1
			if replaceAll {
				content = strings.ReplaceAll(content, oldString, newString)
				replaced = count
			} else {
				content = strings.Replace(content, oldString, newString, 1)
			}
			if err := env.WriteFile(path, content); err != nil {
				return "", err
			}
			return fmt.Sprintf("Replaced %d occurrence(s) in %s", replaced, path), nil
		})
}

func listDirTool(env Environment) agentloop.Tool {
	return tool(ToolListDir,
		"List a directory. Directories end with a slash.",
		false,
		schema([]string{}, map[string]any{
			"path": prop("string", "Directory to list. Default: working directory."),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			path, _ := agentloop.GetStringArg(args, "path")
			if path == "" {
				path = "."
			}
			entries, err := env.ListDirectory(path)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "(empty directory)", nil
			}
			var sb strings.Builder
			for _, e := range entries {
				if e.IsDir {
					fmt.Fprintf(&sb, "%s/\n", e.Name)
				} else {
					fmt.Fprintf(&sb, "%s (%d bytes)\n", e.Name, e.Size)
				}
			}
			return sb.String(), nil
		})
}

func globTool(env Environment) agentloop.Tool {
	return tool(ToolGlob,
		"Find files by name pattern; ** matches any number of directories. Newest first.",
		false,
		schema([]string{"pattern"}, map[string]any{
			"pattern": prop("string", `Glob pattern, e.g. "**/*.go".`),
			"path":    prop("string", "Base directory. Default: working directory."),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			pattern, err := requireString(args, "pattern")
			if err != nil {
				return "", err
			}
			path, _ := agentloop.GetStringArg(args, "path")
			matches, err := env.Glob(pattern, path)
			if err != nil {
				return "", err
			}
			if len(matches) == 0 {
				return "No files matched the pattern.", nil
			}
			return strings.Join(matches, "\n"), nil
		})
}

func grepTool(env Environment, opts Options) agentloop.Tool {
	return tool(ToolGrep,
		"Search file contents with a regular expression. Returns path:line:text matches.",
		false,
		schema([]string{"pattern"}, map[string]any{
			"pattern":          prop("string", "Regular expression."),
			"path":             prop("string", "File or directory to search. Default: working directory."),
			"glob_filter":      prop("string", `File name filter, e.g. "*.go".`),
			"case_insensitive": prop("boolean", "Ignore case. Default: false."),
			"max_results":      prop("integer", fmt.Sprintf("Maximum matches. Default: %d.", opts.MaxGrepResults)),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			pattern, err := requireString(args, "pattern")
			if err != nil {
				return "", err
			}
			path, _ := agentloop.GetStringArg(args, "path")
			globFilter, _ := agentloop.GetStringArg(args, "glob_filter")
			caseInsensitive, _ := agentloop.GetBoolArg(args, "case_insensitive")
			maxResults, _ := agentloop.GetIntArg(args, "max_results")
			if maxResults <= 0 {
				maxResults = opts.MaxGrepResults
			}
			out, err := env.Grep(ctx, pattern, path, GrepOptions{
				GlobFilter:      globFilter,
				CaseInsensitive: caseInsensitive,
				MaxResults:      maxResults,
			})
			if err != nil {
				return "", err
			}
			if out == "" {
				return "No matches found.", nil
			}
			return out, nil
		})
}

func shellTool(env Environment, opts Options) agentloop.Tool {
	return tool(ToolShell,
		"Run a shell command in the working directory. Returns stdout, stderr and the exit code.",
		true,
		schema([]string{"command"}, map[string]any{
			"command":     prop("string", "The command to run."),
			"timeout_ms":  prop("integer", fmt.Sprintf("Timeout in milliseconds. Default: %d.", opts.DefaultShellTimeout.Milliseconds())),
			"description": prop("string", "What the command does, for the log."),
		}),
		func(ctx context.Context, args map[string]any) (string, error) {
			command, err := requireString(args, "command")
			if err != nil {
				return "", err
			}
			timeout := opts.DefaultShellTimeout
			if ms, ok := agentloop.GetIntArg(args, "timeout_ms"); ok && ms > 0 {
				timeout = time.Duration(ms) * time.Millisecond
			}
			if timeout > opts.MaxShellTimeout {
				timeout = opts.MaxShellTimeout
			}

			result, err := env.ExecCommand(ctx, command, timeout, nil)
			if err != nil {
				return "", err
			}

			var sb strings.Builder
			sb.WriteString(result.Output())
			if result.TimedOut {
				fmt.Fprintf(&sb, "\n\n[ERROR: Command timed out after %s. Partial output is shown above. "+
					"Retry with a larger timeout_ms if the command is expected to be slow.]", timeout)
			} else if result.ExitCode != 0 {
				fmt.Fprintf(&sb, "\n\n[Exit code: %d]", result.ExitCode)
			}
			if sb.Len() == 0 {
				return "(no output)", nil
			}
			return sb.String(), nil
		})
}
