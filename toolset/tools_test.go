package toolset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runTool(t *testing.T, env Environment, name string, args map[string]any) (string, error) {
	t.Helper()
	reg := NewRegistry(env, Options{})
	tool, ok := reg.Get(name)
	if !ok {
		t.Fatalf("tool %s not registered", name)
	}
	return tool.Execute(context.Background(), args)
}

func TestCoreToolsSensitivity(t *testing.T) {
	env, _ := newTestEnv(t)
	want := map[string]bool{
		ToolReadFile:  false,
		ToolWriteFile: true,
		ToolEditFile:  true,
		ToolListDir:   false,
		ToolGlob:      false,
		ToolGrep:      false,
		ToolShell:     true,
	}
	reg := NewRegistry(env, Options{})
	if reg.Count() != len(want) {
		t.Fatalf("expected %d tools, got %v", len(want), reg.Names())
	}
	for name, sensitive := range want {
		tool, ok := reg.Get(name)
		if !ok {
			t.Errorf("missing %s", name)
			continue
		}
		if tool.Sensitive() != sensitive {
			t.Errorf("%s: sensitive = %v, want %v", name, tool.Sensitive(), sensitive)
		}
		if tool.Definition().Parameters["type"] != "object" {
			t.Errorf("%s: expected object schema", name)
		}
	}
}

func TestEditFileTool(t *testing.T) {
	env, dir := newTestEnv(t)
	writeFile(t, dir, "a.go", "x := 1\ny := 1\n")

	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
		want    string
	}{
		{"missing file", map[string]any{"path": "nope.go", "old_string": "x", "new_string": "y"}, "file not found", ""},
		{"not found", map[string]any{"path": "a.go", "old_string": "z := 1", "new_string": "z := 2"}, "not found", ""},
		{"ambiguous", map[string]any{"path": "a.go", "old_string": "1", "new_string": "2"}, "found 2 times", ""},
		{"unique", map[string]any{"path": "a.go", "old_string": "x := 1", "new_string": "x := 5"}, "", "x := 5\ny := 1\n"},
		{"replace all", map[string]any{"path": "a.go", "old_string": ":=", "new_string": "=", "replace_all": true}, "", "x = 5\ny = 1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := runTool(t, env, ToolEditFile, tt.args)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("edit_file: %v", err)
			}
			data, _ := os.ReadFile(filepath.Join(dir, "a.go"))
			if string(data) != tt.want {
				t.Errorf("content = %q, want %q", data, tt.want)
			}
		})
	}
}

func TestReadWriteListTools(t *testing.T) {
	env, _ := newTestEnv(t)

	if _, err := runTool(t, env, ToolWriteFile, map[string]any{"path": "src/x.txt", "content": "a\nb"}); err != nil {
		t.Fatalf("write_file: %v", err)
	}
	out, err := runTool(t, env, ToolReadFile, map[string]any{"path": "src/x.txt"})
	if err != nil || out != "1 | a\n2 | b\n" {
		t.Errorf("read_file = %q, %v", out, err)
	}
	if _, err := runTool(t, env, ToolReadFile, map[string]any{}); err == nil {
		t.Error("expected error for missing path")
	}

	out, err = runTool(t, env, ToolListDir, map[string]any{})
	if err != nil || !strings.Contains(out, "src/") {
		t.Errorf("list_dir = %q, %v", out, err)
	}
}

func TestShellTool(t *testing.T) {
	env, _ := newTestEnv(t)

	out, err := runTool(t, env, ToolShell, map[string]any{"command": "echo hi; exit 4"})
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if !strings.HasPrefix(out, "hi\n") || !strings.Contains(out, "[Exit code: 4]") {
		t.Errorf("unexpected output %q", out)
	}

	out, err = runTool(t, env, ToolShell, map[string]any{"command": "sleep 5", "timeout_ms": 50})
	if err != nil {
		t.Fatalf("shell: %v", err)
	}
	if !strings.Contains(out, "timed out after 50ms") {
		t.Errorf("expected timeout notice, got %q", out)
	}

	out, err = runTool(t, env, ToolShell, map[string]any{"command": "true"})
	if err != nil || out != "(no output)" {
		t.Errorf("shell true = %q, %v", out, err)
	}
}

func TestGlobToolNoMatch(t *testing.T) {
	env, _ := newTestEnv(t)
	out, err := runTool(t, env, ToolGlob, map[string]any{"pattern": "**/*.zig"})
	if err != nil || out != "No files matched the pattern." {
		t.Errorf("glob = %q, %v", out, err)
	}
}
