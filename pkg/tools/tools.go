// Package tools provides the built-in tool set: workspace-confined file
// operations and shell execution, registered against a toolexec.Registry.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/harun/laju/pkg/toolexec"
)

const defaultReadLimit = 200000

// Workspace confines every built-in tool to a root directory. Paths are
// resolved relative to the root and rejected when they escape it.
type Workspace struct {
	root string
}

// NewWorkspace creates a workspace rooted at dir
func NewWorkspace(dir string) (*Workspace, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("workspace root is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("workspace root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("workspace root %s is not a directory", abs)
	}
	return &Workspace{root: abs}, nil
}

// Root returns the absolute workspace root
func (w *Workspace) Root() string { return w.root }

// Resolve maps a tool-supplied path onto the filesystem, rejecting anything
// outside the workspace root
func (w *Workspace) Resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", errors.New("path is required")
	}
	if strings.Contains(path, "://") {
		return "", errors.New("path must be a local file")
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.root, candidate)
	}
	candidate = filepath.Clean(candidate)

	rel, err := filepath.Rel(w.root, candidate)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return candidate, nil
}

// Register adds the built-in tools to a registry
func Register(registry *toolexec.Registry, ws *Workspace) error {
	builtins := []toolexec.Tool{
		&readTool{ws: ws},
		&listTool{ws: ws},
		&writeTool{ws: ws},
		&editTool{ws: ws},
		&patchTool{ws: ws},
		&bashTool{ws: ws},
	}
	for _, tool := range builtins {
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("register %s: %w", tool.Spec().Name, err)
		}
	}
	return nil
}

// encode renders a tool result as compact JSON for the model
func encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type readTool struct {
	ws *Workspace
}

func (t *readTool) Spec() toolexec.Spec {
	return toolexec.Spec{
		Name:        "read",
		Description: "Read a file from the workspace.",
		Parameters: []toolexec.Param{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "max_bytes", Type: "number", Description: "Maximum bytes to read", Default: defaultReadLimit},
		},
	}
}

func (t *readTool) Mutating() bool { return false }

func (t *readTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	target, err := t.ws.Resolve(path)
	if err != nil {
		return "", err
	}

	limit := int64(defaultReadLimit)
	if raw, ok := args["max_bytes"].(float64); ok && raw > 0 {
		limit = int64(raw)
	}

	data, truncated, err := readWithLimit(target, limit)
	if err != nil {
		return "", err
	}
	return encode(map[string]interface{}{
		"path":      path,
		"content":   string(data),
		"truncated": truncated,
		"bytes":     len(data),
	})
}

func readWithLimit(path string, limit int64) ([]byte, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.CopyN(&buf, file, limit); err != nil && !errors.Is(err, io.EOF) {
		return nil, false, err
	}
	truncated := false
	if _, err := file.Read(make([]byte, 1)); err == nil {
		truncated = true
	}
	return buf.Bytes(), truncated, nil
}

type listTool struct {
	ws *Workspace
}

func (t *listTool) Spec() toolexec.Spec {
	return toolexec.Spec{
		Name:        "list",
		Description: "List the entries of a workspace directory.",
		Parameters: []toolexec.Param{
			{Name: "path", Type: "string", Description: "Directory path relative to the workspace", Default: "."},
		},
	}
}

func (t *listTool) Mutating() bool { return false }

func (t *listTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	if strings.TrimSpace(path) == "" {
		path = "."
	}
	target, err := t.ws.Resolve(path)
	if err != nil {
		return "", err
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return "", err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return encode(map[string]interface{}{
		"path":    path,
		"entries": names,
	})
}

type writeTool struct {
	ws *Workspace
}

func (t *writeTool) Spec() toolexec.Spec {
	return toolexec.Spec{
		Name:        "write",
		Description: "Write content to a workspace file, creating parent directories as needed.",
		Parameters: []toolexec.Param{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "content", Type: "string", Description: "File content", Required: true},
			{Name: "append", Type: "boolean", Description: "Append instead of overwrite"},
		},
	}
}

func (t *writeTool) Mutating() bool { return true }

func (t *writeTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	target, err := t.ws.Resolve(path)
	if err != nil {
		return "", err
	}
	content, _ := args["content"].(string)
	appendMode, _ := args["append"].(bool)

	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return "", err
	}

	flag := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendMode {
		flag = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(target, flag, 0644)
	if err != nil {
		return "", err
	}
	if _, err := file.WriteString(content); err != nil {
		file.Close()
		return "", err
	}
	if err := file.Close(); err != nil {
		return "", err
	}

	return encode(map[string]interface{}{
		"path":   path,
		"bytes":  len(content),
		"append": appendMode,
	})
}

type editTool struct {
	ws *Workspace
}

func (t *editTool) Spec() toolexec.Spec {
	return toolexec.Spec{
		Name:        "edit",
		Description: "Replace text in a workspace file.",
		Parameters: []toolexec.Param{
			{Name: "path", Type: "string", Description: "File path relative to the workspace", Required: true},
			{Name: "search", Type: "string", Description: "Text to search for", Required: true},
			{Name: "replace", Type: "string", Description: "Replacement text", Required: true},
			{Name: "replace_all", Type: "boolean", Description: "Replace every occurrence"},
		},
	}
}

func (t *editTool) Mutating() bool { return true }

func (t *editTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	path, _ := args["path"].(string)
	target, err := t.ws.Resolve(path)
	if err != nil {
		return "", err
	}
	search, _ := args["search"].(string)
	replace, _ := args["replace"].(string)
	replaceAll, _ := args["replace_all"].(bool)
	if search == "" {
		return "", errors.New("search is required")
	}

	data, err := os.ReadFile(target)
	if err != nil {
		return "", err
	}
	content := string(data)

	occurrences := strings.Count(content, search)
	if occurrences == 0 {
		return "", errors.New("search text not found")
	}
	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(content, search, replace)
	} else {
		occurrences = 1
		idx := strings.Index(content, search)
		updated = content[:idx] + replace + content[idx+len(search):]
	}

	if err := os.WriteFile(target, []byte(updated), 0644); err != nil {
		return "", err
	}

	return encode(map[string]interface{}{
		"path":        path,
		"occurrences": occurrences,
	})
}

type bashTool struct {
	ws *Workspace
}

func (t *bashTool) Spec() toolexec.Spec {
	return toolexec.Spec{
		Name:        "bash",
		Description: "Run a shell command inside the workspace. Output is truncated past 200KB.",
		Parameters: []toolexec.Param{
			{Name: "command", Type: "string", Description: "Command line passed to sh -c", Required: true},
			{Name: "cwd", Type: "string", Description: "Working directory relative to the workspace"},
		},
	}
}

func (t *bashTool) Mutating() bool { return true }

func (t *bashTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	command, _ := args["command"].(string)
	command = strings.TrimSpace(command)
	if command == "" {
		return "", errors.New("command is required")
	}

	dir := t.ws.Root()
	if cwd, ok := args["cwd"].(string); ok && strings.TrimSpace(cwd) != "" {
		resolved, err := t.ws.Resolve(cwd)
		if err != nil {
			return "", err
		}
		dir = resolved
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() != nil {
		// Report the deadline, not the SIGKILL the runtime delivered.
		return "", ctx.Err()
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return "", runErr
		}
	}

	return encode(map[string]interface{}{
		"stdout":    clip(stdout.String(), defaultReadLimit),
		"stderr":    clip(stderr.String(), defaultReadLimit),
		"exit_code": exitCode,
	})
}

func clip(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n[output truncated]"
}
