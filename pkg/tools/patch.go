package tools

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/harun/laju/pkg/toolexec"
)

type hunkLine struct {
	kind byte
	text string
}

type hunk struct {
	start int
	lines []hunkLine
}

type filePatch struct {
	path  string
	hunks []hunk
}

type patchTool struct {
	ws *Workspace
}

func (t *patchTool) Spec() toolexec.Spec {
	return toolexec.Spec{
		Name:        "patch",
		Description: "Apply a unified diff to workspace files.",
		Parameters: []toolexec.Param{
			{Name: "patch", Type: "string", Description: "Unified diff text", Required: true},
		},
	}
}

func (t *patchTool) Mutating() bool { return true }

func (t *patchTool) Run(ctx context.Context, args map[string]interface{}) (string, error) {
	patchText, _ := args["patch"].(string)
	if strings.TrimSpace(patchText) == "" {
		return "", errors.New("patch is required")
	}

	patches, err := parseUnifiedPatch(patchText)
	if err != nil {
		return "", err
	}
	if len(patches) == 0 {
		return "", errors.New("patch names no files")
	}

	results := make([]map[string]interface{}, 0, len(patches))
	for _, patch := range patches {
		target, err := t.ws.Resolve(patch.path)
		if err != nil {
			return "", err
		}
		orig, err := os.ReadFile(target)
		if err != nil && !os.IsNotExist(err) {
			return "", err
		}
		updated, applied, err := applyHunks(splitLines(string(orig)), patch.hunks)
		if err != nil {
			return "", fmt.Errorf("%s: %w", patch.path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return "", err
		}
		if err := os.WriteFile(target, []byte(strings.Join(updated, "\n")), 0644); err != nil {
			return "", err
		}
		results = append(results, map[string]interface{}{
			"path":  patch.path,
			"hunks": applied,
		})
	}

	return encode(map[string]interface{}{"files": results})
}

func parseUnifiedPatch(patchText string) ([]filePatch, error) {
	var patches []filePatch
	var current *filePatch
	var currentHunk *hunk

	for _, raw := range strings.Split(patchText, "\n") {
		line := strings.TrimRight(raw, "\r")
		switch {
		case strings.HasPrefix(line, "--- "):
			continue
		case strings.HasPrefix(line, "+++ "):
			path := strings.TrimSpace(strings.TrimPrefix(line, "+++ "))
			path = strings.TrimPrefix(path, "a/")
			path = strings.TrimPrefix(path, "b/")
			if path == "" {
				continue
			}
			patches = append(patches, filePatch{path: path})
			current = &patches[len(patches)-1]
			currentHunk = nil
		case strings.HasPrefix(line, "@@"):
			if current == nil {
				continue
			}
			start, err := parseHunkHeader(line)
			if err != nil {
				return nil, err
			}
			current.hunks = append(current.hunks, hunk{start: start})
			currentHunk = &current.hunks[len(current.hunks)-1]
		default:
			if currentHunk == nil || len(line) == 0 {
				continue
			}
			switch line[0] {
			case ' ', '+', '-':
				currentHunk.lines = append(currentHunk.lines, hunkLine{kind: line[0], text: line[1:]})
			}
		}
	}
	return patches, nil
}

// parseHunkHeader extracts the old-file start line from
// "@@ -start,count +start,count @@"
func parseHunkHeader(line string) (int, error) {
	parts := strings.Split(line, " ")
	if len(parts) < 3 {
		return 0, fmt.Errorf("invalid hunk header: %s", line)
	}
	left := strings.TrimPrefix(parts[1], "-")
	start := strings.Split(left, ",")[0]
	var startInt int
	if _, err := fmt.Sscanf(start, "%d", &startInt); err != nil {
		return 0, fmt.Errorf("invalid hunk header: %s", line)
	}
	if startInt < 1 {
		startInt = 1
	}
	return startInt, nil
}

func applyHunks(orig []string, hunks []hunk) ([]string, int, error) {
	out := make([]string, 0, len(orig))
	idx := 0
	applied := 0

	for _, h := range hunks {
		target := h.start - 1
		if target < idx {
			target = idx
		}
		if target > len(orig) {
			target = len(orig)
		}
		out = append(out, orig[idx:target]...)
		idx = target

		for _, ln := range h.lines {
			switch ln.kind {
			case ' ':
				if idx >= len(orig) || orig[idx] != ln.text {
					return nil, applied, fmt.Errorf("context mismatch at line %d", idx+1)
				}
				out = append(out, orig[idx])
				idx++
			case '-':
				if idx >= len(orig) || orig[idx] != ln.text {
					return nil, applied, fmt.Errorf("delete mismatch at line %d", idx+1)
				}
				idx++
			case '+':
				out = append(out, ln.text)
			}
		}
		applied++
	}

	out = append(out, orig[idx:]...)
	return out, applied, nil
}

func splitLines(content string) []string {
	if content == "" {
		return []string{}
	}
	lines := strings.Split(strings.TrimRight(content, "\n"), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, "\r")
	}
	return lines
}
