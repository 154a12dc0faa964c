package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileTool lets the orchestrator emit implementation files and other
// outputs. Paths are confined to the configured output directory.
type WriteFileTool struct {
	Dir string
}

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write a file under the session output directory" }
func (t *WriteFileTool) InputSchema() map[string]any {
	return objectSchema([]string{"path", "content"}, map[string]any{
		"path":    map[string]any{"type": "string", "description": "Relative output path"},
		"content": map[string]any{"type": "string", "description": "File contents"},
	})
}

func (t *WriteFileTool) Execute(_ context.Context, args map[string]any) *Result {
	rel, err := StringArg(args, "path")
	if err != nil {
		return ErrorResult(err.Error())
	}
	content, err := StringArg(args, "content")
	if err != nil {
		return ErrorResult(err.Error())
	}

	clean := filepath.Clean(rel)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return ErrorResult(fmt.Sprintf("path %q escapes the output directory", rel))
	}

	full := filepath.Join(t.Dir, clean)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return ErrorResult(fmt.Sprintf("write_file: %v", err)).WithError(err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return ErrorResult(fmt.Sprintf("write_file: %v", err)).WithError(err)
	}
	return DataResult(map[string]any{"success": true, "path": clean, "bytes": len(content)})
}
