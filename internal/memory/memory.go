// Package memory implements the file-backed memory namespace. The
// orchestrator and each agent get their own directory of free-form notes
// the model reads and writes through a single tool.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/reswarm/internal/tools"
)

// Store is one memory namespace rooted at a directory.
type Store struct {
	root string
}

// NewStore creates (if needed) and opens a namespace directory.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create namespace %s: %w", root, err)
	}
	return &Store{root: root}, nil
}

// Root returns the namespace directory.
func (s *Store) Root() string { return s.root }

func (s *Store) resolve(rel string) (string, error) {
	clean := filepath.Clean(rel)
	if clean == "." {
		return s.root, nil
	}
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("memory: path %q escapes the namespace", rel)
	}
	return filepath.Join(s.root, clean), nil
}

// List returns all memory files relative to the root, sorted.
func (s *Store) List() ([]string, error) {
	var files []string
	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory: list: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// Read returns a file's contents.
func (s *Store) Read(rel string) (string, error) {
	path, err := s.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("memory: read %s: %w", rel, err)
	}
	return string(data), nil
}

// Write creates or replaces a file.
func (s *Store) Write(rel, content string) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memory: write %s: %w", rel, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", rel, err)
	}
	return nil
}

// Append adds content to the end of a file, creating it if missing.
func (s *Store) Append(rel, content string) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memory: append %s: %w", rel, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: append %s: %w", rel, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("memory: append %s: %w", rel, err)
	}
	return nil
}

// Delete removes a file. Deleting a missing file is not an error.
func (s *Store) Delete(rel string) error {
	path, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memory: delete %s: %w", rel, err)
	}
	return nil
}

// ToolName is the registered name of the memory tool.
const ToolName = "memory"

// MemoryTool exposes the store to the model.
type MemoryTool struct {
	Store *Store
}

func (t *MemoryTool) Name() string { return ToolName }
func (t *MemoryTool) Description() string {
	return "Persistent note storage: list, view, write, append or delete memory files"
}

func (t *MemoryTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type": "string",
				"enum": []string{"list", "view", "write", "append", "delete"},
			},
			"path":    map[string]any{"type": "string", "description": "Memory file path"},
			"content": map[string]any{"type": "string", "description": "Content for write/append"},
		},
		"required": []string{"command"},
	}
}

func (t *MemoryTool) Execute(_ context.Context, args map[string]any) *tools.Result {
	command, _ := args["command"].(string)
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)

	switch command {
	case "list":
		files, err := t.Store.List()
		if err != nil {
			return tools.ErrorResult(err.Error()).WithError(err)
		}
		if len(files) == 0 {
			return tools.NewResult("(no memories)")
		}
		return tools.NewResult(strings.Join(files, "\n"))

	case "view":
		data, err := t.Store.Read(path)
		if err != nil {
			return tools.ErrorResult(err.Error()).WithError(err)
		}
		return tools.NewResult(data)

	case "write":
		if err := t.Store.Write(path, content); err != nil {
			return tools.ErrorResult(err.Error()).WithError(err)
		}
		return tools.NewResult(fmt.Sprintf("wrote %s (%d bytes)", path, len(content)))

	case "append":
		if err := t.Store.Append(path, content); err != nil {
			return tools.ErrorResult(err.Error()).WithError(err)
		}
		return tools.NewResult(fmt.Sprintf("appended to %s", path))

	case "delete":
		if err := t.Store.Delete(path); err != nil {
			return tools.ErrorResult(err.Error()).WithError(err)
		}
		return tools.NewResult(fmt.Sprintf("deleted %s", path))

	default:
		return tools.ErrorResult(fmt.Sprintf("unknown memory command %q", command))
	}
}
