package memory

import (
	"context"
	"strings"
	"testing"
)

func TestStoreCRUD(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Write("findings/crypto.md", "AES key schedule at 0x4020"); err != nil {
		t.Fatal(err)
	}
	if err := s.Append("findings/crypto.md", "\nIV constant at 0x4100"); err != nil {
		t.Fatal(err)
	}

	data, err := s.Read("findings/crypto.md")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(data, "AES") || !strings.Contains(data, "IV constant") {
		t.Errorf("content = %q", data)
	}

	files, err := s.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0] != "findings/crypto.md" {
		t.Errorf("files = %v", files)
	}

	if err := s.Delete("findings/crypto.md"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("findings/crypto.md"); err != nil {
		t.Errorf("double delete errored: %v", err)
	}
}

func TestStoreRejectsEscapes(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Write("../outside.md", "x"); err == nil {
		t.Error("escape path accepted")
	}
	if _, err := s.Read("/etc/passwd"); err == nil {
		t.Error("absolute path accepted")
	}
}

func TestMemoryToolCommands(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	tool := &MemoryTool{Store: s}
	ctx := context.Background()

	res := tool.Execute(ctx, map[string]any{"command": "write", "path": "a.md", "content": "alpha"})
	if res.IsError {
		t.Fatalf("write: %s", res.ForLLM)
	}
	res = tool.Execute(ctx, map[string]any{"command": "view", "path": "a.md"})
	if res.IsError || res.ForLLM != "alpha" {
		t.Errorf("view = %+v", res)
	}
	res = tool.Execute(ctx, map[string]any{"command": "list"})
	if res.IsError || res.ForLLM != "a.md" {
		t.Errorf("list = %+v", res)
	}
	res = tool.Execute(ctx, map[string]any{"command": "bogus"})
	if !res.IsError {
		t.Error("bogus command accepted")
	}
}
