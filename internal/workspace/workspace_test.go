package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPreparePreservesLLDBConfig(t *testing.T) {
	root := t.TempDir()
	w := New(root, "target.bin")

	// Simulate a previous session with stale state plus device overrides.
	os.MkdirAll(w.AgentDir("agent_1"), 0o755)
	os.WriteFile(filepath.Join(w.AgentDir("agent_1"), "junk"), []byte("stale"), 0o644)
	os.WriteFile(w.PreservedPath(), []byte(`{"devices":[{"name":"dev1"}]}`), 0o644)

	if err := w.Prepare(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(w.AgentDir("agent_1")); !os.IsNotExist(err) {
		t.Error("stale agent dir survived wipe")
	}
	data, err := os.ReadFile(w.PreservedPath())
	if err != nil {
		t.Fatalf("lldb_config.json lost in wipe: %v", err)
	}
	if !strings.Contains(string(data), "dev1") {
		t.Errorf("preserved content = %q", data)
	}
	for _, dir := range []string{w.ConfigsDir(), w.MemoriesDir()} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Errorf("skeleton dir %s missing", dir)
		}
	}
}

func TestPrepareWithoutPreservedFile(t *testing.T) {
	w := New(t.TempDir(), "target.bin")
	if err := w.Prepare(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(w.PreservedPath()); !os.IsNotExist(err) {
		t.Error("lldb_config.json fabricated from nothing")
	}
}

func TestRemoveAgentCopiesKeepsMemories(t *testing.T) {
	w := New(t.TempDir(), "target.bin")
	if err := w.Prepare(); err != nil {
		t.Fatal(err)
	}
	if _, err := w.PrepareAgent("agent_1"); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(w.AgentDatabasePath("agent_1"), []byte("db"), 0o644)
	os.WriteFile(w.AgentBinaryPath("agent_1"), []byte("bin"), 0o644)
	os.WriteFile(filepath.Join(w.AgentMemoriesDir("agent_1"), "note.md"), []byte("keep"), 0o644)

	if err := w.RemoveAgentCopies("agent_1"); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(w.AgentDatabasePath("agent_1")); !os.IsNotExist(err) {
		t.Error("database copy survived")
	}
	if _, err := os.Stat(filepath.Join(w.AgentMemoriesDir("agent_1"), "note.md")); err != nil {
		t.Error("memories removed")
	}
}

func TestWriteResultsSummary(t *testing.T) {
	w := New(t.TempDir(), "target.bin")
	if err := w.Prepare(); err != nil {
		t.Fatal(err)
	}
	w.PrepareAgent("agent_1")
	os.WriteFile(filepath.Join(w.AgentMemoriesDir("agent_1"), "crypto.md"), []byte("AES at 0x4020"), 0o644)

	err := w.WriteResultsSummary([]ResultEntry{
		{AgentID: "agent_1", Task: "find crypto", Report: "found AES key schedule"},
	})
	if err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(w.Dir(), "all_agent_results.txt"))
	if err != nil {
		t.Fatal(err)
	}
	text := string(data)
	for _, want := range []string{"Agent: agent_1", "find crypto", "found AES key schedule", "crypto.md", "AES at 0x4020"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q", want)
		}
	}
}
