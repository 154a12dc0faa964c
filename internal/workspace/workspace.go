// Package workspace owns the on-disk session layout:
//
//	<root>/<binary_name>/
//	    configs/<agent_id>_config.json
//	    agents/<agent_id>/{database,binary,memories/...}
//	    memories/
//	    tool_calls.db
//	    orchestrator.log
//
// The workspace is wiped on orchestrator startup except for
// lldb_config.json, which carries the user's device overrides.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultRoot is where sessions live unless overridden.
const DefaultRoot = "/tmp/reswarm_workspace"

// PreservedFile survives the startup wipe.
const PreservedFile = "lldb_config.json"

// Workspace is one binary's session directory.
type Workspace struct {
	root       string
	binaryName string
}

// New creates a handle; nothing touches the disk until Prepare.
func New(root, binaryName string) *Workspace {
	if root == "" {
		root = DefaultRoot
	}
	return &Workspace{root: root, binaryName: binaryName}
}

// Dir returns the session directory.
func (w *Workspace) Dir() string { return filepath.Join(w.root, w.binaryName) }

// Root returns the workspace root holding every session.
func (w *Workspace) Root() string { return w.root }

// BinaryName returns the session's binary name.
func (w *Workspace) BinaryName() string { return w.binaryName }

// ConfigsDir returns the per-agent config directory.
func (w *Workspace) ConfigsDir() string { return filepath.Join(w.Dir(), "configs") }

// AgentConfigPath returns the launch config path for agentID.
func (w *Workspace) AgentConfigPath(agentID string) string {
	return filepath.Join(w.ConfigsDir(), agentID+"_config.json")
}

// AgentDir returns agentID's private subtree.
func (w *Workspace) AgentDir(agentID string) string {
	return filepath.Join(w.Dir(), "agents", agentID)
}

// AgentDatabasePath returns agentID's database copy.
func (w *Workspace) AgentDatabasePath(agentID string) string {
	return filepath.Join(w.AgentDir(agentID), "database")
}

// AgentBinaryPath returns agentID's binary copy.
func (w *Workspace) AgentBinaryPath(agentID string) string {
	return filepath.Join(w.AgentDir(agentID), "binary")
}

// AgentMemoriesDir returns agentID's memory namespace.
func (w *Workspace) AgentMemoriesDir(agentID string) string {
	return filepath.Join(w.AgentDir(agentID), "memories")
}

// MemoriesDir returns the orchestrator-side memory namespace.
func (w *Workspace) MemoriesDir() string { return filepath.Join(w.Dir(), "memories") }

// LedgerPath returns the shared tool-call ledger file.
func (w *Workspace) LedgerPath() string { return filepath.Join(w.Dir(), "tool_calls.db") }

// LogPath returns the orchestrator log file.
func (w *Workspace) LogPath() string { return filepath.Join(w.Dir(), "orchestrator.log") }

// PreservedPath returns the lldb device-override file.
func (w *Workspace) PreservedPath() string { return filepath.Join(w.Dir(), PreservedFile) }

// Prepare wipes the session directory from previous runs and recreates the
// skeleton. lldb_config.json is read before the wipe and restored after:
// read-reserve, wipe, restore.
func (w *Workspace) Prepare() error {
	dir := w.Dir()

	var preserved []byte
	if data, err := os.ReadFile(w.PreservedPath()); err == nil {
		preserved = data
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("workspace: wipe %s: %w", dir, err)
	}
	for _, sub := range []string{dir, w.ConfigsDir(), w.MemoriesDir(), filepath.Join(dir, "agents")} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return fmt.Errorf("workspace: create %s: %w", sub, err)
		}
	}

	if preserved != nil {
		if err := os.WriteFile(w.PreservedPath(), preserved, 0o644); err != nil {
			return fmt.Errorf("workspace: restore %s: %w", PreservedFile, err)
		}
	}
	return nil
}

// PrepareAgent creates agentID's subtree (including memories) and returns
// its directory.
func (w *Workspace) PrepareAgent(agentID string) (string, error) {
	dir := w.AgentDir(agentID)
	if err := os.MkdirAll(w.AgentMemoriesDir(agentID), 0o755); err != nil {
		return "", fmt.Errorf("workspace: create agent dir: %w", err)
	}
	return dir, nil
}

// RemoveAgentCopies deletes an agent's database and binary copies while
// keeping its memories directory.
func (w *Workspace) RemoveAgentCopies(agentID string) error {
	for _, path := range []string{w.AgentDatabasePath(agentID), w.AgentBinaryPath(agentID)} {
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("workspace: remove %s: %w", path, err)
		}
	}
	return nil
}
