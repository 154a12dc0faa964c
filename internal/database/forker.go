// Package database forks the main program database per agent and merges
// each agent's recorded writes back by replaying them through a tool
// executor bound to the main database.
package database

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nextlevelbuilder/reswarm/internal/ledger"
	"github.com/nextlevelbuilder/reswarm/internal/workspace"
)

// Forker materializes per-agent database and binary copies.
type Forker struct {
	ws         *workspace.Workspace
	mainDB     string
	mainBinary string
	led        *ledger.Ledger
}

// NewForker creates a forker over the main database and binary files.
func NewForker(ws *workspace.Workspace, mainDBPath, mainBinaryPath string, led *ledger.Ledger) *Forker {
	return &Forker{ws: ws, mainDB: mainDBPath, mainBinary: mainBinaryPath, led: led}
}

// CreateAgentDatabase copies the main database and binary into agentID's
// subtree and returns the new database path.
func (f *Forker) CreateAgentDatabase(agentID string) (string, error) {
	if _, err := f.ws.PrepareAgent(agentID); err != nil {
		return "", err
	}

	dbPath := f.ws.AgentDatabasePath(agentID)
	if err := copyPath(f.mainDB, dbPath); err != nil {
		return "", fmt.Errorf("database: fork db for %s: %w", agentID, err)
	}
	binPath := f.ws.AgentBinaryPath(agentID)
	if err := copyPath(f.mainBinary, binPath); err != nil {
		return "", fmt.Errorf("database: fork binary for %s: %w", agentID, err)
	}

	slog.Info("database: forked agent copies", "agent", agentID, "database", dbPath)
	return dbPath, nil
}

// AgentDatabase returns agentID's database copy path.
func (f *Forker) AgentDatabase(agentID string) string {
	return f.ws.AgentDatabasePath(agentID)
}

// AgentBinary returns agentID's binary copy path.
func (f *Forker) AgentBinary(agentID string) string {
	return f.ws.AgentBinaryPath(agentID)
}

// CleanupIfNoWrites deletes agentID's copies when the ledger records no
// writes for it. The memories directory always stays.
func (f *Forker) CleanupIfNoWrites(agentID string) (bool, error) {
	writes, err := f.led.AgentWriteOperations(agentID)
	if err != nil {
		return false, err
	}
	if len(writes) > 0 {
		return false, nil
	}
	if err := f.ws.RemoveAgentCopies(agentID); err != nil {
		return false, err
	}
	slog.Info("database: removed write-free agent copies", "agent", agentID)
	return true, nil
}

// copyPath copies a file or directory tree.
func copyPath(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return copyDir(src, dst)
	}
	return copyFile(src, dst, info.Mode())
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
