// Package spawner launches, monitors and resurrects agent processes. Each
// agent runs as a separate OS process reading its launch config from the
// session's configs directory.
package spawner

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/nextlevelbuilder/reswarm/internal/config"
	"github.com/nextlevelbuilder/reswarm/internal/workspace"
)

// Spawner starts agent processes from a command template. The template is
// usually this binary plus the "agent" subcommand; the config path is
// appended as the last argument.
type Spawner struct {
	ws      *workspace.Workspace
	command []string
}

// New creates a spawner. command must contain at least the executable.
func New(ws *workspace.Workspace, command []string) (*Spawner, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("spawner: empty command template")
	}
	return &Spawner{ws: ws, command: command}, nil
}

// SelfCommand builds the default template: this executable's "agent"
// subcommand.
func SelfCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("spawner: resolve executable: %w", err)
	}
	return []string{exe, "agent", "--config"}, nil
}

// Spawn writes the launch config and starts the agent process. Returns the
// pid.
func (s *Spawner) Spawn(agentCfg *config.AgentConfig) (int, error) {
	path, err := s.writeConfig(agentCfg)
	if err != nil {
		return 0, err
	}
	return s.launch(agentCfg.AgentID, path)
}

// Resurrect relaunches a completed agent. The resurrection section is
// merged into the original launch config so the new process knows why it
// came back.
func (s *Spawner) Resurrect(agentID string, res *config.ResurrectionConfig) (int, error) {
	path := s.ws.AgentConfigPath(agentID)
	cfg, err := config.LoadAgentConfig(path)
	if err != nil {
		return 0, fmt.Errorf("spawner: resurrect %s: %w", agentID, err)
	}
	cfg.Resurrection = res

	if _, err := s.writeConfig(cfg); err != nil {
		return 0, err
	}
	pid, err := s.launch(agentID, path)
	if err != nil {
		return 0, err
	}
	slog.Info("spawner: resurrected agent", "agent", agentID, "pid", pid, "reason", res.Reason)
	return pid, nil
}

func (s *Spawner) writeConfig(cfg *config.AgentConfig) (string, error) {
	if err := os.MkdirAll(s.ws.ConfigsDir(), 0o755); err != nil {
		return "", fmt.Errorf("spawner: configs dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", fmt.Errorf("spawner: encode config: %w", err)
	}
	path := s.ws.AgentConfigPath(cfg.AgentID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("spawner: write config: %w", err)
	}
	return path, nil
}

func (s *Spawner) launch(agentID, configPath string) (int, error) {
	args := append(append([]string{}, s.command[1:]...), configPath)
	cmd := exec.Command(s.command[0], args...)
	cmd.Dir = s.ws.Dir()
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawner: start %s: %w", agentID, err)
	}
	pid := cmd.Process.Pid

	// Reap the child when it exits so it never lingers as a zombie.
	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Debug("spawner: agent process exited", "agent", agentID, "pid", pid, "error", err)
		}
	}()

	slog.Info("spawner: launched agent", "agent", agentID, "pid", pid)
	return pid, nil
}

// IsRunning reports whether pid is alive.
func IsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes without delivering.
	err = proc.Signal(syscall.Signal(0))
	return err == nil
}

// Terminate sends SIGTERM to pid. Already-dead processes are not an error.
func Terminate(pid int) error {
	if pid <= 0 {
		return nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && err != os.ErrProcessDone {
		return fmt.Errorf("spawner: terminate pid %d: %w", pid, err)
	}
	return nil
}
