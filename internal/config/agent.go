package config

import (
	"fmt"
	"os"

	"github.com/titanous/json5"
)

// AgentConfig is the per-agent launch document the spawner writes to
// configs/<agent_id>_config.json and the agent process reads on startup.
type AgentConfig struct {
	AgentID         string       `json:"agent_id"`
	BinaryName      string       `json:"binary_name"`
	WorkspaceRoot   string       `json:"workspace_root,omitempty"`
	Task            string       `json:"task"`
	Prompt          string       `json:"prompt"`
	Database        string       `json:"database"`
	AgentBinaryPath string       `json:"agent_binary_path"`
	IRCServer       string       `json:"irc_server"`
	IRCPort         int          `json:"irc_port"`
	MemoryDirectory string       `json:"memory_directory"`
	Context         string       `json:"context"`
	LLDBDevices     []LLDBDevice `json:"lldb_devices,omitempty"`

	// Resurrection is present only when the agent is relaunched after
	// completing, e.g. to join a conflict discussion.
	Resurrection *ResurrectionConfig `json:"resurrection,omitempty"`
}

// ResurrectionConfig explains why a completed agent was relaunched.
type ResurrectionConfig struct {
	Reason          string `json:"reason"`
	ConflictChannel string `json:"conflict_channel,omitempty"`
}

// LoadAgentConfig reads a per-agent launch config.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent config: %w", err)
	}
	var cfg AgentConfig
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse agent config: %w", err)
	}
	if cfg.AgentID == "" {
		return nil, fmt.Errorf("agent config: agent_id is required")
	}
	return &cfg, nil
}
