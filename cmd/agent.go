package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/reswarm/internal/config"
	"github.com/nextlevelbuilder/reswarm/internal/program"
	"github.com/nextlevelbuilder/reswarm/internal/swarm"
)

var agentCmd = &cobra.Command{
	Use:   "agent <agent_config.json>",
	Short: "Run one swarm agent from its launch config",
	Args:  cobra.ExactArgs(1),
	RunE:  runAgent,
}

func init() {
	rootCmd.AddCommand(agentCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	agentCfg, err := config.LoadAgentConfig(args[0])
	if err != nil {
		return err
	}
	slog.Info("agent starting", "agent", agentCfg.AgentID, "task", agentCfg.Task)

	// The disassembler collaborator loads the forked database copy. Until
	// one is attached, an empty in-memory database stands in so the swarm
	// mechanics (bus, conflicts, replication) run end to end.
	db, binary, err := openAgentDatabase(agentCfg)
	if err != nil {
		return err
	}

	agent, err := swarm.New(swarm.Options{Config: agentCfg, DB: db, Binary: binary})
	if err != nil {
		return err
	}
	if err := agent.Start(); err != nil {
		return err
	}
	defer agent.Close()

	// The LLM conversation loop is driven by the agent-side driver
	// collaborator; this process stays alive for bus coordination until
	// terminated by the orchestrator.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	slog.Info("agent stopping", "agent", agentCfg.AgentID)
	return nil
}

func openAgentDatabase(cfg *config.AgentConfig) (program.Database, program.BinaryFile, error) {
	if _, err := os.Stat(cfg.Database); err != nil {
		return nil, nil, fmt.Errorf("agent database missing: %w", err)
	}
	db := program.NewMemDB(program.FormatELF, 64)
	binary := program.NewMemBinary(0)
	return db, binary, nil
}
