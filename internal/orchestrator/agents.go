package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/bus"
	"github.com/nextlevelbuilder/reswarm/internal/config"
	"github.com/nextlevelbuilder/reswarm/internal/lldbcfg"
	"github.com/nextlevelbuilder/reswarm/internal/metrics"
	"github.com/nextlevelbuilder/reswarm/internal/spawner"
)

// SpawnAgent forks the database, writes the launch config and starts the
// agent process. Returns the new agent's id.
func (o *Orchestrator) SpawnAgent(task, context string) (string, error) {
	o.mu.Lock()
	o.nextAgentID++
	agentID := fmt.Sprintf("agent_%d", o.nextAgentID)
	o.mu.Unlock()

	o.events.Publish(bus.Event{Kind: bus.EventAgentSpawning, Source: "orchestrator",
		Payload: map[string]any{"agent_id": agentID, "task": task}})

	dbPath, err := o.forker.CreateAgentDatabase(agentID)
	if err != nil {
		o.events.Publish(bus.Event{Kind: bus.EventAgentSpawnFail, Source: "orchestrator",
			Payload: map[string]any{"agent_id": agentID, "error": err.Error()}})
		return "", err
	}

	devices := o.cfg.LLDB.Devices
	if overrides, err := lldbcfg.Load(o.ws.PreservedPath()); err == nil {
		devices = lldbcfg.Merge(devices, overrides)
	}

	agentCfg := &config.AgentConfig{
		AgentID:         agentID,
		BinaryName:      o.ws.BinaryName(),
		WorkspaceRoot:   o.ws.Root(),
		Task:            task,
		Prompt:          agentPrompt(task, context),
		Database:        dbPath,
		AgentBinaryPath: o.forker.AgentBinary(agentID),
		IRCServer:       o.cfg.IRC.Server,
		IRCPort:         o.port,
		MemoryDirectory: o.ws.AgentMemoriesDir(agentID),
		Context:         context,
		LLDBDevices:     devices,
	}

	pid, err := o.spawner.Spawn(agentCfg)
	if err != nil {
		o.events.Publish(bus.Event{Kind: bus.EventAgentSpawnFail, Source: "orchestrator",
			Payload: map[string]any{"agent_id": agentID, "error": err.Error()}})
		return "", err
	}

	o.mu.Lock()
	o.agents[agentID] = &AgentInfo{
		AgentID:      agentID,
		Task:         task,
		DatabasePath: dbPath,
		BinaryPath:   agentCfg.AgentBinaryPath,
		ProcessID:    pid,
	}
	active := o.countRunningLocked()
	o.mu.Unlock()

	o.mets.Inc(metrics.AgentsSpawned)
	o.mets.SetActive(active)
	o.events.Publish(bus.Event{Kind: bus.EventAgentSpawned, Source: "orchestrator",
		Payload: map[string]any{"agent_id": agentID, "pid": pid}})

	slog.Info("orchestrator: spawned agent", "agent", agentID, "pid", pid, "task", task)
	return agentID, nil
}

func (o *Orchestrator) countRunningLocked() int {
	n := 0
	for id, info := range o.agents {
		if !o.completed[id] && spawner.IsRunning(info.ProcessID) {
			n++
		}
	}
	return n
}

// AgentExists reports whether agentID was ever spawned.
func (o *Orchestrator) AgentExists(agentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.agents[agentID]
	return ok
}

// IsAgentRunning reports whether agentID's process is alive.
func (o *Orchestrator) IsAgentRunning(agentID string) bool {
	o.mu.Lock()
	info, ok := o.agents[agentID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	return spawner.IsRunning(info.ProcessID)
}

// IsCompleted reports whether agentID already delivered (or was credited
// with) a final report.
func (o *Orchestrator) IsCompleted(agentID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.completed[agentID]
}

// Resurrect relaunches a completed agent so it can join a conflict
// discussion. The completed mark is cleared; it comes back when the new
// process reports again.
func (o *Orchestrator) Resurrect(agentID, conflictChannel string) error {
	o.mu.Lock()
	info, ok := o.agents[agentID]
	wasCompleted := o.completed[agentID]
	if ok && wasCompleted {
		delete(o.completed, agentID)
	}
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("orchestrator: unknown agent %s", agentID)
	}
	if !wasCompleted {
		return fmt.Errorf("orchestrator: agent %s is not completed", agentID)
	}

	pid, err := o.spawner.Resurrect(agentID, &config.ResurrectionConfig{
		Reason:          "conflict_resolution",
		ConflictChannel: conflictChannel,
	})
	if err != nil {
		// Restore the completed mark; the resurrection never happened.
		o.mu.Lock()
		o.completed[agentID] = true
		o.mu.Unlock()
		return err
	}

	o.mu.Lock()
	info.ProcessID = pid
	info.Task = "Conflict Resolution"
	o.mu.Unlock()

	o.mets.Inc(metrics.AgentsResurrected)
	return nil
}

// AgentResult returns an agent's final report.
func (o *Orchestrator) AgentResult(agentID string) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if report, ok := o.results[agentID]; ok {
		return report
	}
	return "Agent did not provide a report"
}

// orphanReport is credited to agents whose process died before reporting.
const orphanReport = "Agent process terminated without sending final report"

// WaitForAgents blocks until every listed agent completes: either a final
// report arrived on #results or its process exited, whichever first.
func (o *Orchestrator) WaitForAgents(agentIDs []string) {
	if len(agentIDs) == 0 {
		return
	}
	slog.Info("orchestrator: waiting for agents", "count", len(agentIDs))

	for !o.shuttingDown.Load() {
		done := 0
		for _, agentID := range agentIDs {
			if o.IsCompleted(agentID) {
				done++
				continue
			}

			o.mu.Lock()
			info, ok := o.agents[agentID]
			o.mu.Unlock()
			if !ok {
				done++
				continue
			}

			if !spawner.IsRunning(info.ProcessID) {
				// Orphan completion: credit a synthetic report.
				slog.Info("orchestrator: agent exited without report", "agent", agentID, "pid", info.ProcessID)
				o.recordCompletion(agentID, orphanReport)
				done++
			}
		}

		if done >= len(agentIDs) {
			slog.Info("orchestrator: all agents completed", "count", len(agentIDs))
			return
		}
		time.Sleep(o.CompletionPoll)
	}
}

// recordCompletion stores the report, marks completion, auto-merges, and
// cleans up write-free agents. Idempotent per agent per completion.
func (o *Orchestrator) recordCompletion(agentID, report string) {
	o.mu.Lock()
	if o.completed[agentID] {
		o.mu.Unlock()
		return
	}
	o.completed[agentID] = true
	o.results[agentID] = report
	active := o.countRunningLocked()
	o.mu.Unlock()

	o.mets.SetActive(active)
	o.events.Publish(bus.Event{Kind: bus.EventAgentComplete, Source: agentID,
		Payload: map[string]any{"agent_id": agentID}})

	o.autoMerge(agentID)
}

func (o *Orchestrator) autoMerge(agentID string) {
	result, err := o.merger.MergeAgentChanges(context.Background(), agentID)
	if err != nil {
		slog.Warn("orchestrator: auto-merge failed", "agent", agentID, "error", err)
		return
	}
	o.mets.Add(metrics.MergesApplied, float64(result.ChangesApplied))
	o.mets.Add(metrics.MergesFailed, float64(result.ChangesFailed))
	slog.Info("orchestrator: auto-merged agent changes",
		"agent", agentID, "applied", result.ChangesApplied, "failed", result.ChangesFailed)

	if removed, err := o.forker.CleanupIfNoWrites(agentID); err != nil {
		slog.Warn("orchestrator: cleanup check failed", "agent", agentID, "error", err)
	} else if removed {
		slog.Info("orchestrator: cleaned write-free agent", "agent", agentID)
	}
}
