package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/reswarm/internal/ledger"
	"github.com/nextlevelbuilder/reswarm/internal/program"
	"github.com/nextlevelbuilder/reswarm/internal/tools"
	"github.com/nextlevelbuilder/reswarm/pkg/protocol"
)

// conflictState tracks the agent's side of one live conflict discussion.
type conflictState struct {
	channel  string
	resolved bool
}

// ExecuteWrite runs a write-class tool with the pre-check: conflicts found
// in the ledger suspend execution and open (or join) the conflict channel.
// The returned conflicts are non-empty when the call was withheld.
func (a *Agent) ExecuteWrite(ctx context.Context, toolName string, address program.Addr, args map[string]any) (*tools.Result, []ledger.Conflict, error) {
	if ledger.IsWriteTool(toolName) {
		conflicts, err := a.led.CheckForConflicts(a.cfg.AgentID, toolName, address, args)
		if err != nil {
			// A failed pre-check is treated as no conflict; the consensus
			// protocol is the final authority.
			slog.Warn("swarm: conflict pre-check failed", "tool", toolName, "error", err)
		}
		if len(conflicts) > 0 {
			a.startConflict(toolName, address, args, conflicts)
			return nil, conflicts, nil
		}
	}

	result := a.registry.Execute(ctx, toolName, args)
	if err := a.led.Record(a.cfg.AgentID, toolName, address, args); err != nil {
		// LedgerWriteFailed: logged, never retried.
		slog.Warn("swarm: ledger record failed", "tool", toolName, "error", err)
	}
	return result, nil, nil
}

// startConflict opens the deterministic conflict channel, posts the
// agent's intent, and asks the orchestrator to pull in the other parties.
func (a *Agent) startConflict(toolName string, address program.Addr, args map[string]any, conflicts []ledger.Conflict) {
	channel := protocol.ConflictChannel(address, toolName)
	a.joinConflictChannel(channel)

	intent, _ := json.Marshal(args)
	summary := fmt.Sprintf("Conflict detected at %#x over %s. %s intends: %s",
		address, toolName, a.cfg.AgentID, intent)
	if err := a.client.Privmsg(channel, summary); err != nil {
		slog.Warn("swarm: conflict summary send failed", "error", err)
	}

	notified := make(map[string]bool)
	for _, c := range conflicts {
		other := c.First.AgentID
		if other == a.cfg.AgentID || notified[other] {
			continue
		}
		notified[other] = true
		join := protocol.PrefixJoinConflict + other + "|" + channel
		if err := a.client.Privmsg(protocol.ChannelAgents, join); err != nil {
			slog.Warn("swarm: JOIN_CONFLICT send failed", "agent", other, "error", err)
		}
	}
	slog.Info("swarm: opened conflict discussion", "channel", channel, "parties", len(notified))
}

func (a *Agent) joinConflictChannel(channel string) {
	if err := a.client.Join(channel); err != nil {
		slog.Warn("swarm: conflict join failed", "channel", channel, "error", err)
		return
	}
	a.mu.Lock()
	a.conflict = &conflictState{channel: channel}
	a.mu.Unlock()
}

// InConflict reports whether a conflict discussion is active.
func (a *Agent) InConflict() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.conflict != nil && !a.conflict.resolved
}

// ConflictChannel returns the active discussion channel, if any.
func (a *Agent) ConflictChannel() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conflict == nil {
		return "", false
	}
	return a.conflict.channel, true
}

// Say posts free-form discussion text to the active conflict channel.
func (a *Agent) Say(text string) error {
	channel, ok := a.ConflictChannel()
	if !ok {
		return fmt.Errorf("swarm: no active conflict")
	}
	return a.client.Privmsg(channel, text)
}

// MarkConsensus signals that this agent considers the discussion
// converged.
func (a *Agent) MarkConsensus(statement string) error {
	channel, ok := a.ConflictChannel()
	if !ok {
		return fmt.Errorf("swarm: no active conflict")
	}
	payload := protocol.PrefixMarkedConsensus + a.cfg.AgentID + "|" + statement
	return a.client.Privmsg(channel, payload)
}

// handleConflictMessage reacts to orchestrator traffic on a conflict
// channel: enforced tool pushes and session completion.
func (a *Agent) handleConflictMessage(channel, sender, payload string) {
	if rest, ok := strings.CutPrefix(payload, protocol.PrefixManualToolExec); ok {
		a.handleManualExec(channel, rest)
		return
	}

	if payload == protocol.ConsensusComplete {
		slog.Info("swarm: consensus complete", "channel", channel)
		a.client.Part(channel)
		a.mu.Lock()
		if a.conflict != nil && a.conflict.channel == channel {
			a.conflict = nil
		}
		a.mu.Unlock()
	}
}

// handleManualExec applies an enforced consensus tool locally, records it
// tagged __is_manual, and acks.
func (a *Agent) handleManualExec(channel, rest string) {
	fields := protocol.SplitFields(rest, 3)
	if len(fields) != 3 || fields[0] != a.cfg.AgentID {
		return
	}
	toolName, paramsJSON := fields[1], fields[2]

	var params map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		slog.Warn("swarm: MANUAL_TOOL_EXEC params not JSON", "error", err)
		return
	}

	result := a.registry.Execute(context.Background(), toolName, params)

	// Record with the manual tag so enforcement verification can compare
	// every participant's applied parameters.
	recorded := make(map[string]any, len(params)+2)
	for k, v := range params {
		recorded[k] = v
	}
	recorded["__is_manual"] = true
	recorded["__enforced_by"] = "orchestrator"

	address := program.BADADDR
	if addr, err := tools.ParseAddr(params["address"]); err == nil {
		address = addr
	}
	if err := a.led.Record(a.cfg.AgentID, toolName, address, recorded); err != nil {
		slog.Warn("swarm: manual record failed", "error", err)
	}

	status := "success"
	resultBody := result.ForLLM
	if result.IsError {
		status = "failure"
	}
	body, _ := json.Marshal(map[string]any{"success": !result.IsError, "result": resultBody})
	ack := fmt.Sprintf("%s%s|%s|%s", protocol.PrefixManualToolResult, a.cfg.AgentID, status, body)
	if err := a.client.Privmsg(channel, ack); err != nil {
		slog.Warn("swarm: manual ack send failed", "error", err)
	}
	slog.Info("swarm: executed enforced consensus tool", "tool", toolName, "status", status)
}
