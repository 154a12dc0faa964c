package orchestrator

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/bus"
	"github.com/nextlevelbuilder/reswarm/internal/metrics"
	"github.com/nextlevelbuilder/reswarm/internal/nogo"
	"github.com/nextlevelbuilder/reswarm/internal/program"
	"github.com/nextlevelbuilder/reswarm/pkg/protocol"
)

// handleBusMessage is the orchestrator's PRIVMSG callback. It never lets a
// failure escape: the bus receive loop must survive anything.
func (o *Orchestrator) handleBusMessage(channel, sender, payload string) {
	o.mets.Inc(metrics.BusMessages)
	o.events.Publish(bus.Event{Kind: bus.EventMessage, Source: sender,
		Payload: map[string]any{"channel": channel, "message": payload}})

	// Conflict traffic: JOIN_CONFLICT requests and everything on
	// #conflict_* channels.
	if strings.HasPrefix(channel, protocol.ConflictChannelPrefix) ||
		(channel == protocol.ChannelAgents && strings.HasPrefix(payload, protocol.PrefixJoinConflict)) {
		if o.conflicts != nil {
			o.conflicts.HandleMessage(channel, sender, payload)
		}
		if strings.HasPrefix(channel, protocol.ConflictChannelPrefix) {
			return
		}
	}

	switch channel {
	case protocol.ChannelResults:
		o.handleResultMessage(payload)
	case protocol.ChannelAgents:
		o.handleAgentsMessage(sender, payload)
	}
}

func (o *Orchestrator) handleResultMessage(payload string) {
	rest, ok := strings.CutPrefix(payload, protocol.PrefixAgentResult)
	if !ok {
		return
	}

	var result struct {
		AgentID string `json:"agent_id"`
		Report  string `json:"report"`
	}
	if err := json.Unmarshal([]byte(rest), &result); err != nil {
		slog.Warn("orchestrator: malformed AGENT_RESULT", "error", err)
		return
	}
	if result.AgentID == "" {
		return
	}

	slog.Info("orchestrator: agent reported", "agent", result.AgentID)
	o.events.Publish(bus.Event{Kind: bus.EventSwarmResult, Source: "orchestrator",
		Payload: map[string]any{"agent_id": result.AgentID, "result": result.Report}})

	o.recordCompletion(result.AgentID, result.Report)
}

func (o *Orchestrator) handleAgentsMessage(sender, payload string) {
	if rest, ok := strings.CutPrefix(payload, protocol.PrefixTokenUpdate); ok {
		var update map[string]any
		if err := json.Unmarshal([]byte(rest), &update); err != nil {
			slog.Warn("orchestrator: malformed AGENT_TOKEN_UPDATE", "error", err)
			return
		}
		o.events.Publish(bus.Event{Kind: bus.EventTokenUpdate, Source: sender, Payload: update})
		return
	}

	if strings.HasPrefix(payload, protocol.PrefixAgentAnnounce) {
		slog.Debug("orchestrator: agent announced", "sender", sender)
	}
}

// handleToolCallEvent reacts to fresh ledger rows: code-injection calls
// become no-go-zone broadcasts; patch calls replicate to every other live
// agent.
func (o *Orchestrator) handleToolCallEvent(event bus.Event) {
	o.mets.Inc(metrics.ToolCallsRecorded)

	toolName, _ := event.Payload["tool_name"].(string)
	agentID, _ := event.Payload["agent_id"].(string)
	params, _ := event.Payload["parameters"].(map[string]any)
	if toolName == "" || agentID == "" {
		return
	}

	switch toolName {
	case "allocate_code_workspace":
		start, okStart := numParam(params, "temp_address")
		size, okSize := numParam(params, "allocated_size")
		if !okStart || !okSize {
			return
		}
		o.broadcastZone(nogo.Zone{
			Start: start, End: start + size,
			AgentID: agentID, Type: nogo.TempSegment, Timestamp: time.Now(),
		})

	case "finalize_code_injection":
		method, _ := params["relocation_method"].(string)
		if method != "code_cave" {
			return
		}
		start, okStart := numParam(params, "new_permanent_address")
		size, okSize := numParam(params, "code_size")
		if !okStart || !okSize {
			return
		}
		o.broadcastZone(nogo.Zone{
			Start: start, End: start + size,
			AgentID: agentID, Type: nogo.CodeCave, Timestamp: time.Now(),
		})

	case "patch_bytes", "patch_assembly", "revert_patch":
		addr, _ := numParam(params, "address")
		o.replicatePatch(agentID, toolName, addr, params)
	}
}

// broadcastZone registers a zone locally and publishes it on #agents so
// every agent's registry (and placeholder segments) pick it up.
func (o *Orchestrator) broadcastZone(zone nogo.Zone) {
	o.zones.Add(zone)

	line := nogo.Serialize(zone)
	if err := o.client.Privmsg(protocol.ChannelAgents, line); err != nil {
		slog.Warn("orchestrator: no-go broadcast failed", "error", err)
		return
	}
	slog.Info("orchestrator: broadcast no-go zone",
		"agent", zone.AgentID, "type", zone.Type.String(),
		"start", fmt.Sprintf("%#x", zone.Start), "end", fmt.Sprintf("%#x", zone.End))
}

// replicatePatch pushes a patch write to every other agent's channel so
// all database copies converge immediately.
func (o *Orchestrator) replicatePatch(sourceAgent, toolName string, addr program.Addr, params map[string]any) {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		slog.Warn("orchestrator: encode patch params", "error", err)
		return
	}

	o.mu.Lock()
	targets := make([]string, 0, len(o.agents))
	for agentID, info := range o.agents {
		if agentID != sourceAgent && !o.completed[agentID] && info.ProcessID > 0 {
			targets = append(targets, agentID)
		}
	}
	o.mu.Unlock()

	payload := fmt.Sprintf("%s%s|%s|%#x|%s", protocol.PrefixPatch, toolName, sourceAgent, addr, paramsJSON)
	for _, agentID := range targets {
		if err := o.client.Privmsg(protocol.AgentChannel(agentID), payload); err != nil {
			slog.Warn("orchestrator: patch replication failed", "agent", agentID, "error", err)
		}
	}
	if len(targets) > 0 {
		slog.Info("orchestrator: replicated patch", "tool", toolName, "source", sourceAgent, "targets", len(targets))
	}
}

func numParam(params map[string]any, key string) (uint64, bool) {
	switch v := params[key].(type) {
	case float64:
		if v < 0 {
			return 0, false
		}
		return uint64(v), true
	case string:
		var parsed uint64
		if _, err := fmt.Sscanf(v, "0x%x", &parsed); err == nil {
			return parsed, true
		}
		if _, err := fmt.Sscanf(v, "%d", &parsed); err == nil {
			return parsed, true
		}
	}
	return 0, false
}
