// Package swarm is the agent-side runtime: bus membership, peer tracking,
// conflict handling, patch and no-go replication, and result reporting.
// The LLM conversation that decides which tools to call lives in the
// driver collaborator; this package supplies the mechanics around it.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/config"
	"github.com/nextlevelbuilder/reswarm/internal/inject"
	"github.com/nextlevelbuilder/reswarm/internal/irc"
	"github.com/nextlevelbuilder/reswarm/internal/ledger"
	"github.com/nextlevelbuilder/reswarm/internal/nogo"
	"github.com/nextlevelbuilder/reswarm/internal/program"
	"github.com/nextlevelbuilder/reswarm/internal/tools"
	"github.com/nextlevelbuilder/reswarm/internal/workspace"
	"github.com/nextlevelbuilder/reswarm/pkg/protocol"
)

// PeerInfo describes another agent discovered on the bus.
type PeerInfo struct {
	AgentID      string
	Task         string
	DiscoveredAt time.Time
}

// Options wires an agent's collaborators.
type Options struct {
	Config *config.AgentConfig
	// DB and Binary are the agent's private program-database ports.
	DB     program.Database
	Binary program.BinaryFile
	// LedgerPath overrides the workspace-derived ledger location (tests).
	LedgerPath string
}

// Agent is one swarm worker's runtime state.
type Agent struct {
	cfg *config.AgentConfig

	client    *irc.Client
	led       *ledger.Ledger
	zones     *nogo.Registry
	allocator *inject.Allocator
	registry  *tools.Registry
	db        program.Database

	mu       sync.Mutex
	peers    map[string]PeerInfo
	conflict *conflictState
}

// New builds an agent runtime from its launch config.
func New(opts Options) (*Agent, error) {
	cfg := opts.Config
	if cfg == nil || cfg.AgentID == "" {
		return nil, fmt.Errorf("swarm: agent config required")
	}

	ledgerPath := opts.LedgerPath
	if ledgerPath == "" {
		ws := workspace.New(cfg.WorkspaceRoot, cfg.BinaryName)
		ledgerPath = ws.LedgerPath()
	}
	led, err := ledger.Open(ledgerPath)
	if err != nil {
		return nil, err
	}

	zones := nogo.NewRegistry()
	a := &Agent{
		cfg:       cfg,
		led:       led,
		zones:     zones,
		allocator: inject.NewAllocator(opts.DB, opts.Binary, zones),
		db:        opts.DB,
		peers:     make(map[string]PeerInfo),
	}

	a.registry = tools.NewRegistry()
	tools.RegisterProgramTools(a.registry, opts.DB, opts.Binary)

	a.client = irc.NewClient(cfg.AgentID, cfg.IRCServer, cfg.IRCPort)
	a.client.SetHandler(a.handleBusMessage)
	return a, nil
}

// Start connects to the bus, joins the standard channels, announces the
// agent, and honors a resurrection config.
func (a *Agent) Start() error {
	if err := a.client.Connect(); err != nil {
		return fmt.Errorf("swarm: bus connect: %w", err)
	}

	for _, channel := range []string{
		protocol.ChannelAgents, protocol.ChannelResults,
		protocol.ChannelStatus, protocol.ChannelDiscoveries,
		protocol.AgentChannel(a.cfg.AgentID),
	} {
		if err := a.client.Join(channel); err != nil {
			return fmt.Errorf("swarm: join %s: %w", channel, err)
		}
	}

	announce := protocol.PrefixAgentAnnounce + a.cfg.AgentID + "|" + a.cfg.Task
	if err := a.client.Privmsg(protocol.ChannelAgents, announce); err != nil {
		slog.Warn("swarm: announce failed", "error", err)
	}

	if res := a.cfg.Resurrection; res != nil && res.ConflictChannel != "" {
		slog.Info("swarm: resurrected for conflict", "channel", res.ConflictChannel)
		a.joinConflictChannel(res.ConflictChannel)
	}
	return nil
}

// Close tears the runtime down, deleting any leftover temp workspaces.
func (a *Agent) Close() {
	a.allocator.Teardown()
	a.client.Close()
	a.led.Close()
}

// ID returns the agent's id.
func (a *Agent) ID() string { return a.cfg.AgentID }

// Peers returns the discovered peer set.
func (a *Agent) Peers() map[string]PeerInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]PeerInfo, len(a.peers))
	for k, v := range a.peers {
		out[k] = v
	}
	return out
}

// Zones returns the agent's local no-go registry.
func (a *Agent) Zones() *nogo.Registry { return a.zones }

// Allocator returns the agent's code-injection allocator.
func (a *Agent) Allocator() *inject.Allocator { return a.allocator }

// ReportResult publishes the agent's final report on #results.
func (a *Agent) ReportResult(report string) error {
	body, err := json.Marshal(map[string]string{"agent_id": a.cfg.AgentID, "report": report})
	if err != nil {
		return err
	}
	return a.client.Privmsg(protocol.ChannelResults, protocol.PrefixAgentResult+string(body))
}

// PublishTokenUpdate sends periodic usage metrics to the orchestrator.
func (a *Agent) PublishTokenUpdate(inputTokens, outputTokens, iteration int) error {
	body, err := json.Marshal(map[string]any{
		"agent_id": a.cfg.AgentID,
		"tokens": map[string]int{
			"input_tokens":  inputTokens,
			"output_tokens": outputTokens,
		},
		"iteration": iteration,
	})
	if err != nil {
		return err
	}
	return a.client.Privmsg(protocol.ChannelAgents, protocol.PrefixTokenUpdate+string(body))
}

// handleBusMessage dispatches everything the agent hears on the bus.
func (a *Agent) handleBusMessage(channel, sender, payload string) {
	switch {
	case channel == protocol.ChannelAgents:
		a.handleAgentsMessage(sender, payload)
	case channel == protocol.AgentChannel(a.cfg.AgentID):
		a.handlePatchMessage(payload)
	case strings.HasPrefix(channel, protocol.ConflictChannelPrefix):
		a.handleConflictMessage(channel, sender, payload)
	}
}

func (a *Agent) handleAgentsMessage(sender, payload string) {
	switch {
	case strings.HasPrefix(payload, protocol.PrefixNoGoZone):
		zone, ok := nogo.Deserialize(payload)
		if !ok {
			slog.Warn("swarm: malformed no-go broadcast", "payload", payload)
			return
		}
		if zone.AgentID == a.cfg.AgentID {
			// Own allocation coming back around; the local registry
			// already holds it.
			return
		}
		a.allocator.ApplyRemoteZone(zone)
		slog.Info("swarm: registered remote no-go zone",
			"from", zone.AgentID, "start", fmt.Sprintf("%#x", zone.Start), "end", fmt.Sprintf("%#x", zone.End))

	case strings.HasPrefix(payload, protocol.PrefixAgentAnnounce):
		fields := protocol.SplitFields(strings.TrimPrefix(payload, protocol.PrefixAgentAnnounce), 2)
		if len(fields) != 2 || fields[0] == a.cfg.AgentID {
			return
		}
		a.mu.Lock()
		if _, known := a.peers[fields[0]]; !known {
			a.peers[fields[0]] = PeerInfo{AgentID: fields[0], Task: fields[1], DiscoveredAt: time.Now()}
		}
		a.mu.Unlock()

	case strings.HasPrefix(payload, protocol.PrefixConflictInvite):
		fields := protocol.SplitFields(strings.TrimPrefix(payload, protocol.PrefixConflictInvite), 2)
		if len(fields) != 2 || fields[0] != a.cfg.AgentID {
			return
		}
		slog.Info("swarm: invited to conflict", "channel", fields[1])
		a.joinConflictChannel(fields[1])
	}
}

// handlePatchMessage applies a replicated patch from another agent to the
// local database copy.
func (a *Agent) handlePatchMessage(payload string) {
	rest, ok := strings.CutPrefix(payload, protocol.PrefixPatch)
	if !ok {
		return
	}
	fields := protocol.SplitFields(rest, 4)
	if len(fields) != 4 {
		slog.Warn("swarm: malformed PATCH", "payload", payload)
		return
	}
	toolName, source, paramsJSON := fields[0], fields[1], fields[3]

	var params map[string]any
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		slog.Warn("swarm: PATCH params not JSON", "error", err)
		return
	}
	if comment, ok := params["comment"].(string); ok {
		params["comment"] = "[" + source + "]: " + comment
	}

	res := a.registry.Execute(context.Background(), toolName, params)
	if res.IsError {
		slog.Warn("swarm: replicated patch failed", "tool", toolName, "source", source, "error", res.ForLLM)
		return
	}
	slog.Info("swarm: applied replicated patch", "tool", toolName, "source", source)
}
