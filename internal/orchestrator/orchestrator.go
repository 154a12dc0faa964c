// Package orchestrator is the coordinator process: it owns the user
// conversation, the canonical database, the bus server, and the lifecycle
// of every agent in the session.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/bus"
	"github.com/nextlevelbuilder/reswarm/internal/config"
	"github.com/nextlevelbuilder/reswarm/internal/conflict"
	"github.com/nextlevelbuilder/reswarm/internal/consensus"
	"github.com/nextlevelbuilder/reswarm/internal/database"
	"github.com/nextlevelbuilder/reswarm/internal/housekeeping"
	"github.com/nextlevelbuilder/reswarm/internal/irc"
	"github.com/nextlevelbuilder/reswarm/internal/ledger"
	"github.com/nextlevelbuilder/reswarm/internal/memory"
	"github.com/nextlevelbuilder/reswarm/internal/metrics"
	"github.com/nextlevelbuilder/reswarm/internal/nogo"
	"github.com/nextlevelbuilder/reswarm/internal/program"
	"github.com/nextlevelbuilder/reswarm/internal/providers"
	"github.com/nextlevelbuilder/reswarm/internal/spawner"
	"github.com/nextlevelbuilder/reswarm/internal/tools"
	"github.com/nextlevelbuilder/reswarm/internal/workspace"
	"github.com/nextlevelbuilder/reswarm/pkg/protocol"
)

// AgentInfo tracks one spawned agent. Records are never removed during a
// session.
type AgentInfo struct {
	AgentID      string
	Task         string
	DatabasePath string
	BinaryPath   string
	ProcessID    int
}

// Options wires the orchestrator's collaborators.
type Options struct {
	Config     *config.Config
	Workspace  *workspace.Workspace
	Provider   providers.Provider
	MainDB     program.Database
	MainBinary program.BinaryFile
	// MainDBPath and MainBinaryPath are the files forked per agent.
	MainDBPath     string
	MainBinaryPath string
	// SpawnCommand overrides the agent launch template (tests use a stub).
	SpawnCommand []string
	// Port overrides bus port allocation (0 = derive from binary name).
	Port int
	// Metrics is nil unless profiling is enabled.
	Metrics *metrics.Metrics
}

// Orchestrator is the session coordinator.
type Orchestrator struct {
	cfg *config.Config
	ws  *workspace.Workspace

	provider       providers.Provider
	mainDB         program.Database
	mainBinary     program.BinaryFile
	mainDBPath     string
	mainBinaryPath string

	server *irc.Server
	client *irc.Client
	led    *ledger.Ledger
	events *bus.Bus
	zones  *nogo.Registry

	forker    *database.Forker
	merger    *database.Merger
	spawner   *spawner.Spawner
	conflicts *conflict.Manager
	memories  *memory.Store
	registry  *tools.Registry
	mets      *metrics.Metrics
	keeper    *housekeeping.Keeper

	mu          sync.Mutex
	agents      map[string]*AgentInfo
	completed   map[string]bool
	results     map[string]string
	nextAgentID int

	history   []providers.Message
	historyMu sync.Mutex

	port         int
	busToken     string
	shuttingDown atomic.Bool

	// CompletionPoll is the agent-completion poll period.
	CompletionPoll time.Duration
}

// New builds an orchestrator; Initialize starts its subsystems.
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Workspace == nil || opts.Provider == nil {
		return nil, fmt.Errorf("orchestrator: config, workspace and provider are required")
	}
	o := &Orchestrator{
		cfg:            opts.Config,
		ws:             opts.Workspace,
		provider:       opts.Provider,
		mainDB:         opts.MainDB,
		mainBinary:     opts.MainBinary,
		events:         bus.New(),
		zones:          nogo.NewRegistry(),
		agents:         make(map[string]*AgentInfo),
		completed:      make(map[string]bool),
		results:        make(map[string]string),
		mets:           opts.Metrics,
		port:           opts.Port,
		CompletionPoll: 2 * time.Second,
	}

	var err error
	spawnCmd := opts.SpawnCommand
	if spawnCmd == nil {
		spawnCmd, err = spawner.SelfCommand()
		if err != nil {
			return nil, err
		}
	}
	o.spawner, err = spawner.New(o.ws, spawnCmd)
	if err != nil {
		return nil, err
	}

	o.mainDBPath = opts.MainDBPath
	o.mainBinaryPath = opts.MainBinaryPath
	return o, nil
}

// Initialize wipes the workspace, opens the ledger, starts the bus server
// and client, and launches the monitors. Refuses to proceed when the first
// bus connection fails.
func (o *Orchestrator) Initialize() error {
	if err := o.ws.Prepare(); err != nil {
		return err
	}

	led, err := ledger.Open(o.ws.LedgerPath())
	if err != nil {
		return err
	}
	o.led = led

	o.memories, err = memory.NewStore(o.ws.MemoriesDir())
	if err != nil {
		return err
	}

	o.forker = database.NewForker(o.ws, o.mainDBPath, o.mainBinaryPath, o.led)

	mergeRegistry := tools.NewRegistry()
	if o.mainDB != nil {
		tools.RegisterProgramTools(mergeRegistry, o.mainDB, o.mainBinary)
	}
	o.merger = database.NewMerger(o.led, mergeRegistry)

	// Bus server: hashed port, probed for availability.
	port := o.port
	if port == 0 {
		port = irc.AllocatePort(o.ws.BinaryName())
		if port == 0 {
			return fmt.Errorf("orchestrator: no free bus port for %s", o.ws.BinaryName())
		}
	}
	o.port = port
	o.server = irc.NewServer(port)
	if err := o.server.Start(); err != nil {
		return err
	}

	o.client = irc.NewClient("orchestrator", o.cfg.IRC.Server, port)
	o.client.SetHandler(o.handleBusMessage)
	if err := o.client.Connect(); err != nil {
		// BusUnavailable is fatal at initialization.
		o.server.Stop()
		return fmt.Errorf("orchestrator: bus connect: %w", err)
	}
	for _, channel := range []string{
		protocol.ChannelAgents, protocol.ChannelResults,
		protocol.ChannelStatus, protocol.ChannelDiscoveries,
	} {
		if err := o.client.Join(channel); err != nil {
			return fmt.Errorf("orchestrator: join %s: %w", channel, err)
		}
	}
	if o.cfg.LLDB.Enabled {
		o.client.Join(protocol.ChannelLLDB)
	}

	// Consensus extraction sees the same write-tool schemas the agents use.
	consensusRegistry := tools.NewRegistry()
	tools.RegisterProgramTools(consensusRegistry, program.NewMemDB(program.FormatELF, 64), nil)
	extractor := consensus.New(
		o.provider, consensusRegistry.Defs(),
		o.cfg.Orchestrator.Model.Model, o.cfg.Orchestrator.Model.MaxThinkingTokens)

	o.conflicts = conflict.NewManager(o.client, o.server, o.led, extractor, o)
	o.conflicts.Mets = o.mets
	o.conflicts.StartMonitor()

	o.registry = o.buildOrchestratorTools()

	o.busToken = o.events.Subscribe(o.handleToolCallEvent, bus.EventToolCall)
	o.led.StartMonitoring(o.events)

	// Periodic maintenance: drop zones contributed by completed agents and
	// keep the live-agent gauge honest.
	o.keeper = housekeeping.New("")
	o.keeper.Register("purge-completed-zones", func(context.Context) {
		o.mu.Lock()
		done := make([]string, 0, len(o.completed))
		for agentID := range o.completed {
			done = append(done, agentID)
		}
		active := o.countRunningLocked()
		o.mu.Unlock()
		for _, agentID := range done {
			o.zones.RemoveAgent(agentID)
		}
		o.mets.SetActive(active)
	})
	o.keeper.Start(context.Background())

	slog.Info("orchestrator: initialized", "binary", o.ws.BinaryName(), "port", port)
	return nil
}

// Port returns the bus port for this session.
func (o *Orchestrator) Port() int { return o.port }

// Events returns the in-process event bus.
func (o *Orchestrator) Events() *bus.Bus { return o.events }

// Zones returns the orchestrator-side zone registry.
func (o *Orchestrator) Zones() *nogo.Registry { return o.zones }

// Ledger returns the shared ledger handle.
func (o *Orchestrator) Ledger() *ledger.Ledger { return o.led }

// Shutdown cancels monitors, terminates children, merges what completed,
// writes the results summary and saves the main database.
func (o *Orchestrator) Shutdown() {
	if !o.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	slog.Info("orchestrator: shutting down")

	if o.keeper != nil {
		o.keeper.RunAll(context.Background())
		o.keeper.Stop()
	}
	if o.conflicts != nil {
		o.conflicts.Stop()
	}
	if o.led != nil {
		o.led.StopMonitoring()
	}
	if o.busToken != "" {
		o.events.Unsubscribe(o.busToken)
	}

	// Terminate children, then merge whatever completed.
	o.mu.Lock()
	infos := make([]*AgentInfo, 0, len(o.agents))
	for _, info := range o.agents {
		infos = append(infos, info)
	}
	o.mu.Unlock()

	var entries []workspace.ResultEntry
	for _, info := range infos {
		if spawner.IsRunning(info.ProcessID) {
			if err := spawner.Terminate(info.ProcessID); err != nil {
				slog.Warn("orchestrator: terminate failed", "agent", info.AgentID, "error", err)
			}
		}
		entries = append(entries, workspace.ResultEntry{
			AgentID: info.AgentID,
			Task:    info.Task,
			Report:  o.AgentResult(info.AgentID),
		})
	}
	if len(entries) > 0 {
		if err := o.ws.WriteResultsSummary(entries); err != nil {
			slog.Warn("orchestrator: results summary failed", "error", err)
		}
	}

	if o.mainDB != nil {
		if err := o.mainDB.Save(); err != nil {
			slog.Warn("orchestrator: main database save failed", "error", err)
		}
	}

	if o.client != nil {
		o.client.Close()
	}
	if o.server != nil {
		o.server.Stop()
	}
	if o.led != nil {
		o.led.Close()
	}
	slog.Info("Shutdown complete")
}
