package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/config"
	"github.com/nextlevelbuilder/reswarm/internal/irc"
	"github.com/nextlevelbuilder/reswarm/internal/program"
	"github.com/nextlevelbuilder/reswarm/internal/providers"
	"github.com/nextlevelbuilder/reswarm/internal/spawner"
	"github.com/nextlevelbuilder/reswarm/internal/workspace"
	"github.com/nextlevelbuilder/reswarm/pkg/protocol"
)

// newTestOrchestrator builds an initialized orchestrator whose agents are
// placeholder processes and whose LLM is scripted.
func newTestOrchestrator(t *testing.T, provider providers.Provider, agentCmd []string) *Orchestrator {
	t.Helper()

	root := t.TempDir()
	ws := workspace.New(root, fmt.Sprintf("target-%d.bin", time.Now().UnixNano()))

	mainDBPath := filepath.Join(root, "main.i64")
	mainBinPath := filepath.Join(root, "main.bin")
	os.WriteFile(mainDBPath, []byte("db"), 0o644)
	os.WriteFile(mainBinPath, []byte("bin"), 0o644)

	mainDB := program.NewMemDB(program.FormatELF, 64)
	mainDB.AddSegment(program.Segment{
		Name: ".text", Start: 0x401000, End: 0x402000,
		Perm: program.PermRead | program.PermExec, Code: true,
	})

	cfg := config.Default()
	cfg.API.APIKey = "test"

	if agentCmd == nil {
		agentCmd = []string{"/bin/sh", "-c", "sleep 30 #"}
	}

	o, err := New(Options{
		Config:         cfg,
		Workspace:      ws,
		Provider:       provider,
		MainDB:         mainDB,
		MainDBPath:     mainDBPath,
		MainBinaryPath: mainBinPath,
		SpawnCommand:   agentCmd,
	})
	if err != nil {
		t.Fatal(err)
	}
	o.CompletionPoll = 50 * time.Millisecond

	if err := o.Initialize(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(o.Shutdown)
	return o
}

// testPeer connects a bus client posing as an agent process.
type testPeer struct {
	client *irc.Client
	mu     sync.Mutex
	seen   []string
}

func connectPeer(t *testing.T, o *Orchestrator, nick string, channels ...string) *testPeer {
	t.Helper()
	p := &testPeer{client: irc.NewClient(nick, "127.0.0.1", o.Port())}
	p.client.SetHandler(func(channel, sender, payload string) {
		p.mu.Lock()
		p.seen = append(p.seen, channel+" "+payload)
		p.mu.Unlock()
	})
	if err := p.client.Connect(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.client.Close)
	for _, ch := range channels {
		if err := p.client.Join(ch); err != nil {
			t.Fatal(err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	return p
}

func (p *testPeer) received(prefix string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, line := range p.seen {
		if strings.Contains(line, prefix) {
			return line, true
		}
	}
	return "", false
}

func TestSingleAgentTaskFlow(t *testing.T) {
	provider := providers.NewFakeProvider(
		providers.ToolCallResponse("tu_1", "spawn_agent", map[string]any{
			"task": "rename 0x401000 to parse_header",
		}),
		providers.TextResponse("The function was renamed: renamed"),
	)
	o := newTestOrchestrator(t, provider, nil)

	done := make(chan struct{})
	var final string
	var runErr error
	go func() {
		defer close(done)
		final, runErr = o.ProcessUserInput(context.Background(), "rename function at 0x401000 to parse_header")
	}()

	// Wait for the spawn, then deliver the agent's report over the bus.
	deadline := time.Now().Add(5 * time.Second)
	for !o.AgentExists("agent_1") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if !o.AgentExists("agent_1") {
		t.Fatal("agent_1 never spawned")
	}

	peer := connectPeer(t, o, "agent_1", protocol.ChannelResults)
	report, _ := json.Marshal(map[string]string{"agent_id": "agent_1", "report": "renamed"})
	if err := peer.client.Privmsg(protocol.ChannelResults, protocol.PrefixAgentResult+string(report)); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("task did not complete")
	}
	if runErr != nil {
		t.Fatal(runErr)
	}
	if !strings.Contains(final, "renamed") {
		t.Errorf("final text = %q", final)
	}
	if o.AgentResult("agent_1") != "renamed" {
		t.Errorf("stored report = %q", o.AgentResult("agent_1"))
	}

	// The second LLM turn must carry the agent's report as a tool result.
	calls := provider.Calls()
	if len(calls) != 2 {
		t.Fatalf("%d LLM calls", len(calls))
	}
	last := calls[1].Messages[len(calls[1].Messages)-1]
	if last.Role != "tool" || !strings.Contains(last.Content, "renamed") {
		t.Errorf("tool result = %+v", last)
	}
}

func TestOrphanCompletion(t *testing.T) {
	provider := providers.NewFakeProvider(
		providers.ToolCallResponse("tu_1", "spawn_agent", map[string]any{"task": "analyze"}),
		providers.TextResponse("agent died"),
	)
	// The agent process exits immediately without reporting.
	o := newTestOrchestrator(t, provider, []string{"/bin/true"})

	final, err := o.ProcessUserInput(context.Background(), "analyze the binary")
	if err != nil {
		t.Fatal(err)
	}
	if final != "agent died" {
		t.Errorf("final = %q", final)
	}

	if o.AgentResult("agent_1") != orphanReport {
		t.Errorf("report = %q", o.AgentResult("agent_1"))
	}
	if !o.IsCompleted("agent_1") {
		t.Error("orphan not marked completed")
	}

	// Zero writes: copies removed, memories preserved.
	if _, err := os.Stat(o.ws.AgentDatabasePath("agent_1")); !os.IsNotExist(err) {
		t.Error("database copy survived orphan cleanup")
	}
	if _, err := os.Stat(o.ws.AgentMemoriesDir("agent_1")); err != nil {
		t.Error("memories directory removed")
	}
}

func TestNoGoBroadcastOnAllocation(t *testing.T) {
	provider := providers.NewFakeProvider()
	o := newTestOrchestrator(t, provider, nil)

	peer := connectPeer(t, o, "agent_2", protocol.ChannelAgents)

	// agent_1 records a workspace allocation in the shared ledger; the
	// monitor picks it up and the orchestrator broadcasts the zone.
	err := o.Ledger().Record("agent_1", "allocate_code_workspace", 0xa000, map[string]any{
		"temp_address": float64(0xa000), "allocated_size": float64(0x1000),
	})
	if err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := peer.received("NOGO|SEGMENT|agent_1|0xa000|0xb000"); ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if _, ok := peer.received("NOGO|SEGMENT|agent_1|0xa000|0xb000"); !ok {
		t.Fatalf("no NOGO broadcast; peer saw %v", peer.seen)
	}

	if !o.Zones().IsNoGoRange(0xa000, 0xb000) {
		t.Error("zone missing from orchestrator registry")
	}
}

func TestPatchReplication(t *testing.T) {
	provider := providers.NewFakeProvider(
		providers.ToolCallResponse("tu_1", "spawn_agent", map[string]any{"task": "a"}),
		providers.ToolCallResponse("tu_2", "spawn_agent", map[string]any{"task": "b"}),
		providers.TextResponse("ok"),
	)
	o := newTestOrchestrator(t, provider, nil)

	// Spawn agent_1 and agent_2 directly.
	if _, err := o.SpawnAgent("a", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := o.SpawnAgent("b", ""); err != nil {
		t.Fatal(err)
	}

	peer := connectPeer(t, o, "agent_2", protocol.AgentChannel("agent_2"))

	if err := o.Ledger().Record("agent_1", "patch_bytes", 0x401000, map[string]any{
		"address": "0x401000", "bytes": "9090",
	}); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := peer.received("PATCH|patch_bytes|agent_1|0x401000|"); ok {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	line, ok := peer.received("PATCH|patch_bytes|agent_1|0x401000|")
	if !ok {
		t.Fatalf("no PATCH replication; saw %v", peer.seen)
	}
	if !strings.Contains(line, protocol.AgentChannel("agent_2")) {
		t.Errorf("patch delivered on %q", line)
	}
}

func TestResurrection(t *testing.T) {
	provider := providers.NewFakeProvider()
	o := newTestOrchestrator(t, provider, nil)

	if _, err := o.SpawnAgent("first task", ""); err != nil {
		t.Fatal(err)
	}
	o.mu.Lock()
	firstPID := o.agents["agent_1"].ProcessID
	o.mu.Unlock()

	spawner.Terminate(firstPID)
	for spawner.IsRunning(firstPID) {
		time.Sleep(10 * time.Millisecond)
	}
	o.recordCompletion("agent_1", "done early")

	if err := o.Resurrect("agent_1", "#conflict_402000_set_comment"); err != nil {
		t.Fatal(err)
	}

	o.mu.Lock()
	newPID := o.agents["agent_1"].ProcessID
	o.mu.Unlock()
	if newPID <= 0 || newPID == firstPID {
		t.Errorf("resurrected pid = %d (old %d)", newPID, firstPID)
	}
	if o.IsCompleted("agent_1") {
		t.Error("resurrected agent still marked completed")
	}

	cfg, err := config.LoadAgentConfig(o.ws.AgentConfigPath("agent_1"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Resurrection == nil || cfg.Resurrection.ConflictChannel != "#conflict_402000_set_comment" {
		t.Errorf("resurrection config = %+v", cfg.Resurrection)
	}
}

func TestConsolidationKeepsMemoryResults(t *testing.T) {
	provider := providers.NewFakeProvider()
	o := newTestOrchestrator(t, provider, nil)

	// Build an oversized history with a memory-tool exchange early on.
	big := strings.Repeat("x", 2000)
	o.history = append(o.history,
		providers.Message{Role: "user", Content: "start"},
		providers.Message{Role: "assistant", ToolCalls: []providers.ToolCall{{ID: "m1", Name: "memory"}}},
		providers.Message{Role: "tool", ToolCallID: "m1", Content: "memory: key findings stored"},
	)
	for i := 0; i < 300; i++ {
		o.history = append(o.history, providers.Message{Role: "user", Content: big})
	}

	provider.Queue(providers.TextResponse("SUMMARY OF SESSION"))
	o.maybeConsolidate(context.Background())

	if len(o.history) > 10 {
		t.Errorf("history not consolidated: %d messages", len(o.history))
	}
	if !strings.Contains(o.history[0].Content, "SUMMARY OF SESSION") {
		t.Errorf("first message = %q", o.history[0].Content)
	}
	foundMemory := false
	for _, msg := range o.history {
		if msg.Role == "tool" && msg.ToolCallID == "m1" {
			foundMemory = true
		}
	}
	if !foundMemory {
		t.Error("memory tool result dropped by consolidation")
	}
}
