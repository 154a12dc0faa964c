package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/config"
	"github.com/nextlevelbuilder/reswarm/internal/program"
	"github.com/nextlevelbuilder/reswarm/internal/providers"
	"github.com/nextlevelbuilder/reswarm/internal/swarm"
	"github.com/nextlevelbuilder/reswarm/pkg/protocol"
)

// connectSwarmAgent attaches an in-process swarm runtime to the
// orchestrator's bus and ledger, standing in for the spawned process's
// runtime half.
func connectSwarmAgent(t *testing.T, o *Orchestrator, agentID string) (*swarm.Agent, *program.MemDB) {
	t.Helper()
	db := program.NewMemDB(program.FormatELF, 64)
	if err := db.AddSegment(program.Segment{
		Name: ".text", Start: 0x401000, End: 0x403000,
		Perm: program.PermRead | program.PermExec, Code: true,
	}); err != nil {
		t.Fatal(err)
	}

	a, err := swarm.New(swarm.Options{
		Config: &config.AgentConfig{
			AgentID:   agentID,
			Task:      "integration",
			IRCServer: "127.0.0.1",
			IRCPort:   o.Port(),
		},
		DB:         db,
		Binary:     program.NewMemBinary(0x2000),
		LedgerPath: o.ws.LedgerPath(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(a.Close)
	time.Sleep(50 * time.Millisecond)
	return a, db
}

// TestTwoAgentNamingConflictEndToEnd drives the whole S2 flow over a live
// bus: pre-check, conflict channel, invitation, consensus, enforcement,
// verification and final merge.
func TestTwoAgentNamingConflictEndToEnd(t *testing.T) {
	provider := providers.NewFakeProvider()
	o := newTestOrchestrator(t, provider, nil)

	// Two live agent processes, plus their in-test swarm runtimes.
	if _, err := o.SpawnAgent("name the parser", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := o.SpawnAgent("name the header reader", ""); err != nil {
		t.Fatal(err)
	}
	s1, db1 := connectSwarmAgent(t, o, "agent_1")
	s2, db2 := connectSwarmAgent(t, o, "agent_2")

	ctx := context.Background()

	// agent_1 writes first.
	result, conflicts, err := s1.ExecuteWrite(ctx, "set_name", 0x401000,
		map[string]any{"address": "0x401000", "name": "parse_header"})
	if err != nil || result == nil || len(conflicts) != 0 {
		t.Fatalf("first write: %v %v %v", result, conflicts, err)
	}

	// agent_2's pre-check finds the conflict and opens the channel.
	_, conflicts, err = s2.ExecuteWrite(ctx, "set_name", 0x401000,
		map[string]any{"address": "0x401000", "name": "read_hdr"})
	if err != nil {
		t.Fatal(err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("conflicts = %+v", conflicts)
	}
	channel := protocol.ConflictChannel(0x401000, "set_name")

	// The orchestrator discovers the channel; the invite pulls agent_1 in.
	waitCond(t, "orchestrator tracks session", func() bool {
		for _, ch := range o.conflicts.Sessions() {
			if ch == channel {
				return true
			}
		}
		return false
	})
	waitCond(t, "agent_1 joins conflict", func() bool {
		ch, ok := s1.ConflictChannel()
		return ok && ch == channel
	})
	// Let the orchestrator's own channel join settle before consensus
	// marks start flowing.
	time.Sleep(150 * time.Millisecond)

	// Script the consensus extraction, then both agents converge.
	provider.Queue(providers.ToolCallResponse("tu_c", "set_name", map[string]any{
		"address": "0x401000", "name": "parse_header",
	}))
	if err := s1.MarkConsensus("use parse_header"); err != nil {
		t.Fatal(err)
	}
	if err := s2.MarkConsensus("use parse_header"); err != nil {
		t.Fatal(err)
	}

	// Enforcement pushes the call to both; CONSENSUS_COMPLETE clears them.
	waitCond(t, "agents leave conflict", func() bool {
		return !s1.InConflict() && !s2.InConflict()
	})

	for i, db := range []*program.MemDB{db1, db2} {
		if name, _ := db.NameAt(0x401000); name != "parse_header" {
			t.Errorf("agent_%d final name = %q", i+1, name)
		}
	}

	// Both manual applications are on the ledger with identical cleaned
	// parameters.
	calls, err := o.Ledger().AddressToolCalls(0x401000)
	if err != nil {
		t.Fatal(err)
	}
	manual := 0
	for _, call := range calls {
		if isManual, _ := call.Params["__is_manual"].(bool); isManual {
			manual++
			if call.Params["name"] != "parse_header" {
				t.Errorf("manual params = %v", call.Params)
			}
		}
	}
	if manual != 2 {
		t.Errorf("%d manual records, want 2", manual)
	}

	waitCond(t, "session erased", func() bool {
		return len(o.conflicts.Sessions()) == 0
	})

	// Completion merges agent_1's writes onto the main database.
	if err := s1.ReportResult("renamed to parse_header"); err != nil {
		t.Fatal(err)
	}
	waitCond(t, "agent_1 completion", func() bool { return o.IsCompleted("agent_1") })

	if name, _ := o.mainDB.(*program.MemDB).NameAt(0x401000); name != "parse_header" {
		t.Errorf("main database name = %q", name)
	}
}

// TestCodeInjectionAvoidanceEndToEnd drives S3: one agent's allocation is
// broadcast as a no-go zone and the second agent's allocation avoids it.
func TestCodeInjectionAvoidanceEndToEnd(t *testing.T) {
	provider := providers.NewFakeProvider()
	o := newTestOrchestrator(t, provider, nil)

	if _, err := o.SpawnAgent("inject a", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := o.SpawnAgent("inject b", ""); err != nil {
		t.Fatal(err)
	}
	s1, _ := connectSwarmAgent(t, o, "agent_1")
	s2, _ := connectSwarmAgent(t, o, "agent_2")

	alloc1, err := s1.AllocateCodeWorkspace(512)
	if err != nil {
		t.Fatal(err)
	}
	zoneEnd := alloc1.TempSegmentEA + alloc1.AllocatedSize

	// The ledger monitor relays the allocation; agent_2's registry picks
	// up the broadcast zone.
	waitCond(t, "zone reaches agent_2", func() bool {
		return s2.Zones().IsNoGoRange(alloc1.TempSegmentEA, zoneEnd)
	})

	alloc2, err := s2.AllocateCodeWorkspace(512)
	if err != nil {
		t.Fatal(err)
	}
	if alloc2.TempSegmentEA < zoneEnd {
		t.Errorf("agent_2 workspace %#x overlaps agent_1 zone ending %#x",
			alloc2.TempSegmentEA, zoneEnd)
	}
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
