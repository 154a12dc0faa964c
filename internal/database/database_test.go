package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/reswarm/internal/ledger"
	"github.com/nextlevelbuilder/reswarm/internal/program"
	"github.com/nextlevelbuilder/reswarm/internal/tools"
	"github.com/nextlevelbuilder/reswarm/internal/workspace"
)

func newFixture(t *testing.T) (*workspace.Workspace, *Forker, *ledger.Ledger) {
	t.Helper()
	ws := workspace.New(t.TempDir(), "target.bin")
	if err := ws.Prepare(); err != nil {
		t.Fatal(err)
	}

	mainDB := filepath.Join(ws.Dir(), "main.i64")
	mainBin := filepath.Join(ws.Dir(), "target.bin")
	os.WriteFile(mainDB, []byte("main-database-bytes"), 0o644)
	os.WriteFile(mainBin, []byte("main-binary-bytes"), 0o644)

	led, err := ledger.Open(ws.LedgerPath())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { led.Close() })

	return ws, NewForker(ws, mainDB, mainBin, led), led
}

func TestCreateAgentDatabaseCopies(t *testing.T) {
	ws, f, _ := newFixture(t)

	dbPath, err := f.CreateAgentDatabase("agent_1")
	if err != nil {
		t.Fatal(err)
	}
	if dbPath != ws.AgentDatabasePath("agent_1") {
		t.Errorf("db path = %q", dbPath)
	}

	data, err := os.ReadFile(dbPath)
	if err != nil || string(data) != "main-database-bytes" {
		t.Errorf("db copy = %q, %v", data, err)
	}
	data, err = os.ReadFile(f.AgentBinary("agent_1"))
	if err != nil || string(data) != "main-binary-bytes" {
		t.Errorf("binary copy = %q, %v", data, err)
	}
}

func TestCleanupIfNoWrites(t *testing.T) {
	ws, f, led := newFixture(t)
	f.CreateAgentDatabase("agent_1")
	os.WriteFile(filepath.Join(ws.AgentMemoriesDir("agent_1"), "note.md"), []byte("keep"), 0o644)

	// agent_1 performed only reads.
	led.Record("agent_1", "get_function_info", 0x401000, nil)

	removed, err := f.CleanupIfNoWrites("agent_1")
	if err != nil {
		t.Fatal(err)
	}
	if !removed {
		t.Error("write-free agent not cleaned")
	}
	if _, err := os.Stat(ws.AgentDatabasePath("agent_1")); !os.IsNotExist(err) {
		t.Error("database copy survived")
	}
	if _, err := os.Stat(filepath.Join(ws.AgentMemoriesDir("agent_1"), "note.md")); err != nil {
		t.Error("memories removed")
	}

	// An agent with writes keeps its copies.
	f.CreateAgentDatabase("agent_2")
	led.Record("agent_2", "set_name", 0x401000, map[string]any{"name": "f"})
	removed, err = f.CleanupIfNoWrites("agent_2")
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("agent with writes cleaned")
	}
}

func TestMergeReplaysWritesInOrder(t *testing.T) {
	_, _, led := newFixture(t)

	// agent_1's history: name it, rename it, comment it. Replay must apply
	// in id order so the rename wins.
	led.Record("agent_1", "set_name", 0x401000, map[string]any{"address": "0x401000", "name": "first"})
	led.Record("agent_1", "get_xrefs", 0x401000, nil) // read, not replayed
	led.Record("agent_1", "set_name", 0x401000, map[string]any{"address": "0x401000", "name": "parse_header"})
	led.Record("agent_1", "set_comment", 0x401000, map[string]any{"address": "0x401000", "comment": "entry"})

	mainDB := program.NewMemDB(program.FormatELF, 64)
	mainDB.AddSegment(program.Segment{Name: ".text", Start: 0x401000, End: 0x402000, Perm: program.PermRead | program.PermExec, Code: true})

	reg := tools.NewRegistry()
	tools.RegisterProgramTools(reg, mainDB, nil)
	m := NewMerger(led, reg)

	result, err := m.MergeAgentChanges(context.Background(), "agent_1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.ChangesApplied != 3 || result.ChangesFailed != 0 {
		t.Errorf("result = %+v", result)
	}
	if name, _ := mainDB.NameAt(0x401000); name != "parse_header" {
		t.Errorf("final name = %q, want parse_header (id order)", name)
	}
	if comment, _ := mainDB.CommentAt(0x401000); comment != "entry" {
		t.Errorf("comment = %q", comment)
	}
}

func TestMergeCountsFailures(t *testing.T) {
	_, _, led := newFixture(t)

	led.Record("agent_1", "set_name", 0x401000, map[string]any{"address": "0x401000", "name": "ok"})
	led.Record("agent_1", "patch_bytes", 0x999999, map[string]any{"address": "0x999999", "bytes": "90"})

	mainDB := program.NewMemDB(program.FormatELF, 64)
	mainDB.AddSegment(program.Segment{Name: ".text", Start: 0x401000, End: 0x402000, Perm: program.PermRead | program.PermExec, Code: true})

	reg := tools.NewRegistry()
	tools.RegisterProgramTools(reg, mainDB, nil)
	m := NewMerger(led, reg)

	result, err := m.MergeAgentChanges(context.Background(), "agent_1")
	if err != nil {
		t.Fatal(err)
	}
	// Invariant: applied + failed covers every write operation.
	writes, _ := led.AgentWriteOperations("agent_1")
	if result.ChangesApplied+result.ChangesFailed != len(writes) {
		t.Errorf("applied %d + failed %d != %d writes", result.ChangesApplied, result.ChangesFailed, len(writes))
	}
	if result.ChangesFailed != 1 {
		t.Errorf("failed = %d, want 1", result.ChangesFailed)
	}
	if len(result.Errors) != 1 {
		t.Errorf("errors = %v", result.Errors)
	}
}

func TestMergeEmptyWriteSetIsNoOp(t *testing.T) {
	_, _, led := newFixture(t)

	reg := tools.NewRegistry()
	m := NewMerger(led, reg)

	result, err := m.MergeAgentChanges(context.Background(), "agent_1")
	if err != nil {
		t.Fatal(err)
	}
	if !result.Success || result.ChangesApplied != 0 || result.ChangesFailed != 0 {
		t.Errorf("empty merge = %+v", result)
	}

	// Replaying again stays a no-op.
	result, _ = m.MergeAgentChanges(context.Background(), "agent_1")
	if result.ChangesApplied != 0 {
		t.Errorf("second empty merge applied %d", result.ChangesApplied)
	}
}

func TestMergeStripsBookkeepingFields(t *testing.T) {
	_, _, led := newFixture(t)

	led.Record("agent_1", "set_name", 0x401000, map[string]any{
		"address": "0x401000", "name": "agreed", "__is_manual": true, "__enforced_by": "orchestrator",
	})

	mainDB := program.NewMemDB(program.FormatELF, 64)
	mainDB.AddSegment(program.Segment{Name: ".text", Start: 0x401000, End: 0x402000, Perm: program.PermRead | program.PermExec, Code: true})
	reg := tools.NewRegistry()
	tools.RegisterProgramTools(reg, mainDB, nil)

	result, err := NewMerger(led, reg).MergeAgentChanges(context.Background(), "agent_1")
	if err != nil {
		t.Fatal(err)
	}
	if result.ChangesApplied != 1 {
		t.Errorf("result = %+v", result)
	}
	if name, _ := mainDB.NameAt(0x401000); name != "agreed" {
		t.Errorf("name = %q", name)
	}
}
