package nogo

import (
	"testing"

	"github.com/nextlevelbuilder/reswarm/internal/program"
)

func TestOverlapSemantics(t *testing.T) {
	z := Zone{Start: 0xa000, End: 0xb000}

	tests := []struct {
		start, end uint64
		want       bool
	}{
		{0x9000, 0xa000, false}, // touches start, half-open
		{0xb000, 0xc000, false}, // touches end, half-open
		{0x9fff, 0xa001, true},
		{0xa800, 0xa900, true},
		{0x9000, 0xc000, true},
	}
	for _, tt := range tests {
		if got := z.Overlaps(tt.start, tt.end); got != tt.want {
			t.Errorf("Overlaps(%#x, %#x) = %v, want %v", tt.start, tt.end, got, tt.want)
		}
	}
}

func TestFindSafeAllocationSkipsZones(t *testing.T) {
	r := NewRegistry()
	r.Add(Zone{Start: 0xa000, End: 0xb000, AgentID: "agent_1", Type: TempSegment})
	r.Add(Zone{Start: 0xb000, End: 0xc000, AgentID: "agent_2", Type: CodeCave})

	got := r.FindSafeAllocation(0x1000, 0xa000)
	if got != 0xc000 {
		t.Errorf("FindSafeAllocation = %#x, want 0xc000", got)
	}
}

func TestFindSafeAllocationZeroSize(t *testing.T) {
	r := NewRegistry()
	r.Add(Zone{Start: 0xa000, End: 0xb000})
	if got := r.FindSafeAllocation(0, 0xa800); got != 0xa800 {
		t.Errorf("size=0 returned %#x, want start_from", got)
	}
}

func TestFindSafeAllocationOverflow(t *testing.T) {
	r := NewRegistry()
	top := program.BADADDR - 0x800
	r.Add(Zone{Start: top, End: program.BADADDR})

	if got := r.FindSafeAllocation(0x1000, top); got != program.BADADDR {
		t.Errorf("overflow search returned %#x, want BADADDR", got)
	}
}

func TestRemoveAgent(t *testing.T) {
	r := NewRegistry()
	r.Add(Zone{Start: 0x1000, End: 0x2000, AgentID: "agent_1"})
	r.Add(Zone{Start: 0x3000, End: 0x4000, AgentID: "agent_2"})
	r.Add(Zone{Start: 0x5000, End: 0x6000, AgentID: "agent_1"})

	r.RemoveAgent("agent_1")

	zones := r.Zones()
	if len(zones) != 1 || zones[0].AgentID != "agent_2" {
		t.Errorf("zones after purge = %+v", zones)
	}
	if r.IsNoGo(0x1800) {
		t.Error("purged zone still reported")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	zones := []Zone{
		{Start: 0xa000, End: 0xb000, AgentID: "agent_1", Type: TempSegment},
		{Start: 0x401000, End: 0x401200, AgentID: "agent_2", Type: CodeCave},
	}
	for _, z := range zones {
		line := Serialize(z)
		got, ok := Deserialize(line)
		if !ok {
			t.Fatalf("Deserialize(%q) failed", line)
		}
		if got.Start != z.Start || got.End != z.End || got.AgentID != z.AgentID || got.Type != z.Type {
			t.Errorf("round trip %q: got %+v", line, got)
		}
	}
}

func TestSerializeFormat(t *testing.T) {
	line := Serialize(Zone{Start: 0xa000, End: 0xb000, AgentID: "agent_1", Type: TempSegment})
	if line != "NOGO|SEGMENT|agent_1|0xa000|0xb000" {
		t.Errorf("Serialize = %q", line)
	}
}

func TestDeserializeRejects(t *testing.T) {
	for _, bad := range []string{
		"",
		"NOGO|SEGMENT|agent_1|0xa000",
		"NOGO|BOGUS|agent_1|0xa000|0xb000",
		"PATCH|SEGMENT|agent_1|0xa000|0xb000",
		"NOGO|SEGMENT|agent_1|zzzz|0xb000",
		"NOGO|SEGMENT|agent_1|0xb000|0xa000",
	} {
		if _, ok := Deserialize(bad); ok {
			t.Errorf("Deserialize(%q) accepted", bad)
		}
	}
}
