package tools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nextlevelbuilder/reswarm/internal/program"
)

func newToolDB(t *testing.T) *program.MemDB {
	t.Helper()
	db := program.NewMemDB(program.FormatELF, 64)
	if err := db.AddSegment(program.Segment{
		Name: ".text", Start: 0x401000, End: 0x402000,
		Perm: program.PermRead | program.PermExec, Code: true,
	}); err != nil {
		t.Fatal(err)
	}
	return db
}

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      any
		want    uint64
		wantErr bool
	}{
		{"0x401000", 0x401000, false},
		{"4198400", 4198400, false},
		{float64(0x401000), 0x401000, false},
		{nil, 0, true},
		{"zzz", 0, true},
		{true, 0, true},
	}
	for _, tt := range tests {
		got, err := ParseAddr(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAddr(%v) succeeded, want error", tt.in)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseAddr(%v) = %#x, %v; want %#x", tt.in, got, err, tt.want)
		}
	}
}

func TestSetNameToolRoundTrip(t *testing.T) {
	db := newToolDB(t)
	reg := NewRegistry()
	RegisterProgramTools(reg, db, nil)

	res := reg.Execute(context.Background(), "set_name", map[string]any{
		"address": "0x401000", "name": "parse_header",
	})
	if res.IsError {
		t.Fatalf("set_name failed: %s", res.ForLLM)
	}
	if name, ok := db.NameAt(0x401000); !ok || name != "parse_header" {
		t.Errorf("name = %q, %v", name, ok)
	}
}

func TestPatchBytesToolMirrorsBinary(t *testing.T) {
	db := newToolDB(t)
	bin := program.NewMemBinary(0x1000)
	reg := NewRegistry()
	RegisterProgramTools(reg, db, bin)

	res := reg.Execute(context.Background(), "patch_bytes", map[string]any{
		"address": "0x401010", "bytes": "9090c3",
	})
	if res.IsError {
		t.Fatalf("patch_bytes failed: %s", res.ForLLM)
	}

	got, err := db.ReadBytes(0x401010, 3)
	if err != nil {
		t.Fatal(err)
	}
	if got[0] != 0x90 || got[1] != 0x90 || got[2] != 0xC3 {
		t.Errorf("db bytes = %x", got)
	}

	offset := db.FileOffset(0x401010)
	img := bin.Bytes()
	if img[offset] != 0x90 || img[offset+2] != 0xC3 {
		t.Errorf("binary bytes = %x", img[offset:offset+3])
	}
}

func TestUnknownToolIsErrorResult(t *testing.T) {
	reg := NewRegistry()
	res := reg.Execute(context.Background(), "no_such_tool", nil)
	if !res.IsError {
		t.Error("unknown tool did not error")
	}
}

func TestWriteFileToolConfinesPaths(t *testing.T) {
	dir := t.TempDir()
	tool := &WriteFileTool{Dir: dir}

	res := tool.Execute(context.Background(), map[string]any{
		"path": "out/impl.c", "content": "int main(void) { return 0; }",
	})
	if res.IsError {
		t.Fatalf("write failed: %s", res.ForLLM)
	}
	data, err := os.ReadFile(filepath.Join(dir, "out", "impl.c"))
	if err != nil || len(data) == 0 {
		t.Fatalf("file missing: %v", err)
	}

	res = tool.Execute(context.Background(), map[string]any{
		"path": "../escape.txt", "content": "x",
	})
	if !res.IsError {
		t.Error("path escape allowed")
	}
}

func TestRegistryDefsSorted(t *testing.T) {
	db := newToolDB(t)
	reg := NewRegistry()
	RegisterProgramTools(reg, db, nil)

	defs := reg.Defs()
	for i := 1; i < len(defs); i++ {
		if defs[i].Name < defs[i-1].Name {
			t.Errorf("defs not sorted: %s before %s", defs[i-1].Name, defs[i].Name)
		}
	}
	if len(defs) != 4 {
		t.Errorf("got %d defs, want 4", len(defs))
	}
}
