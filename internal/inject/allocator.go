// Package inject implements the three-stage code-injection workflow:
// allocate a temporary workspace, preview the assembled bytes, then
// relocate them into a code cave or a fresh permanent segment. Allocation
// coordinates with other agents only through the no-go zone registry.
package inject

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/nogo"
	"github.com/nextlevelbuilder/reswarm/internal/program"
)

const pageSize = 0x1000

// Relocation methods reported by Finalize.
const (
	MethodCodeCave   = "code_cave"
	MethodNewSegment = "new_segment"
)

// Workspace is one active temporary allocation.
type Workspace struct {
	Start       program.Addr
	End         program.Addr
	Size        uint64
	SegmentName string
	IsTemporary bool
	CreatedAt   time.Time
}

// Allocation is the result of AllocateWorkspace.
type Allocation struct {
	TempSegmentEA program.Addr
	AllocatedSize uint64
	SegmentName   string
}

// Preview is the result of PreviewInjection.
type Preview struct {
	Start       program.Addr
	End         program.Addr
	CodeSize    uint64
	Disassembly string
	FinalBytes  []byte
}

// Finalization is the result of FinalizeInjection.
type Finalization struct {
	OldTempAddress      program.Addr
	NewPermanentAddress program.Addr
	CodeSize            uint64
	RelocationMethod    string
}

type previewKey struct {
	start, end program.Addr
}

// Allocator drives code injection against one agent's database and binary
// copy. Methods are serialized by an internal mutex; the registry carries
// the only cross-agent state.
type Allocator struct {
	mu sync.Mutex

	db     program.Database
	binary program.BinaryFile
	zones  *nogo.Registry

	workspaces map[program.Addr]Workspace
	previews   map[previewKey]Preview

	nextWorkspaceID int
	nextPlaceholder int
}

// NewAllocator creates an allocator over the given database, binary and
// zone registry.
func NewAllocator(db program.Database, binary program.BinaryFile, zones *nogo.Registry) *Allocator {
	return &Allocator{
		db:         db,
		binary:     binary,
		zones:      zones,
		workspaces: make(map[program.Addr]Workspace),
		previews:   make(map[previewKey]Preview),
	}
}

// AllocateWorkspace creates a temporary read/write/execute segment sized to
// 1.5x the request, page aligned, placed after every existing segment and
// clear of every known no-go zone.
func (a *Allocator) AllocateWorkspace(requestedBytes uint64) (Allocation, error) {
	if requestedBytes == 0 {
		return Allocation{}, fmt.Errorf("inject: zero-byte workspace request")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Overestimate by 50% so the agent has room to iterate, then align.
	actualSize := alignUp(requestedBytes+requestedBytes/2, pageSize)

	addr := a.safeAddressAfterSegments()
	if addr == program.BADADDR {
		return Allocation{}, fmt.Errorf("inject: no address available after segments")
	}
	addr = a.zones.FindSafeAllocation(actualSize, addr)
	if addr == program.BADADDR {
		return Allocation{}, fmt.Errorf("inject: no safe address clear of no-go zones")
	}
	addr = alignUp(addr, pageSize)

	a.nextWorkspaceID++
	name := fmt.Sprintf(".tmpcode_%03d", a.nextWorkspaceID)

	seg := program.Segment{
		Name:  name,
		Start: addr,
		End:   addr + actualSize,
		Perm:  program.PermRead | program.PermWrite | program.PermExec,
		Code:  true,
	}
	if err := a.db.AddSegment(seg); err != nil {
		return Allocation{}, fmt.Errorf("inject: create temp segment: %w", err)
	}

	a.workspaces[addr] = Workspace{
		Start:       addr,
		End:         addr + actualSize,
		Size:        actualSize,
		SegmentName: name,
		IsTemporary: true,
		CreatedAt:   time.Now(),
	}

	slog.Info("inject: allocated workspace",
		"address", fmt.Sprintf("%#x", addr), "size", fmt.Sprintf("%#x", actualSize), "segment", name)

	return Allocation{TempSegmentEA: addr, AllocatedSize: actualSize, SegmentName: name}, nil
}

// PreviewInjection re-analyzes [start, end), captures its disassembly and
// exact bytes, and caches the result. Finalize refuses ranges that were
// never previewed.
func (a *Allocator) PreviewInjection(start, end program.Addr) (Preview, error) {
	if start >= end {
		return Preview{}, fmt.Errorf("inject: invalid range %#x-%#x", start, end)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.inTempWorkspaceLocked(start) || !a.inTempWorkspaceLocked(end-1) {
		return Preview{}, fmt.Errorf("inject: range %#x-%#x not inside a temporary workspace", start, end)
	}

	if err := a.db.Reanalyze(start, end); err != nil {
		return Preview{}, fmt.Errorf("inject: reanalyze: %w", err)
	}
	disasm, err := a.db.Disassemble(start, end)
	if err != nil {
		return Preview{}, fmt.Errorf("inject: disassemble: %w", err)
	}
	data, err := a.db.ReadBytes(start, int(end-start))
	if err != nil {
		return Preview{}, fmt.Errorf("inject: read bytes: %w", err)
	}

	p := Preview{
		Start:       start,
		End:         end,
		CodeSize:    end - start,
		Disassembly: disasm,
		FinalBytes:  data,
	}
	a.previews[previewKey{start, end}] = p
	return p, nil
}

// FinalizeInjection relocates previously previewed bytes into a code cave
// when one fits, otherwise into a new permanent segment, then deletes the
// temporary workspace. On failure the workspace stays so the whole
// injection can be reverted by teardown.
func (a *Allocator) FinalizeInjection(start, end program.Addr) (Finalization, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := previewKey{start, end}
	preview, ok := a.previews[key]
	if !ok {
		return Finalization{}, fmt.Errorf(
			"inject: range %#x-%#x was never previewed; preview_code_injection is required before finalize", start, end)
	}

	needed := preview.CodeSize
	var (
		finalAddr program.Addr
		method    string
	)

	if cave, found := a.findCodeCaveLocked(needed); found {
		offset := a.db.FileOffset(cave)
		if offset == program.BADADDR {
			return Finalization{}, fmt.Errorf("inject: cave at %#x has no file backing", cave)
		}
		if err := a.binary.WriteAt(offset, preview.FinalBytes); err != nil {
			return Finalization{}, fmt.Errorf("inject: write cave bytes: %w", err)
		}
		if err := a.db.WriteBytes(cave, preview.FinalBytes); err != nil {
			return Finalization{}, fmt.Errorf("inject: mirror cave bytes: %w", err)
		}
		finalAddr = cave
		method = MethodCodeCave
	} else {
		segAddr, err := a.createPermanentSegmentLocked(needed, preview.FinalBytes)
		if err != nil {
			return Finalization{}, err
		}
		finalAddr = segAddr
		method = MethodNewSegment
	}

	// The workspace is only torn down once the relocation has succeeded.
	ws, ok := a.workspaces[a.workspaceStartLocked(start)]
	if ok {
		if err := a.db.DeleteSegment(ws.Start); err != nil {
			slog.Warn("inject: temp segment delete failed", "address", fmt.Sprintf("%#x", ws.Start), "error", err)
		}
		delete(a.workspaces, ws.Start)
	}
	delete(a.previews, key)

	slog.Info("inject: finalized",
		"from", fmt.Sprintf("%#x", start), "to", fmt.Sprintf("%#x", finalAddr), "method", method)

	return Finalization{
		OldTempAddress:      start,
		NewPermanentAddress: finalAddr,
		CodeSize:            needed,
		RelocationMethod:    method,
	}, nil
}

// ActiveWorkspaces returns a snapshot of the live temporary workspaces.
func (a *Allocator) ActiveWorkspaces() []Workspace {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Workspace, 0, len(a.workspaces))
	for _, ws := range a.workspaces {
		out = append(out, ws)
	}
	return out
}

// Teardown deletes every remaining temporary workspace. Called when the
// agent shuts down; failed injections are reverted here.
func (a *Allocator) Teardown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for addr, ws := range a.workspaces {
		if err := a.db.DeleteSegment(ws.Start); err != nil {
			slog.Warn("inject: teardown delete failed", "address", fmt.Sprintf("%#x", addr), "error", err)
		}
		delete(a.workspaces, addr)
	}
}

// ApplyRemoteZone records another agent's zone locally and maps a
// placeholder segment over it in this agent's database, so later
// allocations can never land inside it even though the databases are
// disjoint copies.
func (a *Allocator) ApplyRemoteZone(zone nogo.Zone) {
	a.zones.Add(zone)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.nextPlaceholder++
	seg := program.Segment{
		Name:  fmt.Sprintf(".nogo_%03d", a.nextPlaceholder),
		Start: zone.Start,
		End:   zone.End,
		Perm:  program.PermRead,
	}
	if err := a.db.AddSegment(seg); err != nil {
		// An overlap means the range is already mapped, which is exactly
		// the protection the placeholder exists to provide.
		slog.Debug("inject: placeholder segment not added", "error", err)
	}
}

// safeAddressAfterSegments returns the first page-aligned address past the
// highest existing segment.
func (a *Allocator) safeAddressAfterSegments() program.Addr {
	var last program.Addr
	for _, seg := range a.db.Segments() {
		if seg.End > last {
			last = seg.End
		}
	}
	aligned := alignUp(last, pageSize)
	if aligned < last {
		return program.BADADDR
	}
	return aligned
}

func (a *Allocator) workspaceStartLocked(addr program.Addr) program.Addr {
	for start, ws := range a.workspaces {
		if addr >= ws.Start && addr < ws.End {
			return start
		}
	}
	return program.BADADDR
}

func (a *Allocator) inTempWorkspaceLocked(addr program.Addr) bool {
	return a.workspaceStartLocked(addr) != program.BADADDR
}

// findCodeCaveLocked scans executable segments for the lowest run of at
// least needed padding bytes (0x00 or 0xFF) that is not live function code
// and not inside a no-go zone.
func (a *Allocator) findCodeCaveLocked(needed uint64) (program.Addr, bool) {
	for _, seg := range a.db.Segments() {
		if !seg.Code || seg.Perm&program.PermExec == 0 {
			continue
		}
		// Workspaces are not cave donors.
		if a.workspaceStartLocked(seg.Start) != program.BADADDR {
			continue
		}

		current := seg.Start
		for current+needed <= seg.End {
			run := a.caveBytesAt(current, needed, seg.End)
			if run >= needed {
				if a.zones.IsNoGoRange(current, current+needed) {
					current += needed
					continue
				}
				return current, true
			}
			if run > 0 {
				current += run
			} else {
				current++
			}
		}
	}
	return program.BADADDR, false
}

// caveBytesAt counts consecutive padding bytes at addr, bounded by max and
// the segment end, rejecting runs that sit inside a live function body.
func (a *Allocator) caveBytesAt(addr program.Addr, max uint64, segEnd program.Addr) uint64 {
	limit := max
	if addr+limit > segEnd {
		limit = segEnd - addr
	}
	data, err := a.db.ReadBytes(addr, int(limit))
	if err != nil {
		return 0
	}

	var count uint64
	for _, b := range data {
		if b != 0x00 && b != 0xFF {
			break
		}
		count++
	}
	if count == 0 {
		return 0
	}

	// Any byte of the run that lies inside a function body disqualifies it.
	for ea := addr; ea < addr+count; ea++ {
		if _, ok := a.db.FunctionAt(ea); ok {
			return 0
		}
	}
	return count
}

// createPermanentSegmentLocked maps a fresh page-aligned segment after all
// existing segments and appends it to the binary file.
func (a *Allocator) createPermanentSegmentLocked(needed uint64, data []byte) (program.Addr, error) {
	addr := a.safeAddressAfterSegments()
	if addr == program.BADADDR {
		return program.BADADDR, fmt.Errorf("inject: no address for permanent segment")
	}
	addr = a.zones.FindSafeAllocation(alignUp(needed, pageSize), addr)
	if addr == program.BADADDR {
		return program.BADADDR, fmt.Errorf("inject: no safe address for permanent segment")
	}
	addr = alignUp(addr, pageSize)

	size := alignUp(needed, pageSize)
	name := program.SegmentName(a.db.Format(), addr)

	seg := program.Segment{
		Name:  name,
		Start: addr,
		End:   addr + size,
		Perm:  program.PermRead | program.PermExec,
		Code:  true,
	}
	if err := a.db.AddSegment(seg); err != nil {
		return program.BADADDR, fmt.Errorf("inject: map permanent segment: %w", err)
	}
	if err := a.db.WriteBytes(addr, data); err != nil {
		return program.BADADDR, fmt.Errorf("inject: write permanent segment: %w", err)
	}
	if _, err := a.binary.AppendSegment(name, size, data); err != nil {
		return program.BADADDR, fmt.Errorf("inject: append segment to binary: %w", err)
	}
	return addr, nil
}

func alignUp(v, alignment uint64) uint64 {
	return (v + alignment - 1) &^ (alignment - 1)
}
