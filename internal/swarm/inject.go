package swarm

import (
	"log/slog"

	"github.com/nextlevelbuilder/reswarm/internal/inject"
	"github.com/nextlevelbuilder/reswarm/internal/program"
)

// AllocateCodeWorkspace runs injection stage 1 and records the allocation
// in the shared ledger. The recorded parameters carry the placement so the
// orchestrator can broadcast the matching no-go zone.
func (a *Agent) AllocateCodeWorkspace(requestedBytes uint64) (inject.Allocation, error) {
	alloc, err := a.allocator.AllocateWorkspace(requestedBytes)
	if err != nil {
		return inject.Allocation{}, err
	}

	params := map[string]any{
		"requested_bytes": requestedBytes,
		"temp_address":    alloc.TempSegmentEA,
		"allocated_size":  alloc.AllocatedSize,
		"segment_name":    alloc.SegmentName,
	}
	if err := a.led.Record(a.cfg.AgentID, "allocate_code_workspace", alloc.TempSegmentEA, params); err != nil {
		slog.Warn("swarm: allocation record failed", "error", err)
	}
	return alloc, nil
}

// PreviewCodeInjection runs injection stage 2.
func (a *Agent) PreviewCodeInjection(start, end program.Addr) (inject.Preview, error) {
	return a.allocator.PreviewInjection(start, end)
}

// FinalizeCodeInjection runs stage 3 and records the relocation. Code-cave
// placements become no-go zones once the orchestrator sees the record.
func (a *Agent) FinalizeCodeInjection(start, end program.Addr) (inject.Finalization, error) {
	fin, err := a.allocator.FinalizeInjection(start, end)
	if err != nil {
		return inject.Finalization{}, err
	}

	params := map[string]any{
		"old_temp_address":      fin.OldTempAddress,
		"new_permanent_address": fin.NewPermanentAddress,
		"code_size":             fin.CodeSize,
		"relocation_method":     fin.RelocationMethod,
	}
	if err := a.led.Record(a.cfg.AgentID, "finalize_code_injection", fin.NewPermanentAddress, params); err != nil {
		slog.Warn("swarm: finalization record failed", "error", err)
	}
	return fin, nil
}
