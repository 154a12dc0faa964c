package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/reswarm/internal/ledger"
	"github.com/nextlevelbuilder/reswarm/internal/tools"
)

// MergeResult summarizes one replay.
type MergeResult struct {
	Success        bool
	ChangesApplied int
	ChangesFailed  int
	Errors         []string
}

// Merger replays an agent's write operations onto the main database via a
// tool registry bound to it.
type Merger struct {
	led      *ledger.Ledger
	registry *tools.Registry
}

// NewMerger creates a merger. registry must hold the write tools bound to
// the main database.
func NewMerger(led *ledger.Ledger, registry *tools.Registry) *Merger {
	return &Merger{led: led, registry: registry}
}

// MergeAgentChanges replays agentID's writes in ledger id order. A single
// failed write is counted and replay continues; ordering is the agent's
// causal order, never timestamp order.
func (m *Merger) MergeAgentChanges(ctx context.Context, agentID string) (MergeResult, error) {
	writes, err := m.led.AgentWriteOperations(agentID)
	if err != nil {
		return MergeResult{}, fmt.Errorf("database: load writes for %s: %w", agentID, err)
	}

	result := MergeResult{Success: true}
	for _, call := range writes {
		params := stripBookkeeping(call.Params)

		res := m.registry.Execute(ctx, call.ToolName, params)
		if res.IsError {
			result.ChangesFailed++
			result.Errors = append(result.Errors,
				fmt.Sprintf("%s at %#x: %s", call.ToolName, call.Address, res.ForLLM))
			slog.Warn("merge.replay_failed",
				"agent", agentID, "tool", call.ToolName, "address", fmt.Sprintf("%#x", call.Address),
				"error", res.ForLLM)
			continue
		}
		result.ChangesApplied++
	}

	slog.Info("database: merge complete",
		"agent", agentID, "applied", result.ChangesApplied, "failed", result.ChangesFailed)
	return result, nil
}

// stripBookkeeping removes internal enforcement markers before replay.
func stripBookkeeping(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == "__is_manual" || k == "__enforced_by" || k == "__needs_manual" || k == "__fallback_reason" {
			continue
		}
		out[k] = v
	}
	return out
}
