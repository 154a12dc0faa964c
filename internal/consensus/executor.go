// Package consensus turns free-form agreement text into one concrete tool
// call. A single deterministic LLM invocation reads the original conflict
// and every agent's statement; the first tool call in the response is
// captured, never executed.
package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/reswarm/internal/ledger"
	"github.com/nextlevelbuilder/reswarm/internal/providers"
)

const systemPrompt = "You are a consensus executor. Your job is to interpret agreements " +
	"between agents and execute the appropriate tool call based on their consensus. " +
	"You will be given the original conflicting tool calls and the agreements reached. " +
	"Execute the tool with the parameters that match the consensus."

// ToolCallSpec is the extracted call.
type ToolCallSpec struct {
	ToolName   string         `json:"tool_name"`
	Parameters map[string]any `json:"parameters"`
}

// NeedsManual reports whether extraction fell back and agents must apply
// the consensus themselves.
func (s ToolCallSpec) NeedsManual() bool {
	v, _ := s.Parameters["__needs_manual"].(bool)
	return v
}

// Executor drives the extraction.
type Executor struct {
	provider providers.Provider
	tools    []providers.ToolDefinition
	model    string
	thinking int
}

// New creates an executor. tools is the schema set offered to the model so
// it is forced to answer with a call.
func New(provider providers.Provider, tools []providers.ToolDefinition, model string, thinkingBudget int) *Executor {
	return &Executor{provider: provider, tools: tools, model: model, thinking: thinkingBudget}
}

// ExecuteConsensus extracts the agreed tool call. On any failure the
// returned spec carries __needs_manual so enforcement can fall back to
// asking agents directly.
func (e *Executor) ExecuteConsensus(ctx context.Context, statements map[string]string, conflict ledger.Conflict) ToolCallSpec {
	temperature := 0.0
	req := providers.ChatRequest{
		System:      systemPrompt,
		Model:       e.model,
		MaxTokens:   8192,
		Temperature: &temperature,
		Tools:       e.tools,
		Messages: []providers.Message{
			{Role: "user", Content: formatPrompt(statements, conflict)},
		},
	}
	if e.thinking > 0 {
		req.EnableThinking = true
		req.ThinkingBudget = e.thinking
	}

	resp, err := e.provider.Chat(ctx, req)
	if err != nil {
		slog.Warn("consensus: extraction call failed", "error", err)
		return fallback(conflict, "llm_call_failed")
	}
	if len(resp.ToolCalls) == 0 {
		slog.Warn("consensus: model emitted no tool call", "finish_reason", resp.FinishReason)
		return fallback(conflict, "no_tool_call_in_response")
	}

	call := resp.ToolCalls[0]
	if call.Name != conflict.First.ToolName {
		slog.Warn("consensus: model selected a different tool",
			"selected", call.Name, "expected", conflict.First.ToolName)
	}
	return ToolCallSpec{ToolName: call.Name, Parameters: call.Arguments}
}

func fallback(conflict ledger.Conflict, reason string) ToolCallSpec {
	return ToolCallSpec{
		ToolName: conflict.First.ToolName,
		Parameters: map[string]any{
			"address":           fmt.Sprintf("%#x", conflict.First.Address),
			"__needs_manual":    true,
			"__fallback_reason": reason,
		},
	}
}

func formatPrompt(statements map[string]string, conflict ledger.Conflict) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Multiple agents were trying to use the '%s' tool at address %#x.\n\n",
		conflict.First.ToolName, conflict.First.Address)

	b.WriteString("Original conflicting calls:\n")
	fmt.Fprintf(&b, "- Agent %s wanted to: %s\n", conflict.First.AgentID, dumpParams(conflict.First.Params))
	fmt.Fprintf(&b, "- Agent %s wanted to: %s\n\n", conflict.Second.AgentID, dumpParams(conflict.Second.Params))

	b.WriteString("After discussion, the agents reached consensus:\n\n")
	ids := make([]string, 0, len(statements))
	for id := range statements {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "%s agreed: %s\n", id, statements[id])
	}

	fmt.Fprintf(&b, "\nBased on this consensus, execute the '%s' tool with the agreed-upon parameters.\n",
		conflict.First.ToolName)
	fmt.Fprintf(&b, "The address is: %#x\n", conflict.First.Address)
	b.WriteString("Make sure to use the exact value that the agents agreed upon.")
	return b.String()
}

func dumpParams(params map[string]any) string {
	data, err := json.MarshalIndent(params, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", params)
	}
	return string(data)
}
