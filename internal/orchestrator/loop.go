package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/reswarm/internal/memory"
	"github.com/nextlevelbuilder/reswarm/internal/metrics"
	"github.com/nextlevelbuilder/reswarm/internal/providers"
	"github.com/nextlevelbuilder/reswarm/internal/tools"
)

// compactionThreshold is the estimated token count that triggers history
// consolidation.
const compactionThreshold = 100_000

// recentToolUsesKept is how many trailing tool exchanges survive
// consolidation verbatim.
const recentToolUsesKept = 5

// spawnAgentTool is the orchestrator-side tool the model calls to create
// workers.
type spawnAgentTool struct {
	o *Orchestrator
}

func (t *spawnAgentTool) Name() string { return "spawn_agent" }
func (t *spawnAgentTool) Description() string {
	return "Spawn a new analysis agent with a specific task on an isolated database copy"
}
func (t *spawnAgentTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":    map[string]any{"type": "string", "description": "The agent's task"},
			"context": map[string]any{"type": "string", "description": "Extra context for the agent prompt"},
		},
		"required": []string{"task"},
	}
}

func (t *spawnAgentTool) Execute(_ context.Context, args map[string]any) *tools.Result {
	task, err := tools.StringArg(args, "task")
	if err != nil {
		return tools.ErrorResult(err.Error())
	}
	agentContext, _ := args["context"].(string)

	agentID, err := t.o.SpawnAgent(task, agentContext)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("spawn failed: %v", err)).WithError(err)
	}
	return tools.DataResult(map[string]any{"success": true, "agent_id": agentID})
}

// buildOrchestratorTools registers spawn_agent, write_file and the memory
// tool.
func (o *Orchestrator) buildOrchestratorTools() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(&spawnAgentTool{o: o})
	reg.Register(&tools.WriteFileTool{Dir: o.ws.Dir()})
	reg.Register(&memory.MemoryTool{Store: o.memories})
	return reg
}

// ProcessUserInput drives one user task to completion and returns the
// final text. Blocking: spawn_agent tool results are the agents' final
// reports, so the loop waits for agent batches between LLM turns.
func (o *Orchestrator) ProcessUserInput(ctx context.Context, input string) (string, error) {
	o.historyMu.Lock()
	o.history = append(o.history, providers.Message{Role: "user", Content: input})
	o.historyMu.Unlock()

	for {
		if o.shuttingDown.Load() {
			return "", fmt.Errorf("orchestrator: shutting down")
		}

		o.maybeConsolidate(ctx)

		o.historyMu.Lock()
		messages := append([]providers.Message{}, o.history...)
		o.historyMu.Unlock()

		modelCfg := o.cfg.Orchestrator.Model
		temperature := modelCfg.Temperature
		req := providers.ChatRequest{
			System:      orchestratorSystemPrompt,
			Messages:    messages,
			Tools:       o.registry.Defs(),
			Model:       modelCfg.Model,
			MaxTokens:   modelCfg.MaxTokens,
			Temperature: &temperature,
		}
		if modelCfg.EnableThinking && modelCfg.MaxThinkingTokens > 0 {
			req.EnableThinking = true
			req.ThinkingBudget = modelCfg.MaxThinkingTokens
		}

		resp, err := o.provider.Chat(ctx, req)
		if err != nil {
			// Recoverable errors were already retried inside the driver;
			// whatever reaches here ends the task.
			return "", fmt.Errorf("orchestrator: llm call failed: %w", err)
		}
		o.mets.Add(metrics.TokensConsumed, float64(resp.Usage.Total()))

		if len(resp.ToolCalls) == 0 {
			o.historyMu.Lock()
			o.history = append(o.history, providers.Message{Role: "assistant", Content: resp.Content})
			o.historyMu.Unlock()
			return resp.Content, nil
		}

		o.historyMu.Lock()
		o.history = append(o.history, providers.Message{
			Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls,
		})
		o.historyMu.Unlock()

		toolResults := o.executeToolBatch(ctx, resp.ToolCalls)
		o.historyMu.Lock()
		o.history = append(o.history, toolResults...)
		o.historyMu.Unlock()
	}
}

// executeToolBatch runs every call in the batch. All spawn_agent calls are
// executed first, then the batch waits for the whole group of new agents
// so parallel spawns proceed concurrently.
func (o *Orchestrator) executeToolBatch(ctx context.Context, calls []providers.ToolCall) []providers.Message {
	type pending struct {
		call    providers.ToolCall
		result  *tools.Result
		agentID string
	}

	executed := make([]pending, 0, len(calls))
	var spawned []string

	for _, call := range calls {
		result := o.registry.Execute(ctx, call.Name, call.Arguments)
		p := pending{call: call, result: result}
		if call.Name == "spawn_agent" && !result.IsError {
			if id, ok := result.Data["agent_id"].(string); ok {
				p.agentID = id
				spawned = append(spawned, id)
			}
		}
		executed = append(executed, p)
	}

	if len(spawned) > 0 {
		o.WaitForAgents(spawned)
	}

	out := make([]providers.Message, 0, len(executed))
	for _, p := range executed {
		content := p.result.ForLLM
		if p.agentID != "" {
			content = fmt.Sprintf("Agent %s completed.\n\nFinal report:\n%s", p.agentID, o.AgentResult(p.agentID))
		}
		out = append(out, providers.Message{
			Role: "tool", Content: content, ToolCallID: p.call.ID,
		})
	}
	return out
}

// maybeConsolidate compacts the conversation once its estimated token
// count passes the threshold, keeping the most recent tool exchanges and
// every memory-tool result verbatim.
func (o *Orchestrator) maybeConsolidate(ctx context.Context) {
	o.historyMu.Lock()
	estimate := 0
	for _, msg := range o.history {
		estimate += len(msg.Content) / 4
	}
	if estimate < compactionThreshold {
		o.historyMu.Unlock()
		return
	}
	messages := append([]providers.Message{}, o.history...)
	o.historyMu.Unlock()

	slog.Info("orchestrator: consolidating conversation", "estimated_tokens", estimate)

	summaryReq := providers.ChatRequest{
		System:    orchestratorSystemPrompt,
		Messages:  append(messages, providers.Message{Role: "user", Content: consolidationPrompt}),
		Model:     o.cfg.Orchestrator.Model.Model,
		MaxTokens: o.cfg.Orchestrator.Model.MaxTokens,
	}
	resp, err := o.provider.Chat(ctx, summaryReq)
	if err != nil {
		slog.Warn("orchestrator: consolidation failed, keeping full history", "error", err)
		return
	}

	kept := tailToolExchanges(messages, recentToolUsesKept)

	o.historyMu.Lock()
	o.history = append([]providers.Message{
		{Role: "user", Content: "CONSOLIDATED CONTEXT (replaces earlier conversation):\n\n" + resp.Content},
	}, kept...)
	o.historyMu.Unlock()
}

// tailToolExchanges keeps the last n assistant tool-call turns with their
// tool results, plus every memory-tool exchange anywhere in the history.
// Everything else is represented by the summary.
func tailToolExchanges(messages []providers.Message, n int) []providers.Message {
	keep := make(map[int]bool)
	wantedIDs := make(map[string]bool)

	seen := 0
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != "assistant" || len(msg.ToolCalls) == 0 {
			continue
		}
		recent := seen < n
		isMemory := false
		for _, call := range msg.ToolCalls {
			if call.Name == memory.ToolName {
				isMemory = true
			}
		}
		if recent || isMemory {
			keep[i] = true
			for _, call := range msg.ToolCalls {
				wantedIDs[call.ID] = true
			}
		}
		if recent {
			seen++
		}
	}

	for i, msg := range messages {
		if msg.Role == "tool" && wantedIDs[msg.ToolCallID] {
			keep[i] = true
		}
	}

	var out []providers.Message
	for i, msg := range messages {
		if keep[i] {
			out = append(out, msg)
		}
	}
	return out
}
