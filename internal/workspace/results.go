package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ResultEntry is one agent's contribution to the session summary.
type ResultEntry struct {
	AgentID string
	Task    string
	Report  string
}

// WriteResultsSummary aggregates every agent's task, memories and final
// report into all_agent_results.txt at the session root.
func (w *Workspace) WriteResultsSummary(entries []ResultEntry) error {
	sort.Slice(entries, func(i, j int) bool { return entries[i].AgentID < entries[j].AgentID })

	var b strings.Builder
	rule := strings.Repeat("=", 80)
	b.WriteString(rule + "\n")
	b.WriteString("                     SWARM AGENT RESULTS SUMMARY\n")
	b.WriteString(rule + "\n\n")
	fmt.Fprintf(&b, "Generated at: %s\n\n", time.Now().Format(time.RFC1123))

	for _, e := range entries {
		b.WriteString(rule + "\n")
		fmt.Fprintf(&b, "Agent: %s\n", e.AgentID)
		b.WriteString(rule + "\n\n")

		b.WriteString("Task:\n------\n")
		b.WriteString(e.Task + "\n\n")

		b.WriteString("Memories:\n---------\n")
		w.appendMemories(&b, w.AgentMemoriesDir(e.AgentID))
		b.WriteString("\n")

		b.WriteString("Output Report:\n--------------\n")
		b.WriteString(e.Report + "\n\n")
	}

	b.WriteString(rule + "\n")
	b.WriteString("Orchestrator Memories\n")
	b.WriteString(rule + "\n\n")
	w.appendMemories(&b, w.MemoriesDir())

	path := filepath.Join(w.Dir(), "all_agent_results.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("workspace: write results summary: %w", err)
	}
	return nil
}

func (w *Workspace) appendMemories(b *strings.Builder, dir string) {
	var files []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	sort.Strings(files)

	if len(files) == 0 {
		b.WriteString("[None]\n")
		return
	}
	for _, path := range files {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = path
		}
		fmt.Fprintf(b, "\n  File: %s\n", rel)
		b.WriteString("  " + strings.Repeat("=", 70) + "\n")
		if data, err := os.ReadFile(path); err == nil {
			b.Write(data)
		}
		b.WriteString("\n")
	}
}
