// Package ledger is the durable, process-shared record of every
// database-mutating tool call. All agents and the orchestrator open the
// same SQLite file under the session workspace; conflict detection and
// merge replay both read from it.
package ledger

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	sqlitemigrate "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/reswarm/internal/program"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrRecordFailed marks a failed insert; the call is not retried.
var ErrRecordFailed = errors.New("ledger: record failed")

// writeTools is the fixed set of tool names whose execution modifies
// persistent state. Membership decides is_write at record time and which
// calls the merger replays.
var writeTools = map[string]bool{
	"set_name":                true,
	"set_comment":             true,
	"set_function_prototype":  true,
	"set_local_variable_name": true,
	"set_data_type":           true,
	"patch_bytes":             true,
	"patch_assembly":          true,
	"revert_patch":            true,
	"allocate_code_workspace": true,
	"finalize_code_injection": true,
	"apply_semantic_patch":    true,
}

// IsWriteTool reports membership in the fixed write-tool set.
func IsWriteTool(tool string) bool { return writeTools[tool] }

// ToolCall is one recorded invocation.
type ToolCall struct {
	ID        int64
	AgentID   string
	ToolName  string
	Address   program.Addr
	Params    map[string]any
	Timestamp time.Time
	IsWrite   bool
}

// Conflict pairs the candidate call with a prior call from another agent at
// the same (address, tool) key.
type Conflict struct {
	First  ToolCall // the prior recorded call
	Second ToolCall // the candidate call
}

// AgentStats summarizes one agent's recorded activity.
type AgentStats struct {
	TotalCalls int
	WriteCalls int
	ReadCalls  int
}

// Ledger wraps the shared store. Safe for concurrent use; cross-process
// writers rely on SQLite's own locking.
type Ledger struct {
	mu sync.Mutex
	db *sql.DB

	monitor *monitor
}

// Open opens (creating if needed) the ledger file and applies migrations.
func Open(path string) (*Ledger, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Ledger{db: db}, nil
}

func applyMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("ledger: load migrations: %w", err)
	}
	drv, err := sqlitemigrate.WithInstance(db, &sqlitemigrate.Config{})
	if err != nil {
		return fmt.Errorf("ledger: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("ledger: migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

// Close stops monitoring and closes the store.
func (l *Ledger) Close() error {
	l.StopMonitoring()
	return l.db.Close()
}

// Record inserts one tool call. is_write is derived from the write-tool
// set. A failed insert leaves the store unchanged.
func (l *Ledger) Record(agentID, toolName string, address program.Addr, params map[string]any) error {
	paramsJSON, err := canonicalParams(params)
	if err != nil {
		return fmt.Errorf("%w: encode params: %v", ErrRecordFailed, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, err = l.db.Exec(
		`INSERT INTO tool_calls (agent_id, tool_name, address, parameters_json, timestamp, is_write)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		agentID, toolName, int64(address), paramsJSON,
		time.Now().UTC().Format(time.RFC3339Nano), boolToInt(IsWriteTool(toolName)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecordFailed, err)
	}
	return nil
}

// CheckForConflicts returns all prior calls at (address, toolName) made by
// other agents where either side is a write. Calls whose parameters are
// byte-equal to params do not conflict. A query failure returns an empty
// slice with the error; callers treat that conservatively.
func (l *Ledger) CheckForConflicts(agentID, toolName string, address program.Addr, params map[string]any) ([]Conflict, error) {
	candidateJSON, err := canonicalParams(params)
	if err != nil {
		return nil, fmt.Errorf("ledger: encode params: %w", err)
	}
	candidateWrite := IsWriteTool(toolName)

	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(
		`SELECT id, agent_id, tool_name, address, parameters_json, timestamp, is_write
		 FROM tool_calls
		 WHERE address = ? AND tool_name = ? AND agent_id != ?
		 ORDER BY id`,
		int64(address), toolName, agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: conflict query: %w", err)
	}
	defer rows.Close()

	candidate := ToolCall{
		AgentID:  agentID,
		ToolName: toolName,
		Address:  address,
		Params:   params,
		IsWrite:  candidateWrite,
	}

	var conflicts []Conflict
	for rows.Next() {
		call, raw, err := scanToolCall(rows)
		if err != nil {
			continue
		}
		if !call.IsWrite && !candidateWrite {
			continue
		}
		if raw == candidateJSON {
			// Identical parameters are not a conflict.
			continue
		}
		conflicts = append(conflicts, Conflict{First: call, Second: candidate})
	}
	return conflicts, rows.Err()
}

// AgentToolCalls returns every call recorded by agentID in id order.
func (l *Ledger) AgentToolCalls(agentID string) ([]ToolCall, error) {
	return l.query(
		`SELECT id, agent_id, tool_name, address, parameters_json, timestamp, is_write
		 FROM tool_calls WHERE agent_id = ? ORDER BY id`, agentID)
}

// AddressToolCalls returns every call recorded at address in id order.
func (l *Ledger) AddressToolCalls(address program.Addr) ([]ToolCall, error) {
	return l.query(
		`SELECT id, agent_id, tool_name, address, parameters_json, timestamp, is_write
		 FROM tool_calls WHERE address = ? ORDER BY id`, int64(address))
}

// AgentWriteOperations returns agentID's write calls in id order. Replay
// consumes this; the order is the agent's causal order, never re-sorted by
// timestamp.
func (l *Ledger) AgentWriteOperations(agentID string) ([]ToolCall, error) {
	return l.query(
		`SELECT id, agent_id, tool_name, address, parameters_json, timestamp, is_write
		 FROM tool_calls WHERE agent_id = ? AND is_write = 1 ORDER BY id`, agentID)
}

// Stats returns call counts for one agent.
func (l *Ledger) Stats(agentID string) (AgentStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var s AgentStats
	err := l.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(is_write), 0),
		        COALESCE(SUM(1 - is_write), 0)
		 FROM tool_calls WHERE agent_id = ?`, agentID,
	).Scan(&s.TotalCalls, &s.WriteCalls, &s.ReadCalls)
	if err != nil {
		return AgentStats{}, fmt.Errorf("ledger: stats: %w", err)
	}
	return s, nil
}

// ClearAgent purges every row recorded by agentID.
func (l *Ledger) ClearAgent(agentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.db.Exec(`DELETE FROM tool_calls WHERE agent_id = ?`, agentID); err != nil {
		return fmt.Errorf("ledger: clear agent %s: %w", agentID, err)
	}
	return nil
}

func (l *Ledger) query(q string, args ...any) ([]ToolCall, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query: %w", err)
	}
	defer rows.Close()

	var calls []ToolCall
	for rows.Next() {
		call, _, err := scanToolCall(rows)
		if err != nil {
			// Undeserializable rows are skipped, matching the monitor.
			continue
		}
		calls = append(calls, call)
	}
	return calls, rows.Err()
}

func scanToolCall(rows *sql.Rows) (ToolCall, string, error) {
	var (
		call      ToolCall
		addr      int64
		rawParams string
		ts        string
		isWrite   int
	)
	if err := rows.Scan(&call.ID, &call.AgentID, &call.ToolName, &addr, &rawParams, &ts, &isWrite); err != nil {
		return ToolCall{}, "", err
	}
	call.Address = program.Addr(addr)
	call.IsWrite = isWrite != 0

	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		call.Timestamp = t
	}
	if err := json.Unmarshal([]byte(rawParams), &call.Params); err != nil {
		// The id is valid even when the payload is not; callers use it to
		// advance their watermark past the bad row.
		return call, "", err
	}
	return call, rawParams, nil
}

// canonicalParams encodes params deterministically (sorted keys) so stored
// rows can be compared byte for byte.
func canonicalParams(params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
