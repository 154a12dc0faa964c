// Package conflict turns concurrent tool-call conflicts into eventually
// consistent edits: it discovers conflict channels, tracks participants,
// collects consensus statements, and enforces the extracted resolution on
// every live participant.
package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/consensus"
	"github.com/nextlevelbuilder/reswarm/internal/ledger"
	"github.com/nextlevelbuilder/reswarm/internal/metrics"
	"github.com/nextlevelbuilder/reswarm/internal/program"
	"github.com/nextlevelbuilder/reswarm/pkg/protocol"
)

// Session is one tracked conflict discussion.
type Session struct {
	Channel       string
	Participating map[string]bool
	Statements    map[string]string
	Original      ledger.Conflict
	Resolved      bool
	StartedAt     time.Time
}

// Messenger is the slice of the bus client the manager needs.
type Messenger interface {
	Join(channel string) error
	Privmsg(target, payload string) error
}

// ChannelLister enumerates live bus channels; the in-process server
// provides it.
type ChannelLister interface {
	Channels() []string
}

// AgentDirectory answers liveness and resurrection questions about agents.
type AgentDirectory interface {
	// AgentExists reports whether agentID was ever spawned.
	AgentExists(agentID string) bool
	// IsAgentRunning reports whether agentID's process is alive.
	IsAgentRunning(agentID string) bool
	// IsCompleted reports whether agentID already finished.
	IsCompleted(agentID string) bool
	// Resurrect relaunches a completed agent for a conflict discussion.
	Resurrect(agentID, conflictChannel string) error
}

// Extractor converts consensus statements into a tool call; the consensus
// executor implements it.
type Extractor interface {
	ExecuteConsensus(ctx context.Context, statements map[string]string, conflict ledger.Conflict) consensus.ToolCallSpec
}

// Manager owns every session. One instance lives in the orchestrator.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	client    Messenger
	channels  ChannelLister
	led       *ledger.Ledger
	extractor Extractor
	agents    AgentDirectory

	manualMu        sync.Mutex
	manualResponses map[string]bool

	stop chan struct{}
	wg   sync.WaitGroup

	// Mets counts opened and resolved sessions; nil is safe.
	Mets *metrics.Metrics

	// Timing knobs; tests shorten them.
	MonitorInterval time.Duration
	EnforceTimeout  time.Duration
	AckPoll         time.Duration
	VerifyDelay     time.Duration
	EraseDelay      time.Duration
}

// NewManager wires the manager to its collaborators.
func NewManager(client Messenger, channels ChannelLister, led *ledger.Ledger, extractor Extractor, agents AgentDirectory) *Manager {
	return &Manager{
		sessions:        make(map[string]*Session),
		client:          client,
		channels:        channels,
		led:             led,
		extractor:       extractor,
		agents:          agents,
		manualResponses: make(map[string]bool),
		stop:            make(chan struct{}),
		MonitorInterval: 2 * time.Second,
		EnforceTimeout:  5 * time.Second,
		AckPoll:         100 * time.Millisecond,
		VerifyDelay:     500 * time.Millisecond,
		EraseDelay:      3 * time.Second,
	}
}

// StartMonitor begins polling for new conflict channels.
func (m *Manager) StartMonitor() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stop:
				return
			case <-time.After(m.MonitorInterval):
			}
			m.scanChannels()
		}
	}()
}

// Stop halts the monitor and waits for in-flight enforcement workers.
func (m *Manager) Stop() {
	select {
	case <-m.stop:
	default:
		close(m.stop)
	}
	m.wg.Wait()
}

// Sessions returns a snapshot of tracked channels.
func (m *Manager) Sessions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for ch := range m.sessions {
		out = append(out, ch)
	}
	return out
}

// scanChannels joins and tracks any conflict channel it has not seen.
func (m *Manager) scanChannels() {
	for _, channel := range m.channels.Channels() {
		addr, tool, ok := protocol.ParseConflictChannel(channel)
		if !ok {
			continue
		}

		m.mu.Lock()
		_, tracked := m.sessions[channel]
		if !tracked {
			m.sessions[channel] = newSession(channel, addr, tool)
		}
		m.mu.Unlock()

		if !tracked {
			m.Mets.Inc(metrics.ConflictsDetected)
			if err := m.client.Join(channel); err != nil {
				slog.Warn("conflict: join failed", "channel", channel, "error", err)
			}
			slog.Info("conflict: tracking channel", "channel", channel)
		}
	}
}

func newSession(channel string, addr program.Addr, tool string) *Session {
	return &Session{
		Channel:       channel,
		Participating: make(map[string]bool),
		Statements:    make(map[string]string),
		Original: ledger.Conflict{
			First:  ledger.ToolCall{ToolName: tool, Address: addr},
			Second: ledger.ToolCall{ToolName: tool, Address: addr},
		},
		StartedAt: time.Now(),
	}
}

// SeedConflict attaches the real conflicting calls to a session, replacing
// the skeleton parsed from the channel name.
func (m *Manager) SeedConflict(channel string, conflict ledger.Conflict) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[channel]; ok {
		s.Original = conflict
		return
	}
	s := newSession(channel, conflict.First.Address, conflict.First.ToolName)
	s.Original = conflict
	m.sessions[channel] = s
	m.Mets.Inc(metrics.ConflictsDetected)
}

// HandleMessage processes one bus message relevant to conflict handling.
// The orchestrator's bus callback routes conflict-channel traffic and
// JOIN_CONFLICT requests here. Never blocks: enforcement runs detached.
func (m *Manager) HandleMessage(channel, sender, payload string) {
	if channel == protocol.ChannelAgents {
		if rest, ok := cutPrefix(payload, protocol.PrefixJoinConflict); ok {
			m.handleJoinRequest(rest)
		}
		return
	}

	if _, _, ok := protocol.ParseConflictChannel(channel); !ok {
		return
	}

	// Every message on a tracked conflict channel adds its sender.
	m.mu.Lock()
	session, tracked := m.sessions[channel]
	if tracked && sender != "" && sender != "orchestrator" {
		session.Participating[sender] = true
	}
	m.mu.Unlock()

	if rest, ok := cutPrefix(payload, protocol.PrefixManualToolResult); ok {
		m.handleManualResult(rest)
		return
	}
	if rest, ok := cutPrefix(payload, protocol.PrefixMarkedConsensus); ok {
		m.handleMarkedConsensus(channel, rest)
	}
}

// handleJoinRequest processes JOIN_CONFLICT|<target>|<channel>: a running
// target gets an invite, a completed one is resurrected.
func (m *Manager) handleJoinRequest(rest string) {
	fields := protocol.SplitFields(rest, 2)
	if len(fields) != 2 {
		slog.Warn("conflict: malformed JOIN_CONFLICT", "payload", rest)
		return
	}
	target, channel := fields[0], fields[1]

	if !m.agents.AgentExists(target) {
		slog.Warn("conflict: JOIN_CONFLICT for unknown agent", "agent", target)
		return
	}

	if m.agents.IsCompleted(target) {
		slog.Info("conflict: resurrecting completed agent", "agent", target, "channel", channel)
		if err := m.agents.Resurrect(target, channel); err != nil {
			slog.Warn("conflict: resurrection failed", "agent", target, "error", err)
		}
		return
	}

	invite := protocol.PrefixConflictInvite + target + "|" + channel
	if err := m.client.Privmsg(protocol.ChannelAgents, invite); err != nil {
		slog.Warn("conflict: invite send failed", "agent", target, "error", err)
	}
}

// handleMarkedConsensus records a statement and, when every participant
// has one, flips the session to resolved and dispatches enforcement.
func (m *Manager) handleMarkedConsensus(channel, rest string) {
	fields := protocol.SplitFields(rest, 2)
	if len(fields) != 2 {
		return
	}
	agentID, statement := fields[0], fields[1]

	var (
		session       Session
		shouldResolve bool
	)

	m.mu.Lock()
	s, ok := m.sessions[channel]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Statements[agentID] = statement
	s.Participating[agentID] = true

	if !s.Resolved && len(s.Participating) >= 2 && allMarked(s) {
		// The flag flips exactly once; later MARKED_CONSENSUS for this
		// channel is ignored.
		s.Resolved = true
		shouldResolve = true
		session = snapshot(s)
	}
	m.mu.Unlock()

	if !shouldResolve {
		return
	}

	m.Mets.Inc(metrics.ConflictsResolved)
	slog.Info("conflict.session_resolved", "channel", channel, "participants", len(session.Participating))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.enforce(session)
	}()
}

func allMarked(s *Session) bool {
	for participant := range s.Participating {
		if _, ok := s.Statements[participant]; !ok {
			return false
		}
	}
	return true
}

func snapshot(s *Session) Session {
	out := Session{
		Channel:       s.Channel,
		Participating: make(map[string]bool, len(s.Participating)),
		Statements:    make(map[string]string, len(s.Statements)),
		Original:      s.Original,
		Resolved:      s.Resolved,
		StartedAt:     s.StartedAt,
	}
	for k, v := range s.Participating {
		out.Participating[k] = v
	}
	for k, v := range s.Statements {
		out.Statements[k] = v
	}
	return out
}

// enforce runs on a detached worker: extract, push to live participants,
// collect acks, verify, announce completion, erase.
func (m *Manager) enforce(session Session) {
	alive := make(map[string]bool)
	for agentID := range session.Participating {
		if m.agents.IsAgentRunning(agentID) {
			alive[agentID] = true
		}
	}

	if len(alive) == 0 {
		// ConflictStale: everyone is gone; nothing to push.
		slog.Info("conflict: all participants exited, skipping enforcement", "channel", session.Channel)
		m.client.Privmsg(session.Channel, protocol.ConsensusComplete)
		m.eraseAfter(session.Channel, m.EraseDelay)
		return
	}

	spec := m.extractor.ExecuteConsensus(context.Background(), session.Statements, session.Original)

	m.manualMu.Lock()
	m.manualResponses = make(map[string]bool, len(alive))
	for agentID := range alive {
		m.manualResponses[agentID] = false
	}
	m.manualMu.Unlock()

	params := normalizeAddress(spec.Parameters)
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		slog.Warn("conflict: encode consensus params", "error", err)
		paramsJSON = []byte("{}")
	}

	for agentID := range alive {
		msg := fmt.Sprintf("%s%s|%s|%s", protocol.PrefixManualToolExec, agentID, spec.ToolName, paramsJSON)
		if err := m.client.Privmsg(session.Channel, msg); err != nil {
			slog.Warn("conflict: manual exec send failed", "agent", agentID, "error", err)
		}
	}

	m.awaitAcks(session.Channel, spec, params)

	if addr, ok := addressOf(params); ok {
		time.Sleep(m.VerifyDelay)
		if m.verifyApplied(alive, addr) {
			slog.Info("conflict: enforcement verified", "channel", session.Channel)
		} else {
			slog.Warn("conflict.verify_mismatch", "channel", session.Channel, "address", fmt.Sprintf("%#x", addr))
		}
	}

	m.client.Privmsg(session.Channel, protocol.ConsensusComplete)
	m.eraseAfter(session.Channel, m.EraseDelay)
}

// awaitAcks waits up to EnforceTimeout for MANUAL_TOOL_RESULT acks, then
// nudges non-acking agents with a free-text fallback.
func (m *Manager) awaitAcks(channel string, spec consensus.ToolCallSpec, params map[string]any) {
	deadline := time.Now().Add(m.EnforceTimeout)
	for time.Now().Before(deadline) {
		if m.allAcked() {
			slog.Info("conflict: all agents executed consensus tool", "channel", channel)
			return
		}
		select {
		case <-m.stop:
			return
		case <-time.After(m.AckPoll):
		}
	}

	pretty, _ := json.MarshalIndent(params, "", "  ")
	m.manualMu.Lock()
	defer m.manualMu.Unlock()
	for agentID, acked := range m.manualResponses {
		if acked {
			continue
		}
		fallbackMsg := fmt.Sprintf(
			"[SYSTEM] FOR AGENT: %s ONLY! Manual tool execution failed. Please apply the agreed consensus: %s with parameters: %s",
			agentID, spec.ToolName, pretty)
		if err := m.client.Privmsg(channel, fallbackMsg); err != nil {
			slog.Warn("conflict: fallback send failed", "agent", agentID, "error", err)
		}
	}
}

func (m *Manager) allAcked() bool {
	m.manualMu.Lock()
	defer m.manualMu.Unlock()
	for _, acked := range m.manualResponses {
		if !acked {
			return false
		}
	}
	return true
}

// handleManualResult parses <agent>|<success|failure>|<json> acks.
func (m *Manager) handleManualResult(rest string) {
	fields := protocol.SplitFields(rest, 3)
	if len(fields) != 3 {
		return
	}
	agentID, status := fields[0], fields[1]

	m.manualMu.Lock()
	if _, tracked := m.manualResponses[agentID]; tracked {
		m.manualResponses[agentID] = true
	}
	m.manualMu.Unlock()

	if status != "success" {
		slog.Warn("conflict: agent reported manual execution failure", "agent", agentID, "result", fields[2])
	}
}

// verifyApplied checks that every participant recorded an identical manual
// call at the conflict address, after stripping bookkeeping fields.
func (m *Manager) verifyApplied(agents map[string]bool, addr program.Addr) bool {
	calls, err := m.led.AddressToolCalls(addr)
	if err != nil {
		slog.Warn("conflict: verification query failed", "error", err)
		return false
	}

	applied := make(map[string]map[string]any)
	for _, call := range calls {
		if !agents[call.AgentID] {
			continue
		}
		if manual, _ := call.Params["__is_manual"].(bool); !manual {
			continue
		}
		applied[call.AgentID] = stripBookkeeping(call.Params)
	}
	if len(applied) == 0 || len(applied) != len(agents) {
		return false
	}

	var reference map[string]any
	for _, params := range applied {
		if reference == nil {
			reference = params
			continue
		}
		if !reflect.DeepEqual(reference, params) {
			return false
		}
	}
	return true
}

func stripBookkeeping(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		if k == "__is_manual" || k == "__enforced_by" {
			continue
		}
		out[k] = v
	}
	return out
}

// eraseAfter removes the session after a grace period. Erasing an already
// erased session is a no-op.
func (m *Manager) eraseAfter(channel string, delay time.Duration) {
	select {
	case <-m.stop:
	case <-time.After(delay):
	}
	m.mu.Lock()
	delete(m.sessions, channel)
	m.mu.Unlock()
}

// normalizeAddress converts numeric addresses into the canonical hex
// string the agents expect on the wire.
func normalizeAddress(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	if v, ok := out["address"]; ok {
		if f, isNum := v.(float64); isNum {
			out["address"] = fmt.Sprintf("%#x", uint64(f))
		}
	}
	return out
}

func addressOf(params map[string]any) (program.Addr, bool) {
	v, ok := params["address"]
	if !ok {
		return 0, false
	}
	switch addr := v.(type) {
	case string:
		var parsed uint64
		if _, err := fmt.Sscanf(addr, "0x%x", &parsed); err == nil {
			return parsed, true
		}
		if _, err := fmt.Sscanf(addr, "%d", &parsed); err == nil {
			return parsed, true
		}
	case float64:
		return program.Addr(addr), true
	}
	return 0, false
}

func cutPrefix(s, prefix string) (string, bool) {
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}
