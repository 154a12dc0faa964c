// Package protocol defines the wire-level vocabulary shared by the
// orchestrator and every swarm agent: bus channel names, PRIVMSG payload
// prefixes, and the helpers that build and parse them.
//
// Payload fields are separated by '|'. Fields must not contain '|'
// themselves; trailing JSON blobs pass through verbatim because the bus
// escapes only backslash, CR and LF and restores them on receipt.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Standard channels.
const (
	ChannelAgents      = "#agents"
	ChannelResults     = "#results"
	ChannelStatus      = "#status"
	ChannelDiscoveries = "#discoveries"
	ChannelLLDB        = "#lldb_control"
)

// ConflictChannelPrefix starts every conflict-discussion channel.
const ConflictChannelPrefix = "#conflict_"

// AgentChannelPrefix starts every per-agent replication channel.
const AgentChannelPrefix = "#agent_"

// Payload prefixes on #agents.
const (
	PrefixNoGoZone       = "NOGO|"
	PrefixJoinConflict   = "JOIN_CONFLICT|"
	PrefixConflictInvite = "CONFLICT_INVITE|"
	PrefixPatch          = "PATCH|"
	PrefixAgentAnnounce  = "AGENT_ANNOUNCE|"
	PrefixTokenUpdate    = "AGENT_TOKEN_UPDATE | "
)

// Payload prefixes on #conflict_* channels.
const (
	PrefixMarkedConsensus  = "MARKED_CONSENSUS|"
	PrefixManualToolExec   = "MANUAL_TOOL_EXEC|"
	PrefixManualToolResult = "MANUAL_TOOL_RESULT | "
	ConsensusComplete      = "CONSENSUS_COMPLETE"
)

// Payload prefix on #results.
const PrefixAgentResult = "AGENT_RESULT|"

// ConflictChannel builds the deterministic channel name for a conflict at
// address over tool. Both sides derive the same name independently.
func ConflictChannel(address uint64, tool string) string {
	return fmt.Sprintf("%s%x_%s", ConflictChannelPrefix, address, tool)
}

// AgentChannel returns the per-agent replication channel for agentID.
func AgentChannel(agentID string) string {
	return "#" + agentID
}

// ParseConflictChannel extracts the address and tool name from a conflict
// channel name. The tool name may itself contain underscores, so only the
// first segment is parsed as hex.
func ParseConflictChannel(channel string) (address uint64, tool string, ok bool) {
	rest, found := strings.CutPrefix(channel, ConflictChannelPrefix)
	if !found {
		return 0, "", false
	}
	sep := strings.IndexByte(rest, '_')
	if sep <= 0 || sep == len(rest)-1 {
		return 0, "", false
	}
	addr, err := strconv.ParseUint(rest[:sep], 16, 64)
	if err != nil {
		return 0, "", false
	}
	return addr, rest[sep+1:], true
}

// SplitFields splits a payload into at most n fields on '|'. The last field
// receives the remainder unsplit, which keeps JSON blobs intact.
func SplitFields(payload string, n int) []string {
	return strings.SplitN(payload, "|", n)
}
