// Package nogo maintains the registry of address ranges reserved by agents.
// Each process holds its own registry; zones travel between processes as
// serialized lines on the bus.
package nogo

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/reswarm/internal/program"
)

// ZoneType distinguishes why a range is reserved.
type ZoneType int

const (
	// TempSegment marks another agent's code-injection workspace.
	TempSegment ZoneType = iota
	// CodeCave marks a cave another agent has already claimed.
	CodeCave
)

func (t ZoneType) String() string {
	if t == CodeCave {
		return "CAVE"
	}
	return "SEGMENT"
}

// Zone is one reserved half-open address range.
type Zone struct {
	Start     program.Addr
	End       program.Addr
	AgentID   string
	Type      ZoneType
	Timestamp time.Time
}

// Overlaps reports whether [start, end) intersects the zone.
func (z Zone) Overlaps(start, end program.Addr) bool {
	return start < z.End && z.Start < end
}

// Contains reports whether addr falls inside the zone.
func (z Zone) Contains(addr program.Addr) bool {
	return addr >= z.Start && addr < z.End
}

// Registry is the per-process zone set.
type Registry struct {
	mu    sync.Mutex
	zones []Zone
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add inserts a zone. Overlaps with zones of other agents are allowed but
// logged: emission already avoids them, so an overlap means a broadcast
// raced an allocation.
func (r *Registry) Add(zone Zone) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.zones {
		if existing.Overlaps(zone.Start, zone.End) {
			slog.Warn("nogo: zone overlap",
				"new_agent", zone.AgentID, "existing_agent", existing.AgentID,
				"start", fmt.Sprintf("%#x", zone.Start), "end", fmt.Sprintf("%#x", zone.End))
		}
	}
	r.zones = append(r.zones, zone)
}

// RemoveAgent purges every zone contributed by agentID.
func (r *Registry) RemoveAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.zones[:0]
	for _, z := range r.zones {
		if z.AgentID != agentID {
			kept = append(kept, z)
		}
	}
	r.zones = kept
}

// Zones returns a snapshot of all zones.
func (r *Registry) Zones() []Zone {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Zone, len(r.zones))
	copy(out, r.zones)
	return out
}

// ZonesByType returns a snapshot filtered to one type.
func (r *Registry) ZonesByType(t ZoneType) []Zone {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Zone
	for _, z := range r.zones {
		if z.Type == t {
			out = append(out, z)
		}
	}
	return out
}

// IsNoGoRange reports whether [start, end) overlaps any zone.
func (r *Registry) IsNoGoRange(start, end program.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, z := range r.zones {
		if z.Overlaps(start, end) {
			return true
		}
	}
	return false
}

// IsNoGo reports whether addr falls inside any zone.
func (r *Registry) IsNoGo(addr program.Addr) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, z := range r.zones {
		if z.Contains(addr) {
			return true
		}
	}
	return false
}

// FindSafeAllocation scans forward from startFrom for a size-byte range
// clear of every zone, skipping past each obstructing zone. Returns
// BADADDR when the search wraps or overflows.
func (r *Registry) FindSafeAllocation(size uint64, startFrom program.Addr) program.Addr {
	if size == 0 {
		return startFrom
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := startFrom
	for current != program.BADADDR {
		end := current + size
		if end < current {
			// Overflow.
			break
		}

		blocked := false
		for _, z := range r.zones {
			if z.Overlaps(current, end) {
				current = z.End
				blocked = true
				break
			}
		}
		if !blocked {
			return current
		}
	}
	return program.BADADDR
}

// Serialize renders a zone in the bus line format:
// NOGO|{SEGMENT|CAVE}|<agent_id>|<start_hex>|<end_hex>.
func Serialize(zone Zone) string {
	return fmt.Sprintf("NOGO|%s|%s|%#x|%#x", zone.Type, zone.AgentID, zone.Start, zone.End)
}

// Deserialize parses the Serialize line format. The timestamp is stamped at
// receipt.
func Deserialize(line string) (Zone, bool) {
	parts := strings.Split(line, "|")
	if len(parts) != 5 || parts[0] != "NOGO" {
		return Zone{}, false
	}

	var zone Zone
	switch parts[1] {
	case "SEGMENT":
		zone.Type = TempSegment
	case "CAVE":
		zone.Type = CodeCave
	default:
		return Zone{}, false
	}

	zone.AgentID = parts[2]
	start, err := strconv.ParseUint(strings.TrimPrefix(parts[3], "0x"), 16, 64)
	if err != nil {
		return Zone{}, false
	}
	end, err := strconv.ParseUint(strings.TrimPrefix(parts[4], "0x"), 16, 64)
	if err != nil {
		return Zone{}, false
	}
	if start >= end {
		return Zone{}, false
	}

	zone.Start = start
	zone.End = end
	zone.Timestamp = time.Now()
	return zone, true
}
