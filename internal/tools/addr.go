package tools

import (
	"fmt"
	"strconv"

	"github.com/nextlevelbuilder/reswarm/internal/program"
)

// ParseAddr extracts an address argument. Models emit addresses as hex
// strings, decimal strings or JSON numbers; all three are accepted.
func ParseAddr(v any) (program.Addr, error) {
	switch addr := v.(type) {
	case string:
		parsed, err := strconv.ParseUint(addr, 0, 64)
		if err != nil {
			return program.BADADDR, fmt.Errorf("invalid address %q", addr)
		}
		return parsed, nil
	case float64:
		if addr < 0 {
			return program.BADADDR, fmt.Errorf("negative address %v", addr)
		}
		return program.Addr(addr), nil
	case int:
		return program.Addr(addr), nil
	case int64:
		return program.Addr(addr), nil
	case uint64:
		return addr, nil
	case nil:
		return program.BADADDR, fmt.Errorf("address missing")
	default:
		return program.BADADDR, fmt.Errorf("address has unsupported type %T", v)
	}
}

// AddrArg reads and parses args[key].
func AddrArg(args map[string]any, key string) (program.Addr, error) {
	return ParseAddr(args[key])
}

// StringArg reads a required string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("%s missing", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s must be a string, got %T", key, v)
	}
	return s, nil
}

// FormatAddr renders an address the way the wire protocol expects.
func FormatAddr(addr program.Addr) string {
	return fmt.Sprintf("%#x", addr)
}
