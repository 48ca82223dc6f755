// Package connectivity models the network reachability pushed into the
// scheduler by the host.
package connectivity

import (
	"fmt"
	"strings"
)

// Status is the last known network reachability.
type Status int

const (
	Unknown Status = iota
	Unreachable
	WiFi
	Cellular
)

// Reachable reports whether delivery may be attempted. Unknown counts as
// reachable so a host that never reports status still delivers.
func (s Status) Reachable() bool {
	return s != Unreachable
}

func (s Status) String() string {
	switch s {
	case Unreachable:
		return "unreachable"
	case WiFi:
		return "wifi"
	case Cellular:
		return "cellular"
	default:
		return "unknown"
	}
}

// Parse converts a status name, case-insensitively.
func Parse(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "unreachable", "none", "offline":
		return Unreachable, nil
	case "wifi":
		return WiFi, nil
	case "cellular", "wan":
		return Cellular, nil
	case "unknown", "":
		return Unknown, nil
	}
	return Unknown, fmt.Errorf("unknown connectivity status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
