package config

import (
	"fmt"
	"strings"
)

// DebugLevel controls how chatty the deletion pipeline is at Info level.
type DebugLevel int

const (
	DebugOff DebugLevel = iota
	DebugLow
	DebugMedium
	DebugHigh
)

var debugNames = [...]string{"off", "low", "medium", "high"}

func (d DebugLevel) String() string {
	if d < DebugOff || d > DebugHigh {
		return fmt.Sprintf("DebugLevel(%d)", int(d))
	}
	return debugNames[d]
}

// Allows reports whether a message tagged with level should be logged.
func (d DebugLevel) Allows(level DebugLevel) bool {
	return level != DebugOff && d >= level
}

func (d DebugLevel) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *DebugLevel) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for i, name := range debugNames {
		if s == name {
			*d = DebugLevel(i)
			return nil
		}
	}
	return fmt.Errorf("unknown debug level %q", s)
}
