package kiosk

import "fmt"

// State is the synchronization state of a kiosk
type State int

// Controller states
const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribing
	StateRunning
	StateInterrupted
	StateShuttingDown
	StateStopped
)

var stateNames = map[State]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateSubscribing:  "subscribing",
	StateRunning:      "running",
	StateInterrupted:  "interrupted",
	StateShuttingDown: "shutting-down",
	StateStopped:      "stopped",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
