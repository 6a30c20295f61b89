package queue

import (
	"time"

	"github.com/goccy/go-json"
)

// Action is the kind of a device event
type Action string

// Device actions
const (
	// ActionTokenDisplayed is sent when the kiosk shows a token on its screen
	ActionTokenDisplayed Action = "token_displayed"
	// ActionTokenIssued is sent when the kiosk hands out a new token
	ActionTokenIssued Action = "token_issued"
	// ActionSyncRequest asks the server to resend the latest snapshot
	ActionSyncRequest Action = "sync_request"
)

// Valid returns true for the actions a device may send
func (a Action) Valid() bool {
	switch a {
	case ActionTokenDisplayed, ActionTokenIssued, ActionSyncRequest:
		return true
	}
	return false
}

// Attributes describe the device's display at the time of the event. They are flattened into
// the top level of the event JSON.
type Attributes struct {
	ScreenLocation  string `json:"screen_location"`
	Brightness      int    `json:"brightness"`
	DisplayDuration int    `json:"displayDuration,omitempty"`
}

// DeviceEvent is an immutable fact asserted by a device
type DeviceEvent struct {
	EventID   string    `json:"eventId"`
	Sequence  uint64    `json:"sequence"`
	DeviceID  string    `json:"deviceId"`
	Action    Action    `json:"action"`
	Token     int       `json:"token"`
	Timestamp time.Time `json:"timestamp"`
	Attributes
}

// Timestamp returns t in the precision used on the wire: UTC, milliseconds.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// EncodeEvent serializes a device event
func EncodeEvent(e *DeviceEvent) ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a device event
func DecodeEvent(data []byte) (*DeviceEvent, error) {
	e := &DeviceEvent{}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, err
	}
	return e, nil
}
