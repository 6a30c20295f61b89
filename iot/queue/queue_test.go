package queue

import (
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopics(t *testing.T) {
	assert.Equal(t, "queue/clinic/default/incoming/kiosk-1", IncomingTopic(DefaultTenant, "kiosk-1"))
	assert.Equal(t, "queue/clinic/default/updates", UpdatesTopic(DefaultTenant))

	deviceID, ok := DeviceFromIncomingTopic(DefaultTenant, "queue/clinic/default/incoming/kiosk-1")
	assert.True(t, ok)
	assert.Equal(t, "kiosk-1", deviceID)

	for _, topic := range []string{
		"queue/clinic/default/incoming/",
		"queue/clinic/default/incoming/kiosk-1/extra",
		"queue/clinic/other/incoming/kiosk-1",
		"queue/clinic/default/updates",
	} {
		_, ok := DeviceFromIncomingTopic(DefaultTenant, topic)
		assert.False(t, ok, topic)
	}
}

func TestValidTenantAndDevice(t *testing.T) {
	assert.True(t, ValidTenant("clinic/default"))
	assert.True(t, ValidTenant("pharmacy"))
	assert.False(t, ValidTenant(""))
	assert.False(t, ValidTenant("/clinic"))
	assert.False(t, ValidTenant("clinic/"))
	assert.False(t, ValidTenant("clinic//a"))
	assert.False(t, ValidTenant("clinic/+"))

	assert.True(t, ValidDeviceID("kiosk-1"))
	assert.False(t, ValidDeviceID(""))
	assert.False(t, ValidDeviceID("kiosk/1"))
	assert.False(t, ValidDeviceID("#"))
}

func TestNextToDisplay(t *testing.T) {
	s, err := ParseSnapshot([]byte(`{"entries":[{"token":5,"status":"serving"},{"token":6,"status":"waiting"}], "lastToken":6}`))
	require.NoError(t, err)
	next, ok := s.NextToDisplay()
	require.True(t, ok)
	assert.Equal(t, 6, next.Token)
	assert.Equal(t, 1, s.Waiting())
}

func TestNextToDisplay_ServerOrderIsAuthoritative(t *testing.T) {
	s := Snapshot{Entries: []TokenEntry{
		{Token: 9, Status: StatusWaiting},
		{Token: 3, Status: StatusWaiting},
	}, LastToken: 9}
	next, ok := s.NextToDisplay()
	require.True(t, ok)
	assert.Equal(t, 9, next.Token)
}

func TestNextToDisplay_None(t *testing.T) {
	s, err := ParseSnapshot([]byte(`{"entries":[], "lastToken":0}`))
	require.NoError(t, err)
	_, ok := s.NextToDisplay()
	assert.False(t, ok)

	s, err = ParseSnapshot([]byte(`{"entries":[{"token":1,"status":"served"},{"token":2,"status":"cancelled"}], "lastToken":2}`))
	require.NoError(t, err)
	_, ok = s.NextToDisplay()
	assert.False(t, ok)
}

func TestParseSnapshot_OriginalServerFields(t *testing.T) {
	payload := `{
		"lastToken": 12,
		"avgServiceSeconds": 93.5,
		"entries": [
			{"token": 11, "status": "served", "name": "Ann", "waitingTime": 60, "waitingTimeHuman": "1m"},
			{"token": 12, "status": "waiting", "name": "Bob", "estimatedWaitSeconds": 94, "clinicId": "c-1"}
		]
	}`
	s, err := ParseSnapshot([]byte(payload))
	require.NoError(t, err)
	assert.Equal(t, 93.5, s.AvgServiceSeconds)
	require.Len(t, s.Entries, 2)
	assert.Equal(t, "1m", s.Entries[0].WaitingTimeHuman)
	assert.Equal(t, Status("served"), s.Entries[0].Status)
	assert.Equal(t, 94, s.Entries[1].EstimatedWaitSeconds)
}

func TestParseSnapshot_Malformed(t *testing.T) {
	for name, payload := range map[string]string{
		"truncated":       `{"entries":[{"token":5,"status":"serv`,
		"empty":           ``,
		"not an object":   `[1,2,3]`,
		"missing entries": `{"lastToken": 3}`,
		"missing token":   `{"entries":[{"status":"waiting"}],"lastToken":3}`,
		"string token":    `{"entries":[{"token":"5","status":"waiting"}],"lastToken":5}`,
		"negative last":   `{"entries":[],"lastToken":-1}`,
		"null entries":    `{"entries":null,"lastToken":1}`,
	} {
		_, err := ParseSnapshot([]byte(payload))
		assert.Error(t, err, name)
	}
}

func TestSnapshotClone(t *testing.T) {
	s := Snapshot{Entries: []TokenEntry{{Token: 1, Status: StatusWaiting}}, LastToken: 1}
	c := s.Clone()
	c.Entries[0].Status = StatusDone
	assert.Equal(t, StatusWaiting, s.Entries[0].Status)
}

func TestDeviceEventRoundTrip(t *testing.T) {
	sent := &DeviceEvent{
		EventID:   "kiosk-1/1f3c/7",
		Sequence:  7,
		DeviceID:  "kiosk-1",
		Action:    ActionTokenDisplayed,
		Token:     42,
		Timestamp: Timestamp(time.Date(2026, 10, 19, 8, 30, 0, 123456789, time.UTC)),
		Attributes: Attributes{
			ScreenLocation: "Window A",
			Brightness:     100,
		},
	}
	data, err := EncodeEvent(sent)
	require.NoError(t, err)

	received, err := ParseEvent(data)
	require.NoError(t, err)
	assert.True(t, sent.Timestamp.Equal(received.Timestamp))
	received.Timestamp = sent.Timestamp
	assert.Equal(t, sent, received)
}

func TestDeviceEventWireFormat(t *testing.T) {
	e := &DeviceEvent{
		EventID:    "kiosk-1/x/1",
		Sequence:   1,
		DeviceID:   "kiosk-1",
		Action:     ActionTokenDisplayed,
		Token:      1,
		Timestamp:  Timestamp(time.Date(2026, 10, 19, 8, 30, 0, 0, time.FixedZone("CET", 3600))),
		Attributes: Attributes{ScreenLocation: "Window A", Brightness: 100},
	}
	data, err := EncodeEvent(e)
	require.NoError(t, err)

	var wire map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "kiosk-1", wire["deviceId"])
	assert.Equal(t, "token_displayed", wire["action"])
	assert.Equal(t, float64(1), wire["token"])
	assert.Equal(t, "2026-10-19T07:30:00Z", wire["timestamp"])
	assert.Equal(t, "Window A", wire["screen_location"])
	assert.Equal(t, float64(100), wire["brightness"])
	assert.NotContains(t, wire, "displayDuration")
	assert.NotContains(t, wire, "Attributes")
}

func TestParseEvent_Invalid(t *testing.T) {
	_, err := ParseEvent([]byte(`{"deviceId":"kiosk-1","action":"dance","token":1,"timestamp":"2026-10-19T07:30:00Z"}`))
	assert.Error(t, err)
	_, err = ParseEvent([]byte(`{"deviceId":"kiosk-1","action":"token_displayed"`))
	assert.Error(t, err)
}

func TestActionValid(t *testing.T) {
	assert.True(t, ActionTokenDisplayed.Valid())
	assert.True(t, ActionTokenIssued.Valid())
	assert.True(t, ActionSyncRequest.Valid())
	assert.False(t, Action("token_eaten").Valid())
}
