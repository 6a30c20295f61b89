package display

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/queuekiosk/core/client"
	"github.com/relabs-tech/queuekiosk/iot/kiosk"
	"github.com/relabs-tech/queuekiosk/iot/queue"
	"github.com/relabs-tech/queuekiosk/iot/reconciler"
	"github.com/relabs-tech/queuekiosk/iot/session"
)

type stubController struct {
	view       reconciler.View
	status     kiosk.Status
	publishErr error
	published  []queue.Action
}

func (s *stubController) View() reconciler.View { return s.view }

func (s *stubController) Status() kiosk.Status { return s.status }

func (s *stubController) Publish(ctx context.Context, action queue.Action, token int) (queue.DeviceEvent, error) {
	if s.publishErr != nil {
		return queue.DeviceEvent{}, s.publishErr
	}
	s.published = append(s.published, action)
	return queue.DeviceEvent{EventID: "kiosk-1/x/1", Sequence: 1, DeviceID: "kiosk-1", Action: action, Token: token}, nil
}

func serve(t *testing.T, api *API, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if len(body) > 0 {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	api.Handler().ServeHTTP(w, r)
	return w
}

func TestView(t *testing.T) {
	next := queue.TokenEntry{Token: 6, Status: queue.StatusWaiting}
	ctl := &stubController{view: reconciler.View{
		Entries:       []queue.TokenEntry{{Token: 5, Status: queue.StatusServing}, next},
		LastToken:     6,
		NextToDisplay: &next,
		Stale:         true,
	}}
	w := serve(t, New(ctl), http.MethodGet, "/view", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/json")

	var got struct {
		Entries       []queue.TokenEntry `json:"entries"`
		LastToken     int                `json:"lastToken"`
		NextToDisplay *queue.TokenEntry  `json:"nextToDisplay"`
		Stale         bool               `json:"stale"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Len(t, got.Entries, 2)
	assert.Equal(t, 6, got.LastToken)
	require.NotNil(t, got.NextToDisplay)
	assert.Equal(t, 6, got.NextToDisplay.Token)
	assert.True(t, got.Stale)
}

func TestView_NothingToDisplay(t *testing.T) {
	ctl := &stubController{view: reconciler.View{Entries: []queue.TokenEntry{}}}
	w := serve(t, New(ctl), http.MethodGet, "/view", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"nextToDisplay":null`)
	assert.Contains(t, w.Body.String(), `"entries":[]`)
}

func TestStatus(t *testing.T) {
	ctl := &stubController{status: kiosk.Status{DeviceID: "kiosk-1", State: kiosk.StateRunning, Epoch: 3}}
	w := serve(t, New(ctl), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"running"`)
	assert.Contains(t, w.Body.String(), `"epoch":3`)
}

func TestPostEvent(t *testing.T) {
	ctl := &stubController{}
	api := New(ctl)

	w := serve(t, api, http.MethodPost, "/events", `{"action":"token_issued","token":12}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	event, err := queue.DecodeEvent(w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, 12, event.Token)
	assert.Equal(t, []queue.Action{queue.ActionTokenIssued}, ctl.published)

	for _, body := range []string{
		`{"action":"token_issued"}`,
		`{"action":"token_eaten","token":1}`,
		`{"action":"token_issued","token":-1}`,
		`{"action":`,
	} {
		w := serve(t, api, http.MethodPost, "/events", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
	assert.Len(t, ctl.published, 1)

	w = serve(t, api, http.MethodPost, "/events", `{"action":"token_issued","token":1,"pad":"`+strings.Repeat("x", maxEventBody)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestPostEvent_Offline(t *testing.T) {
	ctl := &stubController{publishErr: session.ErrNotConnected}
	w := serve(t, New(ctl), http.MethodPost, "/events", `{"action":"token_displayed","token":6}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	ctl.publishErr = session.ErrTimeout
	w = serve(t, New(ctl), http.MethodPost, "/events", `{"action":"token_displayed","token":6}`)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestVersionAndMethods(t *testing.T) {
	api := New(&stubController{})
	w := serve(t, api, http.MethodGet, "/version", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"version":"unset"}`, w.Body.String())

	w = serve(t, api, http.MethodPost, "/view", `{}`)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	w = serve(t, api, http.MethodGet, "/nothing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOverHTTP(t *testing.T) {
	next := queue.TokenEntry{Token: 12, Status: queue.StatusWaiting}
	ctl := &stubController{
		view:   reconciler.View{Entries: []queue.TokenEntry{next}, LastToken: 12, NextToDisplay: &next},
		status: kiosk.Status{DeviceID: "kiosk-1", State: kiosk.StateRunning},
	}
	server := httptest.NewServer(New(ctl).Handler())
	defer server.Close()
	c := client.NewWithURL(server.URL)

	var view reconciler.View
	_, err := c.RawGet("/view", &view)
	require.NoError(t, err)
	require.NotNil(t, view.NextToDisplay)
	assert.Equal(t, 12, view.NextToDisplay.Token)

	var status map[string]interface{}
	_, err = c.RawGet("/status", &status)
	require.NoError(t, err)
	assert.Equal(t, "running", status["state"])

	var event queue.DeviceEvent
	code, err := c.RawPost("/events", map[string]interface{}{"action": "token_issued", "token": 13}, &event)
	require.NoError(t, err)
	assert.Equal(t, http.StatusAccepted, code)
	assert.Equal(t, 13, event.Token)
	assert.Equal(t, []queue.Action{queue.ActionTokenIssued}, ctl.published)
}
