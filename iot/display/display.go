// Package display is the local HTTP API a kiosk renderer reads its view from.
//
// Routes:
//
//	GET  /view     the current queue view, including the stale flag
//	GET  /status   the controller state
//	POST /events   publish a device event, body {"action": "...", "token": n}
//	GET  /version  the build version
package display

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/queuekiosk/core/logger"
	"github.com/relabs-tech/queuekiosk/iot/kiosk"
	"github.com/relabs-tech/queuekiosk/iot/queue"
	"github.com/relabs-tech/queuekiosk/iot/reconciler"
	"github.com/relabs-tech/queuekiosk/iot/session"
)

var (
	// Version is the version of the curent build
	Version = "unset"
)

const maxEventBody = 4096

// Controller is the part of the kiosk controller the API serves
type Controller interface {
	View() reconciler.View
	Status() kiosk.Status
	Publish(ctx context.Context, action queue.Action, token int) (queue.DeviceEvent, error)
}

// API is the display API
type API struct {
	controller Controller
	router     *mux.Router
}

type eventRequest struct {
	Action queue.Action `json:"action"`
	Token  *int         `json:"token"`
}

// New returns the display API for controller
func New(controller Controller) *API {
	if controller == nil {
		panic("controller is missing")
	}
	a := &API{
		controller: controller,
		router:     mux.NewRouter(),
	}
	logger.AddRequestID(a.router)
	a.handleRoutes()
	return a
}

// Handler returns the http handler of the API. Cross-origin GET requests are allowed, so a
// browser based renderer can be served from elsewhere.
func (a *API) Handler() http.Handler {
	return handlers.CORS(
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)(a.router)
}

func (a *API) handleRoutes() {
	rlog := logger.Default()
	rlog.Debugln("display")
	rlog.Debugln("  handle route: /view GET")
	rlog.Debugln("  handle route: /status GET")
	rlog.Debugln("  handle route: /events POST")
	rlog.Debugln("  handle route: /version GET")

	a.router.Handle("/view", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.controller.View())
	}))).Methods(http.MethodGet)

	a.router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.controller.Status())
	}).Methods(http.MethodGet)

	a.router.HandleFunc("/events", a.postEvent).Methods(http.MethodPost)

	a.router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"version": Version})
	}).Methods(http.MethodGet)
}

func (a *API) postEvent(w http.ResponseWriter, r *http.Request) {
	rlog := logger.FromContext(r.Context())
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxEventBody {
		http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var req eventRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !req.Action.Valid() {
		http.Error(w, "invalid action", http.StatusBadRequest)
		return
	}
	if req.Token == nil || *req.Token < 0 {
		http.Error(w, "invalid token", http.StatusBadRequest)
		return
	}

	event, err := a.controller.Publish(r.Context(), req.Action, *req.Token)
	switch {
	case err == nil:
		rlog.Infoln("published", event.Action, event.Token, event.EventID)
		writeJSON(w, http.StatusAccepted, event)
	case errors.Is(err, session.ErrNotConnected):
		http.Error(w, "kiosk is offline", http.StatusServiceUnavailable)
	case errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "broker did not acknowledge", http.StatusGatewayTimeout)
	default:
		rlog.WithError(err).Errorln("cannot publish event")
		http.Error(w, "cannot publish event", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}
