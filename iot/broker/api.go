package broker

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/relabs-tech/queuekiosk/core/logger"
)

const maxSnapshotBody = 1 << 20

// Handler returns a small HTTP API to drive the broker:
//
//	PUT /snapshot  validate and broadcast a queue snapshot
//	GET /snapshot  the last broadcast snapshot
//	GET /events    the most recent device events
func (b *Broker) Handler() http.Handler {
	router := mux.NewRouter()
	logger.AddRequestID(router)

	rlog := logger.Default()
	rlog.Debugln("broker api")
	rlog.Debugln("  handle route: /snapshot GET,PUT")
	rlog.Debugln("  handle route: /events GET")

	router.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		rlog := logger.FromContext(r.Context())
		body, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBody+1))
		if err != nil {
			http.Error(w, "cannot read body", http.StatusBadRequest)
			return
		}
		if len(body) > maxSnapshotBody {
			http.Error(w, "body too large", http.StatusRequestEntityTooLarge)
			return
		}
		err = b.PublishSnapshotJSON(body)
		if errors.Is(err, ErrNotRunning) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		rlog.Infoln("snapshot published")
		w.WriteHeader(http.StatusNoContent)
	}).Methods(http.MethodPut)

	router.Handle("/snapshot", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		snapshot := b.Snapshot()
		if snapshot == nil {
			http.Error(w, "no snapshot published yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(snapshot)
	}))).Methods(http.MethodGet)

	router.Handle("/events", handlers.CompressHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := json.Marshal(b.Events())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.Write(data)
	}))).Methods(http.MethodGet)

	return router
}
