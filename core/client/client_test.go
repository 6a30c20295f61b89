package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echo struct {
	Method string `json:"method"`
	Body   string `json:"body"`
	Header string `json:"header"`
}

func echoHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing":
			http.Error(w, "not here", http.StatusNotFound)
			return
		case "/empty":
			w.WriteHeader(http.StatusNoContent)
			return
		}
		body, _ := io.ReadAll(r.Body)
		status := http.StatusOK
		if r.Method == http.MethodPost {
			status = http.StatusAccepted
		}
		w.WriteHeader(status)
		w.Write([]byte(`{"method":"` + r.Method + `","body":` + quote(body) + `,"header":"` + r.Header.Get("X-Kiosk") + `"}`))
	})
}

func quote(b []byte) string {
	if len(b) == 0 {
		return `""`
	}
	return `"` + string(b) + `"`
}

func TestClient(t *testing.T) {
	server := httptest.NewServer(echoHandler())
	defer server.Close()

	for name, c := range map[string]Client{
		"handler": NewWithHandler(echoHandler()),
		"url":     NewWithURL(server.URL + "/"),
	} {
		t.Run(name, func(t *testing.T) {
			c := c.WithHeader("X-Kiosk", "kiosk-1").WithContext(context.Background())

			var result echo
			status, err := c.RawGet("/thing", &result)
			require.NoError(t, err)
			assert.Equal(t, http.StatusOK, status)
			assert.Equal(t, echo{Method: http.MethodGet, Header: "kiosk-1"}, result)

			status, err = c.RawPost("/thing", []byte("raw"), &result)
			require.NoError(t, err)
			assert.Equal(t, http.StatusAccepted, status)
			assert.Equal(t, "raw", result.Body)

			var raw []byte
			_, err = c.RawPut("/thing", 42, &raw)
			require.NoError(t, err)
			assert.JSONEq(t, `{"method":"PUT","body":"42","header":"kiosk-1"}`, string(raw))

			status, err = c.RawGet("/empty", &result)
			assert.NoError(t, err)
			assert.Equal(t, http.StatusNoContent, status)

			status, err = c.RawGet("/missing", nil)
			assert.Error(t, err)
			assert.Equal(t, http.StatusNotFound, status)
			assert.Contains(t, err.Error(), "not here")
		})
	}
}
