// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package logger provides logrus loggers which travel with a context.
//
// HTTP requests get a logger with a request ID, long-lived device sessions get a logger with
// the device identity.
package logger

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader is read from incoming requests and set on all responses
const RequestIDHeader = "X-Request-ID"

const (
	requestIDLoggerKey = "requestID"
	identityLoggerKey  = "identity"
	maxRequestIDLength = 128
)

type contextKeyLoggerType struct{}

var contextKeyLogger = &contextKeyLoggerType{}

// contextLogger is what a context carries: the entry plus the fields it was built from
type contextLogger struct {
	entry     *logrus.Entry
	requestID string
	identity  string
}

// InitLogger sets up the custom time formatter for all log statements.
func InitLogger(logLevel logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(logLevel)
}

// ParseLevel parses a level name such as "debug", "info", "warning" or "error". Unknown
// or empty names yield logrus.InfoLevel.
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(strings.TrimSpace(name))
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// AddRequestID adds a middleware to the router which gives every request a logger with a
// request ID. A sane X-Request-ID header of the caller is kept, otherwise a new ID is made.
// The ID is echoed in the response header.
func AddRequestID(router *mux.Router) {
	router.Use(func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if len(requestID) == 0 || len(requestID) > maxRequestIDLength {
				requestID = uuid.NewString()
			}
			ctx, _ := ContextWithRequestID(r.Context(), requestID)
			w.Header().Set(RequestIDHeader, RequestIDFromContext(ctx))
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	})
}

// Default returns a logger without a request ID.
func Default() *logrus.Entry {
	return logrus.NewEntry(logrus.StandardLogger())
}

func fromContext(ctx context.Context) *contextLogger {
	if ctx == nil {
		return nil
	}
	cl, _ := ctx.Value(contextKeyLogger).(*contextLogger)
	return cl
}

func withLogger(ctx context.Context, cl *contextLogger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, contextKeyLogger, cl)
}

// ContextWithLogger returns a context with a request logger. A context which already has a
// logger is returned as is.
func ContextWithLogger(ctx context.Context) (context.Context, *logrus.Entry) {
	if cl := fromContext(ctx); cl != nil {
		return ctx, cl.entry
	}
	return ContextWithRequestID(ctx, uuid.NewString())
}

// ContextWithRequestID returns a context with a logger for requestID. A context which
// already has a logger is returned as is.
func ContextWithRequestID(ctx context.Context, requestID string) (context.Context, *logrus.Entry) {
	if cl := fromContext(ctx); cl != nil {
		return ctx, cl.entry
	}
	cl := &contextLogger{
		entry:     Default().WithField(requestIDLoggerKey, requestID),
		requestID: requestID,
	}
	return withLogger(ctx, cl), cl.entry
}

// ContextWithLoggerIdentity returns a context whose logger carries identity, typically the
// device ID of a kiosk. Fields of an existing context logger are kept. No request ID is
// added.
func ContextWithLoggerIdentity(ctx context.Context, identity string) (context.Context, *logrus.Entry) {
	cl := &contextLogger{identity: identity}
	parent := Default()
	if existing := fromContext(ctx); existing != nil {
		parent = existing.entry
		cl.requestID = existing.requestID
	}
	cl.entry = parent.WithField(identityLoggerKey, identity)
	return withLogger(ctx, cl), cl.entry
}

// FromContext returns the logger of the context, or the default logger if there is none.
func FromContext(ctx context.Context) *logrus.Entry {
	if cl := fromContext(ctx); cl != nil {
		return cl.entry
	}
	return Default()
}

// IdentityFromContext returns the identity of the context logger, or an empty string.
func IdentityFromContext(ctx context.Context) string {
	if cl := fromContext(ctx); cl != nil {
		return cl.identity
	}
	return ""
}

// RequestIDFromContext returns the request ID of the context logger, or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	if cl := fromContext(ctx); cl != nil {
		return cl.requestID
	}
	return ""
}
