package session

import (
	"context"
	"errors"
	"fmt"
)

// Session errors
var (
	// ErrAuthFailure is returned when the broker or the TLS layer rejects the device credentials
	ErrAuthFailure = errors.New("authentication failure")
	// ErrNetworkUnreachable is returned when the broker cannot be reached
	ErrNetworkUnreachable = errors.New("network unreachable")
	// ErrTimeout is returned when an operation did not complete in time
	ErrTimeout = errors.New("timeout")
	// ErrRetriesExhausted is returned when the reconnection policy gave up
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrNotConnected is returned for operations attempted without a live connection
	ErrNotConnected = errors.New("not connected")
)

// Handler receives inbound messages of a subscription
type Handler func(topic string, payload []byte)

// SignalKind is the kind of lifecycle signal
type SignalKind int

// Lifecycle signals
const (
	SignalResumed SignalKind = iota + 1
	SignalInterrupted
	SignalFatal
)

func (k SignalKind) String() string {
	switch k {
	case SignalResumed:
		return "resumed"
	case SignalInterrupted:
		return "interrupted"
	case SignalFatal:
		return "fatal"
	}
	return fmt.Sprintf("signal(%d)", int(k))
}

// Signal is a lifecycle notification of a session
type Signal struct {
	Kind SignalKind
	// Epoch is the connection epoch for SignalResumed, and the epoch that ended for
	// SignalInterrupted
	Epoch uint64
	// Err is the reason for SignalInterrupted and SignalFatal
	Err error
}

// Session is a single authenticated publish/subscribe connection
type Session interface {
	// Connect blocks until the session is established or fails with ErrAuthFailure,
	// ErrNetworkUnreachable or ErrTimeout.
	Connect(ctx context.Context) error
	// Disconnect closes the session gracefully. In-flight messages get until the
	// context deadline to complete.
	Disconnect(ctx context.Context) error
	// Subscribe subscribes topic with at-least-once quality and waits for the broker's
	// acknowledgement.
	Subscribe(ctx context.Context, topic string, handler Handler) error
	// Publish publishes payload with at-least-once quality and waits for the broker's
	// acknowledgement.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Signals delivers lifecycle signals
	Signals() <-chan Signal
	// Epoch returns the epoch of the most recent connection, 0 if there was none
	Epoch() uint64
	// IsConnected returns true if the connection is currently open
	IsConnected() bool
}
