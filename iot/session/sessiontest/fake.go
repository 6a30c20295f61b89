// Package sessiontest provides an in-memory session.Session for tests.
package sessiontest

import (
	"context"
	"sync"

	"github.com/relabs-tech/queuekiosk/iot/session"
)

// Message is a message published through the fake
type Message struct {
	Topic   string
	Payload []byte
}

// Fake is an in-memory session. Connect succeeds unless ConnectErrors says otherwise and
// emits a SignalResumed like the MQTT session does. The test drives interruptions and
// resumes with Interrupt and Resume.
type Fake struct {
	mu             sync.Mutex
	connected      bool
	closed         bool
	epoch          uint64
	connectErrs    []error
	connectCalls   int
	subscribeCalls []string
	subscribeErr   func(topic string) error
	publishErr     error
	handlers       map[string]session.Handler
	published      []Message

	signals chan session.Signal
}

// New returns a new fake session
func New() *Fake {
	return &Fake{
		handlers: make(map[string]session.Handler),
		signals:  make(chan session.Signal, 64),
	}
}

// FailConnect makes the next len(errs) Connect calls fail with the given errors, in order
func (f *Fake) FailConnect(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectErrs = append(f.connectErrs, errs...)
}

// FailSubscribe installs a function deciding per topic whether Subscribe fails. nil clears it.
func (f *Fake) FailSubscribe(fn func(topic string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = fn
}

// FailPublish makes Publish fail with err. nil clears it.
func (f *Fake) FailPublish(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

// Connect implements session.Session
func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connectCalls++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		f.mu.Unlock()
		return err
	}
	if err := ctx.Err(); err != nil {
		f.mu.Unlock()
		return err
	}
	f.connected = true
	f.epoch++
	epoch := f.epoch
	f.mu.Unlock()

	f.signals <- session.Signal{Kind: session.SignalResumed, Epoch: epoch}
	return nil
}

// Disconnect implements session.Session
func (f *Fake) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	f.closed = true
	return nil
}

// Subscribe implements session.Session
func (f *Fake) Subscribe(ctx context.Context, topic string, handler session.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeCalls = append(f.subscribeCalls, topic)
	if !f.connected {
		return session.ErrNotConnected
	}
	if f.subscribeErr != nil {
		if err := f.subscribeErr(topic); err != nil {
			return err
		}
	}
	f.handlers[topic] = handler
	return nil
}

// Publish implements session.Session
func (f *Fake) Publish(ctx context.Context, topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return session.ErrNotConnected
	}
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Signals implements session.Session
func (f *Fake) Signals() <-chan session.Signal {
	return f.signals
}

// Epoch implements session.Session
func (f *Fake) Epoch() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.epoch
}

// IsConnected implements session.Session
func (f *Fake) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// Interrupt drops the connection and emits SignalInterrupted
func (f *Fake) Interrupt(err error) {
	f.mu.Lock()
	f.connected = false
	f.handlers = make(map[string]session.Handler)
	epoch := f.epoch
	f.mu.Unlock()
	f.signals <- session.Signal{Kind: session.SignalInterrupted, Epoch: epoch, Err: err}
}

// InterruptLate emits SignalInterrupted for an epoch that already ended, as a connection
// lost callback that runs after the next connect would. The connection is left alone.
func (f *Fake) InterruptLate(epoch uint64, err error) {
	f.signals <- session.Signal{Kind: session.SignalInterrupted, Epoch: epoch, Err: err}
}

// Resume re-establishes the connection with a new epoch and emits SignalResumed. It
// returns the new epoch.
func (f *Fake) Resume() uint64 {
	f.mu.Lock()
	f.connected = true
	f.epoch++
	epoch := f.epoch
	f.mu.Unlock()
	f.signals <- session.Signal{Kind: session.SignalResumed, Epoch: epoch}
	return epoch
}

// ResumeAgain emits another SignalResumed for the current epoch, as a redundant transport
// would.
func (f *Fake) ResumeAgain() {
	f.mu.Lock()
	epoch := f.epoch
	f.mu.Unlock()
	f.signals <- session.Signal{Kind: session.SignalResumed, Epoch: epoch}
}

// Fatal emits SignalFatal
func (f *Fake) Fatal(err error) {
	f.signals <- session.Signal{Kind: session.SignalFatal, Err: err}
}

// Deliver hands payload to the handler subscribed to topic. It returns false if there is
// no such subscription.
func (f *Fake) Deliver(topic string, payload []byte) bool {
	f.mu.Lock()
	handler, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		return false
	}
	handler(topic, payload)
	return true
}

// ConnectCalls returns the number of Connect calls
func (f *Fake) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

// SubscribeCalls returns the topics of all Subscribe calls, in order
func (f *Fake) SubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribeCalls...)
}

// Published returns all messages published so far
func (f *Fake) Published() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.published...)
}

// Closed returns true after Disconnect
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

var _ session.Session = (*Fake)(nil)
