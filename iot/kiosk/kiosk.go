// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package kiosk is the synchronization controller of a queue kiosk.
//
// The Controller owns a transport session and drives it through its lifecycle:
//
//	disconnected -> connecting -> subscribing -> running
//	running -> interrupted -> subscribing -> running
//	any -> shutting-down -> stopped
//
// Inbound snapshots on the tenant's updates topic go to a reconciler, which holds the view
// the kiosk displays. Device events are published through a publisher which is only online
// while the controller is running. A periodic emitter reports the displayed token.
//
// All transitions happen on the goroutine calling Run. Other goroutines read the state
// through State(), Online(), Epoch() and View().
package kiosk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/queuekiosk/core/logger"
	"github.com/relabs-tech/queuekiosk/iot/publisher"
	"github.com/relabs-tech/queuekiosk/iot/queue"
	"github.com/relabs-tech/queuekiosk/iot/reconciler"
	"github.com/relabs-tech/queuekiosk/iot/session"
	"github.com/relabs-tech/queuekiosk/iot/subscription"
)

const (
	defaultConnectTimeout   = 10 * time.Second
	defaultPublishTimeout   = 10 * time.Second
	defaultSubscribeTimeout = 10 * time.Second
	defaultShutdownTimeout  = 5 * time.Second
	defaultEmitInterval     = 5 * time.Second
	defaultRetryInterval    = time.Second
	defaultMaxRetryInterval = 30 * time.Second
)

// DefaultAttributes are the display attributes of a kiosk at the first counter
var DefaultAttributes = queue.Attributes{ScreenLocation: "Window A", Brightness: 100}

// IsFatal returns true for errors the kiosk cannot recover from by retrying
func IsFatal(err error) bool {
	return errors.Is(err, session.ErrAuthFailure) ||
		errors.Is(err, session.ErrRetriesExhausted) ||
		errors.Is(err, publisher.ErrSerialization)
}

// Builder is a builder helper for the Controller
type Builder struct {
	// Session is the transport. This is mandatory.
	Session session.Session
	// DeviceID is the identity of the kiosk. This is mandatory.
	DeviceID string
	// Tenant is the queue tenant. Default is queue.DefaultTenant.
	Tenant string
	// Attributes describe the kiosk's display. Default is DefaultAttributes.
	Attributes *queue.Attributes

	// ConnectTimeout bounds a single connection attempt. Default is 10s.
	ConnectTimeout time.Duration
	// ConnectAttempts is the number of initial connection attempts before giving up.
	// 0 means unlimited.
	ConnectAttempts int
	// SubscribeTimeout bounds a subscription attempt. Default is 10s.
	SubscribeTimeout time.Duration
	// PublishTimeout bounds a single publish. Default is 10s.
	PublishTimeout time.Duration
	// ShutdownTimeout bounds the graceful disconnect. Default is 5s.
	ShutdownTimeout time.Duration
	// RetryInterval is the initial backoff between connect and subscribe retries.
	// Default is 1s.
	RetryInterval time.Duration
	// MaxRetryInterval caps the backoff. Default is 30s.
	MaxRetryInterval time.Duration

	// EmitInterval is the period of the displayed-token report. Default is 5s, a negative
	// value disables the report.
	EmitInterval time.Duration
	// StaleGrace is how long the view counts as fresh after an interruption. Default is 30s.
	StaleGrace time.Duration
	// RequestSync publishes a sync_request after every successful subscription
	RequestSync bool

	// Now is the clock. Default is time.Now.
	Now func() time.Time
}

// Status is a summary of the controller for diagnostics
type Status struct {
	DeviceID        string `json:"deviceId"`
	Tenant          string `json:"tenant"`
	State           State  `json:"state"`
	Epoch           uint64 `json:"epoch"`
	SubscribedEpoch uint64 `json:"subscribedEpoch"`
	Published       uint64 `json:"published"`
	Dropped         uint64 `json:"dropped"`
	Malformed       uint64 `json:"malformed"`
	LastMalformed   string `json:"lastMalformed,omitempty"`
}

// Controller is the synchronization controller of a kiosk
type Controller struct {
	b          Builder
	session    session.Session
	deviceID   string
	tenant     string
	attributes queue.Attributes

	subscriptions *subscription.Manager
	publisher     *publisher.Publisher
	reconciler    *reconciler.Reconciler

	mu    sync.RWMutex
	state State
	epoch uint64

	running atomic.Bool
	fatal   chan error
	workers sync.WaitGroup
}

// New returns a new controller. The controller does nothing until Run() is called.
func New(b *Builder) *Controller {
	if b.Session == nil {
		panic("session is missing")
	}
	if !queue.ValidDeviceID(b.DeviceID) {
		panic(fmt.Sprintf("invalid device ID %q", b.DeviceID))
	}
	bb := *b
	if len(bb.Tenant) == 0 {
		bb.Tenant = queue.DefaultTenant
	}
	if !queue.ValidTenant(bb.Tenant) {
		panic(fmt.Sprintf("invalid tenant %q", bb.Tenant))
	}
	setDefault(&bb.ConnectTimeout, defaultConnectTimeout)
	setDefault(&bb.SubscribeTimeout, defaultSubscribeTimeout)
	setDefault(&bb.PublishTimeout, defaultPublishTimeout)
	setDefault(&bb.ShutdownTimeout, defaultShutdownTimeout)
	setDefault(&bb.RetryInterval, defaultRetryInterval)
	setDefault(&bb.MaxRetryInterval, defaultMaxRetryInterval)
	if bb.EmitInterval == 0 {
		bb.EmitInterval = defaultEmitInterval
	}
	if bb.Now == nil {
		bb.Now = time.Now
	}
	attributes := DefaultAttributes
	if bb.Attributes != nil {
		attributes = *bb.Attributes
	}

	_, rlog := logger.ContextWithLoggerIdentity(context.Background(), bb.DeviceID)
	c := &Controller{
		b:          bb,
		session:    bb.Session,
		deviceID:   bb.DeviceID,
		tenant:     bb.Tenant,
		attributes: attributes,
		state:      StateDisconnected,
		fatal:      make(chan error, 1),
	}
	c.reconciler = reconciler.New(&reconciler.Builder{
		StaleGrace: bb.StaleGrace,
		Now:        bb.Now,
		Log:        rlog,
	})
	c.subscriptions = subscription.New(bb.Session, c.reconciler.Handle, queue.UpdatesTopic(bb.Tenant))
	c.publisher = publisher.New(&publisher.Builder{
		Sender:         bb.Session,
		DeviceID:       bb.DeviceID,
		Tenant:         bb.Tenant,
		Gate:           c,
		PublishTimeout: bb.PublishTimeout,
		Now:            bb.Now,
	})
	return c
}

func setDefault(d *time.Duration, value time.Duration) {
	if *d <= 0 {
		*d = value
	}
}

// DeviceID returns the identity of the kiosk
func (c *Controller) DeviceID() string {
	return c.deviceID
}

// State returns the current state
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Epoch returns the most recent connection epoch, 0 before the first connection
func (c *Controller) Epoch() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch
}

// Online returns true while the kiosk is running, that is connected and subscribed
func (c *Controller) Online() bool {
	return c.State() == StateRunning
}

// View returns the current view of the queue
func (c *Controller) View() reconciler.View {
	return c.reconciler.CurrentView()
}

// Status returns a summary of the controller
func (c *Controller) Status() Status {
	c.mu.RLock()
	s := Status{DeviceID: c.deviceID, Tenant: c.tenant, State: c.state, Epoch: c.epoch}
	c.mu.RUnlock()
	s.SubscribedEpoch, _ = c.subscriptions.LastSubscribedEpoch()
	s.Published, s.Dropped = c.publisher.Stats()
	var lastMalformed error
	s.Malformed, lastMalformed = c.reconciler.Malformed()
	if lastMalformed != nil {
		s.LastMalformed = lastMalformed.Error()
	}
	return s
}

// Publish publishes a device event with the kiosk's attributes. It fails with
// session.ErrNotConnected unless the kiosk is running; events are never queued.
// A serialization error is also fatal for Run.
func (c *Controller) Publish(ctx context.Context, action queue.Action, token int) (queue.DeviceEvent, error) {
	event, err := c.publisher.Publish(ctx, action, token, c.attributes)
	if errors.Is(err, publisher.ErrSerialization) {
		c.reportFatal(err)
	}
	return event, err
}

func (c *Controller) setState(rlog *logrus.Entry, state State) {
	c.mu.Lock()
	previous := c.state
	c.state = state
	c.mu.Unlock()
	if previous != state {
		rlog.Infof("%s -> %s", previous, state)
	}
}

// reportFatal hands a fatal error from a worker to the Run loop
func (c *Controller) reportFatal(err error) {
	select {
	case c.fatal <- err:
	default:
	}
}

// Run connects the kiosk and keeps it synchronized until ctx is canceled or a fatal error
// occurs. Run returns nil after a requested stop and the fatal error otherwise. In both cases
// the session is disconnected when Run returns. Run can only be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("controller is already running")
	}
	ctx, rlog := logger.ContextWithLoggerIdentity(ctx, c.deviceID)

	err := c.connect(ctx, rlog)
	if err == nil && ctx.Err() == nil {
		emitterCtx, stopEmitter := context.WithCancel(ctx)
		c.startEmitter(emitterCtx)
		err = c.loop(ctx, rlog)
		stopEmitter()
	}
	if err != nil {
		rlog.WithError(err).Errorln("giving up")
	}
	c.shutdown(ctx, rlog)
	return err
}

func (c *Controller) retryBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.b.RetryInterval
	b.MaxInterval = c.b.MaxRetryInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// connect establishes the session, retrying transient failures with exponential backoff.
// A canceled ctx is not an error.
func (c *Controller) connect(ctx context.Context, rlog *logrus.Entry) error {
	c.setState(rlog, StateConnecting)

	var policy backoff.BackOff = c.retryBackOff()
	if c.b.ConnectAttempts > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(c.b.ConnectAttempts-1))
	}
	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		cctx, cancel := context.WithTimeout(ctx, c.b.ConnectTimeout)
		defer cancel()
		err := c.session.Connect(cctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, session.ErrAuthFailure):
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		rlog.WithError(err).Warnf("connect attempt %d failed, retrying in %v", attempts, next.Round(time.Millisecond))
	})

	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return nil
	case errors.Is(err, session.ErrAuthFailure):
		return err
	}
	return fmt.Errorf("%w: connect failed after %d attempts: %w", session.ErrRetriesExhausted, attempts, err)
}

// loop consumes session signals until ctx is canceled or a fatal error occurs
func (c *Controller) loop(ctx context.Context, rlog *logrus.Entry) error {
	resubscribe := c.retryBackOff()
	retry := time.NewTimer(time.Hour)
	retry.Stop()
	defer retry.Stop()
	var retryC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-c.fatal:
			return err

		case <-retryC:
			retryC = nil
			if !c.session.IsConnected() {
				rlog.Debugln("not connected, waiting for the next resume")
				continue
			}
			if c.subscribe(ctx, rlog) {
				resubscribe.Reset()
			} else {
				retryC = c.scheduleRetry(rlog, retry, resubscribe)
			}

		case sig := <-c.session.Signals():
			switch sig.Kind {
			case session.SignalResumed:
				if !c.resumed(rlog, sig.Epoch) {
					continue
				}
				retry.Stop()
				retryC = nil
				if c.subscribe(ctx, rlog) {
					resubscribe.Reset()
				} else {
					retryC = c.scheduleRetry(rlog, retry, resubscribe)
				}

			case session.SignalInterrupted:
				if current := c.Epoch(); sig.Epoch != 0 && sig.Epoch < current {
					rlog.Debugf("ignoring interruption of old epoch %d, current is %d", sig.Epoch, current)
					continue
				}
				retry.Stop()
				retryC = nil
				c.interrupted(rlog, sig.Err)

			case session.SignalFatal:
				err := sig.Err
				if err == nil {
					err = session.ErrRetriesExhausted
				}
				return err

			default:
				rlog.Warnln("ignoring unexpected signal", sig.Kind)
			}
		}
	}
}

// resumed records the epoch of a resume signal and returns true if the kiosk has to
// subscribe for it
func (c *Controller) resumed(rlog *logrus.Entry, epoch uint64) bool {
	c.mu.Lock()
	current := c.epoch
	if epoch > c.epoch {
		c.epoch = epoch
	}
	c.mu.Unlock()

	if epoch < current {
		rlog.Debugf("ignoring resume for old epoch %d, current is %d", epoch, current)
		return false
	}
	if last, ok := c.subscriptions.LastSubscribedEpoch(); ok && last == epoch {
		rlog.Debugf("already subscribed for epoch %d", epoch)
		return false
	}
	return true
}

func (c *Controller) interrupted(rlog *logrus.Entry, cause error) {
	switch c.State() {
	case StateInterrupted, StateShuttingDown, StateStopped:
		return
	}
	if cause != nil {
		rlog.WithError(cause).Warnln("connection interrupted")
	}
	c.reconciler.MarkInterrupted(c.b.Now())
	c.setState(rlog, StateInterrupted)
}

// subscribe subscribes for the current epoch and returns true on success
func (c *Controller) subscribe(ctx context.Context, rlog *logrus.Entry) bool {
	epoch := c.Epoch()
	c.setState(rlog, StateSubscribing)

	sctx, cancel := context.WithTimeout(ctx, c.b.SubscribeTimeout)
	err := c.subscriptions.EnsureSubscribed(sctx, epoch)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			rlog.WithError(err).Warnf("cannot subscribe for epoch %d", epoch)
		}
		c.setState(rlog, StateConnecting)
		return false
	}

	c.reconciler.MarkSynchronized()
	c.setState(rlog, StateRunning)
	if c.b.RequestSync {
		c.workers.Add(1)
		go func() {
			defer c.workers.Done()
			c.requestSync(ctx, rlog)
		}()
	}
	return true
}

func (c *Controller) scheduleRetry(rlog *logrus.Entry, retry *time.Timer, policy backoff.BackOff) <-chan time.Time {
	next := policy.NextBackOff()
	if next == backoff.Stop {
		next = c.b.MaxRetryInterval
	}
	rlog.Debugf("retrying subscription in %v", next.Round(time.Millisecond))
	retry.Reset(next)
	return retry.C
}

// requestSync asks the server to resend its latest snapshot
func (c *Controller) requestSync(ctx context.Context, rlog *logrus.Entry) {
	pctx := context.WithoutCancel(ctx)
	_, err := c.Publish(pctx, queue.ActionSyncRequest, c.reconciler.CurrentView().LastToken)
	if err != nil && !errors.Is(err, publisher.ErrSerialization) {
		rlog.WithError(err).Warnln("cannot request sync")
	}
}

// shutdown stops all workers and disconnects the session. In-flight publishes get until the
// shutdown timeout to complete.
func (c *Controller) shutdown(ctx context.Context, rlog *logrus.Entry) {
	c.setState(rlog, StateShuttingDown)
	c.workers.Wait()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.b.ShutdownTimeout)
	defer cancel()
	if err := c.session.Disconnect(dctx); err != nil {
		rlog.WithError(err).Warnln("disconnect failed")
	}
	c.setState(rlog, StateStopped)
}
