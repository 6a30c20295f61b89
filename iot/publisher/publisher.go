// Package publisher turns device actions into device events and publishes them with
// at-least-once delivery on the device's incoming topic.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/relabs-tech/queuekiosk/core/logger"
	"github.com/relabs-tech/queuekiosk/iot/queue"
	"github.com/relabs-tech/queuekiosk/iot/session"
)

// ErrSerialization is returned when an event cannot be encoded. This is a programming
// error and fatal for the kiosk.
var ErrSerialization = errors.New("serialization error")

const defaultPublishTimeout = 10 * time.Second

// Sender is the part of a session the publisher needs
type Sender interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Gate tells the publisher whether publishing makes sense right now
type Gate interface {
	Online() bool
}

// Builder is a builder helper for the Publisher
type Builder struct {
	// Sender is the transport. This is mandatory.
	Sender Sender
	// DeviceID is the identity of the kiosk. This is mandatory.
	DeviceID string
	// Tenant is the queue tenant. Default is queue.DefaultTenant.
	Tenant string
	// Gate drops events while offline. Without a gate every event goes to the sender.
	Gate Gate
	// PublishTimeout bounds the wait for the broker acknowledgement. Default is 10s.
	PublishTimeout time.Duration
	// Now is the clock. Default is time.Now.
	Now func() time.Time
	// Encode serializes an event. Default is queue.EncodeEvent.
	Encode func(*queue.DeviceEvent) ([]byte, error)
}

// Publisher publishes device events
type Publisher struct {
	sender   Sender
	gate     Gate
	deviceID string
	topic    string
	instance string
	timeout  time.Duration
	now      func() time.Time
	encode   func(*queue.DeviceEvent) ([]byte, error)

	mu        sync.Mutex
	sequence  uint64
	published atomic.Uint64
	dropped   atomic.Uint64
}

// New returns a new publisher
func New(b *Builder) *Publisher {
	if b.Sender == nil {
		panic("sender is missing")
	}
	if !queue.ValidDeviceID(b.DeviceID) {
		panic(fmt.Sprintf("invalid device ID %q", b.DeviceID))
	}
	tenant := b.Tenant
	if len(tenant) == 0 {
		tenant = queue.DefaultTenant
	}
	timeout := b.PublishTimeout
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	now := b.Now
	if now == nil {
		now = time.Now
	}
	encode := b.Encode
	if encode == nil {
		encode = queue.EncodeEvent
	}
	return &Publisher{
		sender:   b.Sender,
		gate:     b.Gate,
		deviceID: b.DeviceID,
		topic:    queue.IncomingTopic(tenant, b.DeviceID),
		instance: uuid.New().String(),
		timeout:  timeout,
		now:      now,
		encode:   encode,
	}
}

// Topic returns the topic events are published on
func (p *Publisher) Topic() string {
	return p.topic
}

// Publish builds a device event and publishes it. It returns after the broker acknowledged
// the event.
//
// While the gate reports offline, the event is dropped and session.ErrNotConnected is
// returned; the sequence number is not consumed in that case. Events are never queued for
// later delivery.
func (p *Publisher) Publish(ctx context.Context, action queue.Action, token int, attrs queue.Attributes) (queue.DeviceEvent, error) {
	rlog := logger.FromContext(ctx)
	if !action.Valid() {
		return queue.DeviceEvent{}, fmt.Errorf("invalid action %q", action)
	}
	if p.gate != nil && !p.gate.Online() {
		p.dropped.Add(1)
		rlog.Debugln("offline, dropping", action, token)
		return queue.DeviceEvent{}, session.ErrNotConnected
	}

	event := p.next(action, token, attrs)
	payload, err := p.encode(&event)
	if err != nil {
		return event, fmt.Errorf("%w: event %s: %w", ErrSerialization, event.EventID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.sender.Publish(ctx, p.topic, payload); err != nil {
		if errors.Is(err, session.ErrNotConnected) {
			p.dropped.Add(1)
		}
		rlog.WithError(err).Warnln("cannot publish event", event.EventID)
		return event, fmt.Errorf("publish event %s: %w", event.EventID, err)
	}
	p.published.Add(1)
	rlog.Debugln("published", event.Action, event.Token, event.EventID)
	return event, nil
}

func (p *Publisher) next(action queue.Action, token int, attrs queue.Attributes) queue.DeviceEvent {
	p.mu.Lock()
	p.sequence++
	sequence := p.sequence
	p.mu.Unlock()

	return queue.DeviceEvent{
		EventID:    fmt.Sprintf("%s/%s/%d", p.deviceID, p.instance, sequence),
		Sequence:   sequence,
		DeviceID:   p.deviceID,
		Action:     action,
		Token:      token,
		Timestamp:  queue.Timestamp(p.now()),
		Attributes: attrs,
	}
}

// Stats returns the number of acknowledged and dropped events
func (p *Publisher) Stats() (published, dropped uint64) {
	return p.published.Load(), p.dropped.Load()
}
