// Package subscription keeps the inbound subscriptions of a kiosk alive across reconnects.
//
// A broker session does not reliably carry subscriptions over a reconnect, so the Manager
// subscribes its topics again for every new connection epoch, and only once per epoch.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/relabs-tech/queuekiosk/core/logger"
	"github.com/relabs-tech/queuekiosk/iot/session"
)

// ErrSubscriptionFailed is returned when not all topics could be subscribed for an epoch
var ErrSubscriptionFailed = errors.New("subscription failed")

// Subscriber is the part of a session the manager needs
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler session.Handler) error
}

// Manager subscribes a fixed set of topics once per connection epoch
type Manager struct {
	subscriber Subscriber
	topics     []string
	handler    session.Handler

	mu         sync.Mutex
	epoch      uint64
	subscribed bool
}

// New returns a new subscription manager for topics. All inbound messages go to handler.
func New(subscriber Subscriber, handler session.Handler, topics ...string) *Manager {
	if subscriber == nil {
		panic("subscriber is missing")
	}
	if handler == nil {
		panic("handler is missing")
	}
	if len(topics) == 0 {
		panic("no topics to subscribe")
	}
	return &Manager{
		subscriber: subscriber,
		topics:     append([]string(nil), topics...),
		handler:    handler,
	}
}

// Topics returns the managed topics
func (m *Manager) Topics() []string {
	return append([]string(nil), m.topics...)
}

// EnsureSubscribed subscribes all topics unless this already succeeded for epoch. If any
// topic fails, the whole attempt fails with ErrSubscriptionFailed and the epoch is not
// recorded, so a later call for the same epoch tries again.
func (m *Manager) EnsureSubscribed(ctx context.Context, epoch uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.subscribed && m.epoch == epoch {
		return nil
	}

	rlog := logger.FromContext(ctx).WithField("epoch", epoch)
	for _, topic := range m.topics {
		if err := m.subscriber.Subscribe(ctx, topic, m.handler); err != nil {
			rlog.WithError(err).Warnln("cannot subscribe", topic)
			return fmt.Errorf("%w: %s: %w", ErrSubscriptionFailed, topic, err)
		}
		rlog.Debugln("subscribed", topic)
	}
	m.epoch = epoch
	m.subscribed = true
	return nil
}

// LastSubscribedEpoch returns the epoch of the last successful subscription. ok is false if
// there was none yet.
func (m *Manager) LastSubscribedEpoch() (epoch uint64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch, m.subscribed
}
