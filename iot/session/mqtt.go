package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/queuekiosk/core/logger"
)

const (
	qosAtLeastOnce  = 1
	subscribeFailed = 0x80

	defaultPort                 = "8883"
	defaultKeepAlive            = 30 * time.Second
	defaultMaxReconnectInterval = time.Minute
	defaultQuiesce              = 250 * time.Millisecond
	signalBuffer                = 16
)

// Builder is a builder helper for the MQTT session
type Builder struct {
	// Endpoint is the broker address, for example "tls://broker.example.com:8883". A plain
	// host name means TLS on port 8883. This is mandatory.
	Endpoint string
	// ClientID is the MQTT client ID, which is the device ID. This is mandatory.
	ClientID string
	// TLSConfig is the mutual TLS configuration, see LoadTLSConfig. This is mandatory.
	TLSConfig *tls.Config
	// CleanSession asks the broker to drop session state on connect
	CleanSession bool
	// KeepAlive is the MQTT keep alive interval. Default is 30s.
	KeepAlive time.Duration
	// MaxReconnectInterval caps the exponential reconnect backoff. Default is 1m.
	MaxReconnectInterval time.Duration
	// MaxReconnectAttempts is the number of reconnect attempts after which the session
	// reports SignalFatal. 0 means unlimited.
	MaxReconnectAttempts int
}

// MQTT is the production Session on top of the Paho MQTT client
type MQTT struct {
	endpoint string
	b        Builder
	log      *logrus.Entry

	mu          sync.Mutex
	client      mqtt.Client
	epoch       uint64
	ready       chan struct{}
	attempts    int
	fatalRaised bool
	closed      bool

	signals chan Signal
	done    chan struct{}
}

// NewMQTT returns a new MQTT session. The session does not connect until Connect() is called.
func NewMQTT(b *Builder) *MQTT {
	if len(b.Endpoint) == 0 {
		panic("endpoint is missing")
	}
	if len(b.ClientID) == 0 {
		panic("client ID is missing")
	}
	if b.TLSConfig == nil {
		panic("TLS config is missing")
	}
	endpoint, err := BrokerURL(b.Endpoint)
	if err != nil {
		panic(err)
	}

	bb := *b
	if bb.KeepAlive <= 0 {
		bb.KeepAlive = defaultKeepAlive
	}
	if bb.MaxReconnectInterval <= 0 {
		bb.MaxReconnectInterval = defaultMaxReconnectInterval
	}
	_, rlog := logger.ContextWithLoggerIdentity(context.Background(), b.ClientID)

	return &MQTT{
		endpoint: endpoint,
		b:        bb,
		log:      rlog.WithField("broker", endpoint),
		signals:  make(chan Signal, signalBuffer),
		done:     make(chan struct{}),
	}
}

// BrokerURL normalizes a broker endpoint. A bare host becomes tls://host:8883, a host with
// port becomes tls://host:port.
func BrokerURL(endpoint string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if len(endpoint) == 0 {
		return "", errors.New("empty broker endpoint")
	}
	if !strings.Contains(endpoint, "://") {
		endpoint = "tls://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid broker endpoint %q: %w", endpoint, err)
	}
	if len(u.Hostname()) == 0 {
		return "", fmt.Errorf("invalid broker endpoint %q: no host", endpoint)
	}
	switch u.Scheme {
	case "tls", "ssl", "mqtts", "tcps":
	default:
		return "", fmt.Errorf("invalid broker endpoint %q: scheme %s does not use TLS", endpoint, u.Scheme)
	}
	if len(u.Port()) == 0 {
		u.Host = u.Hostname() + ":" + defaultPort
	}
	return u.Scheme + "://" + u.Host, nil
}

func (s *MQTT) options() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.endpoint).
		SetClientID(s.b.ClientID).
		SetTLSConfig(s.b.TLSConfig).
		SetCleanSession(s.b.CleanSession).
		SetKeepAlive(s.b.KeepAlive).
		SetOrderMatters(true).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetResumeSubs(false).
		SetMaxReconnectInterval(s.b.MaxReconnectInterval)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(s.onConnectionLost)
	opts.SetReconnectingHandler(s.onReconnecting)
	return opts
}

// Connect implements Session
func (s *MQTT) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("session is closed")
	}
	previous := s.client
	client := mqtt.NewClient(s.options())
	ready := make(chan struct{})
	s.client = client
	s.ready = ready
	s.attempts = 0
	s.mu.Unlock()

	if previous != nil {
		// a previous attempt may still be pending
		previous.Disconnect(0)
	}

	s.log.Infoln("connecting")
	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			client.Disconnect(0)
			return ClassifyConnectError(err)
		}
	case <-ctx.Done():
		client.Disconnect(0)
		return contextError(ctx, "connect")
	}

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		client.Disconnect(0)
		return contextError(ctx, "connect")
	}
}

// Disconnect implements Session
func (s *MQTT) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	client := s.client
	close(s.done)
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	quiesce := defaultQuiesce
	if deadline, ok := ctx.Deadline(); ok {
		quiesce = time.Until(deadline)
		if quiesce < 0 {
			quiesce = 0
		}
	}
	s.log.Infoln("disconnecting")
	client.Disconnect(uint(quiesce / time.Millisecond))
	return nil
}

// Subscribe implements Session
func (s *MQTT) Subscribe(ctx context.Context, topic string, handler Handler) error {
	client := s.current()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := client.Subscribe(topic, qosAtLeastOnce, func(_ mqtt.Client, msg mqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if err := wait(ctx, "subscribe", token); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if code, ok := st.Result()[topic]; ok && code == subscribeFailed {
			return fmt.Errorf("subscribe %s: refused by broker", topic)
		}
	}
	s.log.Debugln("subscribed", topic)
	return nil
}

// Publish implements Session
func (s *MQTT) Publish(ctx context.Context, topic string, payload []byte) error {
	client := s.current()
	if client == nil || !client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := client.Publish(topic, qosAtLeastOnce, false, payload)
	if err := wait(ctx, "publish", token); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Signals implements Session
func (s *MQTT) Signals() <-chan Signal {
	return s.signals
}

// Epoch implements Session
func (s *MQTT) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// IsConnected implements Session
func (s *MQTT) IsConnected() bool {
	client := s.current()
	return client != nil && client.IsConnectionOpen()
}

func (s *MQTT) current() mqtt.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return s.client
}

func (s *MQTT) onConnect(c mqtt.Client) {
	s.mu.Lock()
	if c != s.client || s.closed {
		s.mu.Unlock()
		return
	}
	s.epoch++
	epoch := s.epoch
	s.attempts = 0
	if s.ready != nil {
		close(s.ready)
		s.ready = nil
	}
	s.mu.Unlock()

	s.log.WithField("epoch", epoch).Infoln("connected")
	s.emit(Signal{Kind: SignalResumed, Epoch: epoch})
}

func (s *MQTT) onConnectionLost(c mqtt.Client, err error) {
	s.mu.Lock()
	if c != s.client || s.closed {
		s.mu.Unlock()
		return
	}
	epoch := s.epoch
	s.mu.Unlock()

	s.log.WithError(err).WithField("epoch", epoch).Warnln("connection lost")
	s.emit(Signal{Kind: SignalInterrupted, Epoch: epoch, Err: err})
}

func (s *MQTT) onReconnecting(c mqtt.Client, _ *mqtt.ClientOptions) {
	s.mu.Lock()
	if c != s.client || s.closed {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempts := s.attempts
	giveUp := s.b.MaxReconnectAttempts > 0 && attempts > s.b.MaxReconnectAttempts && !s.fatalRaised
	if giveUp {
		s.fatalRaised = true
	}
	s.mu.Unlock()

	s.log.WithField("attempt", attempts).Debugln("reconnecting")
	if giveUp {
		go c.Disconnect(0)
		s.emit(Signal{
			Kind: SignalFatal,
			Err:  fmt.Errorf("%w: gave up after %d reconnect attempts", ErrRetriesExhausted, s.b.MaxReconnectAttempts),
		})
	}
}

// emit blocks until the signal is consumed or the session is closed, so no signal is lost
// while the session is alive.
func (s *MQTT) emit(sig Signal) {
	select {
	case s.signals <- sig:
	case <-s.done:
	}
}

func wait(ctx context.Context, op string, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return contextError(ctx, op)
	}
}

func contextError(ctx context.Context, op string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, op, ctx.Err())
	}
	return ctx.Err()
}
