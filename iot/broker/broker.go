package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/queuekiosk/core/logger"
	"github.com/relabs-tech/queuekiosk/iot/queue"
)

const (
	defaultAddress   = ":8883"
	defaultMaxEvents = 100
	identityField    = "identity"
)

// ErrNotRunning is returned when publishing on a broker which has not been started
var ErrNotRunning = errors.New("broker is not running")

// Builder is a builder helper for the Broker
type Builder struct {
	// TLSConfig is the server side mutual TLS configuration: the broker's key pair and the
	// client certificate authority in ClientCAs. This is mandatory.
	TLSConfig *tls.Config
	// Tenant is the queue tenant. Default is queue.DefaultTenant.
	Tenant string
	// Address is the listen address. Default is ":8883".
	Address string
	// OnDeviceEvent is called for every valid device event, in arrival order per device
	OnDeviceEvent func(event queue.DeviceEvent)
	// MaxEvents is the number of recent device events kept for Events(). Default is 100.
	MaxEvents int
}

// Broker is a MQTT broker for kiosks. It only accepts clients with a certificate issued by
// the client CA whose common name equals their client ID.
type Broker struct {
	p        *plugin
	address  string
	tls      *tls.Config
	listener net.Listener
	stop     func(ctx context.Context)
}

// plugin is the plugin for GMQTT
type plugin struct {
	tenant        string
	updatesTopic  string
	onDeviceEvent func(event queue.DeviceEvent)
	log           *logrus.Entry

	deviceIdsRwmux sync.RWMutex
	deviceIds      map[net.Conn]string

	serviceMux sync.RWMutex
	service    gmqtt.Server

	mu        sync.Mutex
	snapshot  []byte
	events    []queue.DeviceEvent
	maxEvents int
}

// NewBroker returns a new broker. The broker does not listen until Start() is called.
func NewBroker(bb *Builder) *Broker {
	if bb.TLSConfig == nil {
		panic("TLS config is missing")
	}
	if len(bb.TLSConfig.Certificates) == 0 && bb.TLSConfig.GetCertificate == nil {
		panic("broker certificate is missing")
	}
	if bb.TLSConfig.ClientCAs == nil {
		panic("client CA is missing")
	}
	tenant := bb.Tenant
	if len(tenant) == 0 {
		tenant = queue.DefaultTenant
	}
	if !queue.ValidTenant(tenant) {
		panic(fmt.Sprintf("invalid tenant %q", tenant))
	}
	address := bb.Address
	if len(address) == 0 {
		address = defaultAddress
	}
	maxEvents := bb.MaxEvents
	if maxEvents <= 0 {
		maxEvents = defaultMaxEvents
	}

	tlsConfig := bb.TLSConfig.Clone()
	tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	return &Broker{
		address: address,
		tls:     tlsConfig,
		p: &plugin{
			tenant:        tenant,
			updatesTopic:  queue.UpdatesTopic(tenant),
			onDeviceEvent: bb.OnDeviceEvent,
			log:           logger.Default().WithField("tenant", tenant),
			deviceIds:     make(map[net.Conn]string),
			maxEvents:     maxEvents,
		},
	}
}

// NewServerTLSConfig returns the server side mutual TLS configuration from a broker key pair
// and the PEM encoded certificate authority of the kiosks.
func NewServerTLSConfig(crt tls.Certificate, clientCAPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(clientCAPEM) {
		return nil, errors.New("client CA contains no PEM certificates")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{crt},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Start listens and runs the broker in the background
func (b *Broker) Start() error {
	if b.stop != nil {
		return errors.New("broker is already running")
	}
	tlsln, err := tls.Listen("tcp", b.address, b.tls)
	if err != nil {
		return err
	}
	b.listener = tlsln

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(tlsln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.stop = func(ctx context.Context) {
		s.Stop(ctx)
	}
	b.p.log.Infoln("broker listening on", tlsln.Addr())
	return nil
}

// Addr returns the listen address, nil before Start()
func (b *Broker) Addr() net.Addr {
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop stops the broker gracefully
func (b *Broker) Stop(ctx context.Context) {
	if b.stop == nil {
		return
	}
	b.stop(ctx)
	b.stop = nil
	b.p.log.Infoln("broker stopped")
}

// Tenant returns the tenant of the broker
func (b *Broker) Tenant() string {
	return b.p.tenant
}

// PublishSnapshot broadcasts a queue snapshot to all kiosks of the tenant. The snapshot is
// kept and sent again to every kiosk which asks for it with a sync request.
func (b *Broker) PublishSnapshot(snapshot queue.Snapshot) error {
	if snapshot.Entries == nil {
		snapshot.Entries = []queue.TokenEntry{}
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return b.PublishSnapshotJSON(payload)
}

// PublishSnapshotJSON is PublishSnapshot for an encoded snapshot. The payload must be a valid
// snapshot.
func (b *Broker) PublishSnapshotJSON(payload []byte) error {
	if _, err := queue.ParseSnapshot(payload); err != nil {
		return fmt.Errorf("invalid snapshot: %w", err)
	}
	b.p.mu.Lock()
	b.p.snapshot = append([]byte(nil), payload...)
	b.p.mu.Unlock()
	return b.p.publish(b.p.updatesTopic, payload)
}

// Snapshot returns the last published snapshot, nil if there was none
func (b *Broker) Snapshot() []byte {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	if b.p.snapshot == nil {
		return nil
	}
	return append([]byte(nil), b.p.snapshot...)
}

// Events returns the most recent device events, oldest first
func (b *Broker) Events() []queue.DeviceEvent {
	b.p.mu.Lock()
	defer b.p.mu.Unlock()
	return append([]queue.DeviceEvent{}, b.p.events...)
}

func (p *plugin) publish(topic string, payload []byte) error {
	p.serviceMux.RLock()
	service := p.service
	p.serviceMux.RUnlock()
	if service == nil {
		return ErrNotRunning
	}
	p.log.Debugf("publish on %s (%d bytes)", topic, len(payload))
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	service.PublishService().Publish(msg)
	return nil
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	p.serviceMux.Lock()
	defer p.serviceMux.Unlock()
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	p.serviceMux.Lock()
	defer p.serviceMux.Unlock()
	p.service = nil
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "queuekiosk broker" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnSubscribedWrapper: p.OnSubscribedWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
	}
}

// deviceIDFromConnection returns the common name of the connection's client certificate. The
// entry is only needed until the client has connected.
func (p *plugin) deviceIDFromConnection(conn net.Conn) (string, bool) {
	p.deviceIdsRwmux.Lock()
	defer p.deviceIdsRwmux.Unlock()
	deviceID, ok := p.deviceIds[conn]
	delete(p.deviceIds, conn)
	return deviceID, ok
}

// OnAcceptWrapper authorizes clients via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			p.log.Warnln("rejecting connection without TLS from", conn.RemoteAddr())
			return false
		}
		tlsConn.SetDeadline(time.Now().Add(10 * time.Second))
		err := tlsConn.Handshake()
		tlsConn.SetDeadline(time.Time{})
		if err != nil {
			p.log.WithError(err).Debugln("handshake failed for", conn.RemoteAddr())
			return false
		}
		state := tlsConn.ConnectionState()
		if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
			return false
		}
		commonName := state.VerifiedChains[0][0].Subject.CommonName
		if !queue.ValidDeviceID(commonName) {
			p.log.Warnln("invalid device ID in certificate:", commonName)
			return false
		}

		p.deviceIdsRwmux.Lock()
		p.deviceIds[conn] = commonName
		p.deviceIdsRwmux.Unlock()
		p.log.Debugln("accept", commonName)
		return accept(ctx, conn)
	}
}

// OnConnectWrapper enforces that the MQTT client ID matches the certificate common name
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		clientID := client.OptionsReader().ClientID()
		deviceID, ok := p.deviceIDFromConnection(client.Connection())
		if !ok || clientID != deviceID {
			p.log.Warnf("connect denied, client %q does not match certificate %q", clientID, deviceID)
			if err := writeRefusal(client.Connection()); err != nil {
				p.log.WithError(err).Debugln("cannot send refusal to", clientID)
			}
			return packets.CodeNotAuthorized
		}
		p.log.WithField(identityField, deviceID).Infoln("connect")
		return connect(ctx, client)
	}
}

// OnSubscribeWrapper enforces topic policy: kiosks may only subscribe to the updates of
// their tenant
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		deviceID := client.OptionsReader().ClientID()
		if topic.Name != p.updatesTopic {
			p.log.WithField(identityField, deviceID).Warnln("subscribe", topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}

// OnSubscribedWrapper logs the subscription
func (p *plugin) OnSubscribedWrapper(subscribed gmqtt.OnSubscribed) gmqtt.OnSubscribed {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) {
		p.log.WithField(identityField, client.OptionsReader().ClientID()).Debugln("subscribed", topic.Name)
		subscribed(ctx, client, topic)
	}
}

// OnMsgArrivedWrapper accepts device events on the device's own incoming topic and drops
// everything else
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		deviceID := client.OptionsReader().ClientID()
		rlog := p.log.WithField(identityField, deviceID)
		topic := msg.Topic()
		if topic != queue.IncomingTopic(p.tenant, deviceID) {
			rlog.Warnln("publish on", topic, "denied")
			return false
		}
		event, err := queue.ParseEvent(msg.Payload())
		if err != nil {
			rlog.WithError(err).Warnln("invalid device event")
			return false
		}
		if event.DeviceID != deviceID {
			rlog.Warnf("device event claims to be from %q", event.DeviceID)
			return false
		}
		rlog.Debugln("device event", event.Action, event.Token, event.EventID)
		p.record(*event)

		if event.Action == queue.ActionSyncRequest {
			p.mu.Lock()
			snapshot := p.snapshot
			p.mu.Unlock()
			if snapshot != nil {
				if err := p.publish(p.updatesTopic, snapshot); err != nil {
					rlog.WithError(err).Warnln("cannot answer sync request")
				}
			}
		}
		if p.onDeviceEvent != nil {
			p.onDeviceEvent(*event)
		}
		return arrived(ctx, client, msg)
	}
}

// connackNotAuthorized is a MQTT 3.1.1 CONNACK with return code 5, not authorized
var connackNotAuthorized = []byte{0x20, 0x02, 0x00, 0x05}

// writeRefusal writes the refusing CONNACK directly to the connection. gmqtt closes the
// connection right after queueing its own CONNACK, which then rarely reaches the client.
func writeRefusal(conn net.Conn) error {
	if conn == nil {
		return errors.New("no connection")
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	defer conn.SetWriteDeadline(time.Time{})
	_, err := conn.Write(connackNotAuthorized)
	return err
}

func (p *plugin) record(event queue.DeviceEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	if len(p.events) > p.maxEvents {
		p.events = append([]queue.DeviceEvent(nil), p.events[len(p.events)-p.maxEvents:]...)
	}
}
