package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"
	"github.com/relabs-tech/devicecloud/core/logger"
	"github.com/relabs-tech/devicecloud/iot/credentials"
	"github.com/relabs-tech/devicecloud/iot/devices"
)

// DefaultAddress is the listen address of the broker if the builder has none
const DefaultAddress = ":1883"

var errNotAuthorized = errors.New("not authorized")

// Broker is a MQTT broker for IoT.
type Broker struct {
	p        *plugin
	listener net.Listener
	server   runner
}

// runner is the part of the gmqtt server returned by gmqtt.NewServer which the
// gmqtt.Server interface leaves out
type runner interface {
	gmqtt.Server
	Run()
	Stop(ctx context.Context) error
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Store holds devices and access rules. This is mandatory.
	Store devices.Store
	// Address is the listen address. Defaults to DefaultAddress.
	Address string
	// CertFile is the file path to the X.509 certificate file. Optional, if set the broker
	// listens with TLS and KeyFile is mandatory.
	CertFile string
	// KeyFile is the file path to the X.509 private key file.
	KeyFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	store devices.Store

	// superuser flags of authenticated sessions, keyed by connection
	superusersRwmux sync.RWMutex
	superusers      map[net.Conn]bool

	service gmqtt.Server
}

func newPlugin(store devices.Store) *plugin {
	return &plugin{
		store:      store,
		superusers: make(map[net.Conn]bool),
	}
}

// NewBroker returns a new broker. The broker will not
// actually run until you call Run()
func NewBroker(bb *Builder) *Broker {
	if bb.Store == nil {
		panic("Store is missing")
	}
	address := bb.Address
	if address == "" {
		address = DefaultAddress
	}

	var ln net.Listener
	var err error
	if len(bb.CertFile) > 0 {
		if len(bb.KeyFile) == 0 {
			panic("key file missing")
		}
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			panic(err)
		}
		ln, err = tls.Listen("tcp", address, &tls.Config{Certificates: []tls.Certificate{crt}})
		if err != nil {
			panic(err)
		}
	} else {
		ln, err = net.Listen("tcp", address)
		if err != nil {
			panic(err)
		}
	}

	return &Broker{
		p:        newPlugin(bb.Store),
		listener: ln,
	}
}

// Run starts the server and returns. Call Stop to shut it down.
func (b *Broker) Run() {
	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(b.listener),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.server = s
	logger.Default().Infoln("mqtt broker listening on", b.listener.Addr())
}

// Stop gracefully shuts down the server
func (b *Broker) Stop(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	return b.server.Stop(ctx)
}

// PublishMessageQ1 publishes an MQTT messsage with quality level 1
func (b *Broker) PublishMessageQ1(topic string, payload []byte) {
	logger.Default().Debugf("PublishMessageQ1 on %s (%d bytes)", topic, len(payload))
	if b.p.service == nil {
		logger.Default().Errorln("Error 4801: broker is not running, dropping message for", topic)
		return
	}
	msg := gmqtt.NewMessage(topic, payload, packets.QOS_1)
	b.p.service.PublishService().Publish(msg)
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	logger.Default().Infoln("load device access control")
	p.service = service
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "device access control" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnConnectWrapper:    p.OnConnectWrapper,
		OnSubscribeWrapper:  p.OnSubscribeWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

// deviceID returns the identity a client connected with. Devices authenticate with their
// device id as user name, clients without user name are identified by their client id.
func deviceID(client gmqtt.Client) string {
	if username := client.OptionsReader().Username(); username != "" {
		return username
	}
	return client.OptionsReader().ClientID()
}

// authenticate checks the device's secret and records the connection
func (p *plugin) authenticate(ctx context.Context, conn net.Conn, deviceID, password, addr string) error {
	rlog := logger.FromContext(ctx).WithField("device", deviceID)
	device, err := p.store.Device(ctx, deviceID)
	if errors.Is(err, devices.ErrNotFound) {
		return errNotAuthorized
	}
	if err != nil {
		rlog.WithError(err).Errorln("Error 4802: cannot load device")
		return err
	}
	if !device.Enabled {
		return errNotAuthorized
	}
	ok, err := credentials.Verify(password, device.CredentialHash)
	if err != nil {
		rlog.WithError(err).Errorln("Error 4803: cannot verify credential")
		return errNotAuthorized
	}
	if !ok {
		return errNotAuthorized
	}

	if conn != nil {
		p.superusersRwmux.Lock()
		p.superusers[conn] = device.Superuser
		p.superusersRwmux.Unlock()
	}

	if err := p.store.TouchConnection(ctx, deviceID, addr, time.Now().UTC()); err != nil {
		rlog.WithError(err).Errorln("Error 4804: cannot record connection")
	}
	return nil
}

func (p *plugin) isSuperuser(conn net.Conn) bool {
	if conn == nil {
		return false
	}
	p.superusersRwmux.RLock()
	defer p.superusersRwmux.RUnlock()
	return p.superusers[conn]
}

// forget drops the session state of a closed connection
func (p *plugin) forget(conn net.Conn) {
	if conn == nil {
		return
	}
	p.superusersRwmux.Lock()
	delete(p.superusers, conn)
	p.superusersRwmux.Unlock()
}

func (p *plugin) rules(ctx context.Context, deviceID string) []devices.AccessRule {
	rules, err := p.store.AccessRules(ctx, deviceID)
	if err != nil {
		logger.FromContext(ctx).WithField("device", deviceID).WithError(err).Errorln("Error 4805: cannot load access rules")
		return nil
	}
	return rules
}

// mayPublish reports whether the device connected on conn may publish to topic
func (p *plugin) mayPublish(ctx context.Context, conn net.Conn, deviceID, topic string) bool {
	return p.isSuperuser(conn) || devices.CanPublish(p.rules(ctx, deviceID), topic)
}

// maySubscribe reports whether the device connected on conn may subscribe to the topic filter
func (p *plugin) maySubscribe(ctx context.Context, conn net.Conn, deviceID, filter string) bool {
	return p.isSuperuser(conn) || devices.CanSubscribe(p.rules(ctx, deviceID), filter)
}

// OnConnectWrapper authenticates devices with their id and secret
func (p *plugin) OnConnectWrapper(connect gmqtt.OnConnect) gmqtt.OnConnect {
	return func(ctx context.Context, client gmqtt.Client) (code uint8) {
		id := deviceID(client)
		conn := client.Connection()
		addr := ""
		if conn != nil {
			addr = conn.RemoteAddr().String()
		}
		if err := p.authenticate(ctx, conn, id, client.OptionsReader().Password(), addr); err != nil {
			logger.Default().WithField("device", id).Infoln("connect denied:", err)
			return packets.CodeNotAuthorized
		}
		logger.Default().WithField("device", id).Infoln("connect from", addr)
		return connect(ctx, client)
	}
}

// OnCloseWrapper forgets the superuser flag of closed sessions
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.forget(client.Connection())
		closed(ctx, client, err)
	}
}

// OnMsgArrivedWrapper drops messages the sender has no write access for
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		id := deviceID(client)
		if !p.mayPublish(ctx, client.Connection(), id, msg.Topic()) {
			logger.Default().WithField("device", id).Infoln("publish to", msg.Topic(), "denied")
			return false
		}
		return arrived(ctx, client, msg)
	}
}

// OnSubscribeWrapper enforces the access rules on subscriptions
func (p *plugin) OnSubscribeWrapper(subscribe gmqtt.OnSubscribe) gmqtt.OnSubscribe {
	return func(ctx context.Context, client gmqtt.Client, topic packets.Topic) (qos uint8) {
		id := deviceID(client)
		if !p.maySubscribe(ctx, client.Connection(), id, topic.Name) {
			logger.Default().WithField("device", id).Infoln("subscribe to", topic.Name, "denied")
			return packets.SUBSCRIBE_FAILURE
		}
		return subscribe(ctx, client, topic)
	}
}
