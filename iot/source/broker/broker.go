package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/DrmagicE/gmqtt"
	"github.com/DrmagicE/gmqtt/pkg/packets"

	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/routing"
	"github.com/relabs-tech/sensorbridge/iot/source"
)

// Broker is an embedded MQTT broker which sensor nodes publish to directly.
type Broker struct {
	address   string
	tlsConfig *tls.Config
	p         *plugin

	addrMutex sync.Mutex
	addr      net.Addr
}

// Builder is a builder helper for the Broker
type Builder struct {
	// Address is the listen address, e.g. ":1883". This is mandatory.
	Address string
	// Nodes are the sensor nodes whose messages are consumed. This is mandatory.
	Nodes []string
	// CACertFile is the file path to the X.509 certificate of the certificate authority.
	// If set, clients must present a certificate whose common name is a node.
	CACertFile string
	// CertFile is the file path to the X.509 certificate file. Mandatory with CACertFile.
	CertFile string
	// KeyFile is the file path to the X.509 private key file. Mandatory with CACertFile.
	KeyFile string
}

// plugin is the plugin for GMQTT
type plugin struct {
	nodes []string

	nodesRwmux sync.RWMutex
	connNodes  map[net.Conn]string

	// handlerMutex serializes the handler across client connections
	handlerMutex sync.Mutex
	ctx          context.Context
	handler      source.Handler
	faults       chan error
}

// New returns a new broker. The broker will not actually listen until
// the supervisor calls Run().
func New(bb *Builder) (*Broker, error) {
	if len(bb.Address) == 0 {
		return nil, fmt.Errorf("address is missing")
	}
	if len(bb.Nodes) == 0 {
		return nil, fmt.Errorf("nodes are missing")
	}

	var tlsConfig *tls.Config
	if len(bb.CACertFile) > 0 {
		if len(bb.CertFile) == 0 || len(bb.KeyFile) == 0 {
			return nil, fmt.Errorf("cert file and key file are required with a ca-cert file")
		}
		crt, err := tls.LoadX509KeyPair(bb.CertFile, bb.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("cannot load key pair: %w", err)
		}
		caCert, err := os.ReadFile(bb.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("cannot read ca-cert file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("no certificates found in %s", bb.CACertFile)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{crt},
			ClientCAs:    caCertPool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
		}
	}

	return &Broker{
		address:   bb.Address,
		tlsConfig: tlsConfig,
		p: &plugin{
			nodes:     bb.Nodes,
			connNodes: make(map[net.Conn]string),
		},
	}, nil
}

// Name implements source.Source
func (b *Broker) Name() string {
	return "embedded broker " + b.address
}

// Addr returns the address the broker listens on, or nil if it does not listen.
func (b *Broker) Addr() net.Addr {
	b.addrMutex.Lock()
	defer b.addrMutex.Unlock()
	return b.addr
}

func (b *Broker) setAddr(addr net.Addr) {
	b.addrMutex.Lock()
	defer b.addrMutex.Unlock()
	b.addr = addr
}

// Run implements source.Source. It listens for sensor nodes until ctx is done
// or the broker fails.
func (b *Broker) Run(ctx context.Context, handler source.Handler, report source.StateFunc) error {
	rlog := logger.Default().WithField("source", b.Name())
	report(source.Connecting)

	var (
		ln  net.Listener
		err error
	)
	if b.tlsConfig != nil {
		ln, err = tls.Listen("tcp", b.address, b.tlsConfig)
	} else {
		ln, err = net.Listen("tcp", b.address)
	}
	if err != nil {
		return fmt.Errorf("%w: %s", source.ErrConnect, err)
	}
	defer ln.Close()

	faults := make(chan error, 1)
	b.p.attach(ctx, handler, faults)
	defer b.p.attach(nil, nil, nil)

	s := gmqtt.NewServer(
		gmqtt.WithTCPListener(ln),
		gmqtt.WithPlugin(b.p),
	)
	s.Run()
	b.setAddr(ln.Addr())
	defer b.setAddr(nil)
	rlog.Infoln("listening on", ln.Addr())
	for _, topic := range source.Topics(b.p.nodes) {
		rlog.Infoln("consuming topic", topic)
	}
	report(source.Subscribed)
	report(source.Consuming)

	select {
	case err = <-faults:
	case <-ctx.Done():
		err = ctx.Err()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if stopErr := s.Stop(stopCtx); stopErr != nil {
		rlog.WithError(stopErr).Warnln("cannot stop broker")
	}
	return err
}

func (p *plugin) attach(ctx context.Context, handler source.Handler, faults chan error) {
	p.handlerMutex.Lock()
	defer p.handlerMutex.Unlock()
	p.ctx = ctx
	p.handler = handler
	p.faults = faults
}

// consume feeds one message to the handler
func (p *plugin) consume(topic string, payload []byte) {
	p.handlerMutex.Lock()
	defer p.handlerMutex.Unlock()
	if p.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			select {
			case p.faults <- fmt.Errorf("%w: %v", source.ErrFault, r):
			default:
			}
		}
	}()
	p.handler(p.ctx, routing.Message{
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	})
}

// nodeOf returns the configured node a topic belongs to
func (p *plugin) nodeOf(topic string) (string, bool) {
	for _, node := range p.nodes {
		if strings.HasPrefix(topic, node+"/") {
			return node, true
		}
	}
	return "", false
}

// Load implements plugin interface
func (p *plugin) Load(service gmqtt.Server) error {
	logger.Default().Debugln("load sensorbridge plugin")
	return nil
}

// Unload implements plugin interface
func (p *plugin) Unload() error {
	return nil
}

// Name implements plugin interface
func (p *plugin) Name() string { return "sensorbridge" }

// HookWrapper implements plugin interface
func (p *plugin) HookWrapper() gmqtt.HookWrapper {
	return gmqtt.HookWrapper{
		OnAcceptWrapper:     p.OnAcceptWrapper,
		OnMsgArrivedWrapper: p.OnMsgArrivedWrapper,
		OnCloseWrapper:      p.OnCloseWrapper,
	}
}

func (p *plugin) nodeFromConnection(conn net.Conn) (string, bool) {
	p.nodesRwmux.RLock()
	defer p.nodesRwmux.RUnlock()
	node, ok := p.connNodes[conn]
	return node, ok
}

// OnAcceptWrapper authorizes nodes via TLS certificates
func (p *plugin) OnAcceptWrapper(accept gmqtt.OnAccept) gmqtt.OnAccept {
	return func(ctx context.Context, conn net.Conn) bool {
		tlsConn, ok := conn.(*tls.Conn)
		if ok {
			err := tlsConn.Handshake()
			if err != nil {
				return false
			}
			state := tlsConn.ConnectionState()
			if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
				return false
			}
			commonName := state.VerifiedChains[0][0].Subject.CommonName
			if _, known := p.nodeOf(commonName + "/"); !known {
				logger.Default().Warnln("accept denied, unknown node in certificate:", commonName)
				return false
			}

			p.nodesRwmux.Lock()
			p.connNodes[conn] = commonName
			p.nodesRwmux.Unlock()
			logger.Default().Debugln("accept", commonName)
		}
		return accept(ctx, conn)
	}
}

// OnMsgArrivedWrapper feeds messages of configured nodes to the handler. Nodes
// authenticated by certificate may only publish to their own topics.
func (p *plugin) OnMsgArrivedWrapper(arrived gmqtt.OnMsgArrived) gmqtt.OnMsgArrived {
	return func(ctx context.Context, client gmqtt.Client, msg packets.Message) (valid bool) {
		topic := msg.Topic()
		if certNode, ok := p.nodeFromConnection(client.Connection()); ok {
			if !strings.HasPrefix(topic, certNode+"/") {
				logger.Default().Warnln("publish denied,", certNode, "not authorized for", topic)
				return false
			}
		}
		if _, ok := p.nodeOf(topic); ok {
			p.consume(topic, msg.Payload())
		}
		return arrived(ctx, client, msg)
	}
}

// OnCloseWrapper forgets the node of a closed connection
func (p *plugin) OnCloseWrapper(closed gmqtt.OnClose) gmqtt.OnClose {
	return func(ctx context.Context, client gmqtt.Client, err error) {
		p.nodesRwmux.Lock()
		delete(p.connNodes, client.Connection())
		p.nodesRwmux.Unlock()
		closed(ctx, client, err)
	}
}
