// Package mqttclient is the source variant which subscribes to an external MQTT broker
package mqttclient

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/routing"
	"github.com/relabs-tech/sensorbridge/iot/source"
)

// DefaultPort is the default MQTT port
const DefaultPort = 1883

// Builder is a builder helper for the Source
type Builder struct {
	// Host is the MQTT broker host. This is mandatory.
	Host string
	// Port is the MQTT broker port. Defaults to DefaultPort
	Port int
	// Nodes are the sensor nodes to subscribe to. This is mandatory.
	Nodes []string
	// ClientID defaults to "sensorbridge-{uuid}"
	ClientID string
	// Username and Password are optional
	Username string
	Password string
	// QoS of the node subscriptions, 0 to 2
	QoS byte
	// ConnectTimeout defaults to 30 seconds
	ConnectTimeout time.Duration
}

// Source subscribes to "{node}/#" for every node on an MQTT broker
type Source struct {
	broker         string
	nodes          []string
	clientID       string
	username       string
	password       string
	qos            byte
	connectTimeout time.Duration
}

// New returns a new MQTT client source
func New(bb *Builder) *Source {
	if len(bb.Host) == 0 {
		panic("host is missing")
	}
	if len(bb.Nodes) == 0 {
		panic("nodes are missing")
	}
	if bb.QoS > 2 {
		panic("invalid QoS " + strconv.Itoa(int(bb.QoS)))
	}
	port := bb.Port
	if port == 0 {
		port = DefaultPort
	}
	clientID := bb.ClientID
	if len(clientID) == 0 {
		clientID = "sensorbridge-" + uuid.New().String()
	}
	connectTimeout := bb.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 30 * time.Second
	}
	return &Source{
		broker:         "tcp://" + net.JoinHostPort(bb.Host, strconv.Itoa(port)),
		nodes:          bb.Nodes,
		clientID:       clientID,
		username:       bb.Username,
		password:       bb.Password,
		qos:            bb.QoS,
		connectTimeout: connectTimeout,
	}
}

// Name implements source.Source
func (s *Source) Name() string {
	return "mqtt " + s.broker
}

// Run implements source.Source. Automatic reconnects of the client are
// disabled, the supervisor restarts the whole cycle instead.
func (s *Source) Run(ctx context.Context, handler source.Handler, report source.StateFunc) error {
	rlog := logger.Default().WithField("source", s.Name())
	faults := make(chan error, 1)
	fault := func(err error) {
		select {
		case faults <- err:
		default:
		}
	}

	opts := mqtt.NewClientOptions().
		AddBroker(s.broker).
		SetClientID(s.clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(s.connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			fault(fmt.Errorf("%w: %s", source.ErrConnectionLost, err))
		})
	if len(s.username) > 0 {
		opts.SetUsername(s.username)
		opts.SetPassword(s.password)
	}

	report(source.Connecting)
	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		return fmt.Errorf("%w to %s: %s", source.ErrConnect, s.broker, err)
	}
	defer client.Disconnect(250)
	rlog.Infoln("connected as", s.clientID)

	onMessage := func(_ mqtt.Client, m mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				fault(fmt.Errorf("%w: %v", source.ErrFault, r))
			}
		}()
		handler(ctx, routing.Message{
			Topic:      m.Topic(),
			Payload:    m.Payload(),
			ReceivedAt: time.Now().UTC(),
		})
	}

	for i, topic := range source.Topics(s.nodes) {
		rlog.Infof("subscribing to topic %s for node %s", topic, s.nodes[i])
		if err := wait(ctx, client.Subscribe(topic, s.qos, onMessage)); err != nil {
			return fmt.Errorf("%w to %s: %s", source.ErrSubscribe, topic, err)
		}
	}
	report(source.Subscribed)

	report(source.Consuming)
	select {
	case err := <-faults:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// wait waits for token to complete or ctx to be done
func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
