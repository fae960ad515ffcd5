package broker

import (
	"context"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/sensorbridge/iot/routing"
	"github.com/relabs-tech/sensorbridge/iot/source"
)

func publish(t *testing.T, addr, topic, payload string) {
	t.Helper()
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID("publisher-" + uuid.New().String())
	c := mqtt.NewClient(opts)
	token := c.Connect()
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
	defer c.Disconnect(100)

	token = c.Publish(topic, 1, false, payload)
	require.True(t, token.WaitTimeout(5*time.Second))
	require.NoError(t, token.Error())
}

func TestBroker_ConsumesNodeTopics(t *testing.T) {
	b, err := New(&Builder{Address: "127.0.0.1:0", Nodes: []string{"bedroom", "garage"}})
	require.NoError(t, err)

	received := make(chan routing.Message, 10)
	s := source.NewSupervisor(&source.Builder{
		Source:  b,
		Handler: func(ctx context.Context, msg routing.Message) { received <- msg },
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	require.Eventually(t, func() bool {
		return s.State() == source.Consuming && b.Addr() != nil
	}, 5*time.Second, 10*time.Millisecond)
	addr := b.Addr().String()

	publish(t, addr, "kitchen/fhz", "19.0")
	publish(t, addr, "bedroom/fhz", "21.5")

	select {
	case msg := <-received:
		assert.Equal(t, "bedroom/fhz", msg.Topic)
		assert.Equal(t, []byte("21.5"), msg.Payload)
		assert.False(t, msg.ReceivedAt.IsZero())
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	assert.Empty(t, received)

	cancel()
	require.Eventually(t, func() bool { return b.Addr() == nil }, 5*time.Second, 10*time.Millisecond)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(&Builder{Nodes: []string{"bedroom"}})
	assert.Error(t, err)

	_, err = New(&Builder{Address: ":1883"})
	assert.Error(t, err)

	_, err = New(&Builder{Address: ":1883", Nodes: []string{"bedroom"}, CACertFile: "ca.crt"})
	assert.Error(t, err)

	_, err = New(&Builder{Address: ":1883", Nodes: []string{"bedroom"}, CACertFile: "ca.crt", CertFile: "does-not-exist.crt", KeyFile: "does-not-exist.key"})
	assert.Error(t, err)
}

func TestPlugin_NodeOf(t *testing.T) {
	p := &plugin{nodes: []string{"bedroom", "tasmota/cellar"}}

	node, ok := p.nodeOf("tasmota/cellar/Z1_curr_w")
	assert.True(t, ok)
	assert.Equal(t, "tasmota/cellar", node)

	_, ok = p.nodeOf("bedroomx/fhz")
	assert.False(t, ok)
	_, ok = p.nodeOf("bedroom")
	assert.False(t, ok)
}

func TestPlugin_ConsumeWithoutHandler(t *testing.T) {
	p := &plugin{nodes: []string{"bedroom"}}
	assert.NotPanics(t, func() { p.consume("bedroom/fhz", []byte("1")) })
}

func TestPlugin_ConsumePanicBecomesFault(t *testing.T) {
	p := &plugin{nodes: []string{"bedroom"}}
	faults := make(chan error, 1)
	p.attach(context.Background(), func(ctx context.Context, msg routing.Message) { panic("boom") }, faults)

	p.consume("bedroom/fhz", []byte("1"))
	select {
	case err := <-faults:
		assert.ErrorIs(t, err, source.ErrFault)
	default:
		t.Fatal("expected a fault")
	}
}
