package natsink

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	published  []published
	publishErr error
	flushErr   error
	closed     bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, published{subject, data})
	return nil
}

func (c *fakeConn) FlushWithContext(ctx context.Context) error {
	return c.flushErr
}

func (c *fakeConn) Close() {
	c.closed = true
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "sensorbridge.bedroom.fhz", Subject("sensorbridge", "bedroom", "fhz"))
	assert.Equal(t, "p.home.garage.nrg", Subject("p", "home/garage", measurement.KindEnergyMeter))
	assert.Equal(t, "p.node_1.wh", Subject("p", "node.1", "wh"))
	assert.Equal(t, "p.a_b__.wh", Subject("p", "a b*>", "wh"))
}

func TestStore(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	conn := &fakeConn{}
	s := newWithPublisher(conn, "", func() time.Time { return now })
	assert.Equal(t, "nats", s.Name())

	require.NoError(t, s.Store(context.Background(), "bedroom", "fhz", measurement.Fields{"fhz": 21.5}))
	require.Len(t, conn.published, 1)
	assert.Equal(t, "sensorbridge.bedroom.fhz", conn.published[0].subject)

	var envelope sink.Envelope
	require.NoError(t, json.Unmarshal(conn.published[0].data, &envelope))
	assert.Equal(t, "bedroom", envelope.Node)
	assert.Equal(t, measurement.Fields{"fhz": 21.5}, envelope.Fields)
	assert.Equal(t, now, envelope.Timestamp)

	s.Close()
	assert.True(t, conn.closed)
}

func TestStore_Failures(t *testing.T) {
	testCases := []struct {
		name    string
		publish error
		flush   error
		want    sink.Class
	}{
		{"closed", nats.ErrConnectionClosed, nil, sink.Transient},
		{"flush timeout", nil, nats.ErrTimeout, sink.Transient},
		{"max payload", nats.ErrMaxPayload, nil, sink.Permanent},
		{"bad subject", nats.ErrBadSubject, nil, sink.Permanent},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := newWithPublisher(&fakeConn{publishErr: tc.publish, flushErr: tc.flush}, "p", nil)
			err := s.Store(context.Background(), "bedroom", "fhz", measurement.Fields{"fhz": 1})
			require.Error(t, err)
			assert.Equal(t, tc.want, sink.ClassOf(err))
		})
	}
}

func TestNew_MissingURL(t *testing.T) {
	assert.Panics(t, func() { New(&Builder{}) })
}
