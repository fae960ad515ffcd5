// Package natsink is the NATS sink. Records are published as JSON envelopes
// on the subject "{prefix}.{node}.{kind}".
package natsink

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

const sinkName = "nats"

// DefaultSubjectPrefix is used if the builder has no prefix
const DefaultSubjectPrefix = "sensorbridge"

// Builder is a builder helper for the Sink
type Builder struct {
	// URL of the NATS server. This is mandatory.
	URL string
	// SubjectPrefix defaults to DefaultSubjectPrefix
	SubjectPrefix string
	// Name is the client connection name
	Name string
	// Now returns the timestamp of a record. Defaults to time.Now
	Now func() time.Time
}

type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// Sink publishes records to NATS
type Sink struct {
	conn   publisher
	prefix string
	now    func() time.Time
}

// New connects to the NATS server and returns a new sink. Initial connection
// failures are retried in the background, publishing is buffered meanwhile.
func New(bb *Builder) (*Sink, error) {
	if len(bb.URL) == 0 {
		panic("URL is missing")
	}
	rlog := logger.Default().WithField("sink", sinkName)
	conn, err := nats.Connect(bb.URL,
		nats.Name(bb.Name),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				rlog.Warnf("disconnected from %s: %v", bb.URL, err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			rlog.Infof("reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, err
	}
	return newWithPublisher(conn, bb.SubjectPrefix, bb.Now), nil
}

func newWithPublisher(conn publisher, prefix string, now func() time.Time) *Sink {
	if len(prefix) == 0 {
		prefix = DefaultSubjectPrefix
	}
	if now == nil {
		now = time.Now
	}
	return &Sink{conn: conn, prefix: prefix, now: now}
}

// Name implements sink.Sink
func (s *Sink) Name() string {
	return sinkName
}

// Subject returns the subject for node and kind. Subject separators in the
// node are mapped to underscores, topic separators to dots.
func Subject(prefix, node string, kind measurement.Kind) string {
	node = strings.NewReplacer(".", "_", "/", ".", " ", "_", "*", "_", ">", "_").Replace(node)
	return prefix + "." + node + "." + string(kind)
}

// Store implements sink.Sink. The record is flushed to the server before
// Store returns.
func (s *Sink) Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error {
	data, err := sink.Encode(node, kind, fields, sink.Timestamp(ctx, s.now))
	if err != nil {
		return sink.NewPermanent(sinkName, err)
	}
	if err = s.conn.Publish(Subject(s.prefix, node, kind), data); err != nil {
		return classify(err)
	}
	if err = s.conn.FlushWithContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close closes the connection
func (s *Sink) Close() {
	s.conn.Close()
}

func classify(err error) error {
	switch {
	case errors.Is(err, nats.ErrMaxPayload),
		errors.Is(err, nats.ErrBadSubject),
		errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrPermissionViolation):
		return sink.NewPermanent(sinkName, err)
	default:
		// closed, reconnecting, timeouts and stale connections
		return sink.NewTransient(sinkName, err)
	}
}
