// Package kafka is the Kafka sink. Records are published as JSON envelopes
// keyed by sensor node, so that all records of a node land in the same
// partition.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

const sinkName = "kafka"

// LoggerContextHeader is the message header carrying the serialized logger context
const LoggerContextHeader = "logger-context"

// Builder is a builder helper for the Sink
type Builder struct {
	// Brokers are the kafka broker addresses. This is mandatory.
	Brokers []string
	// Topic is the destination topic. This is mandatory.
	Topic string
	// WriteTimeout defaults to 10 seconds
	WriteTimeout time.Duration
	// Now returns the timestamp of a record. Defaults to time.Now
	Now func() time.Time
}

type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink publishes records to a kafka topic
type Sink struct {
	writer writer
	now    func() time.Time
}

// New returns a new kafka sink. The writer connects lazily.
func New(bb *Builder) *Sink {
	if len(bb.Brokers) == 0 {
		panic("Brokers are missing")
	}
	if len(bb.Topic) == 0 {
		panic("Topic is missing")
	}
	timeout := bb.WriteTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(bb.Brokers...),
		Topic:                  bb.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           timeout,
		BatchSize:              1,
		AllowAutoTopicCreation: true,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Default().Errorf("kafka: "+msg, args...)
		}),
	}
	return newWithWriter(w, bb.Now)
}

func newWithWriter(w writer, now func() time.Time) *Sink {
	if now == nil {
		now = time.Now
	}
	return &Sink{writer: w, now: now}
}

// Name implements sink.Sink
func (s *Sink) Name() string {
	return sinkName
}

// Message returns the kafka message of a record
func Message(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields, timestamp time.Time) (kafka.Message, error) {
	value, err := sink.Encode(node, kind, fields, timestamp)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(node),
		Value: value,
		Time:  timestamp.UTC(),
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
			{Key: LoggerContextHeader, Value: logger.SerializeLoggerContext(ctx)},
		},
	}, nil
}

// Store implements sink.Sink
func (s *Sink) Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error {
	msg, err := Message(ctx, node, kind, fields, sink.Timestamp(ctx, s.now))
	if err != nil {
		return sink.NewPermanent(sinkName, err)
	}
	if err = s.writer.WriteMessages(ctx, msg); err != nil {
		return classify(err)
	}
	return nil
}

// Close flushes and closes the writer
func (s *Sink) Close() error {
	return s.writer.Close()
}

func classify(err error) error {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		if kerr.Temporary() || kerr.Timeout() {
			return sink.NewTransient(sinkName, err)
		}
		return sink.NewPermanent(sinkName, fmt.Errorf("%s: %w", kerr.Title(), err))
	}
	var werr kafka.WriteErrors
	if errors.As(err, &werr) {
		for _, e := range werr {
			if e != nil {
				return classify(e)
			}
		}
	}
	if strings.Contains(err.Error(), "connection refused") || strings.Contains(err.Error(), "no such host") {
		return sink.NewTransient(sinkName, err)
	}
	if sink.ClassOf(err) == sink.Transient {
		return sink.NewTransient(sinkName, err)
	}
	return sink.NewPermanent(sinkName, err)
}
