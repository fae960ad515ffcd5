// Package routing maps inbound bus messages to measurement records
package routing

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/relabs-tech/sensorbridge/iot/measurement"
)

// TopicSeparator separates the node from the measurement kind in a topic
const TopicSeparator = "/"

// ErrMalformedTopic is returned for topics without a separator
var ErrMalformedTopic = errors.New("malformed topic")

// Message is a raw message as received from the bus
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Result is the outcome of routing one message. If Ignored is true, the
// message belongs to a kind outside the schema and Record is empty.
type Result struct {
	Ignored bool
	Record  measurement.Record
}

// Router routes messages through a measurement schema
type Router struct {
	schema *measurement.Schema
}

// New returns a router for schema
func New(schema *measurement.Schema) *Router {
	if schema == nil {
		panic("schema is missing")
	}
	return &Router{schema: schema}
}

// SplitTopic splits a topic at its last separator into node and kind. Both
// parts may be empty.
func SplitTopic(topic string) (string, measurement.Kind, error) {
	i := strings.LastIndex(topic, TopicSeparator)
	if i < 0 {
		return "", "", fmt.Errorf("%w: %q", ErrMalformedTopic, topic)
	}
	return topic[:i], measurement.Kind(topic[i+1:]), nil
}

// Route decodes msg into a record. Messages of unknown kinds are ignored
// without error. Malformed topics return ErrMalformedTopic, malformed
// payloads a *measurement.MalformedPayloadError.
func (r *Router) Route(msg Message) (Result, error) {
	node, kind, err := SplitTopic(msg.Topic)
	if err != nil {
		return Result{}, err
	}
	if !r.schema.Has(kind) {
		return Result{Ignored: true}, nil
	}
	fields, err := r.schema.Decode(kind, msg.Payload)
	if err != nil {
		return Result{}, fmt.Errorf("topic %s: %w", msg.Topic, err)
	}
	return Result{
		Record: measurement.Record{
			Node:       node,
			Kind:       kind,
			Fields:     fields,
			ReceivedAt: msg.ReceivedAt,
		},
	}, nil
}

// Kinds returns the measurement kinds known to the router
func (r *Router) Kinds() []measurement.Kind {
	return r.schema.Kinds()
}
