/*Package bridge wires the routing and delivery of bus messages

A Pipeline receives raw messages from a source, routes them through the
measurement schema and delivers the resulting records to all sinks of the
dispatcher. Handle never fails: ignored messages are counted, malformed
messages are logged and dropped, and sink failures are reported by the
dispatcher.
*/
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/dispatch"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/routing"
)

// Builder is a builder helper for the Pipeline
type Builder struct {
	// Router is mandatory
	Router *routing.Router
	// Dispatcher is mandatory
	Dispatcher *dispatch.Dispatcher
	// Metrics is optional
	Metrics *Metrics
}

// Stats contains the message counters of a pipeline
type Stats struct {
	Received      int64     `json:"received"`
	Ignored       int64     `json:"ignored"`
	Malformed     int64     `json:"malformed"`
	Recorded      int64     `json:"recorded"`
	SinkFailures  int64     `json:"sink_failures"`
	LastMessageAt time.Time `json:"last_message_at"`
	LastRecordAt  time.Time `json:"last_record_at"`
}

// Pipeline routes and delivers messages
type Pipeline struct {
	router     *routing.Router
	dispatcher *dispatch.Dispatcher
	metrics    *Metrics

	mutex sync.Mutex
	stats Stats
}

// New returns a new pipeline
func New(bb *Builder) *Pipeline {
	if bb.Router == nil {
		panic("Router is missing")
	}
	if bb.Dispatcher == nil {
		panic("Dispatcher is missing")
	}
	return &Pipeline{
		router:     bb.Router,
		dispatcher: bb.Dispatcher,
		metrics:    bb.Metrics,
	}
}

// Handle routes msg and delivers the decoded record. It recovers from panics
// so that a single message can never stop the consumption loop.
func (p *Pipeline) Handle(ctx context.Context, msg routing.Message) {
	ctx, rlog := logger.ContextWithNewLogger(ctx)
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now().UTC()
	}
	p.update(func(s *Stats) {
		s.Received++
		s.LastMessageAt = msg.ReceivedAt
	})

	// every message is counted with exactly one outcome
	counted := false
	defer func() {
		if r := recover(); r != nil {
			rlog.WithField("topic", msg.Topic).Errorln("recovered from panic while handling message:", r)
			if !counted {
				p.count(OutcomeMalformed)
			}
		}
	}()

	rlog.Debugf("received message for topic %s with payload %s", msg.Topic, msg.Payload)
	result, err := p.router.Route(msg)
	if err != nil {
		entry := rlog.WithError(err).WithField("topic", msg.Topic)
		if errors.Is(err, routing.ErrMalformedTopic) {
			entry.Warnln("dropping message")
		} else {
			entry.Debugln("dropping message")
		}
		p.count(OutcomeMalformed)
		counted = true
		return
	}
	if result.Ignored {
		p.count(OutcomeIgnored)
		counted = true
		return
	}
	p.count(OutcomeRecorded)
	counted = true

	record := result.Record
	ctx, rlog = logger.ContextWithLoggerNode(ctx, record.Node)
	rlog.Debugf("processing measurement %s with fields %v", record.Kind, record.Fields)
	report := p.dispatcher.Deliver(ctx, record)

	failed := len(report.Failed())
	p.update(func(s *Stats) {
		s.SinkFailures += int64(failed)
		s.LastRecordAt = msg.ReceivedAt
	})
}

// Kinds returns the measurement kinds the pipeline records
func (p *Pipeline) Kinds() []measurement.Kind {
	return p.router.Kinds()
}

// Stats returns a snapshot of the pipeline counters
func (p *Pipeline) Stats() Stats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.stats
}

// String implements fmt.Stringer
func (s Stats) String() string {
	return fmt.Sprintf("received=%d recorded=%d ignored=%d malformed=%d sink_failures=%d",
		s.Received, s.Recorded, s.Ignored, s.Malformed, s.SinkFailures)
}

func (p *Pipeline) count(outcome string) {
	p.update(func(s *Stats) {
		switch outcome {
		case OutcomeIgnored:
			s.Ignored++
		case OutcomeMalformed:
			s.Malformed++
		case OutcomeRecorded:
			s.Recorded++
		}
	})
	if p.metrics != nil {
		p.metrics.Messages.WithLabelValues(outcome).Inc()
	}
}

func (p *Pipeline) update(f func(s *Stats)) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	f(&p.stats)
}
