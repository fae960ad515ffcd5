// Package dispatch fans decoded records out to all registered sinks
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

var (
	// ErrDuplicateSink is returned when a sink with the same name is registered twice
	ErrDuplicateSink = errors.New("sink already registered")
	// ErrRegistryFrozen is returned when a sink is registered after the first delivery
	ErrRegistryFrozen = errors.New("sink registry is frozen")
)

// Observer gets notified about every single store call
type Observer interface {
	ObserveStore(sink string, err error, duration time.Duration)
}

// Builder is a builder helper for the Dispatcher
type Builder struct {
	// Concurrent delivers to all sinks in parallel. Default is sequential
	// delivery in registration order.
	Concurrent bool
	// StoreTimeout bounds every store call. Zero means no timeout.
	StoreTimeout time.Duration
	// Observer is optional
	Observer Observer
}

// Dispatcher owns the ordered sink registry. Sinks are registered at startup,
// the registry is read-only once the first record has been delivered.
type Dispatcher struct {
	concurrent bool
	timeout    time.Duration
	observer   Observer

	mutex  sync.Mutex
	sinks  []sink.Sink
	frozen atomic.Bool
}

// New returns a new dispatcher without sinks
func New(bb *Builder) *Dispatcher {
	if bb == nil {
		bb = &Builder{}
	}
	return &Dispatcher{
		concurrent: bb.Concurrent,
		timeout:    bb.StoreTimeout,
		observer:   bb.Observer,
	}
}

// Register appends s to the registry
func (d *Dispatcher) Register(s sink.Sink) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.frozen.Load() {
		return ErrRegistryFrozen
	}
	for _, existing := range d.sinks {
		if existing.Name() == s.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateSink, s.Name())
		}
	}
	d.sinks = append(d.sinks, s)
	return nil
}

// Sinks returns the registered sinks in registration order
func (d *Dispatcher) Sinks() []sink.Sink {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	sinks := make([]sink.Sink, len(d.sinks))
	copy(sinks, d.sinks)
	return sinks
}

func (d *Dispatcher) registry() []sink.Sink {
	if !d.frozen.Load() {
		d.mutex.Lock()
		d.frozen.Store(true)
		d.mutex.Unlock()
	}
	return d.sinks
}

// Deliver stores record in every registered sink. A failing or panicking
// sink does not keep the record from the other sinks. The report contains one
// outcome per sink in registration order.
func (d *Dispatcher) Deliver(ctx context.Context, record measurement.Record) Report {
	sinks := d.registry()
	if !record.ReceivedAt.IsZero() {
		ctx = sink.ContextWithTimestamp(ctx, record.ReceivedAt)
	}
	report := Report{
		Node:     record.Node,
		Kind:     record.Kind,
		Outcomes: make([]Outcome, len(sinks)),
	}

	if d.concurrent && len(sinks) > 1 {
		var g errgroup.Group
		for i, s := range sinks {
			i, s := i, s
			g.Go(func() error {
				report.Outcomes[i] = d.store(ctx, s, record)
				return nil
			})
		}
		g.Wait()
	} else {
		for i, s := range sinks {
			report.Outcomes[i] = d.store(ctx, s, record)
		}
	}
	return report
}

func (d *Dispatcher) store(ctx context.Context, s sink.Sink, record measurement.Record) Outcome {
	rlog := logger.FromContext(ctx)
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := callWithPanicEnvelope(s.Name(), func() error {
		return s.Store(ctx, record.Node, record.Kind, record.Fields)
	})
	outcome := Outcome{Sink: s.Name(), Err: err, Duration: time.Since(start)}

	if err != nil {
		outcome.Class = sink.ClassOf(err)
		entry := rlog.WithError(err).WithField("sink", s.Name()).WithField("class", outcome.Class.String())
		if outcome.Class == sink.Transient {
			entry.Warnf("cannot store %s record of %s", record.Kind, record.Node)
		} else {
			entry.Errorf("cannot store %s record of %s", record.Kind, record.Node)
		}
	} else {
		rlog.WithField("sink", s.Name()).Debugf("stored %s record of %s", record.Kind, record.Node)
	}

	if d.observer != nil {
		d.observer.ObserveStore(outcome.Sink, err, outcome.Duration)
	}
	return outcome
}

func callWithPanicEnvelope(name string, callback func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = sink.NewPermanent(name, fmt.Errorf("recovered from panic: %v", r))
		}
	}()
	err = callback()
	return
}
