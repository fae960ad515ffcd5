package source

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/relabs-tech/sensorbridge/core/logger"
)

// Observer gets notified about state transitions and restarts
type Observer interface {
	ObserveState(state State)
	ObserveRestart()
}

// Builder is a builder helper for the Supervisor
type Builder struct {
	// Source is mandatory
	Source Source
	// Handler is mandatory
	Handler Handler
	// BackOff is the delay between two cycles. The default is no delay.
	// backoff.Stop is treated as no delay, the supervisor never gives up.
	BackOff backoff.BackOff
	// Observer is optional
	Observer Observer
}

// Supervisor restarts the cycles of a source forever
type Supervisor struct {
	source   Source
	handler  Handler
	backOff  backoff.BackOff
	observer Observer

	state    atomic.Int32
	restarts atomic.Int64
}

// NewSupervisor returns a new supervisor
func NewSupervisor(bb *Builder) *Supervisor {
	if bb.Source == nil {
		panic("Source is missing")
	}
	if bb.Handler == nil {
		panic("Handler is missing")
	}
	backOff := bb.BackOff
	if backOff == nil {
		backOff = &backoff.ZeroBackOff{}
	}
	return &Supervisor{
		source:   bb.Source,
		handler:  bb.Handler,
		backOff:  backOff,
		observer: bb.Observer,
	}
}

// State returns the current state of the source
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Restarts returns the number of restarted cycles
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

func (s *Supervisor) setState(state State) {
	if State(s.state.Swap(int32(state))) == state {
		return
	}
	logger.Default().WithField("source", s.source.Name()).Debugln("source state", state)
	if s.observer != nil {
		s.observer.ObserveState(state)
	}
}

// Run runs source cycles until ctx is done. It returns ctx.Err().
func (s *Supervisor) Run(ctx context.Context) error {
	rlog := logger.Default().WithField("source", s.source.Name())
	rlog.Infoln("starting source")
	s.backOff.Reset()
	for {
		s.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := s.cycle(ctx)
		if ctx.Err() != nil {
			s.setState(Disconnected)
			rlog.Infoln("source stopped")
			return ctx.Err()
		}
		if err == nil {
			err = ErrConnectionLost
		}

		s.restarts.Add(1)
		if s.observer != nil {
			s.observer.ObserveRestart()
		}
		rlog.WithError(err).WithField("category", Category(err)).Warnln("source cycle ended, restarting")

		delay := s.backOff.NextBackOff()
		if delay == backoff.Stop {
			delay = 0
		}
		if delay > 0 {
			s.setState(Disconnected)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				s.setState(Disconnected)
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// cycle runs one cycle of the source and converts panics into faults.
func (s *Supervisor) cycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: recovered from panic: %v", ErrFault, r)
		}
	}()
	return s.source.Run(ctx, s.handler, func(state State) {
		s.setState(state)
		if state == Consuming {
			s.backOff.Reset()
		}
	})
}
