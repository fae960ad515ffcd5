package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class classifies sink failures
type Class int

const (
	// Transient failures are expected to resolve by themselves
	Transient Class = iota
	// Permanent failures will not resolve without intervention
	Permanent
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Error is a classified sink failure
type Error struct {
	Sink  string
	Class Class
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("sink %s: %s failure: %s", e.Sink, e.Class, e.Err.Error())
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewTransient wraps err as a transient failure of sink
func NewTransient(sink string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Sink: sink, Class: Transient, Err: err}
}

// NewPermanent wraps err as a permanent failure of sink
func NewPermanent(sink string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Sink: sink, Class: Permanent, Err: err}
}

// ClassOf returns the class of err. Unclassified errors are considered
// transient if they are network errors or context timeouts, otherwise
// permanent.
func ClassOf(err error) Class {
	var se *Error
	if errors.As(err, &se) {
		return se.Class
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	return Permanent
}

// IsTransient returns true if err is a transient failure
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == Transient
}
