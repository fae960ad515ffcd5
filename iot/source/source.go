/*Package source owns the subscription lifecycle of the bus

A Source runs one connect, subscribe and consume cycle and returns when the
connection is gone. The Supervisor runs cycles forever: every fault is
logged with its category, the backoff hook is consulted, and the source
starts over from Disconnected. Only the cancellation of the context given
to Supervisor.Run ends the loop.

	Disconnected -> Connecting -> Subscribed -> Consuming
	      ^                                         |
	      +------------- fault / connection lost ---+

The sub package mqttclient connects to an external MQTT broker, the sub
package broker runs an embedded broker which sensor nodes connect to
directly.
*/
package source

import (
	"context"
	"errors"

	"github.com/relabs-tech/sensorbridge/iot/routing"
)

// State is the state of the source lifecycle
type State int32

// Source states
const (
	Disconnected State = iota
	Connecting
	Subscribed
	Consuming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Subscribed:
		return "subscribed"
	case Consuming:
		return "consuming"
	default:
		return "unknown"
	}
}

// Fault categories of a source cycle
var (
	ErrConnect        = errors.New("cannot connect")
	ErrSubscribe      = errors.New("cannot subscribe")
	ErrConnectionLost = errors.New("connection lost")
	ErrFault          = errors.New("fault in consumption loop")
)

// Category returns the fault category of err for logging
func Category(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConnect):
		return "connect"
	case errors.Is(err, ErrSubscribe):
		return "subscribe"
	case errors.Is(err, ErrConnectionLost):
		return "connection"
	case errors.Is(err, ErrFault):
		return "fault"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}

// Handler consumes one message. Handlers are called sequentially in order of
// receipt.
type Handler func(ctx context.Context, msg routing.Message)

// StateFunc receives state transitions of a cycle
type StateFunc func(State)

// Source runs a single connect, subscribe and consume cycle. Run blocks until
// the connection is lost or ctx is done and returns the reason.
type Source interface {
	Name() string
	Run(ctx context.Context, handler Handler, report StateFunc) error
}

// Topics returns the wildcard subscription of every node
func Topics(nodes []string) []string {
	topics := make([]string, 0, len(nodes))
	for _, node := range nodes {
		topics = append(topics, node+"/#")
	}
	return topics
}
