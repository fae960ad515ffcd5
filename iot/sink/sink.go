/*Package sink defines the persistence destinations of decoded records

A Sink stores one record for a sensor node. Sinks classify their failures
as transient (backend unreachable, timeouts, rejected writes which may
succeed later) or permanent (invalid configuration, rejected data). The
bridge never retries a single record, so both classes only end up in the
log and in the delivery report.

The backend variants live in the sub packages influx, postgres, kafka,
natsink and sqs. Memory is an in-memory sink for tests.
*/
package sink

import (
	"context"
	"time"

	"github.com/relabs-tech/sensorbridge/iot/measurement"
)

type contextKeyTimestampType struct{}

var contextKeyTimestamp = &contextKeyTimestampType{}

// Sink is a persistence destination for decoded records
type Sink interface {
	// Name identifies the sink in logs, metrics and delivery reports
	Name() string
	// Store persists fields of kind for node
	Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error
}

// ContextWithTimestamp returns a context carrying the receipt time of the
// record being stored. All sinks stamp the record with this time.
func ContextWithTimestamp(ctx context.Context, t time.Time) context.Context {
	return context.WithValue(ctx, contextKeyTimestamp, t)
}

// Timestamp returns the receipt time carried by ctx in UTC. If ctx carries
// none, now is used.
func Timestamp(ctx context.Context, now func() time.Time) time.Time {
	if t, ok := ctx.Value(contextKeyTimestamp).(time.Time); ok && !t.IsZero() {
		return t.UTC()
	}
	return now().UTC()
}
