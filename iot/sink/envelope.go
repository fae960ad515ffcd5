package sink

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/relabs-tech/sensorbridge/iot/measurement"
)

// Envelope is the JSON representation of a record for message based sinks
type Envelope struct {
	Node      string             `json:"node"`
	Kind      measurement.Kind   `json:"kind"`
	Fields    measurement.Fields `json:"fields"`
	Timestamp time.Time          `json:"timestamp"`
}

// Encode returns the JSON envelope of a record
func Encode(node string, kind measurement.Kind, fields measurement.Fields, timestamp time.Time) ([]byte, error) {
	return json.Marshal(Envelope{
		Node:      node,
		Kind:      kind,
		Fields:    fields,
		Timestamp: timestamp.UTC(),
	})
}
