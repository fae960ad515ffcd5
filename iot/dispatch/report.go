package dispatch

import (
	"time"

	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

// Outcome is the result of storing a record in one sink
type Outcome struct {
	Sink     string
	Err      error
	Class    sink.Class
	Duration time.Duration
}

// Report aggregates the outcomes of one delivery
type Report struct {
	Node     string
	Kind     measurement.Kind
	Outcomes []Outcome
}

// OK returns true if every sink stored the record
func (r Report) OK() bool {
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return false
		}
	}
	return true
}

// Failed returns the outcomes of all failed sinks
func (r Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o)
		}
	}
	return failed
}

// Delivered returns the number of sinks which stored the record
func (r Report) Delivered() int {
	return len(r.Outcomes) - len(r.Failed())
}
