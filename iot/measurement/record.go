package measurement

import (
	"math"
	"sort"
	"time"
)

// Kind is a measurement kind token, the last segment of a topic.
type Kind string

// Fields maps field names to values
type Fields map[string]float64

// Names returns the field names in sorted order.
func (f Fields) Names() []string {
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Copy returns a shallow copy of the fields.
func (f Fields) Copy() Fields {
	c := make(Fields, len(f))
	for k, v := range f {
		c[k] = v
	}
	return c
}

func (f Fields) finite() (string, bool) {
	for k, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return k, false
		}
	}
	return "", true
}

// Record is a decoded measurement of one sensor node. Records are only
// constructed from successfully decoded payloads.
type Record struct {
	Node       string
	Kind       Kind
	Fields     Fields
	ReceivedAt time.Time
}
