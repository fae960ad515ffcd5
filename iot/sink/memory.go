package sink

import (
	"context"
	"sync"

	"github.com/relabs-tech/sensorbridge/iot/measurement"
)

// Entry is one record received by a Memory sink
type Entry struct {
	Node   string
	Kind   measurement.Kind
	Fields measurement.Fields
}

// Memory is a sink which appends every record to an ordered log
type Memory struct {
	name string

	mutex   sync.Mutex
	entries []Entry
	fail    error
}

// NewMemory returns a new memory sink
func NewMemory(name string) *Memory {
	if name == "" {
		name = "memory"
	}
	return &Memory{name: name}
}

// Name implements Sink
func (m *Memory) Name() string { return m.name }

// Store implements Sink. The entry is logged even if a failure was injected
// with FailWith.
func (m *Memory) Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries = append(m.entries, Entry{Node: node, Kind: kind, Fields: fields.Copy()})
	return m.fail
}

// FailWith makes every following Store call return err. Pass nil to reset.
func (m *Memory) FailWith(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.fail = err
}

// Entries returns a copy of all entries in order of arrival
func (m *Memory) Entries() []Entry {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entries := make([]Entry, len(m.entries))
	copy(entries, m.entries)
	return entries
}

// Reset clears the log
func (m *Memory) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.entries = nil
}
