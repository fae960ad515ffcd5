package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

type panickingSink struct{}

func (panickingSink) Name() string { return "panicking" }
func (panickingSink) Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error {
	panic("influx exploded")
}

type slowSink struct{}

func (slowSink) Name() string { return "slow" }
func (slowSink) Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error {
	<-ctx.Done()
	return ctx.Err()
}

type timestampSink struct {
	mutex sync.Mutex
	seen  []time.Time
}

func (s *timestampSink) Name() string { return "timestamp" }
func (s *timestampSink) Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.seen = append(s.seen, sink.Timestamp(ctx, time.Now))
	return nil
}

type countingObserver struct {
	mutex    sync.Mutex
	observed map[string]int
	failed   map[string]int
}

func (o *countingObserver) ObserveStore(sink string, err error, duration time.Duration) {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.observed[sink]++
	if err != nil {
		o.failed[sink]++
	}
}

var record = measurement.Record{Node: "bedroom", Kind: "fhz", Fields: measurement.Fields{"fhz": 21.5}}

func TestDeliver_AllSinksInOrder(t *testing.T) {
	d := New(nil)
	a, b := sink.NewMemory("a"), sink.NewMemory("b")
	require.NoError(t, d.Register(a))
	require.NoError(t, d.Register(b))

	report := d.Deliver(context.Background(), record)
	assert.True(t, report.OK())
	assert.Equal(t, 2, report.Delivered())
	require.Len(t, report.Outcomes, 2)
	assert.Equal(t, "a", report.Outcomes[0].Sink)
	assert.Equal(t, "b", report.Outcomes[1].Sink)

	for _, m := range []*sink.Memory{a, b} {
		entries := m.Entries()
		require.Len(t, entries, 1)
		assert.Equal(t, sink.Entry{Node: "bedroom", Kind: "fhz", Fields: measurement.Fields{"fhz": 21.5}}, entries[0])
	}
}

func TestDeliver_CarriesReceiptTime(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		d := New(&Builder{Concurrent: concurrent})
		a, b := &timestampSink{}, &timestampSink{}
		require.NoError(t, d.Register(a))
		require.NoError(t, d.Register(sink.NewMemory("memory")))
		require.NoError(t, d.Register(renamed{b, "timestamp-2"}))

		received := record
		received.ReceivedAt = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
		report := d.Deliver(context.Background(), received)
		require.True(t, report.OK())

		assert.Equal(t, []time.Time{received.ReceivedAt}, a.seen)
		assert.Equal(t, []time.Time{received.ReceivedAt}, b.seen)
	}
}

type renamed struct {
	sink.Sink
	name string
}

func (r renamed) Name() string { return r.name }

func TestDeliver_FailureIsolation(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		for size := 2; size <= 5; size++ {
			t.Run(fmt.Sprintf("concurrent=%v/size=%d", concurrent, size), func(t *testing.T) {
				d := New(&Builder{Concurrent: concurrent})
				sinks := make([]*sink.Memory, size)
				for i := range sinks {
					sinks[i] = sink.NewMemory(fmt.Sprintf("sink-%d", i))
					require.NoError(t, d.Register(sinks[i]))
				}
				sinks[0].FailWith(sink.NewTransient("sink-0", errors.New("connection refused")))

				report := d.Deliver(context.Background(), record)
				assert.False(t, report.OK())
				require.Len(t, report.Failed(), 1)
				assert.Equal(t, "sink-0", report.Failed()[0].Sink)
				assert.Equal(t, sink.Transient, report.Failed()[0].Class)
				assert.Equal(t, size-1, report.Delivered())
				for _, m := range sinks {
					assert.Len(t, m.Entries(), 1)
				}
			})
		}
	}
}

func TestDeliver_PanicIsolation(t *testing.T) {
	for _, concurrent := range []bool{false, true} {
		d := New(&Builder{Concurrent: concurrent})
		after := sink.NewMemory("after")
		require.NoError(t, d.Register(panickingSink{}))
		require.NoError(t, d.Register(after))

		var report Report
		require.NotPanics(t, func() {
			report = d.Deliver(context.Background(), record)
		})
		require.Len(t, report.Failed(), 1)
		assert.Equal(t, sink.Permanent, report.Failed()[0].Class)
		assert.Contains(t, report.Failed()[0].Err.Error(), "influx exploded")
		assert.Len(t, after.Entries(), 1)
	}
}

func TestDeliver_StoreTimeout(t *testing.T) {
	d := New(&Builder{StoreTimeout: 20 * time.Millisecond})
	after := sink.NewMemory("after")
	require.NoError(t, d.Register(slowSink{}))
	require.NoError(t, d.Register(after))

	report := d.Deliver(context.Background(), record)
	require.Len(t, report.Failed(), 1)
	assert.Equal(t, "slow", report.Failed()[0].Sink)
	assert.Equal(t, sink.Transient, report.Failed()[0].Class)
	assert.Len(t, after.Entries(), 1)
}

func TestDeliver_NoSinks(t *testing.T) {
	d := New(nil)
	report := d.Deliver(context.Background(), record)
	assert.True(t, report.OK())
	assert.Empty(t, report.Outcomes)
}

func TestDeliver_Observer(t *testing.T) {
	observer := &countingObserver{observed: map[string]int{}, failed: map[string]int{}}
	d := New(&Builder{Observer: observer})
	failing := sink.NewMemory("failing")
	failing.FailWith(errors.New("rejected"))
	require.NoError(t, d.Register(failing))
	require.NoError(t, d.Register(sink.NewMemory("ok")))

	d.Deliver(context.Background(), record)
	d.Deliver(context.Background(), record)

	assert.Equal(t, map[string]int{"failing": 2, "ok": 2}, observer.observed)
	assert.Equal(t, map[string]int{"failing": 2}, observer.failed)
}

func TestRegister(t *testing.T) {
	d := New(nil)
	m := sink.NewMemory("m")
	require.NoError(t, d.Register(m))
	assert.ErrorIs(t, d.Register(m), ErrDuplicateSink)
	assert.ErrorIs(t, d.Register(sink.NewMemory("m")), ErrDuplicateSink)
	assert.Len(t, d.Sinks(), 1)

	d.Deliver(context.Background(), record)
	assert.ErrorIs(t, d.Register(sink.NewMemory("late")), ErrRegistryFrozen)
	assert.Len(t, d.Sinks(), 1)
}
