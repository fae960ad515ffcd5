package bridge

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/relabs-tech/sensorbridge/iot/source"
)

// Message outcomes
const (
	OutcomeRecorded  = "recorded"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
)

// Metrics contains the prometheus metrics of the bridge
type Metrics struct {
	Messages       *prometheus.CounterVec
	SinkWrites     *prometheus.CounterVec
	SinkDuration   *prometheus.HistogramVec
	SourceState    prometheus.Gauge
	SourceRestarts prometheus.Counter
}

// NewMetrics creates the bridge metrics and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorbridge",
				Name:      "messages_total",
				Help:      "Total number of received messages by outcome",
			},
			[]string{"outcome"},
		),
		SinkWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sensorbridge",
				Name:      "sink_writes_total",
				Help:      "Total number of sink writes by status",
			},
			[]string{"sink", "status"},
		),
		SinkDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sensorbridge",
				Name:      "sink_write_duration_seconds",
				Help:      "Duration of sink writes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"sink"},
		),
		SourceState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sensorbridge",
				Name:      "source_state",
				Help:      "Source state (0=disconnected, 1=connecting, 2=subscribed, 3=consuming)",
			},
		),
		SourceRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "sensorbridge",
				Name:      "source_restarts_total",
				Help:      "Total number of restarted source cycles",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Messages, m.SinkWrites, m.SinkDuration, m.SourceState, m.SourceRestarts)
	}
	return m
}

// ObserveStore implements dispatch.Observer
func (m *Metrics) ObserveStore(sink string, err error, duration time.Duration) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.SinkWrites.WithLabelValues(sink, status).Inc()
	m.SinkDuration.WithLabelValues(sink).Observe(duration.Seconds())
}

// ObserveState implements source.Observer
func (m *Metrics) ObserveState(state source.State) {
	m.SourceState.Set(float64(state))
}

// ObserveRestart implements source.Observer
func (m *Metrics) ObserveRestart() {
	m.SourceRestarts.Inc()
}
