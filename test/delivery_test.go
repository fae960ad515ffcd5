//go:build integration

package test

import (
	"context"
	"fmt"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/sensorbridge/iot/bridge"
	"github.com/relabs-tech/sensorbridge/iot/dispatch"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/routing"
	"github.com/relabs-tech/sensorbridge/iot/sink"
	"github.com/relabs-tech/sensorbridge/iot/sink/influx"
	kafkasink "github.com/relabs-tech/sensorbridge/iot/sink/kafka"
	"github.com/relabs-tech/sensorbridge/iot/sink/postgres"
	"github.com/relabs-tech/sensorbridge/iot/source"
	"github.com/relabs-tech/sensorbridge/iot/source/broker"
)

type DeliveryTestSuite struct {
	IntegrationTestSuite
}

func TestDeliveryTestSuite(t *testing.T) {
	ts := &DeliveryTestSuite{}
	suite.Run(t, ts)
}

// runBridge starts an embedded broker for nodes feeding a pipeline with all
// container backed sinks. It returns the broker address and the pipeline.
func (s *DeliveryTestSuite) runBridge(ctx context.Context, topic string, nodes ...string) (string, *bridge.Pipeline, *postgres.Sink) {
	influxSink := influx.New(&influx.Builder{
		URL:    s.influxURL,
		Token:  influxToken,
		Org:    influxOrg,
		Bucket: influxBucket,
		Tags:   map[string]string{"location": "integration"},
	})
	s.T().Cleanup(func() { influxSink.Close() })
	postgresSink := postgres.New(&postgres.Builder{DB: s.db})
	kafkaSink := kafkasink.New(&kafkasink.Builder{Brokers: []string{s.kafkaAddr}, Topic: topic})
	s.T().Cleanup(func() { kafkaSink.Close() })

	metrics := bridge.NewMetrics(prometheus.NewRegistry())
	dispatcher := dispatch.New(&dispatch.Builder{StoreTimeout: 10 * time.Second, Observer: metrics})
	for _, sk := range []sink.Sink{influxSink, postgresSink, kafkaSink} {
		s.Require().NoError(dispatcher.Register(sk))
	}
	pipeline := bridge.New(&bridge.Builder{
		Router:     routing.New(measurement.DefaultSchema(measurement.Options{})),
		Dispatcher: dispatcher,
		Metrics:    metrics,
	})

	b, err := broker.New(&broker.Builder{Address: "127.0.0.1:0", Nodes: nodes})
	s.Require().NoError(err)
	supervisor := source.NewSupervisor(&source.Builder{
		Source:   b,
		Handler:  pipeline.Handle,
		Observer: metrics,
	})
	go supervisor.Run(ctx)
	s.Require().Eventually(func() bool {
		return supervisor.State() == source.Consuming && b.Addr() != nil
	}, 10*time.Second, 10*time.Millisecond)
	return b.Addr().String(), pipeline, postgresSink
}

func (s *DeliveryTestSuite) publisher(addr string) mqtt.Client {
	opts := mqtt.NewClientOptions().
		AddBroker("tcp://" + addr).
		SetClientID("publisher-" + uuid.New().String())
	c := mqtt.NewClient(opts)
	token := c.Connect()
	s.Require().True(token.WaitTimeout(5 * time.Second))
	s.Require().NoError(token.Error())
	s.T().Cleanup(func() { c.Disconnect(100) })
	return c
}

func (s *DeliveryTestSuite) publish(c mqtt.Client, topic, payload string) {
	token := c.Publish(topic, 1, false, payload)
	s.Require().True(token.WaitTimeout(5 * time.Second))
	s.Require().NoError(token.Error())
}

func (s *DeliveryTestSuite) TestDeliveryToAllSinks() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := "measurements." + uuid.New().String()
	s.Require().NoError(s.createTopic(topic, 1))
	defer s.deleteTopic(topic)

	addr, pipeline, postgresSink := s.runBridge(ctx, topic, "bedroom", "garage")
	c := s.publisher(addr)

	s.publish(c, "bedroom/fhz", "21.5")
	s.publish(c, "bedroom/LWT", "online")
	s.publish(c, "garage/nrg", "[230,231,229,0,5,5,5,1150,1155,1145,0,3450,0.98,0.97,0.99,0]")
	s.publish(c, "garage/isv", "not json")

	s.Require().Eventually(func() bool {
		stats := pipeline.Stats()
		return stats.Received == 4
	}, 20*time.Second, 50*time.Millisecond)
	stats := pipeline.Stats()
	s.Equal(int64(2), stats.Recorded)
	s.Equal(int64(1), stats.Ignored)
	s.Equal(int64(1), stats.Malformed)
	s.Equal(int64(0), stats.SinkFailures)

	// influx
	result, err := s.influxClient.QueryAPI(influxOrg).Query(ctx, fmt.Sprintf(
		`from(bucket:"%s") |> range(start: -1h) |> filter(fn: (r) => r._measurement == "fhz" and r.sensor_node == "bedroom")`,
		influxBucket))
	s.Require().NoError(err)
	var values []interface{}
	for result.Next() {
		values = append(values, result.Record().Value())
		s.Equal("integration", result.Record().ValueByKey("location"))
	}
	s.Require().NoError(result.Err())
	s.Equal([]interface{}{21.5}, values)

	// postgres
	fields, timestamp, err := postgresSink.ReadLatest(ctx, "garage", measurement.KindEnergyMeter)
	s.Require().NoError(err)
	s.False(timestamp.IsZero())
	s.Len(fields, 17)
	s.Equal(3.0, fields[measurement.PhaseCountField])

	// kafka
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{s.kafkaAddr},
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()
	var kinds []measurement.Kind
	for i := 0; i < 2; i++ {
		readCtx, readCancel := context.WithTimeout(ctx, 10*time.Second)
		msg, err := reader.ReadMessage(readCtx)
		readCancel()
		s.Require().NoError(err)
		var envelope sink.Envelope
		s.Require().NoError(json.Unmarshal(msg.Value, &envelope))
		s.Equal(envelope.Node, string(msg.Key))
		kinds = append(kinds, envelope.Kind)
	}
	s.Equal([]measurement.Kind{"fhz", measurement.KindEnergyMeter}, kinds)
}

func (s *DeliveryTestSuite) TestReceiptOrderIsKept() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := "measurements." + uuid.New().String()
	s.Require().NoError(s.createTopic(topic, 1))
	defer s.deleteTopic(topic)

	addr, pipeline, _ := s.runBridge(ctx, topic, "meter")
	c := s.publisher(addr)

	const count = 50
	for i := 0; i < count; i++ {
		s.publish(c, "meter/wh", fmt.Sprintf("%d", i))
	}
	s.Require().Eventually(func() bool {
		return pipeline.Stats().Recorded == count
	}, 60*time.Second, 100*time.Millisecond)

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   []string{s.kafkaAddr},
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()
	for i := 0; i < count; i++ {
		readCtx, readCancel := context.WithTimeout(ctx, 10*time.Second)
		msg, err := reader.ReadMessage(readCtx)
		readCancel()
		s.Require().NoError(err)
		var envelope sink.Envelope
		s.Require().NoError(json.Unmarshal(msg.Value, &envelope))
		s.Equal(float64(i), envelope.Fields["wh"], "message %d", i)
	}
}
