package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relabs-tech/sensorbridge/core/config"
	"github.com/relabs-tech/sensorbridge/iot/source/broker"
	"github.com/relabs-tech/sensorbridge/iot/source/mqttclient"
)

func testConfig(t *testing.T) *config.Config {
	file := filepath.Join(t.TempDir(), "pass")
	require.NoError(t, os.WriteFile(file, []byte("secret\n"), 0o600))

	cfg := config.Default()
	cfg.MQTTHost = "localhost"
	cfg.InfluxHost = "localhost"
	cfg.InfluxUser = "bridge"
	cfg.InfluxPassFile = file
	cfg.InfluxDB = "sensors"
	cfg.NodeNames = []string{"bedroom", "garage"}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildSinks(t *testing.T) {
	cfg := testConfig(t)
	cfg.KafkaBrokers = []string{"localhost:9092"}
	cfg.KafkaTopic = "measurements"
	cfg.SQSQueueURL = "https://sqs.eu-central-1.amazonaws.com/123/measurements"
	cfg.AWSRegion = "eu-central-1"
	t.Setenv("AWS_ACCESS_KEY_ID", "id")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "key")

	sinks, closeSinks, err := buildSinks(context.Background(), cfg)
	require.NoError(t, err)
	defer closeSinks()

	var names []string
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	assert.Equal(t, []string{"influx", "kafka", "sqs"}, names)
}

func TestBuildSinks_MissingPassword(t *testing.T) {
	cfg := testConfig(t)
	cfg.InfluxPassFile = filepath.Join(t.TempDir(), "missing")

	_, closeSinks, err := buildSinks(context.Background(), cfg)
	assert.Error(t, err)
	closeSinks()
}

func TestBuildSource(t *testing.T) {
	cfg := testConfig(t)

	src, err := buildSource(cfg)
	require.NoError(t, err)
	assert.IsType(t, &mqttclient.Source{}, src)

	cfg.EmbeddedBroker = "127.0.0.1:0"
	src, err = buildSource(cfg)
	require.NoError(t, err)
	assert.IsType(t, &broker.Broker{}, src)
}

func TestNewBackOff(t *testing.T) {
	cfg := testConfig(t)
	assert.Equal(t, time.Duration(0), newBackOff(cfg).NextBackOff())

	cfg.ReconnectDelay = 2 * time.Second
	b := newBackOff(cfg)
	assert.IsType(t, &backoff.ConstantBackOff{}, b)
	assert.Equal(t, 2*time.Second, b.NextBackOff())
}

func TestRun_StatusAddressInUse(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig(t)
	cfg.StatusAddr = occupied.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = run(ctx, cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status api")
}

func TestServeStatus_FailureDoesNotStopTheBridge(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	listener.Close()

	done := make(chan struct{})
	go func() {
		serveStatus(context.Background(), listener, mux.NewRouter())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("serveStatus did not return for a closed listener")
	}
}
