package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/sensorbridge/core/config"
	"github.com/relabs-tech/sensorbridge/core/csql"
	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/api"
	"github.com/relabs-tech/sensorbridge/iot/bridge"
	"github.com/relabs-tech/sensorbridge/iot/dispatch"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/routing"
	"github.com/relabs-tech/sensorbridge/iot/sink"
	"github.com/relabs-tech/sensorbridge/iot/sink/influx"
	"github.com/relabs-tech/sensorbridge/iot/sink/kafka"
	"github.com/relabs-tech/sensorbridge/iot/sink/natsink"
	"github.com/relabs-tech/sensorbridge/iot/sink/postgres"
	"github.com/relabs-tech/sensorbridge/iot/sink/sqs"
	"github.com/relabs-tech/sensorbridge/iot/source"
	"github.com/relabs-tech/sensorbridge/iot/source/broker"
	"github.com/relabs-tech/sensorbridge/iot/source/mqttclient"
)

func main() {
	cfg, flagSet, err := config.Parse("sensorbridge", os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if flagSet != nil {
			flagSet.PrintDefaults()
		}
		os.Exit(2)
	}

	logger.InitLogger(logger.LevelFor(cfg.Verbose))
	rlog := logger.Default()
	if err := cfg.Validate(); err != nil {
		rlog.Fatalln(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		rlog.Fatalln(err)
	}
	rlog.Infoln("sensorbridge stopped")
}

// run wires the bridge and blocks until ctx is done
func run(ctx context.Context, cfg *config.Config) error {
	rlog := logger.FromContext(ctx)

	schema := measurement.DefaultSchema(measurement.Options{PhaseThreshold: cfg.PhaseThreshold})
	metrics := bridge.NewMetrics(prometheus.DefaultRegisterer)

	// the status listener is bound up front, so a bad address fails the start
	// and not the running bridge
	var statusListener net.Listener
	if len(cfg.StatusAddr) > 0 {
		var err error
		statusListener, err = net.Listen("tcp", cfg.StatusAddr)
		if err != nil {
			return fmt.Errorf("status api: %w", err)
		}
		defer statusListener.Close()
	}

	dispatcher := dispatch.New(&dispatch.Builder{
		Concurrent:   cfg.ConcurrentSinks,
		StoreTimeout: cfg.SinkTimeout,
		Observer:     metrics,
	})
	sinks, closeSinks, err := buildSinks(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeSinks()
	for _, s := range sinks {
		if err := dispatcher.Register(s); err != nil {
			return err
		}
	}

	pipeline := bridge.New(&bridge.Builder{
		Router:     routing.New(schema),
		Dispatcher: dispatcher,
		Metrics:    metrics,
	})

	src, err := buildSource(cfg)
	if err != nil {
		return err
	}
	supervisor := source.NewSupervisor(&source.Builder{
		Source:   src,
		Handler:  pipeline.Handle,
		BackOff:  newBackOff(cfg),
		Observer: metrics,
	})

	names := make([]string, 0, len(sinks))
	for _, s := range sinks {
		names = append(names, s.Name())
	}
	rlog.Infof("sensorbridge starting: source %s, nodes %v, sinks %v, %d measurement kinds",
		src.Name(), cfg.NodeNames, names, len(schema.Kinds()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(supervisor.Run(ctx))
	})
	if statusListener != nil {
		router := mux.NewRouter()
		api.New(&api.Builder{
			Router:     router,
			Pipeline:   pipeline,
			Supervisor: supervisor,
			Gatherer:   prometheus.DefaultGatherer,
		})
		g.Go(func() error {
			serveStatus(ctx, statusListener, router)
			return nil
		})
	}
	err = g.Wait()
	rlog.Infoln("final statistics:", pipeline.Stats())
	return err
}

// serveStatus serves the status api until ctx is done. A failing status api
// is logged, the supervisor keeps running.
func serveStatus(ctx context.Context, listener net.Listener, router *mux.Router) {
	if err := api.Serve(ctx, listener, router); err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("status api stopped")
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// newBackOff returns the delay between two source cycles
func newBackOff(cfg *config.Config) backoff.BackOff {
	if cfg.ReconnectDelay <= 0 {
		return &backoff.ZeroBackOff{}
	}
	return backoff.NewConstantBackOff(cfg.ReconnectDelay)
}

// buildSource returns the embedded broker if configured, the MQTT client otherwise
func buildSource(cfg *config.Config) (source.Source, error) {
	if len(cfg.EmbeddedBroker) > 0 {
		return broker.New(&broker.Builder{
			Address:    cfg.EmbeddedBroker,
			Nodes:      cfg.NodeNames,
			CACertFile: cfg.BrokerCA,
			CertFile:   cfg.BrokerCert,
			KeyFile:    cfg.BrokerKey,
		})
	}
	return mqttclient.New(&mqttclient.Builder{
		Host:     cfg.MQTTHost,
		Port:     cfg.MQTTPort,
		Nodes:    cfg.NodeNames,
		ClientID: cfg.MQTTClientID,
		QoS:      byte(cfg.MQTTQoS),
	}), nil
}

// buildSinks returns the influx sink followed by the optional sinks in a
// fixed order. The returned function closes all sink connections.
func buildSinks(ctx context.Context, cfg *config.Config) ([]sink.Sink, func(), error) {
	var (
		sinks   []sink.Sink
		closers []func()
	)
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) ([]sink.Sink, func(), error) {
		closeAll()
		return nil, func() {}, err
	}

	password, err := cfg.InfluxPassword()
	if err != nil {
		return fail(err)
	}
	tags, err := cfg.Tags()
	if err != nil {
		return fail(err)
	}
	token, bucket := influx.V1Compat(cfg.InfluxUser, password, cfg.InfluxDB)
	if len(cfg.InfluxOrg) > 0 {
		token, bucket = password, cfg.InfluxDB
	}
	stringify := make([]measurement.Kind, 0, len(cfg.StringifyKinds))
	for _, kind := range cfg.StringifyKinds {
		stringify = append(stringify, measurement.Kind(kind))
	}
	influxSink := influx.New(&influx.Builder{
		URL:            cfg.InfluxURL(),
		Token:          token,
		Org:            cfg.InfluxOrg,
		Bucket:         bucket,
		Tags:           tags,
		StringifyKinds: stringify,
		Timeout:        cfg.SinkTimeout,
	})
	sinks = append(sinks, influxSink)
	closers = append(closers, func() { influxSink.Close() })

	if len(cfg.Postgres) > 0 {
		db, err := csql.Open(cfg.Postgres, cfg.PostgresSchema)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, postgres.New(&postgres.Builder{DB: db}))
		closers = append(closers, func() { db.Close() })
	}

	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink := kafka.New(&kafka.Builder{
			Brokers:      cfg.KafkaBrokers,
			Topic:        cfg.KafkaTopic,
			WriteTimeout: cfg.SinkTimeout,
		})
		sinks = append(sinks, kafkaSink)
		closers = append(closers, func() { kafkaSink.Close() })
	}

	if len(cfg.NATSURL) > 0 {
		natsSink, err := natsink.New(&natsink.Builder{
			URL:           cfg.NATSURL,
			SubjectPrefix: cfg.NATSSubjectPrefix,
			Name:          "sensorbridge",
		})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, natsSink)
		closers = append(closers, natsSink.Close)
	}

	if len(cfg.SQSQueueURL) > 0 {
		sqsSink, err := sqs.New(ctx, &sqs.Builder{
			QueueURL: cfg.SQSQueueURL,
			Region:   cfg.AWSRegion,
		})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, sqsSink)
	}

	return sinks, closeAll, nil
}
