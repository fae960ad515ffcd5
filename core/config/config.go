/*Package config provides the configuration of the sensor bridge

The configuration is read once at startup. Environment variables with the
prefix SENSORBRIDGE_ provide the defaults, command line flags override them.
Repeatable values are separated by semicolons in the environment, for
example SENSORBRIDGE_NODE_NAMES="bedroom;garage".
*/
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/spf13/pflag"
)

// Config is the configuration of the sensor bridge
type Config struct {
	MQTTHost     string `env:"SENSORBRIDGE_MQTT_HOST" description:"host of the MQTT broker"`
	MQTTPort     int    `env:"SENSORBRIDGE_MQTT_PORT" description:"port of the MQTT broker"`
	MQTTClientID string `env:"SENSORBRIDGE_MQTT_CLIENT_ID" description:"MQTT client id"`
	MQTTQoS      int    `env:"SENSORBRIDGE_MQTT_QOS" description:"QoS of the node subscriptions"`

	EmbeddedBroker string `env:"SENSORBRIDGE_EMBEDDED_BROKER" description:"listen address of the embedded broker"`
	BrokerCert     string `env:"SENSORBRIDGE_BROKER_CERT" description:"server certificate of the embedded broker"`
	BrokerKey      string `env:"SENSORBRIDGE_BROKER_KEY" description:"server key of the embedded broker"`
	BrokerCA       string `env:"SENSORBRIDGE_BROKER_CA" description:"CA of the client certificates"`

	InfluxHost     string   `env:"SENSORBRIDGE_INFLUX_HOST" description:"host of the InfluxDB server"`
	InfluxPort     int      `env:"SENSORBRIDGE_INFLUX_PORT" description:"port of the InfluxDB server"`
	InfluxUser     string   `env:"SENSORBRIDGE_INFLUX_USER" description:"InfluxDB user"`
	InfluxPassFile string   `env:"SENSORBRIDGE_INFLUX_PASS_FILE" description:"file containing the InfluxDB password"`
	InfluxDB       string   `env:"SENSORBRIDGE_INFLUX_DB" description:"InfluxDB database or bucket"`
	InfluxOrg      string   `env:"SENSORBRIDGE_INFLUX_ORG" description:"InfluxDB 2 organization"`
	InfluxTags     []string `env:"SENSORBRIDGE_INFLUX_TAGS" description:"static tags key=value"`

	NodeNames      []string `env:"SENSORBRIDGE_NODE_NAMES" description:"sensor nodes to subscribe to"`
	StringifyKinds []string `env:"SENSORBRIDGE_STRINGIFY_VALUES_FOR_MEASUREMENTS" description:"kinds whose values are written as strings"`

	Postgres          string   `env:"SENSORBRIDGE_POSTGRES" description:"connection string of the postgres sink"`
	PostgresSchema    string   `env:"SENSORBRIDGE_POSTGRES_SCHEMA" description:"schema of the postgres sink"`
	KafkaBrokers      []string `env:"SENSORBRIDGE_KAFKA_BROKERS" description:"brokers of the kafka sink"`
	KafkaTopic        string   `env:"SENSORBRIDGE_KAFKA_TOPIC" description:"topic of the kafka sink"`
	NATSURL           string   `env:"SENSORBRIDGE_NATS_URL" description:"server of the NATS sink"`
	NATSSubjectPrefix string   `env:"SENSORBRIDGE_NATS_SUBJECT_PREFIX" description:"subject prefix of the NATS sink"`
	SQSQueueURL       string   `env:"SENSORBRIDGE_SQS_QUEUE_URL" description:"queue of the SQS sink"`
	AWSRegion         string   `env:"SENSORBRIDGE_AWS_REGION" description:"AWS region of the SQS sink"`

	PhaseThreshold  float64       `env:"SENSORBRIDGE_PHASE_THRESHOLD" description:"power in watts above which a phase is active"`
	ConcurrentSinks bool          `env:"SENSORBRIDGE_CONCURRENT_SINKS" description:"deliver to all sinks concurrently"`
	SinkTimeout     time.Duration `env:"SENSORBRIDGE_SINK_TIMEOUT" description:"timeout of a single sink write"`
	ReconnectDelay  time.Duration `env:"SENSORBRIDGE_RECONNECT_DELAY" description:"delay before reconnecting the source"`
	StatusAddr      string        `env:"SENSORBRIDGE_STATUS_ADDR" description:"listen address of the status api"`
	Verbose         bool          `env:"SENSORBRIDGE_VERBOSE" description:"debug logging"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		MQTTPort:       1883,
		InfluxPort:     8086,
		PhaseThreshold: 500,
		SinkTimeout:    10 * time.Second,
	}
}

// FromEnvironment returns the defaults overridden by the environment
func FromEnvironment() (*Config, error) {
	cfg := Default()
	if err := envdecode.Decode(cfg); err != nil && err != envdecode.ErrNoTargetFieldsAreSet {
		return nil, err
	}
	return cfg, nil
}

// AddFlags adds the command line flags to flagSet. The current values of c
// are the flag defaults.
func (c *Config) AddFlags(flagSet *pflag.FlagSet) {
	flagSet.StringVar(&c.MQTTHost, "mqtt-host", c.MQTTHost, "host of the MQTT broker")
	flagSet.IntVar(&c.MQTTPort, "mqtt-port", c.MQTTPort, "port of the MQTT broker")
	flagSet.StringVar(&c.MQTTClientID, "mqtt-client-id", c.MQTTClientID, "MQTT client id (default sensorbridge-<uuid>)")
	flagSet.IntVar(&c.MQTTQoS, "mqtt-qos", c.MQTTQoS, "QoS of the node subscriptions (0, 1 or 2)")

	flagSet.StringVar(&c.EmbeddedBroker, "embedded-broker", c.EmbeddedBroker, "run an embedded broker on this address instead of connecting to --mqtt-host")
	flagSet.StringVar(&c.BrokerCert, "broker-cert", c.BrokerCert, "server certificate of the embedded broker")
	flagSet.StringVar(&c.BrokerKey, "broker-key", c.BrokerKey, "server key of the embedded broker")
	flagSet.StringVar(&c.BrokerCA, "broker-ca", c.BrokerCA, "CA of the client certificates, enables mutual TLS")

	flagSet.StringVar(&c.InfluxHost, "influx-host", c.InfluxHost, "host of the InfluxDB server")
	flagSet.IntVar(&c.InfluxPort, "influx-port", c.InfluxPort, "port of the InfluxDB server")
	flagSet.StringVar(&c.InfluxUser, "influx-user", c.InfluxUser, "InfluxDB user")
	flagSet.StringVar(&c.InfluxPassFile, "influx-pass-file", c.InfluxPassFile, "file containing the InfluxDB password")
	flagSet.StringVar(&c.InfluxDB, "influx-db", c.InfluxDB, "InfluxDB database, or bucket with --influx-org")
	flagSet.StringVar(&c.InfluxOrg, "influx-org", c.InfluxOrg, "InfluxDB 2 organization, empty for 1.8 compatibility")
	flagSet.StringArrayVar(&c.InfluxTags, "influx-tag", c.InfluxTags, "static tag key=value added to every point (repeatable)")

	flagSet.StringArrayVar(&c.NodeNames, "node-name", c.NodeNames, "sensor node to subscribe to (repeatable)")
	flagSet.StringArrayVar(&c.StringifyKinds, "stringify-values-for-measurements", c.StringifyKinds, "measurement kind whose values are written as strings (repeatable)")

	flagSet.StringVar(&c.Postgres, "postgres", c.Postgres, "connection string, enables the postgres sink")
	flagSet.StringVar(&c.PostgresSchema, "postgres-schema", c.PostgresSchema, "schema of the postgres sink (default public)")
	flagSet.StringSliceVar(&c.KafkaBrokers, "kafka-brokers", c.KafkaBrokers, "comma separated brokers, enables the kafka sink")
	flagSet.StringVar(&c.KafkaTopic, "kafka-topic", c.KafkaTopic, "topic of the kafka sink")
	flagSet.StringVar(&c.NATSURL, "nats-url", c.NATSURL, "server url, enables the NATS sink")
	flagSet.StringVar(&c.NATSSubjectPrefix, "nats-subject-prefix", c.NATSSubjectPrefix, "subject prefix of the NATS sink")
	flagSet.StringVar(&c.SQSQueueURL, "sqs-queue-url", c.SQSQueueURL, "queue url, enables the SQS sink")
	flagSet.StringVar(&c.AWSRegion, "aws-region", c.AWSRegion, "AWS region of the SQS sink")

	flagSet.Float64Var(&c.PhaseThreshold, "phase-threshold", c.PhaseThreshold, "power in watts above which an energy meter phase counts as active")
	flagSet.BoolVar(&c.ConcurrentSinks, "concurrent-sinks", c.ConcurrentSinks, "deliver records to all sinks concurrently")
	flagSet.DurationVar(&c.SinkTimeout, "sink-timeout", c.SinkTimeout, "timeout of a single sink write, 0 for none")
	flagSet.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay, "delay before the source reconnects")
	flagSet.StringVar(&c.StatusAddr, "status-addr", c.StatusAddr, "listen address of the status api, empty to disable")
	flagSet.BoolVarP(&c.Verbose, "verbose", "v", c.Verbose, "debug logging")
}

// Parse returns the configuration from the environment and the command line
// arguments. It returns pflag.ErrHelp if help was requested.
func Parse(name string, args []string) (*Config, *pflag.FlagSet, error) {
	cfg, err := FromEnvironment()
	if err != nil {
		return nil, nil, err
	}
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	cfg.AddFlags(flagSet)
	if err := flagSet.Parse(args); err != nil {
		return nil, flagSet, err
	}
	if flagSet.NArg() > 0 {
		return nil, flagSet, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}
	return cfg, flagSet, nil
}

// ValidationError lists all problems of a configuration
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks the configuration and reports all problems at once
func (c *Config) Validate() error {
	var problems []string
	missing := func(flag string) {
		problems = append(problems, "--"+flag+" is required")
	}

	if len(c.EmbeddedBroker) == 0 {
		if len(c.MQTTHost) == 0 {
			missing("mqtt-host")
		}
		if c.MQTTPort <= 0 || c.MQTTPort > 65535 {
			problems = append(problems, "--mqtt-port must be between 1 and 65535")
		}
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		problems = append(problems, "--mqtt-qos must be 0, 1 or 2")
	}
	if (len(c.BrokerCert) == 0) != (len(c.BrokerKey) == 0) {
		problems = append(problems, "--broker-cert and --broker-key must be given together")
	}
	if len(c.BrokerCA) > 0 && len(c.BrokerCert) == 0 {
		problems = append(problems, "--broker-ca requires --broker-cert and --broker-key")
	}

	if len(c.InfluxHost) == 0 {
		missing("influx-host")
	}
	if c.InfluxPort <= 0 || c.InfluxPort > 65535 {
		problems = append(problems, "--influx-port must be between 1 and 65535")
	}
	if len(c.InfluxUser) == 0 {
		missing("influx-user")
	}
	if len(c.InfluxPassFile) == 0 {
		missing("influx-pass-file")
	}
	if len(c.InfluxDB) == 0 {
		missing("influx-db")
	}
	if _, err := c.Tags(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(c.NodeNames) == 0 {
		missing("node-name")
	}
	for _, node := range c.NodeNames {
		if len(node) == 0 || strings.ContainsAny(node, "#+") {
			problems = append(problems, fmt.Sprintf("invalid --node-name %q", node))
		}
	}

	if len(c.KafkaBrokers) > 0 && len(c.KafkaTopic) == 0 {
		problems = append(problems, "--kafka-topic is required with --kafka-brokers")
	}
	if c.PhaseThreshold < 0 {
		problems = append(problems, "--phase-threshold must not be negative")
	}
	if c.SinkTimeout < 0 || c.ReconnectDelay < 0 {
		problems = append(problems, "durations must not be negative")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Tags returns the static influx tags
func (c *Config) Tags() (map[string]string, error) {
	tags := make(map[string]string, len(c.InfluxTags))
	for _, tag := range c.InfluxTags {
		key, value, ok := strings.Cut(tag, "=")
		if !ok || len(key) == 0 || len(value) == 0 {
			return nil, fmt.Errorf("invalid --influx-tag %q, expected key=value", tag)
		}
		tags[key] = value
	}
	return tags, nil
}

// InfluxURL returns the URL of the InfluxDB server
func (c *Config) InfluxURL() string {
	return "http://" + net.JoinHostPort(c.InfluxHost, strconv.Itoa(c.InfluxPort))
}

// InfluxPassword reads the InfluxDB password from the pass file. Surrounding
// whitespace is removed.
func (c *Config) InfluxPassword() (string, error) {
	body, err := os.ReadFile(c.InfluxPassFile)
	if err != nil {
		return "", fmt.Errorf("cannot read influx password: %w", err)
	}
	password := strings.TrimSpace(string(body))
	if len(password) == 0 {
		return "", errors.New("influx password file is empty")
	}
	return password, nil
}
