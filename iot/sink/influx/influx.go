// Package influx is the InfluxDB sink
package influx

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

// NodeTag is the tag which carries the sensor node of a point
const NodeTag = "sensor_node"

// Builder is a builder helper for the Sink
type Builder struct {
	// URL of the InfluxDB server, e.g. http://influxdb:8086. This is mandatory.
	URL string
	// Token is the API token, or "username:password" for 1.8 compatibility
	Token string
	// Org is the organization. Empty for 1.8 compatibility.
	Org string
	// Bucket is the bucket, or "database/retention-policy" for 1.8 compatibility. This is mandatory.
	Bucket string
	// Tags are added to every point
	Tags map[string]string
	// StringifyKinds are the kinds whose values are written as strings
	StringifyKinds []measurement.Kind
	// Timeout is the HTTP request timeout. Defaults to 10 seconds
	Timeout time.Duration
}

// Sink writes records as points to InfluxDB. The measurement of a point is
// the kind of the record, the sensor node is the tag NodeTag.
type Sink struct {
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	tags      map[string]string
	stringify map[measurement.Kind]bool
}

// V1Compat returns token and bucket for InfluxDB 1.8 compatibility
func V1Compat(username, password, database string) (token, bucket string) {
	return username + ":" + password, database + "/autogen"
}

// New returns a new InfluxDB sink. No connection is made until the first write.
func New(bb *Builder) *Sink {
	if len(bb.URL) == 0 {
		panic("URL is missing")
	}
	if len(bb.Bucket) == 0 {
		panic("bucket is missing")
	}
	timeout := bb.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	seconds := uint(timeout / time.Second)
	if seconds == 0 {
		seconds = 1
	}

	client := influxdb2.NewClientWithOptions(bb.URL, bb.Token,
		influxdb2.DefaultOptions().SetHTTPRequestTimeout(seconds))

	tags := make(map[string]string, len(bb.Tags))
	for k, v := range bb.Tags {
		tags[k] = v
	}
	stringify := make(map[measurement.Kind]bool, len(bb.StringifyKinds))
	for _, kind := range bb.StringifyKinds {
		stringify[kind] = true
	}

	logger.Default().Infof("influx sink writes to %s bucket %s", bb.URL, bb.Bucket)
	return &Sink{
		client:    client,
		writeAPI:  client.WriteAPIBlocking(bb.Org, bb.Bucket),
		tags:      tags,
		stringify: stringify,
	}
}

// Name implements sink.Sink
func (s *Sink) Name() string { return "influx" }

// Point returns the point for a record
func (s *Sink) Point(node string, kind measurement.Kind, fields measurement.Fields, ts time.Time) *write.Point {
	tags := make(map[string]string, len(s.tags)+1)
	for k, v := range s.tags {
		tags[k] = v
	}
	tags[NodeTag] = node

	values := make(map[string]interface{}, len(fields))
	for name, value := range fields {
		if s.stringify[kind] {
			values[name] = strconv.FormatFloat(value, 'f', -1, 64)
		} else {
			values[name] = value
		}
	}
	return influxdb2.NewPoint(string(kind), tags, values, ts)
}

// Store implements sink.Sink
func (s *Sink) Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error {
	point := s.Point(node, kind, fields, sink.Timestamp(ctx, time.Now))
	logger.FromContext(ctx).Debugf("writing InfluxDB point %s for %s", kind, node)
	if err := s.writeAPI.WritePoint(ctx, point); err != nil {
		return classify(err)
	}
	return nil
}

// Close implements io.Closer
func (s *Sink) Close() error {
	s.client.Close()
	return nil
}

// classify treats transport errors, server errors and throttling as
// transient, every other rejected write as permanent.
func classify(err error) error {
	var herr *ihttp.Error
	if errors.As(err, &herr) {
		switch {
		case herr.StatusCode == 0,
			herr.StatusCode >= http.StatusInternalServerError,
			herr.StatusCode == http.StatusTooManyRequests:
			return sink.NewTransient("influx", err)
		default:
			return sink.NewPermanent("influx", err)
		}
	}
	return sink.NewTransient("influx", err)
}
