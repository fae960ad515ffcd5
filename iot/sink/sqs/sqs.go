// Package sqs is the AWS SQS sink. Every record is sent as one message whose
// body is the JSON envelope. Node and kind are also carried as message
// attributes, so that consumers can filter without decoding the body.
package sqs

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/relabs-tech/sensorbridge/core/logger"
	"github.com/relabs-tech/sensorbridge/iot/measurement"
	"github.com/relabs-tech/sensorbridge/iot/sink"
)

const sinkName = "sqs"

// Builder is a builder helper for the Sink
type Builder struct {
	// QueueURL is the URL of the destination queue. This is mandatory.
	QueueURL string
	// Region is the AWS region
	Region string
	// AccessID and AccessKey are optional static credentials. Without them the
	// default credential chain is used.
	AccessID  string
	AccessKey string
	// Now returns the timestamp of a record. Defaults to time.Now
	Now func() time.Time
}

type sender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Sink sends records to an SQS queue
type Sink struct {
	client   sender
	queueURL string
	fifo     bool
	now      func() time.Time
}

// New returns a new SQS sink
func New(ctx context.Context, bb *Builder) (*Sink, error) {
	if len(bb.QueueURL) == 0 {
		panic("QueueURL is missing")
	}
	opts := []func(*config.LoadOptions) error{}
	if len(bb.Region) > 0 {
		opts = append(opts, config.WithRegion(bb.Region))
	}
	if len(bb.AccessID) > 0 {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(bb.AccessID, bb.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debugln("SQS sink enabled for", bb.QueueURL)
	return newWithSender(sqs.NewFromConfig(cfg), bb.QueueURL, bb.Now), nil
}

func newWithSender(client sender, queueURL string, now func() time.Time) *Sink {
	if now == nil {
		now = time.Now
	}
	return &Sink{
		client:   client,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
		now:      now,
	}
}

// Name implements sink.Sink
func (s *Sink) Name() string {
	return sinkName
}

// Input returns the SendMessage input of a record. FIFO queues group
// messages by node.
func (s *Sink) Input(node string, kind measurement.Kind, fields measurement.Fields) (*sqs.SendMessageInput, error) {
	body, err := sink.Encode(node, kind, fields, sink.Timestamp(ctx, s.now))
	if err != nil {
		return nil, err
	}
	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"node": {DataType: aws.String("String"), StringValue: aws.String(node)},
			"kind": {DataType: aws.String("String"), StringValue: aws.String(string(kind))},
		},
	}
	if s.fifo {
		input.MessageGroupId = aws.String(node)
		input.MessageDeduplicationId = aws.String(uuid.New().String())
	}
	return input, nil
}

// Store implements sink.Sink
func (s *Sink) Store(ctx context.Context, node string, kind measurement.Kind, fields measurement.Fields) error {
	input, err := s.Input(node, kind, fields)
	if err != nil {
		return sink.NewPermanent(sinkName, err)
	}
	out, err := s.client.SendMessage(ctx, input)
	if err != nil {
		return classify(err)
	}
	logger.FromContext(ctx).Debugln("sqs message", aws.ToString(out.MessageId))
	return nil
}

// classify treats server faults and throttling as transient. Any other API
// error is a client fault and permanent, errors without API response are
// transport problems and transient.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorFault() == smithy.FaultServer || strings.Contains(apiErr.ErrorCode(), "Throttl") {
			return sink.NewTransient(sinkName, err)
		}
		return sink.NewPermanent(sinkName, err)
	}
	return sink.NewTransient(sinkName, err)
}
