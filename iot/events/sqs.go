package events

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"github.com/relabs-tech/devicecloud/core/logger"
)

// SQSAPI is the part of the SQS client the sink uses
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSSink publishes events as JSON messages to an SQS queue
type SQSSink struct {
	client   SQSAPI
	queueURL string
}

// SQSConfiguration configures an SQSSink
type SQSConfiguration struct {
	QueueURL  string
	AWSRegion string
	// AccessID and AccessKey are optional static credentials. Without them the default
	// credential chain is used.
	AccessID  string
	AccessKey string
}

// NewSQSSink returns a new SQSSink talking to AWS
func NewSQSSink(ctx context.Context, c SQSConfiguration) (*SQSSink, error) {
	if c.QueueURL == "" {
		return nil, fmt.Errorf("QueueURL must not be empty")
	}
	opts := []func(*config.LoadOptions) error{config.WithRegion(c.AWSRegion)}
	if c.AccessID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(c.AccessID, c.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("SQS event sink enabled")
	return NewSQSSinkWithClient(sqs.NewFromConfig(cfg), c.QueueURL), nil
}

// NewSQSSinkWithClient returns a new SQSSink using client
func NewSQSSinkWithClient(client SQSAPI, queueURL string) *SQSSink {
	return &SQSSink{client: client, queueURL: queueURL}
}

// Publish implements Sink
func (s *SQSSink) Publish(ctx context.Context, events ...Event) error {
	for _, e := range events {
		body, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("cannot marshal event %s: %w", e.ID, err)
		}
		_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(s.queueURL),
			MessageBody: aws.String(string(body)),
			MessageAttributes: map[string]types.MessageAttributeValue{
				"type": {DataType: aws.String("String"), StringValue: aws.String(string(e.Type))},
			},
		})
		if err != nil {
			return fmt.Errorf("cannot send event %s to sqs: %w", e.ID, err)
		}
	}
	return nil
}
