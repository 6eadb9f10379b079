package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// ErrNoQueueURL is returned when SQS dispatch is selected without a queue.
var ErrNoQueueURL = errors.New("SQS_QUEUE_URL is required")

type sqsSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSClient publishes job messages to one SQS queue. FIFO queues get the job
// id as both group and deduplication id, so a retried Send is collapsed.
type SQSClient struct {
	client   sqsSender
	queueURL string
	fifo     bool
}

// NewSQSClient loads the default AWS credential chain. An empty region falls
// back to AWS_REGION and the shared config.
func NewSQSClient(ctx context.Context, queueURL, region string) (*SQSClient, error) {
	queueURL = strings.TrimSpace(queueURL)
	if queueURL == "" {
		return nil, ErrNoQueueURL
	}

	var opts []func(*awsconfig.LoadOptions) error
	if region = strings.TrimSpace(region); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSQSClient(sqs.NewFromConfig(cfg), queueURL), nil
}

func newSQSClient(sender sqsSender, queueURL string) *SQSClient {
	return &SQSClient{
		client:   sender,
		queueURL: queueURL,
		fifo:     strings.HasSuffix(queueURL, ".fifo"),
	}
}

func (s *SQSClient) Send(ctx context.Context, msg Message) error {
	if strings.TrimSpace(msg.JobID) == "" {
		return errors.New("queue message has no job id")
	}
	body, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode sqs message: %w", err)
	}

	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(s.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes(msg),
	}
	if s.fifo {
		in.MessageGroupId = aws.String(msg.JobID)
		in.MessageDeduplicationId = aws.String(msg.JobID)
	}
	if _, err := s.client.SendMessage(ctx, in); err != nil {
		return fmt.Errorf("sqs send message for job %s: %w", msg.JobID, err)
	}
	return nil
}

// attributes mirror body fields so queue tooling can filter without parsing.
func attributes(msg Message) map[string]sqstypes.MessageAttributeValue {
	attrs := map[string]sqstypes.MessageAttributeValue{
		"jobId":   attr("String", msg.JobID),
		"version": attr("Number", strconv.Itoa(msg.Version)),
	}
	if msg.RequestID != "" {
		attrs["requestId"] = attr("String", msg.RequestID)
	}
	return attrs
}

func attr(dataType, value string) sqstypes.MessageAttributeValue {
	return sqstypes.MessageAttributeValue{DataType: aws.String(dataType), StringValue: aws.String(value)}
}

var _ Client = (*SQSClient)(nil)
