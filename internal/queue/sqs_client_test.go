package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

type fakeSender struct {
	inputs []*sqs.SendMessageInput
	err    error
}

func (f *fakeSender) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func TestSQSSendStandardQueue(t *testing.T) {
	fake := &fakeSender{}
	client := newSQSClient(fake, "https://sqs.example/jobs")

	if err := client.Send(context.Background(), NewMessage("job-1", "req-1", time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(fake.inputs) != 1 {
		t.Fatalf("expected 1 send, got %d", len(fake.inputs))
	}
	in := fake.inputs[0]
	if aws.ToString(in.QueueUrl) != "https://sqs.example/jobs" {
		t.Fatalf("unexpected queue url %q", aws.ToString(in.QueueUrl))
	}
	if in.MessageGroupId != nil || in.MessageDeduplicationId != nil {
		t.Fatalf("standard queue must not set FIFO fields")
	}
	msg, err := DecodeMessage([]byte(aws.ToString(in.MessageBody)))
	if err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if msg.JobID != "job-1" || msg.RequestID != "req-1" {
		t.Fatalf("unexpected message %+v", msg)
	}
	if got := aws.ToString(in.MessageAttributes["jobId"].StringValue); got != "job-1" {
		t.Fatalf("unexpected jobId attribute %q", got)
	}
	if got := aws.ToString(in.MessageAttributes["requestId"].StringValue); got != "req-1" {
		t.Fatalf("unexpected requestId attribute %q", got)
	}
}

func TestSQSSendFIFOQueueDedupesByJob(t *testing.T) {
	fake := &fakeSender{}
	client := newSQSClient(fake, "https://sqs.example/jobs.fifo")

	if err := client.Send(context.Background(), NewMessage("job-9", "", time.Now())); err != nil {
		t.Fatalf("send: %v", err)
	}
	in := fake.inputs[0]
	if aws.ToString(in.MessageGroupId) != "job-9" || aws.ToString(in.MessageDeduplicationId) != "job-9" {
		t.Fatalf("expected FIFO ids set to job id, got %v %v", in.MessageGroupId, in.MessageDeduplicationId)
	}
	if _, ok := in.MessageAttributes["requestId"]; ok {
		t.Fatalf("empty request id should not become an attribute")
	}
}

func TestSQSSendErrors(t *testing.T) {
	boom := errors.New("throttled")
	client := newSQSClient(&fakeSender{err: boom}, "q")

	if err := client.Send(context.Background(), NewMessage("job-1", "", time.Now())); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}

	fake := &fakeSender{}
	client = newSQSClient(fake, "q")
	if err := client.Send(context.Background(), Message{}); err == nil {
		t.Fatalf("expected error for message without job id")
	}
	if len(fake.inputs) != 0 {
		t.Fatalf("nothing should be sent for an empty job id")
	}
}

func TestNewSQSClientRequiresURL(t *testing.T) {
	if _, err := NewSQSClient(context.Background(), "  ", "us-east-1"); !errors.Is(err, ErrNoQueueURL) {
		t.Fatalf("expected ErrNoQueueURL, got %v", err)
	}
}
