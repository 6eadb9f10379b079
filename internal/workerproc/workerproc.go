// Package workerproc is the queue-agnostic half of a job worker: it turns one
// delivered message body into a processing call and decides whether the
// delivery is finished or must be retried. cmd/worker and cmd/lambda-worker
// only move messages.
package workerproc

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"hallucheck-backend/internal/jobs"
	"hallucheck-backend/internal/queue"
	"hallucheck-backend/internal/shared/metrics"
	"hallucheck-backend/internal/shared/telemetry"
)

// Processor runs a job from its archived conversation.
type Processor interface {
	ProcessStored(ctx context.Context, jobID string) error
}

// Reasons a body cannot be turned into a job message.
var (
	ErrEmptyBody   = errors.New("empty message body")
	ErrUndecodable = errors.New("undecodable message body")
	ErrNoJobID     = errors.New("message has no job id")
)

// ParseError reports an unusable body. Retrying it cannot help.
type ParseError struct {
	Reason    error
	Cause     error
	BodyLen   int
	BodySHA   string
	RequestID string
}

func (e *ParseError) Error() string {
	if e.Cause == nil {
		return e.Reason.Error()
	}
	return fmt.Sprintf("%v: %v", e.Reason, e.Cause)
}

func (e *ParseError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Reason}
	}
	return []error{e.Reason, e.Cause}
}

// ParseMessage decodes body into a message naming a job.
func ParseMessage(body string) (queue.Message, error) {
	perr := &ParseError{BodyLen: len(body)}
	if body != "" {
		sum := sha256.Sum256([]byte(body))
		perr.BodySHA = hex.EncodeToString(sum[:])
	}

	if strings.TrimSpace(body) == "" {
		perr.Reason = ErrEmptyBody
		return queue.Message{}, perr
	}
	msg, err := queue.DecodeMessage([]byte(body))
	if err != nil {
		perr.Reason, perr.Cause = ErrUndecodable, err
		return queue.Message{}, perr
	}
	if strings.TrimSpace(msg.JobID) == "" {
		perr.Reason, perr.RequestID = ErrNoJobID, msg.RequestID
		return msg, perr
	}
	return msg, nil
}

// Outcome is how a finished delivery ended. Every outcome means the message
// can be removed from the queue.
type Outcome string

const (
	// the job reached a terminal state in this call
	OutcomeProcessed Outcome = "processed"
	// another worker owns the job, or it is already terminal or unknown
	OutcomeSkipped Outcome = "skipped"
	// the job was failed and the failure recorded on it
	OutcomeFailed Outcome = "failed"
	// the body is unusable
	OutcomeUnrecoverable Outcome = "unrecoverable"
)

// HandleMessage runs the job named by msg. A non-nil error means the delivery
// should be retried.
func HandleMessage(ctx context.Context, p Processor, msg queue.Message) (Outcome, error) {
	if p == nil {
		return "", errors.New("job processor not configured")
	}
	if strings.TrimSpace(msg.JobID) == "" {
		return "", ErrNoJobID
	}

	ctx = jobs.WithRequestID(ctx, msg.RequestID)
	err := p.ProcessStored(ctx, msg.JobID)
	switch {
	case err == nil:
		return OutcomeProcessed, nil
	case errors.Is(err, jobs.ErrAlreadyClaimed), errors.Is(err, jobs.ErrInvalidTransition), errors.Is(err, jobs.ErrNotFound):
		return OutcomeSkipped, nil
	case ctx.Err() != nil:
		return "", fmt.Errorf("job %s interrupted: %w", msg.JobID, err)
	default:
		// the service already recorded the failure on the job
		return OutcomeFailed, nil
	}
}

// Delivery is one received copy of a message.
type Delivery struct {
	MessageID    string
	ReceiveCount int
	Body         string
}

// Handle parses and runs one delivery, logging and counting the result.
func Handle(ctx context.Context, p Processor, d Delivery) (Outcome, error) {
	msg, err := ParseMessage(d.Body)
	if err != nil {
		logUnparseable(d, err)
		metrics.IncQueueMessage(string(OutcomeUnrecoverable))
		return OutcomeUnrecoverable, nil
	}

	fields := d.fields(msg)
	telemetry.Info("worker.received", fields)

	outcome, err := HandleMessage(ctx, p, msg)
	if err != nil {
		fields["error"] = err.Error()
		telemetry.Error("worker.retry", fields)
		metrics.IncQueueMessage("retry")
		return "", err
	}
	fields["outcome"] = string(outcome)
	telemetry.Info("worker.done", fields)
	metrics.IncQueueMessage(string(outcome))
	return outcome, nil
}

func logUnparseable(d Delivery, err error) {
	fields := d.fields(queue.Message{})
	event := "worker.decode_failed"
	var perr *ParseError
	if errors.As(err, &perr) {
		fields["body_len"] = perr.BodyLen
		if perr.BodySHA != "" {
			fields["body_sha256"] = perr.BodySHA
		}
		if perr.RequestID != "" {
			fields["request_id"] = perr.RequestID
		}
	}
	switch {
	case errors.Is(err, ErrEmptyBody):
		event = "worker.empty_body"
	case errors.Is(err, ErrNoJobID):
		event = "worker.missing_job_id"
	default:
		fields["error"] = err.Error()
	}
	telemetry.Error(event, fields)
}

func (d Delivery) fields(msg queue.Message) map[string]any {
	fields := map[string]any{
		"job_id":         msg.JobID,
		"sqs_message_id": d.MessageID,
		"receive_count":  d.ReceiveCount,
	}
	if msg.RequestID != "" {
		fields["request_id"] = msg.RequestID
	}
	if age := msg.Age(time.Now()); age > 0 {
		fields["queue_age_ms"] = age.Milliseconds()
	}
	return fields
}
