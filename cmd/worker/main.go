package main

// Long-running SQS consumer:
//   go run ./cmd/worker

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"hallucheck-backend/internal/bootstrap"
	"hallucheck-backend/internal/jobs"
	"hallucheck-backend/internal/shared/config"
	"hallucheck-backend/internal/shared/telemetry"
	"hallucheck-backend/internal/workerproc"
)

const (
	defaultVisibility = 20 * time.Minute
	defaultDrain      = 30 * time.Second
	receiveBatch      = 10
	longPollSeconds   = 20
)

type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// consumer pulls job messages and hands each to workerproc.
type consumer struct {
	client      sqsAPI
	queueURL    string
	proc        workerproc.Processor
	concurrency int
	visibility  time.Duration
	drain       time.Duration
}

func main() {
	cfg := config.Load()
	if err := run(cfg); err != nil {
		telemetry.Error("worker.exit", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	queueURL := strings.TrimSpace(cfg.SQSQueueURL)
	if queueURL == "" {
		return errors.New("SQS_QUEUE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.AWSRegion != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.AWSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return err
	}

	app, err := bootstrap.Build(ctx, cfg, bootstrap.RoleWorker)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	c := &consumer{
		client:      sqs.NewFromConfig(awsCfg),
		queueURL:    queueURL,
		proc:        app.Service,
		concurrency: max(1, cfg.WorkerConcurrency),
		visibility:  envSeconds("SQS_VISIBILITY_TIMEOUT_SECONDS", defaultVisibility),
		drain:       envSeconds("SHUTDOWN_TIMEOUT_SECONDS", defaultDrain),
	}
	telemetry.Info("worker.started", map[string]any{
		"queue":         queueURL,
		"concurrency":   c.concurrency,
		"visibility_ms": c.visibility.Milliseconds(),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return app.Service.RunSweeper(gctx, cfg.SweepInterval, jobs.StaleWindows{
			Claimed: cfg.StaleAfter,
			Queued:  cfg.StaleQueuedAfter,
		})
	})
	g.Go(func() error {
		c.run(gctx)
		return nil
	})
	return g.Wait()
}

// run receives until ctx ends, then gives in-flight messages up to c.drain
// to finish. Jobs keep running on a context detached from ctx.
func (c *consumer) run(ctx context.Context) {
	sem := semaphore.NewWeighted(int64(c.concurrency))
	var wg sync.WaitGroup
	work := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		batch, err := c.receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				telemetry.Error("worker.receive_failed", map[string]any{"error": err.Error()})
			}
			continue
		}
		for _, msg := range batch {
			if err := sem.Acquire(ctx, 1); err != nil {
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				c.handle(work, msg)
			}()
		}
	}

	telemetry.Info("worker.draining", map[string]any{"timeout_ms": c.drain.Milliseconds()})
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(c.drain):
		telemetry.Warn("worker.drain_timeout", nil)
	}
}

func (c *consumer) receive(ctx context.Context) ([]sqstypes.Message, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: receiveBatch,
		WaitTimeSeconds:     longPollSeconds,
		VisibilityTimeout:   int32(c.visibility / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// handle leaves the message on the queue only when workerproc asks for a retry.
func (c *consumer) handle(ctx context.Context, msg sqstypes.Message) {
	d := workerproc.Delivery{
		MessageID:    aws.ToString(msg.MessageId),
		ReceiveCount: receiveCount(msg),
		Body:         aws.ToString(msg.Body),
	}
	if _, err := workerproc.Handle(ctx, c.proc, d); err != nil {
		return
	}
	if err := c.ack(ctx, msg); err != nil {
		telemetry.Error("worker.delete_failed", map[string]any{
			"sqs_message_id": d.MessageID,
			"error":          err.Error(),
		})
	}
}

func (c *consumer) ack(ctx context.Context, msg sqstypes.Message) error {
	receipt := aws.ToString(msg.ReceiptHandle)
	if receipt == "" {
		return errors.New("missing receipt handle")
	}
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receipt),
	})
	return err
}

func receiveCount(msg sqstypes.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
