package main

// SQS event source entry point:
//   GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-worker
//
// The event source mapping must enable ReportBatchItemFailures.

import (
	"context"
	"strconv"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"hallucheck-backend/internal/bootstrap"
	"hallucheck-backend/internal/shared/config"
	"hallucheck-backend/internal/shared/telemetry"
	"hallucheck-backend/internal/workerproc"
)

type batchHandler struct {
	build func() (workerproc.Processor, error)

	once sync.Once
	proc workerproc.Processor
	err  error
}

func buildProcessor() (workerproc.Processor, error) {
	app, err := bootstrap.Build(context.Background(), config.Load(), bootstrap.RoleWorker)
	if err != nil {
		return nil, err
	}
	return app.Service, nil
}

// Handle reports the records SQS should redeliver. A failed cold start
// returns every record.
func (h *batchHandler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	h.once.Do(func() { h.proc, h.err = h.build() })
	if h.err != nil {
		telemetry.Error("lambda_worker.bootstrap_failed", map[string]any{
			"records": len(event.Records),
			"error":   h.err.Error(),
		})
		return retryAll(event), h.err
	}
	return handleEvent(ctx, h.proc, event), nil
}

func handleEvent(ctx context.Context, p workerproc.Processor, event events.SQSEvent) events.SQSEventResponse {
	var resp events.SQSEventResponse
	for _, record := range event.Records {
		d := workerproc.Delivery{
			MessageID:    record.MessageId,
			ReceiveCount: approximateReceiveCount(record),
			Body:         record.Body,
		}
		if _, err := workerproc.Handle(ctx, p, d); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp
}

func retryAll(event events.SQSEvent) events.SQSEventResponse {
	failures := make([]events.SQSBatchItemFailure, len(event.Records))
	for i, record := range event.Records {
		failures[i].ItemIdentifier = record.MessageId
	}
	return events.SQSEventResponse{BatchItemFailures: failures}
}

func approximateReceiveCount(record events.SQSMessage) int {
	n, _ := strconv.Atoi(record.Attributes["ApproximateReceiveCount"])
	return n
}

func main() {
	h := &batchHandler{build: buildProcessor}
	lambda.Start(h.Handle)
}
