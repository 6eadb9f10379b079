package main

// API Gateway (HTTP API, payload v2) entry point:
//   GOOS=linux GOARCH=arm64 CGO_ENABLED=0 go build -o bootstrap ./cmd/lambda-http
//
// A Lambda is frozen once it responds, so jobs must be handed to SQS
// (DISPATCHER=sqs) and run by lambda-worker or cmd/worker.

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"hallucheck-backend/internal/bootstrap"
	"hallucheck-backend/internal/shared/config"
	"hallucheck-backend/internal/shared/server"
	"hallucheck-backend/internal/shared/telemetry"
)

type gateway struct {
	build func() (*gin.Engine, error)

	once    sync.Once
	adapter *ginadapter.GinLambdaV2
	err     error
}

// buildRouter runs once per cold start.
func buildRouter() (*gin.Engine, error) {
	cfg := config.Load()
	if cfg.Dispatcher != "sqs" {
		return nil, errors.New("lambda-http requires DISPATCHER=sqs")
	}
	app, err := bootstrap.Build(context.Background(), cfg, bootstrap.RoleAPI)
	if err != nil {
		return nil, err
	}
	return server.NewRouter(server.RouterDeps{
		Config:   cfg,
		Handlers: []server.RouteRegistrar{app.JobHandler},
	}), nil
}

func (g *gateway) Handle(ctx context.Context, req events.APIGatewayV2HTTPRequest) (events.APIGatewayV2HTTPResponse, error) {
	g.once.Do(func() {
		router, err := g.build()
		if err != nil {
			g.err = err
			return
		}
		g.adapter = ginadapter.NewV2(router)
	})
	if g.err != nil {
		telemetry.Error("lambda_http.bootstrap_failed", map[string]any{
			"request_id": req.RequestContext.RequestID,
			"error":      g.err.Error(),
		})
		return unavailable(), nil
	}
	return g.adapter.ProxyWithContext(ctx, req)
}

func unavailable() events.APIGatewayV2HTTPResponse {
	body, _ := json.Marshal(map[string]any{
		"error": map[string]string{"code": "internal_error", "message": "service unavailable"},
	})
	return events.APIGatewayV2HTTPResponse{
		StatusCode: http.StatusInternalServerError,
		Headers:    map[string]string{"Content-Type": "application/json"},
		Body:       string(body),
	}
}

func main() {
	g := &gateway{build: buildRouter}
	lambda.Start(g.Handle)
}
