// Package analysis turns a conversation into a validated hallucination report
// by asking a text-completion oracle exactly once.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hallucheck-backend/internal/conversation"
	"hallucheck-backend/internal/llm"
	"hallucheck-backend/internal/shared/telemetry"
)

var (
	ErrEngineUnavailable   = errors.New("analysis engine unavailable")
	ErrEngineInvalidOutput = errors.New("analysis engine returned invalid output")
	ErrEngineError         = errors.New("analysis engine error")
	// ErrEngineTimeout also matches ErrEngineUnavailable.
	ErrEngineTimeout = fmt.Errorf("%w: timed out", ErrEngineUnavailable)
)

// Engine is the adapter between conversations and an llm.Client.
type Engine struct {
	Client  llm.Client
	Info    llm.Info
	Timeout time.Duration
}

// Analyze builds the prompt, calls the oracle once, and decodes its answer.
// The oracle's self-reported rate is kept as-is; see Reconcile.
func (e *Engine) Analyze(ctx context.Context, conv conversation.Conversation) (Result, error) {
	if e == nil || e.Client == nil {
		return Result{}, fmt.Errorf("%w: no oracle configured", ErrEngineUnavailable)
	}
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := e.Client.Generate(ctx, BuildPrompt(conv))
	elapsed := time.Since(start)
	if err != nil {
		err = classify(err)
		telemetry.Warn("analysis.oracle_failed", map[string]any{
			"provider":    e.Info.Provider,
			"model":       e.Info.Model,
			"duration_ms": elapsed.Milliseconds(),
			"error":       err.Error(),
		})
		return Result{}, err
	}

	res, err := Decode(text)
	if err != nil {
		telemetry.Warn("analysis.decode_failed", map[string]any{
			"provider":     e.Info.Provider,
			"model":        e.Info.Model,
			"duration_ms":  elapsed.Milliseconds(),
			"response_len": len(text),
			"error":        err.Error(),
		})
		return Result{}, err
	}

	telemetry.Info("analysis.oracle_complete", map[string]any{
		"provider":      e.Info.Provider,
		"model":         e.Info.Model,
		"duration_ms":   elapsed.Milliseconds(),
		"turns":         len(conv),
		"flagged_turns": len(res.FlaggedTurns),
	})
	return res, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrEngineTimeout, err)
	case errors.Is(err, llm.ErrNotConfigured), errors.Is(err, llm.ErrUnavailable):
		return fmt.Errorf("%w: %w", ErrEngineUnavailable, err)
	default:
		return fmt.Errorf("%w: %w", ErrEngineError, err)
	}
}
