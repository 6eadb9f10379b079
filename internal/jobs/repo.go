package jobs

import (
	"context"
	"time"

	"hallucheck-backend/internal/analysis"
)

// Repo persists jobs. Every transition is a conditional update on the current
// status: a miss returns ErrNotFound when the job does not exist and
// ErrInvalidTransition otherwise.
type Repo interface {
	Create(ctx context.Context, job Job) error
	GetByID(ctx context.Context, jobID string) (Job, error)
	// MarkProcessing moves a pending job to processing.
	MarkProcessing(ctx context.Context, jobID string, at time.Time) error
	// Claim records workerID on a processing job that nobody has claimed yet.
	// A job claimed by anyone, including workerID, returns ErrAlreadyClaimed.
	Claim(ctx context.Context, jobID, workerID string, at time.Time) error
	// Complete moves a processing job to completed and stores res with it.
	// Either both happen or neither does.
	Complete(ctx context.Context, jobID string, res analysis.Result, at time.Time) (Job, error)
	// Fail moves a pending or processing job to failed.
	Fail(ctx context.Context, jobID, code, message string, at time.Time) (Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error)
	// ListStale returns processing jobs claimed before claimedBefore, plus
	// unclaimed ones started before queuedBefore, oldest first.
	ListStale(ctx context.Context, claimedBefore, queuedBefore time.Time, limit int) ([]Job, error)
}
