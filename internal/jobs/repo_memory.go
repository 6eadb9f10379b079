package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"hallucheck-backend/internal/analysis"
)

// MemoryRepo stores jobs in memory and is safe for concurrent use.
type MemoryRepo struct {
	mu      sync.RWMutex
	byID    map[string]Job
	byOwner map[string][]string
}

// NewMemoryRepo constructs a MemoryRepo.
func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		byID:    make(map[string]Job),
		byOwner: make(map[string][]string),
	}
}

// Create stores the job.
func (r *MemoryRepo) Create(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[job.ID] = cloneJob(job)
	r.byOwner[job.OwnerID] = append(r.byOwner[job.OwnerID], job.ID)
	return nil
}

// GetByID returns a job by its ID.
func (r *MemoryRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.byID[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

// MarkProcessing moves a pending job to processing.
func (r *MemoryRepo) MarkProcessing(ctx context.Context, jobID string, at time.Time) error {
	_, err := r.transition(ctx, jobID, func(job *Job) error {
		if job.Status != StatusPending {
			return ErrInvalidTransition
		}
		job.Status = StatusProcessing
		job.StartedAt = &at
		job.UpdatedAt = at
		return nil
	})
	return err
}

// Claim records workerID as the only processor of the job.
func (r *MemoryRepo) Claim(ctx context.Context, jobID, workerID string, at time.Time) error {
	_, err := r.transition(ctx, jobID, func(job *Job) error {
		if job.Status != StatusProcessing {
			return ErrInvalidTransition
		}
		if job.ClaimedBy != nil {
			return ErrAlreadyClaimed
		}
		job.ClaimedBy = &workerID
		job.ClaimedAt = &at
		job.UpdatedAt = at
		return nil
	})
	return err
}

// Complete stores res and marks the job completed in one step.
func (r *MemoryRepo) Complete(ctx context.Context, jobID string, res analysis.Result, at time.Time) (Job, error) {
	return r.transition(ctx, jobID, func(job *Job) error {
		if job.Status != StatusProcessing {
			return ErrInvalidTransition
		}
		stored := cloneResult(res)
		job.Status = StatusCompleted
		job.Result = &stored
		job.CompletedAt = &at
		job.UpdatedAt = at
		return nil
	})
}

// Fail marks a pending or processing job failed.
func (r *MemoryRepo) Fail(ctx context.Context, jobID, code, message string, at time.Time) (Job, error) {
	return r.transition(ctx, jobID, func(job *Job) error {
		if IsTerminal(job.Status) {
			return ErrInvalidTransition
		}
		job.Status = StatusFailed
		job.ErrorCode = &code
		job.ErrorMessage = &message
		job.CompletedAt = &at
		job.UpdatedAt = at
		return nil
	})
}

func (r *MemoryRepo) transition(ctx context.Context, jobID string, apply func(*Job) error) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.byID[jobID]
	if !ok {
		return Job{}, ErrNotFound
	}
	if err := apply(&job); err != nil {
		return Job{}, err
	}
	r.byID[jobID] = job
	return cloneJob(job), nil
}

// ListByOwner returns the owner's jobs newest first.
func (r *MemoryRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	ids := r.byOwner[ownerID]
	items := make([]Job, 0, len(ids))
	for _, id := range ids {
		job := r.byID[id]
		job.Result = nil
		items = append(items, cloneJob(job))
	}
	r.mu.RUnlock()

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})

	if offset >= len(items) {
		return []Job{}, nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end], nil
}

// ListStale returns processing jobs claimed before claimedBefore, plus
// unclaimed ones started before queuedBefore, oldest first.
func (r *MemoryRepo) ListStale(ctx context.Context, claimedBefore, queuedBefore time.Time, limit int) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	var items []Job
	for _, job := range r.byID {
		if job.Status != StatusProcessing {
			continue
		}
		if at := staleClock(job); at != nil && at.Before(cutoffFor(job, claimedBefore, queuedBefore)) {
			items = append(items, cloneJob(job))
		}
	}
	r.mu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		return staleClock(items[i]).Before(*staleClock(items[j]))
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

// staleClock is the time a processing job last made progress.
func staleClock(job Job) *time.Time {
	if job.ClaimedAt != nil {
		return job.ClaimedAt
	}
	return job.StartedAt
}

func cutoffFor(job Job, claimedBefore, queuedBefore time.Time) time.Time {
	if job.ClaimedAt != nil {
		return claimedBefore
	}
	return queuedBefore
}

func cloneJob(job Job) Job {
	if job.Result != nil {
		res := cloneResult(*job.Result)
		job.Result = &res
	}
	return job
}

func cloneResult(res analysis.Result) analysis.Result {
	res.FlaggedTurns = append([]analysis.FlaggedTurn{}, res.FlaggedTurns...)
	return res
}

var _ Repo = (*MemoryRepo)(nil)
