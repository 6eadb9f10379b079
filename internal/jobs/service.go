package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"hallucheck-backend/internal/analysis"
	"hallucheck-backend/internal/conversation"
	"hallucheck-backend/internal/shared/metrics"
	"hallucheck-backend/internal/shared/storage/object"
	"hallucheck-backend/internal/shared/telemetry"
)

const (
	// MaxUploadBytes caps a submitted conversation.
	MaxUploadBytes = 10 << 20

	defaultFileName  = "conversation.json"
	defaultListLimit = 20
	maxListLimit     = 100
	sweepBatch       = 100
	maxErrorLen      = 500
)

// Analyzer produces a result for a conversation. analysis.Engine is the
// production implementation.
type Analyzer interface {
	Analyze(ctx context.Context, conv conversation.Conversation) (analysis.Result, error)
}

// Service owns the job lifecycle: pending -> processing -> completed|failed.
type Service struct {
	Repo       Repo
	Store      object.Store
	Engine     Analyzer
	Dispatcher Dispatcher
	Cache      StatusCache
	Provider   string
	Model      string
	// WorkerID identifies this process in claims. Empty means a per-process default.
	WorkerID string
	Now      func() time.Time
	NewID    func() string
}

// Submission is an uploaded conversation as received.
type Submission struct {
	FileName string
	Raw      []byte
}

var processWorkerID = defaultWorkerID()

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func (s *Service) workerID() string {
	if s.WorkerID != "" {
		return s.WorkerID
	}
	return processWorkerID
}

// CreateAndStart validates the submission, creates a job, moves it to
// processing and hands it to the dispatcher. It returns without waiting for
// the analysis. Invalid input is rejected before any job exists.
func (s *Service) CreateAndStart(ctx context.Context, ownerID string, sub Submission) (Job, error) {
	if strings.TrimSpace(ownerID) == "" {
		return Job{}, ErrOwnerRequired
	}
	conv, err := conversation.Validate(sub.Raw)
	if err != nil {
		return Job{}, err
	}

	fileName, err := object.CleanFileName(sub.FileName)
	if err != nil {
		fileName = defaultFileName
	}
	now := s.now()
	job := Job{
		ID:                 s.newID(),
		OwnerID:            ownerID,
		Status:             StatusPending,
		FileName:           fileName,
		FileSizeBytes:      int64(len(sub.Raw)),
		TurnCount:          len(conv),
		AssistantTurnCount: conv.AssistantTurns(),
		Provider:           s.Provider,
		Model:              s.Model,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	if s.Store != nil {
		info, err := s.Store.Put(ctx, ownerID, fileName, bytes.NewReader(sub.Raw))
		if err != nil {
			return Job{}, fmt.Errorf("archive conversation: %w", err)
		}
		job.StorageKey = info.Key
	}

	if err := s.Repo.Create(ctx, job); err != nil {
		s.discardArchive(ctx, job)
		return Job{}, fmt.Errorf("create job: %w", err)
	}
	s.logStatus(ctx, job, "->pending", nil)

	startedAt := s.now()
	if err := s.Repo.MarkProcessing(ctx, job.ID, startedAt); err != nil {
		s.failJob(ctx, job.ID, ErrorCodeStorage, err)
		return Job{}, fmt.Errorf("start job: %w", err)
	}
	job.Status = StatusProcessing
	job.StartedAt = &startedAt
	job.UpdatedAt = startedAt
	metrics.IncJobStarted()
	s.logStatus(ctx, job, "pending->processing", nil)

	task := Task{
		JobID:     job.ID,
		RequestID: RequestIDFromContext(ctx),
		Run: func(bg context.Context) {
			_ = s.Process(bg, job.ID, conv)
		},
	}
	if err := s.dispatch(detach(ctx), task); err != nil {
		failed, ferr := s.fail(detach(ctx), job.ID, ErrorCodeDispatch, sanitizeError(fmt.Errorf("dispatch: %w", err)))
		if ferr != nil {
			return Job{}, fmt.Errorf("dispatch job: %w", err)
		}
		return failed, nil
	}
	return job, nil
}

func (s *Service) dispatch(ctx context.Context, task Task) error {
	if s.Dispatcher == nil {
		go task.Run(ctx)
		return nil
	}
	return s.Dispatcher.Dispatch(ctx, task)
}

// Process runs the analysis of an in-memory conversation for a processing job.
func (s *Service) Process(ctx context.Context, jobID string, conv conversation.Conversation) error {
	return s.run(ctx, jobID, func(context.Context, Job) (conversation.Conversation, error) {
		return conv, nil
	})
}

// ProcessStored runs the analysis using the archived upload. Queue workers use it.
func (s *Service) ProcessStored(ctx context.Context, jobID string) error {
	return s.run(ctx, jobID, s.loadConversation)
}

// run claims the job, so at most one caller ever reaches the engine for a
// given job, then drives it to a terminal state.
func (s *Service) run(ctx context.Context, jobID string, load func(context.Context, Job) (conversation.Conversation, error)) (err error) {
	if err := s.Repo.Claim(ctx, jobID, s.workerID(), s.now()); err != nil {
		if errors.Is(err, ErrAlreadyClaimed) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
			telemetry.Info("job.skip", map[string]any{
				"request_id": RequestIDFromContext(ctx),
				"job_id":     jobID,
				"worker_id":  s.workerID(),
				"reason":     err.Error(),
			})
			return err
		}
		if ctx.Err() != nil {
			// unclaimed, so a redelivery can still pick it up
			return err
		}
		s.failJob(ctx, jobID, ErrorCodeStorage, fmt.Errorf("claim job: %w", err))
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.failJob(ctx, jobID, ErrorCodeInternal, err)
		}
	}()

	done := metrics.TrackInFlight()
	defer done()

	job, err := s.Repo.GetByID(ctx, jobID)
	if err != nil {
		s.failJob(ctx, jobID, ErrorCodeStorage, fmt.Errorf("load job: %w", err))
		return err
	}

	conv, err := load(ctx, job)
	if err != nil {
		s.failJob(ctx, jobID, ErrorCodeStorage, err)
		return err
	}

	if s.Engine == nil {
		err = fmt.Errorf("%w: no engine configured", analysis.ErrEngineUnavailable)
		s.failJob(ctx, jobID, classifyFailure(err), err)
		return err
	}
	res, err := s.Engine.Analyze(ctx, conv)
	if err != nil {
		s.failJob(ctx, jobID, classifyFailure(err), err)
		return err
	}

	reconciled, diffs := analysis.Reconcile(res, conv)
	for _, d := range diffs {
		telemetry.Warn("job.result_reconciled", map[string]any{
			"request_id": RequestIDFromContext(ctx),
			"job_id":     jobID,
			"field":      d.Field,
			"reported":   d.Reported,
			"computed":   d.Computed,
		})
	}

	if err := s.CompleteWithResult(ctx, jobID, reconciled); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			telemetry.Warn("job.complete_rejected", map[string]any{
				"request_id": RequestIDFromContext(ctx),
				"job_id":     jobID,
				"error":      err.Error(),
			})
			return err
		}
		code := ErrorCodeStorage
		if errors.Is(err, analysis.ErrInconsistentResult) {
			code = classifyFailure(err)
		}
		s.failJob(ctx, jobID, code, err)
		return err
	}
	return nil
}

func (s *Service) loadConversation(ctx context.Context, job Job) (conversation.Conversation, error) {
	if s.Store == nil || job.StorageKey == "" {
		return nil, errors.New("conversation archive unavailable")
	}
	body, err := s.Store.Open(ctx, job.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("open archived conversation: %w", err)
	}
	defer body.Close()

	raw, err := io.ReadAll(io.LimitReader(body, MaxUploadBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read archived conversation: %w", err)
	}
	conv, err := conversation.Validate(raw)
	if err != nil {
		return nil, fmt.Errorf("archived conversation: %w", err)
	}
	return conv, nil
}

// CompleteWithResult stores res and marks the job completed. It succeeds only
// for a processing job; any later call returns ErrInvalidTransition and the
// first result stays.
func (s *Service) CompleteWithResult(ctx context.Context, jobID string, res analysis.Result) error {
	if res.FlaggedTurns == nil {
		res.FlaggedTurns = []analysis.FlaggedTurn{}
	}
	if err := res.Check(); err != nil {
		return err
	}
	job, err := s.Repo.Complete(ctx, jobID, res, s.now())
	if err != nil {
		return err
	}

	metrics.IncJobCompleted()
	metrics.ObserveFlaggedTurns(len(res.FlaggedTurns))
	if job.StartedAt != nil && job.CompletedAt != nil {
		metrics.ObserveAnalysisDuration(job.CompletedAt.Sub(*job.StartedAt))
	}
	s.cacheTerminal(ctx, job)
	s.logStatus(ctx, job, "processing->completed", map[string]any{
		"flagged_turns":      len(res.FlaggedTurns),
		"hallucination_rate": res.HallucinationRate,
	})
	return nil
}

// FailWith marks a pending or processing job failed with code and message.
// A terminal job returns ErrInvalidTransition. Storage errors are logged and
// not returned.
func (s *Service) FailWith(ctx context.Context, jobID, code, message string) error {
	_, err := s.fail(ctx, jobID, code, message)
	if err == nil || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrNotFound) {
		return err
	}
	telemetry.Error("job.fail_update_failed", map[string]any{
		"request_id": RequestIDFromContext(ctx),
		"job_id":     jobID,
		"error_code": code,
		"error":      err.Error(),
	})
	return nil
}

func (s *Service) fail(ctx context.Context, jobID, code, message string) (Job, error) {
	job, err := s.Repo.Fail(ctx, jobID, code, sanitizeMessage(message), s.now())
	if err != nil {
		return Job{}, err
	}

	metrics.IncJobFailed(code)
	if job.StartedAt != nil && job.CompletedAt != nil {
		metrics.ObserveAnalysisDuration(job.CompletedAt.Sub(*job.StartedAt))
	}
	s.cacheTerminal(ctx, job)
	transition := "processing->failed"
	if job.StartedAt == nil {
		transition = "pending->failed"
	}
	s.logStatus(ctx, job, transition, map[string]any{"error_code": code})
	return job, nil
}

// failJob is the best-effort failure path of background work. It runs even
// when ctx is already canceled.
func (s *Service) failJob(ctx context.Context, jobID, code string, cause error) {
	ctx = detach(ctx)
	if err := s.FailWith(ctx, jobID, code, sanitizeError(cause)); err != nil {
		telemetry.Warn("job.fail_rejected", map[string]any{
			"request_id": RequestIDFromContext(ctx),
			"job_id":     jobID,
			"error_code": code,
			"error":      err.Error(),
		})
	}
}

// GetStatus returns the owner's view of a job. Unknown ids and jobs owned by
// someone else are both ErrNotFound.
func (s *Service) GetStatus(ctx context.Context, ownerID, jobID string) (StatusView, error) {
	if ownerID == "" {
		return StatusView{}, ErrNotFound
	}
	if _, err := uuid.Parse(jobID); err != nil {
		return StatusView{}, ErrNotFound
	}

	if s.Cache != nil {
		entry, ok, err := s.Cache.Get(ctx, jobID)
		switch {
		case err != nil:
			telemetry.Warn("job.cache_read_failed", map[string]any{"job_id": jobID, "error": err.Error()})
		case ok:
			if entry.OwnerID != ownerID {
				return StatusView{}, ErrNotFound
			}
			return entry.View, nil
		}
	}

	job, err := s.Repo.GetByID(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	if job.OwnerID != ownerID {
		return StatusView{}, ErrNotFound
	}
	if IsTerminal(job.Status) {
		s.cacheTerminal(ctx, job)
	}
	return job.View(), nil
}

// List returns the owner's jobs newest first.
func (s *Service) List(ctx context.Context, ownerID string, limit, offset int) ([]Summary, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	items, err := s.Repo.ListByOwner(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(items))
	for _, job := range items {
		out = append(out, job.Summary())
	}
	return out, nil
}

// StaleWindows bounds how long a processing job may sit without finishing.
type StaleWindows struct {
	// Claimed runs from the moment a worker claimed the job.
	Claimed time.Duration
	// Queued runs from submission for jobs no worker has claimed yet. A value
	// below Claimed is raised to Claimed.
	Queued time.Duration
}

func (w StaleWindows) normalized() StaleWindows {
	if w.Queued < w.Claimed {
		w.Queued = w.Claimed
	}
	return w
}

// SweepStale fails processing jobs that outlived their window and returns how
// many it failed.
func (s *Service) SweepStale(ctx context.Context, w StaleWindows) (int, error) {
	w = w.normalized()
	now := s.now()
	stale, err := s.Repo.ListStale(ctx, now.Add(-w.Claimed), now.Add(-w.Queued), sweepBatch)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, job := range stale {
		msg := fmt.Sprintf("job exceeded %s in processing", w.Claimed)
		if job.ClaimedAt == nil {
			msg = fmt.Sprintf("job waited %s without a worker", w.Queued)
		}
		if _, err := s.fail(ctx, job.ID, ErrorCodeStale, msg); err != nil {
			if !errors.Is(err, ErrInvalidTransition) {
				telemetry.Error("job.sweep_failed", map[string]any{"job_id": job.ID, "error": err.Error()})
			}
			continue
		}
		swept++
	}
	return swept, nil
}

func (s *Service) cacheTerminal(ctx context.Context, job Job) {
	if s.Cache == nil || !IsTerminal(job.Status) {
		return
	}
	if err := s.Cache.Set(ctx, CachedStatus{OwnerID: job.OwnerID, View: job.View()}); err != nil {
		telemetry.Warn("job.cache_write_failed", map[string]any{"job_id": job.ID, "error": err.Error()})
	}
}

// discardArchive removes an upload whose job row was never written.
func (s *Service) discardArchive(ctx context.Context, job Job) {
	if s.Store == nil || job.StorageKey == "" {
		return
	}
	if err := s.Store.Delete(detach(ctx), job.StorageKey); err != nil {
		telemetry.Warn("job.archive_orphaned", map[string]any{
			"request_id":  RequestIDFromContext(ctx),
			"job_id":      job.ID,
			"storage_key": job.StorageKey,
			"error":       err.Error(),
		})
	}
}

func (s *Service) logStatus(ctx context.Context, job Job, transition string, extra map[string]any) {
	fields := map[string]any{
		"request_id":        RequestIDFromContext(ctx),
		"user_id":           job.OwnerID,
		"job_id":            job.ID,
		"status":            job.Status,
		"status_transition": transition,
	}
	if job.StartedAt != nil && job.CompletedAt != nil {
		fields["duration_ms"] = durationMs(*job.StartedAt, *job.CompletedAt)
	}
	for k, v := range extra {
		fields[k] = v
	}
	telemetry.Info("job.status", fields)
}

func durationMs(start, end time.Time) int64 {
	if end.Before(start) {
		return 0
	}
	return end.Sub(start).Milliseconds()
}

// classifyFailure maps an engine error to the code stored on the job.
func classifyFailure(err error) string {
	switch {
	case errors.Is(err, analysis.ErrEngineTimeout), errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeEngineTimeout
	case errors.Is(err, analysis.ErrEngineUnavailable):
		return ErrorCodeEngineUnavailable
	case errors.Is(err, analysis.ErrEngineInvalidOutput), errors.Is(err, analysis.ErrInconsistentResult):
		return ErrorCodeEngineInvalidOutput
	case errors.Is(err, analysis.ErrEngineError):
		return ErrorCodeEngineError
	default:
		return ErrorCodeInternal
	}
}

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return sanitizeMessage(err.Error())
}

// sanitizeMessage flattens msg to one line of at most maxErrorLen bytes.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.TrimSpace(msg)
	if len(msg) > maxErrorLen {
		cut := maxErrorLen
		for cut > 0 && msg[cut]&0xC0 == 0x80 {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
