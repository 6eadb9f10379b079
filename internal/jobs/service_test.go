package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"hallucheck-backend/internal/analysis"
	"hallucheck-backend/internal/conversation"
	"hallucheck-backend/internal/llm"
	local "hallucheck-backend/internal/shared/storage/object/local"
)

const owner = "guest:test-guest"

type syncDispatcher struct{}

func (syncDispatcher) Dispatch(ctx context.Context, task Task) error {
	task.Run(ctx)
	return nil
}

type failingDispatcher struct{ err error }

func (d failingDispatcher) Dispatch(ctx context.Context, task Task) error { return d.err }

// heldDispatcher records tasks without running them.
type heldDispatcher struct {
	mu    sync.Mutex
	tasks []Task
}

func (d *heldDispatcher) Dispatch(ctx context.Context, task Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, task)
	return nil
}

func oracle(text string, err error) *analysis.Engine {
	return &analysis.Engine{
		Client: llm.ClientFunc(func(ctx context.Context, prompt string) (string, error) {
			return text, err
		}),
		Info: llm.Info{Provider: "stub", Model: "stub-1"},
	}
}

type analyzerFunc func(ctx context.Context, conv conversation.Conversation) (analysis.Result, error)

func (f analyzerFunc) Analyze(ctx context.Context, conv conversation.Conversation) (analysis.Result, error) {
	return f(ctx, conv)
}

func newTestService(t *testing.T, engine Analyzer) (*Service, *MemoryRepo) {
	t.Helper()
	repo := NewMemoryRepo()
	svc := &Service{
		Repo:       repo,
		Store:      local.New(t.TempDir()),
		Engine:     engine,
		Dispatcher: syncDispatcher{},
		Provider:   "stub",
		Model:      "stub-1",
		WorkerID:   "test-worker",
	}
	return svc, repo
}

func seedProcessing(t *testing.T, repo Repo, ownerID string, startedAt time.Time) string {
	t.Helper()
	id := uuid.NewString()
	job := Job{
		ID:        id,
		OwnerID:   ownerID,
		Status:    StatusPending,
		FileName:  "conversation.json",
		CreatedAt: startedAt,
		UpdatedAt: startedAt,
	}
	if err := repo.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
	if err := repo.MarkProcessing(context.Background(), id, startedAt); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	return id
}

func sampleResult() analysis.Result {
	impact := "$49/month"
	return analysis.Result{
		Summary:           "One overconfident pricing claim.",
		HallucinationRate: 1,
		AverageConfidence: 0.9,
		FlaggedTurns: []analysis.FlaggedTurn{{
			TurnIndex:        1,
			AssistantContent: "It definitely costs $49/month, no exceptions.",
			IssueType:        analysis.Overconfidence,
			Explanation:      "States a price with certainty and no source.",
			Confidence:       0.9,
			NumericalImpact:  &impact,
		}},
		IssueBreakdown: analysis.IssueBreakdown{Overconfidence: 1},
	}
}

const pricingConversation = `[
  {"role":"user","content":"What is the price?"},
  {"role":"assistant","content":"It definitely costs $49/month, no exceptions."}
]`

func TestScenarioOverconfidentPrice(t *testing.T) {
	response := "```json\n" + `{
  "summary": "The assistant states a price with certainty.",
  "hallucinationRate": 1.0,
  "averageConfidence": 0.9,
  "flaggedTurns": [{
    "turnIndex": 1,
    "assistantContent": "It definitely costs $49/month, no exceptions.",
    "issueType": "OVERCONFIDENCE",
    "explanation": "Absolute pricing claim with no source.",
    "confidence": 0.9,
    "numericalImpact": "$49/month"
  }],
  "issueBreakdown": {"SELF_CONTRADICTION": 0, "OVERCONFIDENCE": 1, "FABRICATED_CITATION": 0, "HARDCODED_FACT": 0}
}` + "\n```"
	svc, _ := newTestService(t, oracle(response, nil))

	job, err := svc.CreateAndStart(context.Background(), owner, Submission{FileName: "chat.json", Raw: []byte(pricingConversation)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.TurnCount != 2 || job.AssistantTurnCount != 1 {
		t.Fatalf("unexpected turn counts: %d/%d", job.TurnCount, job.AssistantTurnCount)
	}
	if job.StorageKey == "" {
		t.Fatalf("expected raw conversation to be archived")
	}

	view, err := svc.GetStatus(context.Background(), owner, job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", view.Status, view.ErrorMessage)
	}
	if view.Result == nil || len(view.Result.FlaggedTurns) != 1 {
		t.Fatalf("expected one flagged turn, got %+v", view.Result)
	}
	ft := view.Result.FlaggedTurns[0]
	if ft.IssueType != analysis.Overconfidence && ft.IssueType != analysis.HardcodedFact {
		t.Fatalf("unexpected issue type %s", ft.IssueType)
	}
	if ft.NumericalImpact == nil || !strings.Contains(*ft.NumericalImpact, "$49") {
		t.Fatalf("expected numerical impact with $49, got %v", ft.NumericalImpact)
	}
	if view.Result.IssueBreakdown.Total() != len(view.Result.FlaggedTurns) {
		t.Fatalf("breakdown does not match flagged turns")
	}
	if view.ErrorMessage != "" || view.ErrorCode != "" {
		t.Fatalf("completed view must not carry an error")
	}
}

func TestScenarioNoClaims(t *testing.T) {
	response := `{"summary":"No issues found.","hallucinationRate":0,"averageConfidence":0,"flaggedTurns":[],"issueBreakdown":{"SELF_CONTRADICTION":0,"OVERCONFIDENCE":0,"FABRICATED_CITATION":0,"HARDCODED_FACT":0}}`
	svc, _ := newTestService(t, oracle(response, nil))
	raw := `[{"role":"user","content":"Is this safe to eat?"},{"role":"assistant","content":"I'm not sure, you may want to check."}]`

	job, err := svc.CreateAndStart(context.Background(), owner, Submission{Raw: []byte(raw)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	view, err := svc.GetStatus(context.Background(), owner, job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view.Status != StatusCompleted || view.Result == nil {
		t.Fatalf("expected completed with result, got %+v", view)
	}
	if len(view.Result.FlaggedTurns) != 0 || view.Result.HallucinationRate != 0 {
		t.Fatalf("expected clean result, got %+v", view.Result)
	}
	payload, err := json.Marshal(view)
	if err != nil {
		t.Fatalf("marshal view: %v", err)
	}
	if !strings.Contains(string(payload), `"flaggedTurns":[]`) {
		t.Fatalf("expected empty flaggedTurns array, got %s", payload)
	}
}

func TestScenarioEmptyConversationCreatesNoJob(t *testing.T) {
	svc, repo := newTestService(t, oracle("{}", nil))

	job, err := svc.CreateAndStart(context.Background(), owner, Submission{Raw: []byte("[]")})
	if !errors.Is(err, conversation.ErrEmptyConversation) {
		t.Fatalf("expected ErrEmptyConversation, got %v", err)
	}
	if job.ID != "" {
		t.Fatalf("expected no job id, got %q", job.ID)
	}
	items, err := repo.ListByOwner(context.Background(), owner, 10, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no jobs, got %d", len(items))
	}
}

func TestScenarioNonJSONOracleOutputFailsJob(t *testing.T) {
	svc, _ := newTestService(t, oracle("Sorry, I can't analyze this conversation.", nil))

	job, err := svc.CreateAndStart(context.Background(), owner, Submission{Raw: []byte(pricingConversation)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	view, err := svc.GetStatus(context.Background(), owner, job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", view.Status)
	}
	if view.Result != nil {
		t.Fatalf("failed job must not expose a result")
	}
	if view.ErrorCode != ErrorCodeEngineInvalidOutput {
		t.Fatalf("expected %s, got %s", ErrorCodeEngineInvalidOutput, view.ErrorCode)
	}
	if !strings.Contains(view.ErrorMessage, "invalid JSON") {
		t.Fatalf("expected invalid JSON message, got %q", view.ErrorMessage)
	}
}

func TestCreateRejectsInputBeforeCreatingJob(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want error
	}{
		{name: "not json", raw: "hello", want: conversation.ErrMalformedInput},
		{name: "object", raw: `{"role":"user"}`, want: conversation.ErrMalformedInput},
		{name: "bad role", raw: `[{"role":"system","content":"x"}]`, want: conversation.ErrBadTurnShape},
		{name: "blank content", raw: `[{"role":"user","content":"   "}]`, want: conversation.ErrBadTurnShape},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, repo := newTestService(t, oracle("{}", nil))
			if _, err := svc.CreateAndStart(context.Background(), owner, Submission{Raw: []byte(tc.raw)}); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			items, _ := repo.ListByOwner(context.Background(), owner, 10, 0)
			if len(items) != 0 {
				t.Fatalf("expected no jobs, got %d", len(items))
			}
		})
	}
}

func TestCreateRequiresOwner(t *testing.T) {
	svc, _ := newTestService(t, oracle("{}", nil))
	if _, err := svc.CreateAndStart(context.Background(), " ", Submission{Raw: []byte(pricingConversation)}); !errors.Is(err, ErrOwnerRequired) {
		t.Fatalf("expected ErrOwnerRequired, got %v", err)
	}
}

func TestCreateReturnsProcessingBeforeCompletion(t *testing.T) {
	svc, repo := newTestService(t, oracle("{}", nil))
	held := &heldDispatcher{}
	svc.Dispatcher = held

	job, err := svc.CreateAndStart(context.Background(), owner, Submission{Raw: []byte(pricingConversation)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != StatusProcessing {
		t.Fatalf("expected processing, got %s", job.Status)
	}
	stored, err := repo.GetByID(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Status != StatusProcessing || stored.StartedAt == nil {
		t.Fatalf("expected stored processing job with startedAt, got %+v", stored)
	}
	if len(held.tasks) != 1 || held.tasks[0].JobID != job.ID {
		t.Fatalf("expected one dispatched task for %s, got %+v", job.ID, held.tasks)
	}
}

func TestDispatchFailureFailsJob(t *testing.T) {
	svc, _ := newTestService(t, oracle("{}", nil))
	svc.Dispatcher = failingDispatcher{err: errors.New("queue unreachable")}

	job, err := svc.CreateAndStart(context.Background(), owner, Submission{Raw: []byte(pricingConversation)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != StatusFailed || deref(job.ErrorCode) != ErrorCodeDispatch {
		t.Fatalf("expected failed with %s, got %s/%s", ErrorCodeDispatch, job.Status, deref(job.ErrorCode))
	}
}

func TestCompleteWithResultIsOneShot(t *testing.T) {
	svc, repo := newTestService(t, nil)
	id := seedProcessing(t, repo, owner, time.Now().UTC())

	first := sampleResult()
	if err := svc.CompleteWithResult(context.Background(), id, first); err != nil {
		t.Fatalf("first complete: %v", err)
	}

	second := sampleResult()
	second.Summary = "overwritten"
	if err := svc.CompleteWithResult(context.Background(), id, second); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	view, err := svc.GetStatus(context.Background(), owner, id)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if view.Result == nil || view.Result.Summary != first.Summary {
		t.Fatalf("expected first result to stay, got %+v", view.Result)
	}
}

func TestCompleteWithResultRejectsPendingJob(t *testing.T) {
	svc, repo := newTestService(t, nil)
	id := uuid.NewString()
	now := time.Now().UTC()
	if err := repo.Create(context.Background(), Job{ID: id, OwnerID: owner, Status: StatusPending, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.CompleteWithResult(context.Background(), id, sampleResult()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCompleteWithResultRejectsInconsistentResult(t *testing.T) {
	svc, repo := newTestService(t, nil)
	id := seedProcessing(t, repo, owner, time.Now().UTC())

	res := sampleResult()
	res.IssueBreakdown = analysis.IssueBreakdown{}
	if err := svc.CompleteWithResult(context.Background(), id, res); !errors.Is(err, analysis.ErrInconsistentResult) {
		t.Fatalf("expected ErrInconsistentResult, got %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), id)
	if stored.Status != StatusProcessing {
		t.Fatalf("expected job to stay processing, got %s", stored.Status)
	}
}

func TestTerminalStatesAreSticky(t *testing.T) {
	svc, repo := newTestService(t, nil)

	completed := seedProcessing(t, repo, owner, time.Now().UTC())
	if err := svc.CompleteWithResult(context.Background(), completed, sampleResult()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := svc.FailWith(context.Background(), completed, ErrorCodeInternal, "late failure"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition failing a completed job, got %v", err)
	}

	failed := seedProcessing(t, repo, owner, time.Now().UTC())
	if err := svc.FailWith(context.Background(), failed, ErrorCodeEngineError, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}
	if err := svc.FailWith(context.Background(), failed, ErrorCodeInternal, "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition failing twice, got %v", err)
	}
	if err := svc.CompleteWithResult(context.Background(), failed, sampleResult()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition completing a failed job, got %v", err)
	}

	view, _ := svc.GetStatus(context.Background(), owner, completed)
	if view.Status != StatusCompleted || view.ErrorMessage != "" {
		t.Fatalf("completed job changed: %+v", view)
	}
	view, _ = svc.GetStatus(context.Background(), owner, failed)
	if view.Status != StatusFailed || view.ErrorCode != ErrorCodeEngineError || view.ErrorMessage != "boom" {
		t.Fatalf("failed job changed: %+v", view)
	}
}

func TestFailWithAcceptsPendingJob(t *testing.T) {
	svc, repo := newTestService(t, nil)
	id := uuid.NewString()
	now := time.Now().UTC()
	if err := repo.Create(context.Background(), Job{ID: id, OwnerID: owner, Status: StatusPending, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.FailWith(context.Background(), id, ErrorCodeDispatch, "no worker"); err != nil {
		t.Fatalf("fail pending: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), id)
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed, got %s", stored.Status)
	}
}

type brokenFailRepo struct {
	*MemoryRepo
}

func (r brokenFailRepo) Fail(ctx context.Context, jobID, code, message string, at time.Time) (Job, error) {
	return Job{}, errors.New("connection reset")
}

type brokenCreateRepo struct {
	*MemoryRepo
}

func (r brokenCreateRepo) Create(ctx context.Context, job Job) error {
	return errors.New("disk full")
}

func TestCreateFailureDiscardsArchive(t *testing.T) {
	svc, repo := newTestService(t, nil)
	svc.Repo = brokenCreateRepo{MemoryRepo: repo}
	root := t.TempDir()
	svc.Store = local.New(root)

	if _, err := svc.CreateAndStart(context.Background(), owner, Submission{Raw: []byte(pricingConversation)}); err == nil {
		t.Fatalf("expected create error")
	}
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	if len(files) != 0 {
		t.Fatalf("expected archive to be removed, found %v", files)
	}
}

func TestFailWithSwallowsStorageErrors(t *testing.T) {
	svc, repo := newTestService(t, nil)
	id := seedProcessing(t, repo, owner, time.Now().UTC())
	svc.Repo = brokenFailRepo{MemoryRepo: repo}

	if err := svc.FailWith(context.Background(), id, ErrorCodeEngineError, "boom"); err != nil {
		t.Fatalf("expected storage error to be swallowed, got %v", err)
	}
}

func TestFailWithSanitizesMessage(t *testing.T) {
	svc, repo := newTestService(t, nil)
	id := seedProcessing(t, repo, owner, time.Now().UTC())

	msg := "line one\nline two\r\n" + strings.Repeat("x", 1000)
	if err := svc.FailWith(context.Background(), id, ErrorCodeEngineError, msg); err != nil {
		t.Fatalf("fail: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), id)
	got := deref(stored.ErrorMessage)
	if strings.ContainsAny(got, "\r\n") {
		t.Fatalf("expected a single line, got %q", got)
	}
	if len(got) > maxErrorLen {
		t.Fatalf("expected at most %d bytes, got %d", maxErrorLen, len(got))
	}
	if !strings.HasPrefix(got, "line one line two") {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestGetStatusHidesOtherOwnersJobs(t *testing.T) {
	svc, repo := newTestService(t, nil)
	id := seedProcessing(t, repo, owner, time.Now().UTC())

	if _, err := svc.GetStatus(context.Background(), "guest:someone-else", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for other owner, got %v", err)
	}
	if _, err := svc.GetStatus(context.Background(), owner, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown id, got %v", err)
	}
	if _, err := svc.GetStatus(context.Background(), owner, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for malformed id, got %v", err)
	}
}

func TestGetStatusIsReadOnly(t *testing.T) {
	svc, repo := newTestService(t, nil)
	id := seedProcessing(t, repo, owner, time.Now().UTC())
	before, _ := repo.GetByID(context.Background(), id)

	for i := 0; i < 3; i++ {
		view, err := svc.GetStatus(context.Background(), owner, id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if view.Status != StatusProcessing || view.Result != nil || view.ErrorMessage != "" {
			t.Fatalf("unexpected processing view %+v", view)
		}
	}
	after, _ := repo.GetByID(context.Background(), id)
	if !after.UpdatedAt.Equal(before.UpdatedAt) || after.Status != before.Status {
		t.Fatalf("status read mutated the job")
	}
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]CachedStatus
	sets    int
}

func newMapCache() *mapCache { return &mapCache{entries: map[string]CachedStatus{}} }

func (c *mapCache) Get(ctx context.Context, jobID string) (CachedStatus, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[jobID]
	return e, ok, nil
}

func (c *mapCache) Set(ctx context.Context, entry CachedStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[entry.View.ID] = entry
	c.sets++
	return nil
}

func TestGetStatusServesTerminalViewsFromCache(t *testing.T) {
	svc, repo := newTestService(t, nil)
	cache := newMapCache()
	svc.Cache = cache
	id := seedProcessing(t, repo, owner, time.Now().UTC())

	if _, err := svc.GetStatus(context.Background(), owner, id); err != nil {
		t.Fatalf("get status: %v", err)
	}
	if cache.sets != 0 {
		t.Fatalf("processing views must not be cached")
	}

	if err := svc.CompleteWithResult(context.Background(), id, sampleResult()); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok := cache.entries[id]; !ok {
		t.Fatalf("expected completed view to be cached")
	}

	svc.Repo = brokenFailRepo{MemoryRepo: NewMemoryRepo()}
	view, err := svc.GetStatus(context.Background(), owner, id)
	if err != nil {
		t.Fatalf("get cached status: %v", err)
	}
	if view.Status != StatusCompleted || view.Result == nil {
		t.Fatalf("unexpected cached view %+v", view)
	}
	if _, err := svc.GetStatus(context.Background(), "guest:other", id); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected cached entry to respect ownership, got %v", err)
	}
}

func TestProcessInvokesEngineOncePerJob(t *testing.T) {
	var calls int32
	entered := make(chan struct{})
	release := make(chan struct{})
	engine := analyzerFunc(func(ctx context.Context, conv conversation.Conversation) (analysis.Result, error) {
		atomic.AddInt32(&calls, 1)
		close(entered)
		<-release
		return analysis.Result{Summary: "ok", FlaggedTurns: []analysis.FlaggedTurn{}}, nil
	})
	svc, repo := newTestService(t, engine)
	id := seedProcessing(t, repo, owner, time.Now().UTC())
	conv, err := conversation.Validate([]byte(pricingConversation))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- svc.Process(context.Background(), id, conv) }()
	<-entered

	other := *svc
	other.WorkerID = "other-worker"
	if err := other.Process(context.Background(), id, conv); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("expected ErrAlreadyClaimed, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := svc.Process(context.Background(), id, conv); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition after completion, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one engine call, got %d", got)
	}
}

func TestProcessConvertsPanicToFailure(t *testing.T) {
	engine := analyzerFunc(func(ctx context.Context, conv conversation.Conversation) (analysis.Result, error) {
		panic("engine exploded")
	})
	svc, repo := newTestService(t, engine)
	id := seedProcessing(t, repo, owner, time.Now().UTC())
	conv, _ := conversation.Validate([]byte(pricingConversation))

	err := svc.Process(context.Background(), id, conv)
	if err == nil || !strings.Contains(err.Error(), "panic") {
		t.Fatalf("expected panic error, got %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), id)
	if stored.Status != StatusFailed || deref(stored.ErrorCode) != ErrorCodeInternal {
		t.Fatalf("expected failed with %s, got %s/%s", ErrorCodeInternal, stored.Status, deref(stored.ErrorCode))
	}
}

func TestProcessFailsWithEngineUnavailable(t *testing.T) {
	engine := &analysis.Engine{Client: llm.Unconfigured{Reason: "GEMINI_API_KEY is not set"}}
	svc, _ := newTestService(t, engine)

	job, err := svc.CreateAndStart(context.Background(), owner, Submission{Raw: []byte(pricingConversation)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	view, _ := svc.GetStatus(context.Background(), owner, job.ID)
	if view.Status != StatusFailed || view.ErrorCode != ErrorCodeEngineUnavailable {
		t.Fatalf("expected %s, got %+v", ErrorCodeEngineUnavailable, view)
	}
}

func TestProcessStoredReloadsArchivedConversation(t *testing.T) {
	response := `{"summary":"fine","flaggedTurns":[]}`
	svc, repo := newTestService(t, oracle(response, nil))
	held := &heldDispatcher{}
	svc.Dispatcher = held

	job, err := svc.CreateAndStart(context.Background(), owner, Submission{Raw: []byte(pricingConversation)})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.ProcessStored(context.Background(), job.ID); err != nil {
		t.Fatalf("process stored: %v", err)
	}
	stored, _ := repo.GetByID(context.Background(), job.ID)
	if stored.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", stored.Status, deref(stored.ErrorMessage))
	}
	if err := svc.ProcessStored(context.Background(), job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected redelivery to be rejected, got %v", err)
	}
}

func TestProcessStoredFailsWithoutArchive(t *testing.T) {
	svc, repo := newTestService(t, oracle("{}", nil))
	id := seedProcessing(t, repo, owner, time.Now().UTC())

	if err := svc.ProcessStored(context.Background(), id); err == nil {
		t.Fatalf("expected error without archive")
	}
	stored, _ := repo.GetByID(context.Background(), id)
	if stored.Status != StatusFailed || deref(stored.ErrorCode) != ErrorCodeStorage {
		t.Fatalf("expected %s failure, got %s/%s", ErrorCodeStorage, stored.Status, deref(stored.ErrorCode))
	}
}

func TestSweepStaleFailsStuckJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo := newTestService(t, nil)
	svc.Now = func() time.Time { return now }

	stale := seedProcessing(t, repo, owner, now.Add(-20*time.Minute))
	fresh := seedProcessing(t, repo, owner, now.Add(-time.Minute))
	for _, id := range []string{stale, fresh} {
		job, _ := repo.GetByID(context.Background(), id)
		if err := repo.Claim(context.Background(), id, "worker-1", *job.StartedAt); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	n, err := svc.SweepStale(context.Background(), StaleWindows{Claimed: 15 * time.Minute})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept job, got %d", n)
	}
	got, _ := repo.GetByID(context.Background(), stale)
	if got.Status != StatusFailed || deref(got.ErrorCode) != ErrorCodeStale {
		t.Fatalf("expected stale job failed, got %s/%s", got.Status, deref(got.ErrorCode))
	}
	got, _ = repo.GetByID(context.Background(), fresh)
	if got.Status != StatusProcessing {
		t.Fatalf("fresh job should stay processing, got %s", got.Status)
	}

	if err := svc.CompleteWithResult(context.Background(), stale, sampleResult()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("late completion must be rejected, got %v", err)
	}
}

func TestSweepStaleTimesQueuedJobsSeparately(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo := newTestService(t, nil)
	svc.Now = func() time.Time { return now }
	ctx := context.Background()

	// submitted long ago, claimed a minute ago: still inside its window
	backlogged := seedProcessing(t, repo, owner, now.Add(-time.Hour))
	if err := repo.Claim(ctx, backlogged, "worker-1", now.Add(-time.Minute)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	waiting := seedProcessing(t, repo, owner, now.Add(-time.Hour))
	abandoned := seedProcessing(t, repo, owner, now.Add(-3*time.Hour))

	n, err := svc.SweepStale(ctx, StaleWindows{Claimed: 15 * time.Minute, Queued: 2 * time.Hour})
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 swept job, got %d", n)
	}
	for _, id := range []string{backlogged, waiting} {
		if got, _ := repo.GetByID(ctx, id); got.Status != StatusProcessing {
			t.Fatalf("job %s should stay processing, got %s", id, got.Status)
		}
	}
	got, _ := repo.GetByID(ctx, abandoned)
	if got.Status != StatusFailed || deref(got.ErrorCode) != ErrorCodeStale {
		t.Fatalf("expected abandoned job failed as stale, got %s/%s", got.Status, deref(got.ErrorCode))
	}
	if !strings.Contains(deref(got.ErrorMessage), "without a worker") {
		t.Fatalf("unexpected message %q", deref(got.ErrorMessage))
	}
}

func TestSweepStaleQueuedWindowNeverShorterThanClaimed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo := newTestService(t, nil)
	svc.Now = func() time.Time { return now }

	waiting := seedProcessing(t, repo, owner, now.Add(-10*time.Minute))

	n, err := svc.SweepStale(context.Background(), StaleWindows{Claimed: 15 * time.Minute})
	if err != nil || n != 0 {
		t.Fatalf("expected nothing swept, got %d (%v)", n, err)
	}
	if got, _ := repo.GetByID(context.Background(), waiting); got.Status != StatusProcessing {
		t.Fatalf("expected processing, got %s", got.Status)
	}
}

func TestListNewestFirst(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc, repo := newTestService(t, nil)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, seedProcessing(t, repo, owner, base.Add(time.Duration(i)*time.Minute)))
	}
	seedProcessing(t, repo, "guest:other", base)

	items, err := svc.List(context.Background(), owner, 2, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 2 || items[0].ID != ids[2] || items[1].ID != ids[1] {
		t.Fatalf("unexpected order: %+v", items)
	}
	items, _ = svc.List(context.Background(), owner, 2, 2)
	if len(items) != 1 || items[0].ID != ids[0] {
		t.Fatalf("unexpected second page: %+v", items)
	}
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{analysis.ErrEngineTimeout, ErrorCodeEngineTimeout},
		{context.DeadlineExceeded, ErrorCodeEngineTimeout},
		{analysis.ErrEngineUnavailable, ErrorCodeEngineUnavailable},
		{analysis.ErrEngineInvalidOutput, ErrorCodeEngineInvalidOutput},
		{fmt.Errorf("check: %w", analysis.ErrInconsistentResult), ErrorCodeEngineInvalidOutput},
		{analysis.ErrEngineError, ErrorCodeEngineError},
		{errors.New("other"), ErrorCodeInternal},
	}
	for _, tc := range cases {
		if got := classifyFailure(tc.err); got != tc.want {
			t.Fatalf("classifyFailure(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
