package jobs

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"hallucheck-backend/internal/analysis"
)

// MongoRepo implements Repo on a MongoDB collection. The result lives inside
// the job document, so completing a job is a single-document update.
type MongoRepo struct {
	Collection *mongo.Collection
}

// NewMongoRepo returns a repo over the "jobs" collection of database.
func NewMongoRepo(client *mongo.Client, database string) *MongoRepo {
	return &MongoRepo{Collection: client.Database(database).Collection("jobs")}
}

// EnsureIndexes creates the indexes used by ListByOwner and ListStale.
func (r *MongoRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.Collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "claimed_at", Value: 1}}},
	})
	return err
}

type jobDocument struct {
	ID                 string          `bson:"_id"`
	OwnerID            string          `bson:"owner_id"`
	Status             string          `bson:"status"`
	CreatedAt          time.Time       `bson:"created_at"`
	UpdatedAt          time.Time       `bson:"updated_at"`
	StartedAt          *time.Time      `bson:"started_at,omitempty"`
	CompletedAt        *time.Time      `bson:"completed_at,omitempty"`
	ErrorCode          *string         `bson:"error_code,omitempty"`
	ErrorMessage       *string         `bson:"error_message,omitempty"`
	FileName           string          `bson:"file_name"`
	FileSizeBytes      int64           `bson:"file_size_bytes"`
	StorageKey         string          `bson:"storage_key"`
	TurnCount          int             `bson:"turn_count"`
	AssistantTurnCount int             `bson:"assistant_turn_count"`
	Provider           string          `bson:"provider"`
	Model              string          `bson:"model"`
	ClaimedBy          *string         `bson:"claimed_by,omitempty"`
	ClaimedAt          *time.Time      `bson:"claimed_at,omitempty"`
	Result             *resultDocument `bson:"result,omitempty"`
}

type resultDocument struct {
	Summary           string            `bson:"summary"`
	HallucinationRate float64           `bson:"hallucination_rate"`
	AverageConfidence float64           `bson:"average_confidence"`
	FlaggedTurns      []flaggedDocument `bson:"flagged_turns"`
	IssueBreakdown    map[string]int    `bson:"issue_breakdown"`
}

type flaggedDocument struct {
	TurnIndex        int     `bson:"turn_index"`
	AssistantContent string  `bson:"assistant_content"`
	IssueType        string  `bson:"issue_type"`
	Explanation      string  `bson:"explanation"`
	Confidence       float64 `bson:"confidence"`
	NumericalImpact  *string `bson:"numerical_impact"`
}

func toDocument(job Job) jobDocument {
	doc := jobDocument{
		ID:                 job.ID,
		OwnerID:            job.OwnerID,
		Status:             job.Status,
		CreatedAt:          job.CreatedAt,
		UpdatedAt:          job.UpdatedAt,
		StartedAt:          job.StartedAt,
		CompletedAt:        job.CompletedAt,
		ErrorCode:          job.ErrorCode,
		ErrorMessage:       job.ErrorMessage,
		FileName:           job.FileName,
		FileSizeBytes:      job.FileSizeBytes,
		StorageKey:         job.StorageKey,
		TurnCount:          job.TurnCount,
		AssistantTurnCount: job.AssistantTurnCount,
		Provider:           job.Provider,
		Model:              job.Model,
		ClaimedBy:          job.ClaimedBy,
		ClaimedAt:          job.ClaimedAt,
	}
	if job.Result != nil {
		res := toResultDocument(*job.Result)
		doc.Result = &res
	}
	return doc
}

func toResultDocument(res analysis.Result) resultDocument {
	out := resultDocument{
		Summary:           res.Summary,
		HallucinationRate: res.HallucinationRate,
		AverageConfidence: res.AverageConfidence,
		FlaggedTurns:      make([]flaggedDocument, 0, len(res.FlaggedTurns)),
		IssueBreakdown:    make(map[string]int, len(analysis.IssueTypes)),
	}
	for _, ft := range res.FlaggedTurns {
		out.FlaggedTurns = append(out.FlaggedTurns, flaggedDocument{
			TurnIndex:        ft.TurnIndex,
			AssistantContent: ft.AssistantContent,
			IssueType:        string(ft.IssueType),
			Explanation:      ft.Explanation,
			Confidence:       ft.Confidence,
			NumericalImpact:  ft.NumericalImpact,
		})
	}
	for _, t := range analysis.IssueTypes {
		out.IssueBreakdown[string(t)] = res.IssueBreakdown.Count(t)
	}
	return out
}

func (d jobDocument) toJob() Job {
	job := Job{
		ID:                 d.ID,
		OwnerID:            d.OwnerID,
		Status:             d.Status,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
		StartedAt:          d.StartedAt,
		CompletedAt:        d.CompletedAt,
		ErrorCode:          d.ErrorCode,
		ErrorMessage:       d.ErrorMessage,
		FileName:           d.FileName,
		FileSizeBytes:      d.FileSizeBytes,
		StorageKey:         d.StorageKey,
		TurnCount:          d.TurnCount,
		AssistantTurnCount: d.AssistantTurnCount,
		Provider:           d.Provider,
		Model:              d.Model,
		ClaimedBy:          d.ClaimedBy,
		ClaimedAt:          d.ClaimedAt,
	}
	if d.Result != nil {
		res := analysis.Result{
			Summary:           d.Result.Summary,
			HallucinationRate: d.Result.HallucinationRate,
			AverageConfidence: d.Result.AverageConfidence,
			FlaggedTurns:      make([]analysis.FlaggedTurn, 0, len(d.Result.FlaggedTurns)),
			IssueBreakdown: analysis.IssueBreakdown{
				SelfContradiction:  d.Result.IssueBreakdown[string(analysis.SelfContradiction)],
				Overconfidence:     d.Result.IssueBreakdown[string(analysis.Overconfidence)],
				FabricatedCitation: d.Result.IssueBreakdown[string(analysis.FabricatedCitation)],
				HardcodedFact:      d.Result.IssueBreakdown[string(analysis.HardcodedFact)],
			},
		}
		for _, ft := range d.Result.FlaggedTurns {
			res.FlaggedTurns = append(res.FlaggedTurns, analysis.FlaggedTurn{
				TurnIndex:        ft.TurnIndex,
				AssistantContent: ft.AssistantContent,
				IssueType:        analysis.IssueType(ft.IssueType),
				Explanation:      ft.Explanation,
				Confidence:       ft.Confidence,
				NumericalImpact:  ft.NumericalImpact,
			})
		}
		job.Result = &res
	}
	return job
}

// Create inserts a new job document.
func (r *MongoRepo) Create(ctx context.Context, job Job) error {
	_, err := r.Collection.InsertOne(ctx, toDocument(job))
	return err
}

// GetByID returns a job by ID.
func (r *MongoRepo) GetByID(ctx context.Context, jobID string) (Job, error) {
	var doc jobDocument
	err := r.Collection.FindOne(ctx, bson.M{"_id": jobID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Job{}, ErrNotFound
		}
		return Job{}, err
	}
	return doc.toJob(), nil
}

// MarkProcessing moves a pending job to processing.
func (r *MongoRepo) MarkProcessing(ctx context.Context, jobID string, at time.Time) error {
	_, err := r.update(ctx, jobID, false,
		bson.M{"_id": jobID, "status": StatusPending},
		bson.M{"$set": bson.M{"status": StatusProcessing, "started_at": at, "updated_at": at}},
	)
	return err
}

// Claim records workerID on an unclaimed processing job.
func (r *MongoRepo) Claim(ctx context.Context, jobID, workerID string, at time.Time) error {
	_, err := r.update(ctx, jobID, true,
		bson.M{"_id": jobID, "status": StatusProcessing, "claimed_by": nil},
		bson.M{"$set": bson.M{"claimed_by": workerID, "claimed_at": at, "updated_at": at}},
	)
	return err
}

// Complete marks the job completed and embeds its result.
func (r *MongoRepo) Complete(ctx context.Context, jobID string, res analysis.Result, at time.Time) (Job, error) {
	return r.update(ctx, jobID, false,
		bson.M{"_id": jobID, "status": StatusProcessing},
		bson.M{"$set": bson.M{
			"status":       StatusCompleted,
			"result":       toResultDocument(res),
			"completed_at": at,
			"updated_at":   at,
		}},
	)
}

// Fail marks a pending or processing job failed.
func (r *MongoRepo) Fail(ctx context.Context, jobID, code, message string, at time.Time) (Job, error) {
	return r.update(ctx, jobID, false,
		bson.M{"_id": jobID, "status": bson.M{"$in": bson.A{StatusPending, StatusProcessing}}},
		bson.M{"$set": bson.M{
			"status":        StatusFailed,
			"error_code":    code,
			"error_message": message,
			"completed_at":  at,
			"updated_at":    at,
		}},
	)
}

// ListByOwner returns the owner's jobs newest first, without results.
func (r *MongoRepo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]Job, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(offset)).
		SetProjection(bson.M{"result": 0})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return r.find(ctx, bson.M{"owner_id": ownerID}, opts)
}

// ListStale returns processing jobs claimed before claimedBefore, plus
// unclaimed ones started before queuedBefore, oldest first.
func (r *MongoRepo) ListStale(ctx context.Context, claimedBefore, queuedBefore time.Time, limit int) ([]Job, error) {
	opts := options.Find().SetSort(bson.D{{Key: "claimed_at", Value: 1}, {Key: "started_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	filter := bson.M{
		"status": StatusProcessing,
		"$or": bson.A{
			bson.M{"claimed_at": bson.M{"$lt": claimedBefore}},
			bson.M{"claimed_at": nil, "started_at": bson.M{"$lt": queuedBefore}},
		},
	}
	return r.find(ctx, filter, opts)
}

func (r *MongoRepo) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]Job, error) {
	cur, err := r.Collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []jobDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	items := make([]Job, 0, len(docs))
	for _, d := range docs {
		items = append(items, d.toJob())
	}
	return items, nil
}

func (r *MongoRepo) update(ctx context.Context, jobID string, claim bool, filter, update bson.M) (Job, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc jobDocument
	err := r.Collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return Job{}, r.missReason(ctx, jobID, claim)
		}
		return Job{}, err
	}
	return doc.toJob(), nil
}

func (r *MongoRepo) missReason(ctx context.Context, jobID string, claim bool) error {
	var current struct {
		Status    string  `bson:"status"`
		ClaimedBy *string `bson:"claimed_by"`
	}
	opts := options.FindOne().SetProjection(bson.M{"status": 1, "claimed_by": 1})
	err := r.Collection.FindOne(ctx, bson.M{"_id": jobID}, opts).Decode(&current)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return ErrNotFound
		}
		return err
	}
	if claim && current.Status == StatusProcessing && current.ClaimedBy != nil {
		return ErrAlreadyClaimed
	}
	return ErrInvalidTransition
}

var _ Repo = (*MongoRepo)(nil)
