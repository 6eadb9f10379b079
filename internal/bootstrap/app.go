package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"

	"hallucheck-backend/internal/analysis"
	"hallucheck-backend/internal/jobs"
	"hallucheck-backend/internal/llm"
	"hallucheck-backend/internal/llm/gemini"
	"hallucheck-backend/internal/llm/langchain"
	"hallucheck-backend/internal/llm/openai"
	"hallucheck-backend/internal/queue"
	"hallucheck-backend/internal/shared/config"
	"hallucheck-backend/internal/shared/storage/db"
	"hallucheck-backend/internal/shared/storage/object"
	localstore "hallucheck-backend/internal/shared/storage/object/local"
	s3store "hallucheck-backend/internal/shared/storage/object/s3"
	"hallucheck-backend/internal/shared/telemetry"
)

// Role selects which dependencies a process needs.
type Role int

const (
	// RoleAPI serves HTTP and dispatches jobs.
	RoleAPI Role = iota
	// RoleWorker consumes queued jobs.
	RoleWorker
)

// App holds shared dependencies for the api and worker binaries.
type App struct {
	Config     config.Config
	DB         *sql.DB
	Mongo      *mongo.Client
	Redis      *redis.Client
	Store      object.Store
	Repo       jobs.Repo
	Engine     *analysis.Engine
	Pool       *jobs.PoolDispatcher
	Queue      queue.Client
	Service    *jobs.Service
	JobHandler *jobs.Handler
}

// Build prepares dependencies for role. Call Close when done.
func Build(ctx context.Context, cfg config.Config, role Role) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	telemetry.Configure(cfg.Env, cfg.LogLevel)

	app := &App{Config: cfg}
	if err := app.build(ctx, role); err != nil {
		app.Close(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context, role Role) error {
	cfg := a.Config

	repo, err := a.buildRepo(ctx, role)
	if err != nil {
		return err
	}
	a.Repo = repo

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	a.Store = store

	client, info, err := BuildLLM(cfg)
	if err != nil {
		return err
	}
	a.Engine = &analysis.Engine{Client: client, Info: info, Timeout: cfg.EngineTimeout}

	var cache jobs.StatusCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		a.Redis = redis.NewClient(opts)
		cache = jobs.NewRedisStatusCache(a.Redis, 0)
	}

	dispatcher, err := a.buildDispatcher(ctx, role)
	if err != nil {
		return err
	}

	a.Service = &jobs.Service{
		Repo:       repo,
		Store:      store,
		Engine:     a.Engine,
		Dispatcher: dispatcher,
		Cache:      cache,
		Provider:   info.Provider,
		Model:      info.Model,
	}
	a.JobHandler = jobs.NewHandler(a.Service)

	telemetry.Info("bootstrap.ready", map[string]any{
		"env":        cfg.Env,
		"provider":   info.Provider,
		"model":      info.Model,
		"store":      cfg.ObjectStoreType,
		"dispatcher": cfg.Dispatcher,
		"cache":      a.Redis != nil,
	})
	return nil
}

func (a *App) buildRepo(ctx context.Context, role Role) (jobs.Repo, error) {
	cfg := a.Config
	switch {
	case strings.TrimSpace(cfg.DatabaseURL) != "":
		profile := db.ProfileAPI
		if role == RoleWorker {
			profile = db.ProfileWorker
		}
		sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.PoolFor(profile, cfg.WorkerConcurrency)))
		if err != nil {
			return nil, err
		}
		a.DB = sqlDB
		if isDevLike(cfg.Env) {
			if err := db.RunMigrations(ctx, sqlDB); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		return &jobs.PGRepo{DB: sqlDB}, nil

	case strings.TrimSpace(cfg.MongoURI) != "":
		client, err := mongo.Connect(ctx, mongooptions.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		a.Mongo = client
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx, nil); err != nil {
			return nil, fmt.Errorf("ping mongo: %w", err)
		}
		repo := jobs.NewMongoRepo(client, cfg.MongoDatabase)
		if err := repo.EnsureIndexes(ctx); err != nil {
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		return repo, nil

	default:
		if role == RoleWorker {
			return nil, errors.New("worker requires DATABASE_URL or MONGO_URI")
		}
		if !isDevLike(cfg.Env) {
			return nil, errors.New("DATABASE_URL or MONGO_URI is required")
		}
		telemetry.Warn("bootstrap.memory_repo", map[string]any{"env": cfg.Env})
		return jobs.NewMemoryRepo(), nil
	}
}

func (a *App) buildDispatcher(ctx context.Context, role Role) (jobs.Dispatcher, error) {
	cfg := a.Config
	if role == RoleWorker {
		// workers only run claimed jobs; they never dispatch
		return nil, nil
	}
	if cfg.Dispatcher == "sqs" {
		client, err := queue.NewSQSClient(ctx, cfg.SQSQueueURL, cfg.AWSRegion)
		if err != nil {
			return nil, err
		}
		a.Queue = client
		return &jobs.QueueDispatcher{Queue: client}, nil
	}
	a.Pool = jobs.NewPoolDispatcher(cfg.WorkerConcurrency)
	return a.Pool, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.Store, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		if strings.TrimSpace(cfg.S3Bucket) == "" {
			return nil, errors.New("OBJECT_STORE=s3 requires S3_BUCKET")
		}
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

// BuildLLM returns the oracle for the configured provider. A provider with no
// credential yields llm.Unconfigured so jobs fail with ENGINE_UNAVAILABLE.
func BuildLLM(cfg config.Config) (llm.Client, llm.Info, error) {
	unconfigured := func(model, reason string) (llm.Client, llm.Info, error) {
		telemetry.Warn("bootstrap.llm_unconfigured", map[string]any{"provider": cfg.LLMProvider, "reason": reason})
		return llm.Unconfigured{Reason: reason}, llm.Info{Provider: cfg.LLMProvider, Model: model}, nil
	}

	switch cfg.LLMProvider {
	case "none":
		return unconfigured(cfg.LLMModel, "LLM_PROVIDER=none")
	case "openai":
		if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
			return unconfigured(modelOr(cfg.LLMModel, openai.DefaultModel), "OPENAI_API_KEY is not set")
		}
		c, err := openai.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.LLMModel)
		if err != nil {
			return nil, llm.Info{}, err
		}
		return c, c.Info(), nil
	case "anthropic":
		if strings.TrimSpace(cfg.AnthropicAPIKey) == "" {
			return unconfigured(modelOr(cfg.LLMModel, langchain.DefaultAnthropicModel), "ANTHROPIC_API_KEY is not set")
		}
		c, err := langchain.NewAnthropic(cfg.AnthropicAPIKey, cfg.LLMModel)
		if err != nil {
			return nil, llm.Info{}, err
		}
		return c, c.Info(), nil
	case "ollama":
		if strings.TrimSpace(cfg.OllamaHost) == "" {
			return unconfigured(modelOr(cfg.LLMModel, langchain.DefaultOllamaModel), "OLLAMA_HOST is not set")
		}
		c, err := langchain.NewOllama(cfg.OllamaHost, cfg.LLMModel)
		if err != nil {
			return nil, llm.Info{}, err
		}
		return c, c.Info(), nil
	default:
		if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
			return unconfigured(modelOr(cfg.LLMModel, gemini.DefaultModel), "GEMINI_API_KEY is not set")
		}
		c, err := gemini.NewClient(gemini.Options{
			APIKey:  cfg.GeminiAPIKey,
			Model:   cfg.LLMModel,
			BaseURL: cfg.GeminiBaseURL,
		})
		if err != nil {
			return nil, llm.Info{}, err
		}
		return c, c.Info(), nil
	}
}

// Close releases connections. In-flight pool tasks are waited on until ctx ends.
func (a *App) Close(ctx context.Context) {
	if a.Pool != nil {
		if err := a.Pool.Shutdown(ctx); err != nil {
			telemetry.Warn("bootstrap.pool_shutdown", map[string]any{"error": err.Error()})
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.Mongo != nil {
		_ = a.Mongo.Disconnect(ctx)
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}

func modelOr(model, def string) string {
	if strings.TrimSpace(model) == "" {
		return def
	}
	return model
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local", "test":
		return true
	default:
		return false
	}
}
