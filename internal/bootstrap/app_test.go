package bootstrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"hallucheck-backend/internal/jobs"
	"hallucheck-backend/internal/llm"
	"hallucheck-backend/internal/shared/config"
)

func devConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Env:               "dev",
		LogLevel:          "error",
		ObjectStoreType:   "local",
		LocalStoreDir:     t.TempDir(),
		LLMProvider:       "none",
		Dispatcher:        "inline",
		WorkerConcurrency: 2,
		EngineTimeout:     time.Minute,
	}
}

func TestBuildDevUsesMemoryRepoAndPool(t *testing.T) {
	app, err := Build(context.Background(), devConfig(t), RoleAPI)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer app.Close(context.Background())

	if _, ok := app.Repo.(*jobs.MemoryRepo); !ok {
		t.Fatalf("expected memory repo, got %T", app.Repo)
	}
	if app.Pool == nil || app.Service.Dispatcher != app.Pool {
		t.Fatalf("expected pool dispatcher")
	}
	if app.Service.Cache != nil {
		t.Fatalf("expected no cache without REDIS_URL")
	}
	if app.JobHandler == nil {
		t.Fatalf("expected job handler")
	}
}

func TestBuildRequiresDatabaseOutsideDev(t *testing.T) {
	cfg := devConfig(t)
	cfg.Env = "production"
	if _, err := Build(context.Background(), cfg, RoleAPI); err == nil {
		t.Fatalf("expected error without a database in production")
	}
}

func TestBuildWorkerRequiresDatabase(t *testing.T) {
	if _, err := Build(context.Background(), devConfig(t), RoleWorker); err == nil {
		t.Fatalf("expected error for worker without a database")
	}
}

func TestBuildRejectsBadRedisURL(t *testing.T) {
	cfg := devConfig(t)
	cfg.RedisURL = "not a url"
	if _, err := Build(context.Background(), cfg, RoleAPI); err == nil {
		t.Fatalf("expected REDIS_URL parse error")
	}
}

func TestBuildLLMMissingKeyIsUnconfigured(t *testing.T) {
	cases := []struct {
		provider string
		model    string
	}{
		{provider: "openai", model: "gpt-4o-mini"},
		{provider: "gemini", model: "gemini-2.5-flash"},
		{provider: "anthropic", model: "claude-3-5-haiku-latest"},
		{provider: "ollama", model: "llama3.1"},
	}
	for _, tc := range cases {
		t.Run(tc.provider, func(t *testing.T) {
			client, info, err := BuildLLM(config.Config{LLMProvider: tc.provider})
			if err != nil {
				t.Fatalf("BuildLLM: %v", err)
			}
			if _, ok := client.(llm.Unconfigured); !ok {
				t.Fatalf("expected Unconfigured, got %T", client)
			}
			if info.Provider != tc.provider || info.Model != tc.model {
				t.Fatalf("unexpected info %+v", info)
			}
			if _, err := client.Generate(context.Background(), "prompt"); !errors.Is(err, llm.ErrNotConfigured) {
				t.Fatalf("expected ErrNotConfigured, got %v", err)
			}
		})
	}
}

func TestBuildLLMWithKey(t *testing.T) {
	client, info, err := BuildLLM(config.Config{LLMProvider: "openai", OpenAIAPIKey: "sk-test", LLMModel: "gpt-test"})
	if err != nil {
		t.Fatalf("BuildLLM: %v", err)
	}
	if _, ok := client.(llm.Unconfigured); ok {
		t.Fatalf("expected a real client")
	}
	if info.Provider != "openai" || info.Model != "gpt-test" {
		t.Fatalf("unexpected info %+v", info)
	}
}
