package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hallucheck-backend/internal/llm"
)

func TestNewClientRequiresKey(t *testing.T) {
	_, err := NewClient(" ", "", "")
	require.ErrorIs(t, err, llm.ErrNotConfigured)
}

func TestNewClientDefaultsModel(t *testing.T) {
	c, err := NewClient("sk-test", "", "")
	require.NoError(t, err)
	assert.Equal(t, llm.Info{Provider: "openai", Model: DefaultModel}, c.Info())
}

func TestGenerateSendsJSONModeRequest(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"summary\":\"ok\"}"}}],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`))
	}))
	defer srv.Close()

	c, err := NewClient("sk-test", srv.URL+"/v1", "gpt-4o-mini")
	require.NoError(t, err)

	out, err := c.Generate(context.Background(), "audit this")
	require.NoError(t, err)
	assert.Equal(t, `{"summary":"ok"}`, out)

	assert.Equal(t, "gpt-4o-mini", captured["model"])
	format, ok := captured["response_format"].(map[string]any)
	require.True(t, ok, "response_format missing")
	assert.Equal(t, "json_object", format["type"])
	msgs, ok := captured["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
}

func TestGenerateMapsAPIErrors(t *testing.T) {
	tests := []struct {
		name            string
		status          int
		wantUnavailable bool
	}{
		{name: "bad key", status: http.StatusUnauthorized, wantUnavailable: true},
		{name: "bad request", status: http.StatusBadRequest, wantUnavailable: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"nope","type":"invalid_request_error"}}`))
			}))
			defer srv.Close()

			c, err := NewClient("sk-test", srv.URL+"/v1", "")
			require.NoError(t, err)

			_, err = c.Generate(context.Background(), "p")
			var perr *llm.ProviderError
			require.True(t, errors.As(err, &perr), "expected ProviderError, got %v", err)
			assert.Equal(t, tt.status, perr.StatusCode)
			assert.Equal(t, tt.wantUnavailable, errors.Is(err, llm.ErrUnavailable))
		})
	}
}

func TestGenerateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewClient("sk-test", url+"/v1", "")
	require.NoError(t, err)
	_, err = c.Generate(context.Background(), "p")
	assert.ErrorIs(t, err, llm.ErrUnavailable)
}
