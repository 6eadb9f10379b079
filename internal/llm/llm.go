package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Client is a text-completion oracle: one prompt in, one completion out.
type Client interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Info names the provider and model behind a Client. It is recorded on every job.
type Info struct {
	Provider string
	Model    string
}

var (
	// ErrNotConfigured means the provider has no credential or endpoint.
	ErrNotConfigured = errors.New("llm provider not configured")
	// ErrUnavailable means the provider could not be reached or refused the credential.
	ErrUnavailable = errors.New("llm provider unavailable")
)

// ProviderError is a failure reported by the provider itself.
type ProviderError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Is treats auth failures and gateway errors as ErrUnavailable.
func (e *ProviderError) Is(target error) bool {
	if target != ErrUnavailable {
		return false
	}
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Unavailable wraps a transport failure so callers can match ErrUnavailable.
// Context errors pass through untouched.
func Unavailable(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, provider, err)
}

// Unconfigured is used when a provider is selected but has no credential.
// Every call fails with ErrNotConfigured so jobs fail instead of the process refusing to start.
type Unconfigured struct {
	Reason string
}

// Generate returns ErrNotConfigured.
func (u Unconfigured) Generate(ctx context.Context, prompt string) (string, error) {
	if u.Reason == "" {
		return "", ErrNotConfigured
	}
	return "", fmt.Errorf("%w: %s", ErrNotConfigured, u.Reason)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, prompt string) (string, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

var (
	_ Client = Unconfigured{}
	_ Client = ClientFunc(nil)
)
