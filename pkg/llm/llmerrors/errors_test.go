package llmerrors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   ErrorType
	}{
		{"gemini quota", errors.New("Error 429, Message: You exceeded your current quota, Status: RESOURCE_EXHAUSTED"), 429, ErrorTypeQuotaExceeded},
		{"openai insufficient quota", errors.New(`429 Too Many Requests {"code":"insufficient_quota"}`), 0, ErrorTypeQuotaExceeded},
		{"anthropic billing", errors.New("Your credit balance is too low to access the API"), 400, ErrorTypeQuotaExceeded},
		{"payment required", errors.New("payment required"), 402, ErrorTypeQuotaExceeded},
		{"plain rate limit", errors.New("slow down"), 429, ErrorTypeRateLimit},
		{"rate limit from text", errors.New("rate limit reached for requests"), 0, ErrorTypeRateLimit},
		{"auth", errors.New("bad key"), 401, ErrorTypeAuth},
		{"status in text", errors.New("POST /v1/messages: status code: 503 overloaded"), 0, ErrorTypeTransient},
		{"connection reset", errors.New("read tcp: connection reset by peer"), 0, ErrorTypeTransient},
		{"bad request", errors.New("prompt is too long"), 400, ErrorTypeBadPrompt},
		{"invalid api key text", errors.New("invalid api key provided"), 0, ErrorTypeAuth},
		{"unknown", errors.New("something odd"), 0, ErrorTypeUnknown},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), 0, ErrorTypeTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err, tt.status)
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Type, "error: %v", got)
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestClassifyCarriesStatus(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		want   int
	}{
		{"given", errors.New("slow down"), 429, 429},
		{"from text", errors.New("POST /v1/messages: status code: 503 overloaded"), 0, 503},
		{"quota", errors.New("payment required"), 402, 402},
		{"none", errors.New("something odd"), 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err, tt.status).StatusCode)
		})
	}

	e := NewErrorWithStatus(ErrorTypeAuth, 401, "bad key")
	assert.Equal(t, 401, e.StatusCode)
	assert.True(t, Is(e, ErrorTypeAuth))
}

func TestClassifyKeepsClassifiedErrors(t *testing.T) {
	orig := NewError(ErrorTypeEmptyResponse, "nothing came back")
	wrapped := fmt.Errorf("provider: %w", orig)
	assert.Same(t, orig, Classify(wrapped, 500))
	assert.Nil(t, Classify(nil, 0))
}

func TestRetryability(t *testing.T) {
	retryable := []ErrorType{ErrorTypeRateLimit, ErrorTypeTransient, ErrorTypeEmptyResponse, ErrorTypeUnknown}
	for _, et := range retryable {
		assert.True(t, (&Error{Type: et}).IsRetryable(), et.String())
	}
	fatal := []ErrorType{ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeQuotaExceeded, ErrorTypeServiceUnavailable}
	for _, et := range fatal {
		assert.False(t, (&Error{Type: et}).IsRetryable(), et.String())
	}
	assert.Equal(t, 0, (&Error{Type: ErrorTypeQuotaExceeded}).GetRetryConfig().MaxRetries)
}

func TestIsHelpers(t *testing.T) {
	quota := fmt.Errorf("generate: %w", NewError(ErrorTypeQuotaExceeded, "out of budget"))
	assert.True(t, IsQuotaExceeded(quota))
	assert.Equal(t, ErrorTypeQuotaExceeded, TypeOf(quota))
	assert.False(t, IsServiceUnavailable(quota))
	assert.Equal(t, ErrorTypeUnknown, TypeOf(errors.New("plain")))

	su := NewServiceUnavailableError(errors.New("503"), 3)
	assert.True(t, IsServiceUnavailable(su))
	assert.Contains(t, su.Error(), "after 3 attempts")
}

func TestSanitizePrompt(t *testing.T) {
	short := "hello"
	assert.Equal(t, short, SanitizePrompt(short, 100))

	long := strings.Repeat("a", 500) + strings.Repeat("b", 500)
	got := SanitizePrompt(long, 200)
	assert.True(t, strings.HasPrefix(got, strings.Repeat("a", 100)))
	assert.True(t, strings.HasSuffix(got, strings.Repeat("b", 100)))
	assert.Contains(t, got, "[1000 chars, hash:")
}
