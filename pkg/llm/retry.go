package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/agenda-podcast/fd2/pkg/llm/llmerrors"
	"github.com/agenda-podcast/fd2/pkg/logx"
)

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay"`  // Initial delay before first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Add random jitter to prevent thundering herd
}

// DefaultRetryConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  time.Second,
	MaxDelay:      30 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default classifier. Cancellation and non-retryable llmerrors types
// (auth, bad prompt, quota) stop immediately. A per-request deadline counts as transient.
func ShouldRetry(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	return llmerrors.Classify(err, 0).IsRetryable()
}

// RetryPolicy encapsulates retry configuration and logic.
//
//nolint:govet // Simple struct, logical grouping preferred
type RetryPolicy struct {
	Config     RetryConfig
	Classifier Classifier
}

// NewRetryPolicy creates a new retry policy with the given configuration and classifier.
func NewRetryPolicy(config RetryConfig, classifier Classifier) *RetryPolicy {
	if classifier == nil {
		classifier = ShouldRetry
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	return &RetryPolicy{
		Config:     config,
		Classifier: classifier,
	}
}

// CalculateDelay computes the delay before the given attempt number (1-based).
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	// +-10% jitter.
	if p.Config.Jitter && delay > 0 {
		jitter := time.Duration(float64(delay) * 0.1 * (2*rand.Float64() - 1))
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}
	return delay
}

// ShouldRetry determines if an error should be retried based on the configured classifier.
func (p *RetryPolicy) ShouldRetry(err error) bool {
	return p.Classifier(err)
}

// RetryMiddleware retries failed requests according to policy with exponential backoff.
// Exhausting the attempts on a retryable error yields ErrorTypeServiceUnavailable.
func RetryMiddleware(policy *RetryPolicy) Middleware {
	logger := logx.NewLogger("llm")
	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				var lastErr error

				for attempt := 1; attempt <= policy.Config.MaxAttempts; attempt++ {
					if attempt > 1 {
						delay := policy.CalculateDelay(attempt)
						logger.Debug("retrying %s (attempt %d/%d) in %s after: %v",
							next.ModelName(), attempt, policy.Config.MaxAttempts, delay, lastErr)
						if delay > 0 {
							timer := time.NewTimer(delay)
							select {
							case <-ctx.Done():
								timer.Stop()
								return CompletionResponse{}, fmt.Errorf("retry cancelled: %w", ctx.Err())
							case <-timer.C:
							}
						}
					}

					resp, err := next.Complete(ctx, req)
					if err == nil {
						return resp, nil
					}
					lastErr = err

					if ctx.Err() != nil || !policy.ShouldRetry(err) {
						return CompletionResponse{}, lastErr
					}
				}

				logger.Warn("%s still failing after %d attempts: %v", next.ModelName(), policy.Config.MaxAttempts, lastErr)
				return CompletionResponse{}, llmerrors.NewServiceUnavailableError(lastErr, policy.Config.MaxAttempts)
			},
			next.ModelName,
		)
	}
}
