package llmerrors

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// bodyStubLen bounds how much of a provider message is kept on the error.
const bodyStubLen = 300

//nolint:gochecknoglobals // fixed marker tables
var (
	quotaMarkers = []string{
		"insufficient_quota",
		"quota",
		"billing",
		"credit balance is too low",
		"exceeded your current usage",
	}
	transientMarkers = []string{"timeout", "connection", "network", "temporary", "eof", "reset", "unavailable", "overloaded"}
	rateMarkers      = []string{"rate limit", "rate_limit", "ratelimit", "too many requests"}
	authMarkers      = []string{"unauthorized", "api key", "api_key", "authentication", "permission denied"}
	badPromptMarkers = []string{"invalid", "malformed", "too large", "too long", "context length", "maximum context"}
)

// IsQuotaMessage reports whether a provider message signals an exhausted quota or budget.
// RESOURCE_EXHAUSTED counts only together with a quota mention.
func IsQuotaMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, m := range quotaMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Classify maps a provider error to a classified *Error. statusCode is the HTTP status when
// the SDK exposes one, 0 otherwise. Already classified errors are returned unchanged.
func Classify(err error, statusCode int) *Error {
	if err == nil {
		return nil
	}

	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewErrorWithCause(ErrorTypeTransient, err, "request canceled")
	}

	msg := err.Error()
	if statusCode == 0 {
		statusCode = extractStatusCode(msg)
	}

	classified := classifyMessage(statusCode, msg)
	classified.Err = err
	classified.StatusCode = statusCode
	classified.BodyStub = stub(msg)
	return classified
}

func classifyMessage(statusCode int, msg string) *Error {
	if IsQuotaMessage(msg) || statusCode == 402 {
		return NewErrorWithStatus(ErrorTypeQuotaExceeded, statusCode, "quota or billing limit exceeded")
	}

	switch statusCode {
	case 401, 403:
		return NewErrorWithStatus(ErrorTypeAuth, statusCode, "authentication failed - check API key")
	case 429:
		return NewErrorWithStatus(ErrorTypeRateLimit, statusCode, "rate limit exceeded")
	case 400, 404, 413, 422:
		return NewErrorWithStatus(ErrorTypeBadPrompt, statusCode, "bad request - check prompt format and parameters")
	case 500, 502, 503, 504, 529:
		return NewErrorWithStatus(ErrorTypeTransient, statusCode, "server error")
	}

	lower := strings.ToLower(msg)
	switch {
	case containsAny(lower, transientMarkers):
		return NewError(ErrorTypeTransient, "network or connection error")
	case containsAny(lower, rateMarkers):
		return NewError(ErrorTypeRateLimit, "rate limiting detected")
	case containsAny(lower, authMarkers):
		return NewError(ErrorTypeAuth, "authentication error")
	case containsAny(lower, badPromptMarkers):
		return NewError(ErrorTypeBadPrompt, "prompt or request error")
	default:
		return NewError(ErrorTypeUnknown, "unclassified error")
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// extractStatusCode attempts to extract an HTTP status code from an error string.
func extractStatusCode(errStr string) int {
	lower := strings.ToLower(errStr)
	for _, pattern := range []string{"status code: ", "status: ", "http ", "code ", "error "} {
		idx := strings.Index(lower, pattern)
		for idx != -1 {
			start := idx + len(pattern)
			if start+3 <= len(lower) {
				if code, err := strconv.Atoi(lower[start : start+3]); err == nil && code >= 400 && code < 600 {
					return code
				}
			}
			next := strings.Index(lower[start:], pattern)
			if next == -1 {
				break
			}
			idx = start + next
		}
	}
	return 0
}

func stub(msg string) string {
	if len(msg) <= bodyStubLen {
		return msg
	}
	return msg[:bodyStubLen]
}
