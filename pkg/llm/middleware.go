package llm

import (
	"context"
	"strings"
	"time"

	"github.com/agenda-podcast/fd2/pkg/llm/llmerrors"
)

// TimeoutMiddleware gives every request its own deadline.
func TimeoutMiddleware(duration time.Duration) Middleware {
	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				if duration <= 0 {
					return next.Complete(ctx, req)
				}
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req)
			},
			next.ModelName,
		)
	}
}

// EmptyResponseMiddleware turns a blank completion into an ErrorTypeEmptyResponse error so the
// retry middleware can try again.
func EmptyResponseMiddleware() Middleware {
	return func(next Client) Client {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err
				}
				if strings.TrimSpace(resp.Content) == "" {
					return resp, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse,
						"empty completion (stop reason: "+resp.StopReason+")")
				}
				return resp, nil
			},
			next.ModelName,
		)
	}
}
