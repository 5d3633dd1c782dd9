package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/agenda-podcast/fd2/pkg/llm/llmerrors"
	"github.com/agenda-podcast/fd2/pkg/logx"
)

// Request outcome label used when a call succeeds.
const StatusOK = "ok"

// Recorder receives one observation per Generate call.
type Recorder interface {
	ObserveLLMRequest(provider, status string, elapsed time.Duration)
}

// GeneratorOptions configures a Generator.
type GeneratorOptions struct {
	Provider    string
	System      string
	MaxTokens   int
	Temperature float32
	// Timeout bounds each provider request; retries get a fresh deadline.
	Timeout  time.Duration
	Retry    RetryConfig
	Recorder Recorder
}

// Generator adapts a Client to the single-prompt Generate call used by the tune loop.
// It layers retry, per-request timeout and empty-response detection over the client.
type Generator struct {
	client Client
	opts   GeneratorOptions
	logger *logx.Logger
}

// NewGenerator wraps base with the standard middleware chain.
func NewGenerator(base Client, opts GeneratorOptions) *Generator {
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultMaxTokens
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = DefaultRetryConfig
	}
	client := Chain(base,
		RetryMiddleware(NewRetryPolicy(opts.Retry, nil)),
		TimeoutMiddleware(opts.Timeout),
		EmptyResponseMiddleware(),
	)
	return &Generator{
		client: client,
		opts:   opts,
		logger: logx.NewLogger("llm"),
	}
}

// ModelName returns the underlying model.
func (g *Generator) ModelName() string {
	return g.client.ModelName()
}

// Generate sends prompt as a single user message and returns the completion text.
// Quota exhaustion comes back as an llmerrors ErrorTypeQuotaExceeded error.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	var messages []CompletionMessage
	if g.opts.System != "" {
		messages = append(messages, NewSystemMessage(g.opts.System))
	}
	messages = append(messages, NewUserMessage(prompt))

	req := CompletionRequest{
		Messages:    messages,
		MaxTokens:   g.opts.MaxTokens,
		Temperature: g.opts.Temperature,
	}

	logx.Debug(ctx, "llm", "generate model=%s prompt=%q", g.ModelName(), llmerrors.SanitizePrompt(prompt, 400))

	start := time.Now()
	resp, err := g.client.Complete(ctx, req)
	elapsed := time.Since(start)

	status := StatusOK
	if err != nil {
		status = llmerrors.TypeOf(err).String()
	}
	if g.opts.Recorder != nil {
		g.opts.Recorder.ObserveLLMRequest(g.opts.Provider, status, elapsed)
	}

	if err != nil {
		if llmerrors.IsQuotaExceeded(err) {
			g.logger.Error("🛑 %s quota exhausted: %v", g.opts.Provider, err)
		} else {
			g.logger.Warn("%s generate failed after %s: %v", g.ModelName(), elapsed.Round(time.Millisecond), err)
		}
		return "", fmt.Errorf("generate with %s: %w", g.ModelName(), err)
	}

	g.logger.Info("%s responded in %s (%d chars, stop=%s)", g.ModelName(), elapsed.Round(time.Millisecond), len(resp.Content), resp.StopReason)
	return resp.Content, nil
}
