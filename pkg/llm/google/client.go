// Package google provides the Gemini client for the llm.Client interface.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/genai"

	"github.com/agenda-podcast/fd2/pkg/llm"
	"github.com/agenda-podcast/fd2/pkg/llm/llmerrors"
)

// ResponseMIMEType asks Gemini for plain text rather than JSON.
const ResponseMIMEType = "text/plain"

// Options configures a GeminiClient.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
	// ThinkingBudget caps thought tokens so they do not consume the output budget. 0 leaves
	// the model default.
	ThinkingBudget int
}

// GeminiClient wraps the Google GenAI client to implement llm.Client.
type GeminiClient struct {
	opts Options

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiClient stores the configuration; the SDK client is created on first use
// because construction needs a context.
func NewGeminiClient(opts Options) *GeminiClient {
	return &GeminiClient{opts: opts}
}

func (g *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client != nil {
		return g.client, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  g.opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if g.opts.BaseURL != "" {
		cc.HTTPOptions.BaseURL = g.opts.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeAuth, err, "failed to create Gemini client")
	}
	g.client = client
	return client, nil
}

// Complete implements llm.Client.
//
//nolint:gocritic // CompletionRequest size acceptable for interface consistency
func (g *GeminiClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := in.Validate(); err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid request")
	}

	contents, systemInstruction, err := convertMessagesToGemini(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	client, err := g.sdk(ctx)
	if err != nil {
		return llm.CompletionResponse{}, err
	}

	config := buildConfig(in, systemInstruction, g.opts.ThinkingBudget)

	result, err := client.Models.GenerateContent(ctx, g.opts.Model, contents, config)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if result == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "nil response from Gemini API")
	}

	return llm.CompletionResponse{
		Content:    result.Text(),
		StopReason: getStopReason(result),
	}, nil
}

// ModelName returns the model name for this client.
func (g *GeminiClient) ModelName() string {
	return g.opts.Model
}

func buildConfig(in llm.CompletionRequest, systemInstruction string, thinkingBudget int) *genai.GenerateContentConfig {
	temperature := in.Temperature
	config := &genai.GenerateContentConfig{
		Temperature:      &temperature,
		ResponseMIMEType: ResponseMIMEType,
	}
	if in.MaxTokens > 0 {
		//nolint:gosec // MaxTokens validated at config load
		config.MaxOutputTokens = int32(in.MaxTokens)
	}
	if thinkingBudget > 0 {
		//nolint:gosec // bounded by config validation
		budget := int32(thinkingBudget)
		config.ThinkingConfig = &genai.ThinkingConfig{
			IncludeThoughts: false,
			ThinkingBudget:  &budget,
		}
	}
	if systemInstruction != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemInstruction}},
		}
	}
	return config
}

// convertMessagesToGemini converts our message format to Gemini's Content format.
// Returns contents array and optional system instruction.
func convertMessagesToGemini(messages []llm.CompletionMessage) ([]*genai.Content, string, error) {
	systemInstruction, rest := llm.SplitSystem(messages)
	if len(rest) == 0 {
		return nil, "", fmt.Errorf("at least one non-system message is required")
	}

	contents := make([]*genai.Content, 0, len(rest))
	for i := range rest {
		msg := &rest[i]

		var role string
		switch msg.Role {
		case llm.RoleUser:
			role = genai.RoleUser
		case llm.RoleAssistant:
			role = genai.RoleModel
		default:
			return nil, "", fmt.Errorf("unsupported message role: %s", msg.Role)
		}
		if msg.Content == "" {
			continue
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: msg.Content}},
		})
	}
	if len(contents) == 0 {
		return nil, "", fmt.Errorf("all messages are empty")
	}
	return contents, systemInstruction, nil
}

// getStopReason maps Gemini's finish reason onto our stop reasons.
func getStopReason(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 || result.Candidates[0] == nil {
		return "unknown"
	}
	switch reason := result.Candidates[0].FinishReason; reason {
	case genai.FinishReasonStop, "":
		return "end_turn"
	case genai.FinishReasonMaxTokens:
		return "max_tokens"
	default:
		return strings.ToLower(string(reason))
	}
}

// classifyError maps genai errors, which carry the HTTP code and a gRPC-style status.
func classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		// RESOURCE_EXHAUSTED alone is a rate limit; with a quota mention it is a hard stop.
		if apiErr.Status == "RESOURCE_EXHAUSTED" && llmerrors.IsQuotaMessage(msg) {
			e := llmerrors.NewErrorWithCause(llmerrors.ErrorTypeQuotaExceeded, err, "Gemini quota exhausted")
			e.StatusCode = apiErr.Code
			return e
		}
		return llmerrors.Classify(err, apiErr.Code)
	}
	return llmerrors.Classify(err, 0)
}
