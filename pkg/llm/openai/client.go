// Package openai provides the OpenAI client for the llm.Client interface, using the
// Responses API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"github.com/agenda-podcast/fd2/pkg/llm"
	"github.com/agenda-podcast/fd2/pkg/llm/llmerrors"
)

// Options configures an OfficialClient.
type Options struct {
	APIKey  string
	Model   string
	BaseURL string
}

// OfficialClient wraps the official OpenAI Go client.
//
//nolint:govet // Simple struct, field alignment not critical
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClient creates an OpenAI client for opts.Model. SDK retries are disabled;
// llm.RetryMiddleware owns retry.
func NewOfficialClient(opts Options) *OfficialClient {
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &OfficialClient{
		client: openai.NewClient(reqOpts...),
		model:  opts.Model,
	}
}

// flattenInput turns the conversation into Responses API instructions plus one input string.
func flattenInput(messages []llm.CompletionMessage) (instructions, input string) {
	system, rest := llm.SplitSystem(messages)
	var sb strings.Builder
	for i := range rest {
		msg := &rest[i]
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		if msg.Role == llm.RoleAssistant {
			sb.WriteString("Assistant: ")
		}
		sb.WriteString(msg.Content)
	}
	return system, sb.String()
}

// Complete implements llm.Client.
//
//nolint:gocritic // 80 bytes is reasonable for interface compliance
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if err := in.Validate(); err != nil {
		return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(llmerrors.ErrorTypeBadPrompt, err, "invalid request")
	}
	instructions, input := flattenInput(in.Messages)
	if strings.TrimSpace(input) == "" {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "no user input in request")
	}

	maxTokens := in.MaxTokens
	if maxTokens == 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(maxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(input)},
	}
	if instructions != "" {
		params.Instructions = openai.String(instructions)
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyError(err)
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	return llm.CompletionResponse{
		Content:    resp.OutputText(),
		StopReason: stopReason(string(resp.Status)),
	}, nil
}

// ModelName returns the model name for this client.
func (o *OfficialClient) ModelName() string {
	return o.model
}

func stopReason(status string) string {
	switch status {
	case "completed":
		return "end_turn"
	case "incomplete":
		return "max_tokens"
	case "":
		return "unknown"
	default:
		return status
	}
}

func classifyError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return llmerrors.Classify(err, apiErr.StatusCode)
	}
	return llmerrors.Classify(fmt.Errorf("OpenAI Responses API failed: %w", err), 0)
}
