package prompt

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// TokenCounter counts and truncates text by tokens. Every provider is approximated
// with the GPT-4 encoding.
type TokenCounter struct {
	codec tokenizer.Codec
}

// NewTokenCounter creates a counter using the cl100k encoding.
func NewTokenCounter() (*TokenCounter, error) {
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenCounter{codec: codec}, nil
}

// CountTokens returns the number of tokens in text.
func (tc *TokenCounter) CountTokens(text string) int {
	if tc == nil || tc.codec == nil {
		// Fallback to character-based estimation (4 chars ≈ 1 token)
		return (len(text) + 3) / 4
	}
	count, err := tc.codec.Count(text)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return count
}

// Truncate cuts text to at most limit tokens. It reports whether anything was cut.
func (tc *TokenCounter) Truncate(text string, limit int) (string, bool) {
	if limit <= 0 {
		return "", text != ""
	}
	if tc == nil || tc.codec == nil {
		if len(text) <= limit*4 {
			return text, false
		}
		return text[:limit*4], true
	}

	ids, _, err := tc.codec.Encode(text)
	if err != nil || len(ids) <= limit {
		return text, false
	}
	out, err := tc.codec.Decode(ids[:limit])
	if err != nil {
		return text[:min(len(text), limit*4)], true
	}
	// A cut inside a multi-byte rune leaves an invalid tail.
	return strings.ToValidUTF8(out, ""), true
}
