package llm

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultContextTokens bounds the rendered file context sent with a prompt.
const DefaultContextTokens = 6000

const truncationMarker = "\n... [context truncated]\n"

// TokenBudget counts and trims text with the GPT-4 encoding. Claude, Gemini
// and local models are approximated with the same codec.
type TokenBudget struct {
	codec tokenizer.Codec
	limit int
}

// NewTokenBudget creates a budget of limit tokens. A non-positive limit uses
// DefaultContextTokens.
func NewTokenBudget(limit int) (*TokenBudget, error) {
	if limit <= 0 {
		limit = DefaultContextTokens
	}
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokenizer codec: %w", err)
	}
	return &TokenBudget{codec: codec, limit: limit}, nil
}

// Limit returns the configured token limit.
func (b *TokenBudget) Limit() int { return b.limit }

// Count returns the number of tokens in text, falling back to a four bytes per
// token estimate when the codec fails.
func (b *TokenBudget) Count(text string) int {
	if b == nil || b.codec == nil {
		return len(text) / 4
	}
	n, err := b.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// Trim keeps whole lines from the start of text until the budget is spent.
func (b *TokenBudget) Trim(text string) string {
	if b.Count(text) <= b.limit {
		return text
	}
	lines := strings.SplitAfter(text, "\n")
	var sb strings.Builder
	used := b.Count(truncationMarker)
	for _, line := range lines {
		n := b.Count(line)
		if used+n > b.limit {
			break
		}
		used += n
		sb.WriteString(line)
	}
	sb.WriteString(truncationMarker)
	return sb.String()
}
