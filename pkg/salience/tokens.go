// Package salience assembles a token-bounded prompt from session history.
// Messages are scored for relevance to the active task and packed into
// weighted tiers; whatever cannot fit is compressed before anything is
// dropped.
package salience

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// messageOverhead approximates the per-message framing tokens providers add
// around content
const messageOverhead = 4

// TokenCounter counts tokens with a real BPE encoding rather than a
// character heuristic, so the budget guarantee holds against what providers
// actually meter
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter loads the cl100k_base encoding
func NewTokenCounter() (*TokenCounter, error) {
	encoding, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load token encoding: %w", err)
	}
	return &TokenCounter{encoding: encoding}, nil
}

// Count returns the token count of a text
func (tc *TokenCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(tc.encoding.Encode(text, nil, nil))
}

// Truncate cuts text to at most maxTokens tokens on a token boundary
func (tc *TokenCounter) Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	tokens := tc.encoding.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return tc.encoding.Decode(tokens[:maxTokens])
}
