package chunker

import (
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates the token cost of a text span. The chunker only
// needs relative consistency, so the estimator is pluggable.
type TokenCounter interface {
	Count(text string) int
}

// HeuristicCounter approximates tokens as characters/4, rounding up. It is
// the conservative default when no encoding is configured or tiktoken data
// cannot be loaded.
type HeuristicCounter struct{}

// Count implements TokenCounter.
func (HeuristicCounter) Count(text string) int {
	if len(text) == 0 {
		return 0
	}
	return (len(text) + 3) / 4
}

// TiktokenCounter counts exact tokens for a tiktoken encoding.
type TiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads the named encoding (e.g. cl100k_base).
func NewTiktokenCounter(encoding string) (*TiktokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, err
	}
	return &TiktokenCounter{enc: enc}, nil
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(text string) int {
	return len(c.enc.Encode(text, nil, nil))
}

// NewTokenCounter returns the tiktoken counter for the encoding, falling
// back to the heuristic when the encoding is empty or unavailable.
func NewTokenCounter(encoding string) TokenCounter {
	if encoding == "" {
		return HeuristicCounter{}
	}
	counter, err := NewTiktokenCounter(encoding)
	if err != nil {
		return HeuristicCounter{}
	}
	return counter
}
