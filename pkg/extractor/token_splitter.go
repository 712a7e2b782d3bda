package extractor

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"
)

// TokenSplitter cuts text into windows of Size tokens so that each unit fits
// a model's context budget.
type TokenSplitter struct {
	enc     *tiktoken.Tiktoken
	size    int
	overlap int
}

// NewTokenSplitter loads the named BPE encoding (for example "cl100k_base").
func NewTokenSplitter(encoding string, size, overlap int) (*TokenSplitter, error) {
	if size <= 0 {
		return nil, fmt.Errorf("token window size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return nil, fmt.Errorf("token overlap %d must be in [0, %d)", overlap, size)
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load encoding %s: %w", encoding, err)
	}
	return &TokenSplitter{enc: enc, size: size, overlap: overlap}, nil
}

// Split implements Splitter. Offsets are approximate when a window boundary
// falls inside a multi-token rune.
func (s *TokenSplitter) Split(text string) []Unit {
	tokens := s.enc.Encode(text, nil, nil)
	step := s.size - s.overlap

	var units []Unit
	offset := 0
	for i := 0; i < len(tokens); i += step {
		end := min(i+s.size, len(tokens))
		chunk := s.enc.Decode(tokens[i:end])
		units = append(units, Unit{Index: len(units), Text: chunk, Offset: offset})
		offset += len(s.enc.Decode(tokens[i:min(i+step, len(tokens))]))
		if end == len(tokens) {
			break
		}
	}
	return units
}
