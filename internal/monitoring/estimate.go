package monitoring

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
	encErr  error
)

// EstimateTokens counts tokens in text with a BPE tokenizer, for responses
// whose upstream increments never carried usage metadata. Falls back to a
// chars/4 heuristic when the encoding is unavailable (offline start).
func EstimateTokens(text string) int64 {
	if text == "" {
		return 0
	}
	encOnce.Do(func() {
		enc, encErr = tiktoken.GetEncoding("cl100k_base")
	})
	if encErr == nil && enc != nil {
		return int64(len(enc.Encode(text, nil, nil)))
	}
	n := int64(len(text) / 4)
	if n == 0 {
		n = 1
	}
	return n
}
