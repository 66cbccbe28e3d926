package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Tokenizer counts and truncates prompt text by tokens.
type Tokenizer struct {
	encoding string
	logger   *zap.Logger

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewTokenizer returns a tokenizer using the cl100k_base encoding. Encoding
// data loads on first use; when it is unavailable counts fall back to a
// four-characters-per-token estimate.
func NewTokenizer(logger *zap.Logger) *Tokenizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tokenizer{encoding: "cl100k_base", logger: logger}
}

func (t *Tokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = err
			t.logger.Warn("tiktoken encoding unavailable, estimating tokens",
				zap.String("encoding", t.encoding), zap.Error(err))
			return
		}
		t.enc = enc
	})
	return t.initErr
}

// Count returns the number of tokens in text.
func (t *Tokenizer) Count(text string) int {
	if t.init() != nil {
		return estimateTokens(text)
	}
	return len(t.enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most limit tokens. A limit of zero or less
// disables truncation.
func (t *Tokenizer) Truncate(text string, limit int) string {
	if limit <= 0 || text == "" {
		return text
	}
	if t.init() != nil {
		runes := []rune(text)
		if len(runes) <= limit*4 {
			return text
		}
		return string(runes[:limit*4])
	}
	tokens := t.enc.Encode(text, nil, nil)
	if len(tokens) <= limit {
		return text
	}
	return t.enc.Decode(tokens[:limit])
}

func estimateTokens(text string) int {
	n := len([]rune(text))
	return (n + 3) / 4
}
