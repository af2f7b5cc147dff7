package budget

import (
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

// Estimator counts prompt tokens. It uses the cl100k_base BPE when the
// encoding loads, and a character heuristic otherwise (local models ship
// without a published tokenizer more often than not).
type Estimator struct {
	once   sync.Once
	enc    *tiktoken.Tiktoken
	logger *zap.Logger
}

// NewEstimator builds an estimator. The encoding is loaded lazily on
// first use.
func NewEstimator(logger *zap.Logger) *Estimator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Estimator{logger: logger}
}

// Count returns the estimated token count of text.
func (e *Estimator) Count(text string) int {
	e.once.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			e.logger.Warn("Tokenizer unavailable, using character heuristic", zap.Error(err))
			return
		}
		e.enc = enc
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	// ~4 characters per token holds well enough for German legal prose.
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}
