package llm

import (
	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"

	"github.com/Code0Breaker/voice-app-test/internal/ollama"
)

// perMessageOverhead approximates the framing tokens each chat message
// costs on top of its content.
const perMessageOverhead = 4

// Trimmer drops the oldest history entries when the projected context
// exceeds a token budget.
type Trimmer struct {
	budget int
	count  func(text string) int
	logger *zap.Logger
}

// NewTrimmer returns a Trimmer with the given budget. A budget of zero
// disables trimming.
func NewTrimmer(budget int, logger *zap.Logger) *Trimmer {
	t := &Trimmer{budget: budget, logger: logger}
	if budget <= 0 {
		return t
	}
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		// Without an encoding the full history goes upstream unchanged.
		logger.Warn("token encoding unavailable, history trimming disabled", zap.Error(err))
		return t
	}
	t.count = func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
	return t
}

// Trim removes messages from the front until the remainder fits the
// budget. The newest message is always kept.
func (t *Trimmer) Trim(msgs []ollama.Message) []ollama.Message {
	if t.budget <= 0 || t.count == nil || len(msgs) <= 1 {
		return msgs
	}

	total := 0
	counts := make([]int, len(msgs))
	for i, m := range msgs {
		counts[i] = t.count(m.Content) + perMessageOverhead
		total += counts[i]
	}

	start := 0
	for total > t.budget && start < len(msgs)-1 {
		total -= counts[start]
		start++
	}
	if start > 0 {
		t.logger.Debug("trimmed history to token budget",
			zap.Int("dropped", start),
			zap.Int("kept", len(msgs)-start),
			zap.Int("tokens", total))
	}
	return msgs[start:]
}
