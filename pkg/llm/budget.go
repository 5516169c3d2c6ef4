package llm

import (
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Budget counts tokens and trims text to fit a token allowance. When no
// tokenizer can be loaded it falls back to an estimate of four bytes per token.
type Budget struct {
	tokenizer *tiktoken.Tiktoken
}

// NewBudget selects the tokenizer for model, falling back to cl100k_base for
// unknown models and to estimation if no encoding is available at all.
func NewBudget(model string) *Budget {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			slog.Warn("tokenizer unavailable, estimating token counts", "model", model, "error", err)
			return &Budget{}
		}
	}
	return &Budget{tokenizer: enc}
}

// Count returns the token count for text.
func (b *Budget) Count(text string) int {
	if b == nil || b.tokenizer == nil {
		return (len(text) + 3) / 4
	}
	return len(b.tokenizer.Encode(text, nil, nil))
}

// KeepTail returns the longest suffix of text that fits in maxTokens, cut at
// a word boundary where possible.
func (b *Budget) KeepTail(text string, maxTokens int) string {
	if maxTokens <= 0 || b.Count(text) <= maxTokens {
		return text
	}
	words := strings.Fields(text)
	lo, hi := 0, len(words)
	// Binary search for the smallest start index whose suffix fits.
	for lo < hi {
		mid := (lo + hi) / 2
		if b.Count(strings.Join(words[mid:], " ")) <= maxTokens {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	tail := strings.Join(words[lo:], " ")
	if tail == "" && len(words) > 0 {
		last := words[len(words)-1]
		for b.Count(last) > maxTokens && utf8.RuneCountInString(last) > 1 {
			_, size := utf8.DecodeRuneInString(last)
			last = last[size:]
		}
		tail = last
	}
	return tail
}

// KeepRecent returns the most recent messages whose combined content fits in
// maxTokens, preserving their order.
func (b *Budget) KeepRecent(history []Message, maxTokens int) []Message {
	if maxTokens <= 0 {
		return history
	}
	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		n := b.Count(history[i].Content)
		if used+n > maxTokens {
			break
		}
		used += n
		start = i
	}
	return history[start:]
}
