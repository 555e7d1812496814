// Package tokens counts cl100k tokens and trims chat history to a budget.
package tokens

import (
	"github.com/pkg/errors"
	"github.com/tiktoken-go/tokenizer"
)

// Counter counts tokens in a piece of text.
type Counter interface {
	Count(text string) int
}

type codecCounter struct {
	codec tokenizer.Codec
}

// NewCounter returns a cl100k_base counter.
func NewCounter() (Counter, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, errors.Wrap(err, "tokens: load cl100k_base")
	}
	return codecCounter{codec: codec}, nil
}

func (c codecCounter) Count(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return ApproxCounter{}.Count(text)
	}
	return len(ids)
}

// ApproxCounter estimates four bytes per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// DefaultCounter returns the cl100k counter, or ApproxCounter when the
// encoding cannot be loaded.
func DefaultCounter() Counter {
	c, err := NewCounter()
	if err != nil {
		return ApproxCounter{}
	}
	return c
}

// perMessageOverhead approximates the role and separator tokens each chat
// message costs on top of its content.
const perMessageOverhead = 4

// TrimStart returns the index of the oldest entry to keep so that the newest
// entries fit in budget. contents is ordered oldest first. A budget <= 0
// keeps everything. The newest entry is always kept.
func TrimStart(c Counter, contents []string, budget int) int {
	if budget <= 0 || len(contents) == 0 {
		return 0
	}
	used := 0
	for i := len(contents) - 1; i >= 0; i-- {
		used += c.Count(contents[i]) + perMessageOverhead
		if used > budget {
			if i == len(contents)-1 {
				return i
			}
			return i + 1
		}
	}
	return 0
}

// Trim keeps the newest items that fit in budget, using content to read each
// item's text.
func Trim[T any](c Counter, items []T, budget int, content func(T) string) []T {
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = content(it)
	}
	return items[TrimStart(c, texts, budget):]
}
