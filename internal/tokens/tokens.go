// Package tokens estimates prompt sizes with tiktoken.
package tokens

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"gokernel/internal/models"
)

const (
	DefaultEncoding = "cl100k_base"

	// per-message framing overhead (role, separators)
	messageOverhead = 4
	// per tool call overhead (id, type, wrapper)
	toolCallOverhead = 3
)

// Counter implements models.TokenCounter.
type Counter struct {
	count func(string) int
}

// New loads the named tiktoken encoding. An empty name uses cl100k_base.
// The first load fetches the BPE ranks unless TIKTOKEN_CACHE_DIR holds them.
func New(encoding string) (*Counter, error) {
	if encoding == "" {
		encoding = DefaultEncoding
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("load tiktoken encoding %s: %w", encoding, err)
	}
	return &Counter{count: func(s string) int { return len(enc.Encode(s, nil, nil)) }}, nil
}

// NewFunc builds a counter around an arbitrary text tokenizer.
func NewFunc(count func(string) int) *Counter {
	return &Counter{count: count}
}

func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	return c.count(text)
}

func (c *Counter) CountMessage(msg models.Message) int {
	n := messageOverhead + c.CountText(string(msg.Role)) + c.CountText(msg.Content)
	if msg.Name != "" {
		n += c.CountText(msg.Name)
	}
	for _, call := range msg.ToolCalls {
		n += toolCallOverhead + c.CountText(call.Name) + c.CountText(call.Arguments)
	}
	return n
}

// CountMessages totals a conversation including the reply primer.
func (c *Counter) CountMessages(messages []models.Message) int {
	total := 3
	for _, m := range messages {
		total += c.CountMessage(m)
	}
	return total
}

var _ models.TokenCounter = (*Counter)(nil)
