// Package tokencount estimates prompt sizes so conversation history can be
// trimmed to a token budget before it is sent upstream.
//
// Gemini does not publish a local tokenizer; cl100k_base via tiktoken-go is a
// close enough approximation for budgeting. BPE ranks are loaded from the
// embedded offline loader so counting never touches the network.
package tokencount

import (
	"log/slog"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"

	"github.com/fairyhunter13/ai-chat-proxy/internal/domain"
)

const (
	encodingName = "cl100k_base"
	// Per-turn framing overhead (role marker and separators).
	tokensPerTurn = 4
)

func init() {
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// Counter provides thread-safe token counting.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter { return &Counter{} }

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

func (c *Counter) encoding() (*tiktoken.Tiktoken, error) {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding(encodingName)
		if c.err != nil {
			slog.Warn("token encoding unavailable; using length estimate",
				slog.String("encoding", encodingName),
				slog.Any("error", c.err))
		}
	})
	return c.enc, c.err
}

// CountTokens counts the tokens in text. When the encoding cannot be loaded
// it falls back to roughly four characters per token.
func (c *Counter) CountTokens(text string) int {
	enc, err := c.encoding()
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// CountTurn counts one conversation turn including framing overhead.
func (c *Counter) CountTurn(text string) int {
	return c.CountTokens(text) + tokensPerTurn
}

// PromptTokens counts the full upstream prompt: persona, history and the new message.
func (c *Counter) PromptTokens(persona string, history []domain.Turn, newText string) int {
	n := c.CountTurn(persona) + c.CountTurn(newText)
	for _, t := range history {
		n += c.CountTurn(t.Text)
	}
	return n
}

// TrimHistory drops the oldest turns until the prompt fits maxTokens and
// returns the kept suffix with its prompt size. The persona and new message
// are never dropped; maxTokens <= 0 disables trimming.
func (c *Counter) TrimHistory(persona string, history []domain.Turn, newText string, maxTokens int) ([]domain.Turn, int) {
	base := c.CountTurn(persona) + c.CountTurn(newText)
	sizes := make([]int, len(history))
	total := base
	for i, t := range history {
		sizes[i] = c.CountTurn(t.Text)
		total += sizes[i]
	}
	if maxTokens <= 0 {
		return history, total
	}
	start := 0
	for start < len(history) && total > maxTokens {
		total -= sizes[start]
		start++
	}
	// Start the kept window on a user turn so the model never sees a reply
	// without the question that produced it.
	for start < len(history) && history[start].Role != domain.RoleUser {
		total -= sizes[start]
		start++
	}
	return history[start:], total
}
