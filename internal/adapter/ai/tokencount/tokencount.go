// Package tokencount budgets prompt text in tokens.
//
// It uses tiktoken-go with the offline BPE loader so counting never needs
// network access. Non-OpenAI models are approximated with cl100k_base.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
)

// TruncationMarker is appended to text cut down to a token budget.
const TruncationMarker = "\n\n[... submission truncated to fit the model context ...]"

var loaderOnce sync.Once

// Counter provides thread-safe token counting.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	loaderOnce.Do(func() { tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader()) })
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

// DefaultCounter is shared by callers that do not need their own.
var DefaultCounter = NewCounter()

func (c *Counter) encoding(model string) (*tiktoken.Tiktoken, error) {
	name := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[name]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[name]; ok {
		return enc, nil
	}
	enc, err := tiktoken.EncodingForModel(name)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding", slog.String("model", model), slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[name] = enc
	return enc, nil
}

// normalizeModelName maps provider model ids onto names tiktoken knows.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.TrimSuffix(model, ":free")
	if strings.Contains(model, "gpt-3.5") {
		return "gpt-3.5-turbo"
	}
	return "gpt-4"
}

// CountTokens counts the tokens of text for model. On encoder failure it
// estimates four characters per token.
func (c *Counter) CountTokens(text, model string) int {
	enc, err := c.encoding(model)
	if err != nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// Truncate cuts text to at most maxTokens tokens and appends
// TruncationMarker when anything was removed. maxTokens <= 0 disables it.
func (c *Counter) Truncate(text, model string, maxTokens int) (string, bool) {
	if maxTokens <= 0 || text == "" {
		return text, false
	}
	enc, err := c.encoding(model)
	if err != nil {
		limit := maxTokens * 4
		if len(text) <= limit {
			return text, false
		}
		return strings.ToValidUTF8(text[:limit], "") + TruncationMarker, true
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text, false
	}
	// Token boundaries may split a multi-byte rune.
	cut := strings.ToValidUTF8(enc.Decode(tokens[:maxTokens]), "")
	return cut + TruncationMarker, true
}
