package embedding

import (
	"context"
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// DefaultMaxTokens is the input budget of small sentence-embedding models.
const DefaultMaxTokens = 256

// Truncating clips each text to a token budget before delegating to the wrapped provider.
// Token counts come from the cl100k_base encoding, which is close enough to the
// model's own word-piece counts to keep inputs under the server limit.
type Truncating struct {
	next      Provider
	codec     tokenizer.Codec
	maxTokens int
}

// NewTruncating wraps next with a token budget of maxTokens.
func NewTruncating(next Provider, maxTokens int) (*Truncating, error) {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	return &Truncating{next: next, codec: codec, maxTokens: maxTokens}, nil
}

// Clip returns text shortened to the token budget.
func (t *Truncating) Clip(text string) (string, error) {
	ids, _, err := t.codec.Encode(text)
	if err != nil {
		return "", fmt.Errorf("tokenize: %w", err)
	}
	if len(ids) <= t.maxTokens {
		return text, nil
	}
	return t.codec.Decode(ids[:t.maxTokens])
}

// Embed clips every text and forwards the batch.
func (t *Truncating) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	clipped := make([]string, len(texts))
	for i, text := range texts {
		c, err := t.Clip(text)
		if err != nil {
			return nil, err
		}
		clipped[i] = c
	}
	return t.next.Embed(ctx, clipped)
}
