// Package embedding provides clients for the external sentence-embedding model.
package embedding

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/thebtf/runsift/pkg/models"
)

// ErrBadResponse is returned when the model server answers with an unexpected payload.
var ErrBadResponse = errors.New("unexpected embedding response")

// Provider turns texts into embeddings. The result has one vector per input, in order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, texts []string) ([][]float32, error)

// Embed calls f.
func (f ProviderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// DefaultTimeout bounds a single embedding request.
const DefaultTimeout = 30 * time.Second

// HTTPConfig configures an HTTPProvider.
type HTTPConfig struct {
	Client  *http.Client
	URL     string
	Model   string
	Dim     int
	Timeout time.Duration
}

// HTTPProvider calls a text-embeddings server: POST {url}/embed with {"inputs": [...]},
// answered by a JSON array of vectors.
type HTTPProvider struct {
	client   *http.Client
	endpoint string
	model    string
	dim      int
}

type embedRequest struct {
	Inputs   []string `json:"inputs"`
	Truncate bool     `json:"truncate"`
}

// NewHTTPProvider creates a provider for the server at cfg.URL.
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("embedding server URL required")
	}
	if cfg.Dim <= 0 {
		cfg.Dim = models.EmbeddingDim
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPProvider{
		client:   client,
		endpoint: strings.TrimRight(cfg.URL, "/") + "/embed",
		model:    cfg.Model,
		dim:      cfg.Dim,
	}, nil
}

// Model returns the configured model name.
func (p *HTTPProvider) Model() string {
	return p.model
}

// Embed sends texts to the server in one request.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Inputs: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("encode embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("embedding server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrBadResponse, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != p.dim {
			return nil, fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrBadResponse, i, len(v), p.dim)
		}
	}
	return vectors, nil
}
