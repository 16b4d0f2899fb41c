package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/recall/internal/config"
)

// Embedder converts text into dense vectors for semantic search. A nil
// Embedder on the store means search degrades to full-text matching.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type httpEmbedder struct {
	baseURL     string
	apiKey      string
	model       string
	expectedDim int
	batchSize   int
	client      *http.Client
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

type embeddingResponse struct {
	Data []embeddingData `json:"data"`
}

type embeddingData struct {
	Index     int       `json:"index"`
	Embedding []float32 `json:"embedding"`
}

// NewHTTPEmbedder talks to an OpenAI-compatible /v1/embeddings endpoint.
func NewHTTPEmbedder(cfg config.EmbeddingConfig) Embedder {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Duration(config.DefaultEmbeddingTimeoutMs) * time.Millisecond
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = config.DefaultEmbeddingBatchSize
	}
	return &httpEmbedder{
		baseURL:     strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:      strings.TrimSpace(cfg.APIKey),
		model:       strings.TrimSpace(cfg.Model),
		expectedDim: cfg.Dimension,
		batchSize:   batch,
		client:      &http.Client{Timeout: timeout},
	}
}

func (e *httpEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, fmt.Errorf("embed: empty text")
	}
	vectors, err := e.request(ctx, trimmed, 1)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	return vectors[0], nil
}

func (e *httpEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embed batch: empty texts")
	}
	normalized := make([]string, len(texts))
	for i, t := range texts {
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return nil, fmt.Errorf("embed batch: empty text at index %d", i)
		}
		normalized[i] = trimmed
	}

	if len(normalized) <= e.batchSize {
		vectors, err := e.request(ctx, normalized, len(normalized))
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		return vectors, nil
	}

	vectors := make([][]float32, 0, len(normalized))
	for start := 0; start < len(normalized); start += e.batchSize {
		end := start + e.batchSize
		if end > len(normalized) {
			end = len(normalized)
		}
		chunk, err := e.request(ctx, normalized[start:end], end-start)
		if err != nil {
			return nil, fmt.Errorf("embed batch: %w", err)
		}
		vectors = append(vectors, chunk...)
	}
	return vectors, nil
}

func (e *httpEmbedder) request(ctx context.Context, input any, expected int) ([][]float32, error) {
	if e.baseURL == "" {
		return nil, fmt.Errorf("missing embedding base url")
	}
	if e.model == "" {
		return nil, fmt.Errorf("missing embedding model")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return e.validate(decoded.Data, expected)
}

func (e *httpEmbedder) validate(data []embeddingData, expected int) ([][]float32, error) {
	if len(data) != expected {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(data), expected)
	}

	vectors := make([][]float32, expected)
	for _, item := range data {
		if item.Index < 0 || item.Index >= expected {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if vectors[item.Index] != nil {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) == 0 {
			return nil, fmt.Errorf("empty embedding vector at index %d", item.Index)
		}
		if e.expectedDim > 0 && len(item.Embedding) != e.expectedDim {
			return nil, fmt.Errorf("embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), e.expectedDim)
		}
		copied := make([]float32, len(item.Embedding))
		copy(copied, item.Embedding)
		vectors[item.Index] = copied
	}
	for i, v := range vectors {
		if v == nil {
			return nil, fmt.Errorf("missing embedding index %d", i)
		}
	}
	return vectors, nil
}
