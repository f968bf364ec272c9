package memtier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Embedder turns text into fixed-dimension vectors. Implementations
// must reject oversized or empty batches before making any network
// call.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, positionally aligned.
	// When only some items fail it returns the successful vectors (nil
	// at failed positions) together with a *BatchEmbedError naming the
	// failed indexes.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbeddingClient talks to an OpenAI-compatible /v1/embeddings endpoint.
type EmbeddingClient struct {
	opts       EmbedderOptions
	limiter    *RateLimiter
	httpClient *http.Client
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

// NewEmbeddingClient builds a client; limiter may be shared with the
// analyzer so all outbound model calls respect one spacing budget. A
// nil limiter disables spacing.
func NewEmbeddingClient(opts EmbedderOptions, limiter *RateLimiter) *EmbeddingClient {
	opts = opts.withDefaults()
	return &EmbeddingClient{
		opts:       opts,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

func (c *EmbeddingClient) Embed(ctx context.Context, text string) ([]float32, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, validationErrorf("embed: empty text")
	}

	vectors, err := c.requestEmbeddings(ctx, []string{c.truncate(trimmed)}, 1)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (c *EmbeddingClient) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, validationErrorf("embed batch: empty texts")
	}
	if len(texts) > c.opts.MaxBatchSize {
		return nil, validationErrorf("embed batch: %d texts exceeds batch cap %d", len(texts), c.opts.MaxBatchSize)
	}

	normalized := make([]string, len(texts))
	for i, text := range texts {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil, validationErrorf("embed batch: empty text at index %d", i)
		}
		normalized[i] = c.truncate(trimmed)
	}

	vectors, err := c.requestEmbeddings(ctx, normalized, len(normalized))
	if err == nil {
		return vectors, nil
	}
	if IsQuotaExceeded(err) || ctx.Err() != nil {
		return nil, err
	}

	// The batch call failed for a non-quota reason. Retry each item on
	// its own so one poisoned input cannot sink the whole day's batch.
	log.Printf("[memtier] embed batch of %d failed (%v), falling back to per-item calls", len(normalized), err)
	return c.embedEach(ctx, normalized)
}

func (c *EmbeddingClient) embedEach(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	var failed []*ItemEmbedError

	for i, text := range texts {
		single, err := c.requestEmbeddings(ctx, []string{text}, 1)
		if err != nil {
			if IsQuotaExceeded(err) || ctx.Err() != nil {
				return nil, err
			}
			failed = append(failed, &ItemEmbedError{Index: i, Text: text, Err: err})
			continue
		}
		vectors[i] = single[0]
	}

	if len(failed) > 0 {
		return vectors, &BatchEmbedError{Items: failed}
	}
	return vectors, nil
}

func (c *EmbeddingClient) requestEmbeddings(ctx context.Context, input []string, expectedCount int) ([][]float32, error) {
	if c.opts.Model == "" {
		return nil, validationErrorf("missing embedding model")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.opts.BaseURL), "/")
	if baseURL == "" {
		return nil, validationErrorf("missing embedding base url")
	}

	var body any = input
	if len(input) == 1 {
		body = input[0]
	}
	payload, err := json.Marshal(embeddingRequest{Model: c.opts.Model, Input: body})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, func() ([][]float32, error) {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return nil, backoff.Permanent(err)
			}
		}

		vectors, err := c.doRequest(ctx, baseURL, payload, expectedCount)
		if err == nil {
			return vectors, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		if IsQuotaExceeded(err) || IsValidation(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.opts.MaxAttempts)))
}

func (c *EmbeddingClient) doRequest(ctx context.Context, baseURL string, payload []byte, expectedCount int) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key := strings.TrimSpace(c.opts.APIKey); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if quotaStatus(resp.StatusCode, respBody) {
		return nil, &QuotaExceededError{
			Scope: "embedding",
			Err:   fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("embedding http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded embeddingResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	vectors, err := c.validateEmbeddingData(decoded.Data, expectedCount)
	if err != nil {
		return nil, fmt.Errorf("validate response: %w", err)
	}
	return vectors, nil
}

// quotaStatus recognizes provider budget exhaustion, which must never
// be retried locally.
func quotaStatus(status int, body []byte) bool {
	if status == http.StatusTooManyRequests {
		return true
	}
	lowered := strings.ToLower(string(body))
	return status >= 400 && (strings.Contains(lowered, "insufficient_quota") || strings.Contains(lowered, "quota exceeded"))
}

func (c *EmbeddingClient) validateEmbeddingData(data []embeddingData, expectedCount int) ([][]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty embeddings data")
	}
	if len(data) != expectedCount {
		return nil, fmt.Errorf("response count mismatch: got %d want %d", len(data), expectedCount)
	}

	vectors := make([][]float32, expectedCount)
	seen := make([]bool, expectedCount)

	for _, item := range data {
		if item.Index < 0 || item.Index >= expectedCount {
			return nil, fmt.Errorf("invalid embedding index %d", item.Index)
		}
		if seen[item.Index] {
			return nil, fmt.Errorf("duplicate embedding index %d", item.Index)
		}
		if len(item.Embedding) != c.opts.Dimension {
			return nil, fmt.Errorf("embedding dimension at index %d: got %d want %d", item.Index, len(item.Embedding), c.opts.Dimension)
		}

		copied := make([]float32, len(item.Embedding))
		copy(copied, item.Embedding)
		vectors[item.Index] = copied
		seen[item.Index] = true
	}

	for idx, ok := range seen {
		if !ok {
			return nil, fmt.Errorf("missing embedding index %d", idx)
		}
	}
	return vectors, nil
}

// truncate bounds text at the configured character limit, preferring
// the last word boundary before the cut.
func (c *EmbeddingClient) truncate(text string) string {
	runes := []rune(text)
	if len(runes) <= c.opts.MaxInputChars {
		return text
	}
	cut := string(runes[:c.opts.MaxInputChars])
	if idx := strings.LastIndex(cut, " "); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}
