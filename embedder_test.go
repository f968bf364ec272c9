package memtier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func embedTestOptions(baseURL string) EmbedderOptions {
	return EmbedderOptions{
		BaseURL:     baseURL,
		APIKey:      "test-embed-key",
		Model:       "text-embedding-test",
		Dimension:   3,
		MaxAttempts: 1,
	}
}

func embeddingBody(t *testing.T, r *http.Request) (model string, inputs []string) {
	t.Helper()
	var body struct {
		Model string `json:"model"`
		Input any    `json:"input"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	switch in := body.Input.(type) {
	case string:
		inputs = []string{in}
	case []any:
		for _, v := range in {
			inputs = append(inputs, v.(string))
		}
	default:
		t.Fatalf("unexpected input type %T", body.Input)
	}
	return body.Model, inputs
}

func writeEmbeddings(w http.ResponseWriter, count int) {
	data := make([]map[string]any, count)
	for i := 0; i < count; i++ {
		data[i] = map[string]any{
			"index":     i,
			"embedding": []float32{float32(i), 0.5, 1.0},
		}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func TestEmbedSingle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Fatalf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-embed-key" {
			t.Fatalf("auth header = %q", r.Header.Get("Authorization"))
		}
		model, inputs := embeddingBody(t, r)
		if model != "text-embedding-test" {
			t.Fatalf("model = %s", model)
		}
		if len(inputs) != 1 || inputs[0] != "hello vectors" {
			t.Fatalf("inputs = %v", inputs)
		}
		writeEmbeddings(w, 1)
	}))
	defer srv.Close()

	c := NewEmbeddingClient(embedTestOptions(srv.URL), nil)
	vec, err := c.Embed(context.Background(), "  hello vectors  ")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("dimension = %d, want 3", len(vec))
	}
}

func TestEmbedEmptyText(t *testing.T) {
	c := NewEmbeddingClient(embedTestOptions("http://unused"), nil)
	if _, err := c.Embed(context.Background(), "   "); !IsValidation(err) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestEmbedBatchAlignsByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, inputs := embeddingBody(t, r)
		if len(inputs) != 2 {
			t.Fatalf("inputs = %v", inputs)
		}
		// Out-of-order response entries must land at their index.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"index": 1, "embedding": []float32{1, 1, 1}},
				{"index": 0, "embedding": []float32{0, 0, 0}},
			},
		})
	}))
	defer srv.Close()

	c := NewEmbeddingClient(embedTestOptions(srv.URL), nil)
	vecs, err := c.EmbedBatch(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vecs[0][0] != 0 || vecs[1][0] != 1 {
		t.Fatalf("vectors misaligned: %v", vecs)
	}
}

func TestEmbedBatchOverCapFailsBeforeAnyCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEmbeddings(w, 1)
	}))
	defer srv.Close()

	opts := embedTestOptions(srv.URL)
	opts.MaxBatchSize = 250
	c := NewEmbeddingClient(opts, nil)

	texts := make([]string, 260)
	for i := range texts {
		texts[i] = "text"
	}
	_, err := c.EmbedBatch(context.Background(), texts)
	if !IsValidation(err) {
		t.Fatalf("error = %v, want validation", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("made %d HTTP calls, want 0", calls.Load())
	}
}

func TestEmbedBatchEmptyTextFailsBeforeAnyCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEmbeddings(w, 1)
	}))
	defer srv.Close()

	c := NewEmbeddingClient(embedTestOptions(srv.URL), nil)
	_, err := c.EmbedBatch(context.Background(), []string{"ok", "  ", "also ok"})
	if !IsValidation(err) {
		t.Fatalf("error = %v, want validation", err)
	}
	if !strings.Contains(err.Error(), "index 1") {
		t.Fatalf("error %q does not name the offending index", err)
	}
	if calls.Load() != 0 {
		t.Fatalf("made %d HTTP calls, want 0", calls.Load())
	}
}

func TestEmbedQuotaNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer srv.Close()

	opts := embedTestOptions(srv.URL)
	opts.MaxAttempts = 3
	c := NewEmbeddingClient(opts, nil)

	_, err := c.Embed(context.Background(), "text")
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("error = %v, want *QuotaExceededError", err)
	}
	if qe.Scope != "embedding" {
		t.Fatalf("scope = %s, want embedding", qe.Scope)
	}
	if calls.Load() != 1 {
		t.Fatalf("made %d HTTP calls, want 1 (no retries)", calls.Load())
	}
}

func TestEmbedRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeEmbeddings(w, 1)
	}))
	defer srv.Close()

	opts := embedTestOptions(srv.URL)
	opts.MaxAttempts = 3
	c := NewEmbeddingClient(opts, nil)

	if _, err := c.Embed(context.Background(), "text"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("made %d HTTP calls, want 2", calls.Load())
	}
}

func TestEmbedBatchFallsBackPerItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, inputs := embeddingBody(t, r)
		if len(inputs) > 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		if inputs[0] == "poison" {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeEmbeddings(w, 1)
	}))
	defer srv.Close()

	c := NewEmbeddingClient(embedTestOptions(srv.URL), nil)
	vecs, err := c.EmbedBatch(context.Background(), []string{"good one", "poison", "good two"})

	var be *BatchEmbedError
	if !errors.As(err, &be) {
		t.Fatalf("error = %v, want *BatchEmbedError", err)
	}
	if len(be.Items) != 1 || be.Items[0].Index != 1 {
		t.Fatalf("failed items = %+v, want index 1 only", be.Items)
	}
	if vecs[0] == nil || vecs[2] == nil {
		t.Fatal("successful vectors missing")
	}
	if vecs[1] != nil {
		t.Fatal("failed position should be nil")
	}
}

func TestEmbedDimensionMismatchRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"index": 0, "embedding": []float32{0.1, 0.2}}},
		})
	}))
	defer srv.Close()

	c := NewEmbeddingClient(embedTestOptions(srv.URL), nil)
	if _, err := c.Embed(context.Background(), "text"); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestEmbedTruncatesAtWordBoundary(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, inputs := embeddingBody(t, r)
		got = inputs[0]
		writeEmbeddings(w, 1)
	}))
	defer srv.Close()

	opts := embedTestOptions(srv.URL)
	opts.MaxInputChars = 20
	c := NewEmbeddingClient(opts, nil)

	if _, err := c.Embed(context.Background(), "alpha beta gamma delta epsilon"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if got != "alpha beta gamma" {
		t.Fatalf("truncated input = %q, want %q", got, "alpha beta gamma")
	}
	if len(got) > 20 {
		t.Fatalf("truncated input length %d exceeds cap", len(got))
	}
}

func TestEmbedSharedLimiterSpacesRequests(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEmbeddings(w, 1)
	}))
	defer srv.Close()

	limiter := NewRateLimiter(40 * time.Millisecond)
	c := NewEmbeddingClient(embedTestOptions(srv.URL), limiter)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := c.Embed(context.Background(), "text"); err != nil {
			t.Fatalf("Embed %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 75*time.Millisecond {
		t.Fatalf("three calls took %v, want spacing of ~40ms each", elapsed)
	}
}
