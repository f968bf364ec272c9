package memtier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	analysisPrompt = `You are a memory analysis engine. For each conversational record below,
produce its durable structured form.

Rules:
1. structured_content restates the record's durable information, concise and self-contained
2. memory_type must be one of: conversation/task/progress/learning/decision
3. entities lists the (name, type) pairs mentioned, e.g. {"name":"TypeScript","type":"technology"}
4. importance_score must be in [0.0, 1.0]; routine chatter scores low
5. progress_indicators maps entity names to their current state, when the record shows progress
6. Include every input record exactly once, keyed by its id

Return strict JSON object:
{"results":[{"id":"...","structured_content":"...","memory_type":"...","entities":[{"name":"...","type":"..."}],"importance_score":0.5,"progress_indicators":{"...":"..."}}]}

Records:
%s`

	differentialPrompt = `You are a progress tracking engine. Compare today's analyzed records
against yesterday's snapshot and report what moved.

Rules:
1. new_entities: entities present today but absent yesterday
2. progressed_entities: entities whose state advanced since yesterday
3. stagnant_entities: yesterday's entities with no movement today
4. completed_tasks: tasks from yesterday's snapshot that today's records close out
5. new_skills: skills first demonstrated today
6. summary: two or three sentences on the day's trajectory

Return strict JSON object:
{"new_entities":[],"progressed_entities":[],"stagnant_entities":[],"completed_tasks":[],"new_skills":[],"summary":"..."}

Yesterday's snapshot:
%s

Today's records:
%s`
)

// AnalysisResult carries the records that passed response validation
// plus the per-record rejections. A rejection drops one record without
// failing the batch.
type AnalysisResult struct {
	Records  []ProcessedRecord
	Rejected []*SchemaMismatchError
}

// Analyzer produces the structured form of raw records and the
// day-over-day progress differential.
type Analyzer interface {
	Analyze(ctx context.Context, records []RawRecord) (*AnalysisResult, error)
	Differential(ctx context.Context, records []ProcessedRecord, prev *ProgressSnapshot, date time.Time) (*ProgressDifferential, error)
}

// AnalysisClient talks to an OpenAI-compatible chat-completions
// endpoint with strict-JSON responses.
type AnalysisClient struct {
	opts       AnalyzerOptions
	limiter    *RateLimiter
	httpClient *http.Client
}

// NewAnalysisClient builds a client; limiter may be shared with the
// embedder. A nil limiter disables spacing.
func NewAnalysisClient(opts AnalyzerOptions, limiter *RateLimiter) *AnalysisClient {
	opts = opts.withDefaults()
	return &AnalysisClient{
		opts:       opts,
		limiter:    limiter,
		httpClient: &http.Client{Timeout: opts.Timeout},
	}
}

type analysisEntry struct {
	ID                 string            `json:"id"`
	StructuredContent  string            `json:"structured_content"`
	MemoryType         string            `json:"memory_type"`
	Entities           []Entity          `json:"entities"`
	ImportanceScore    *float64          `json:"importance_score"`
	ProgressIndicators map[string]string `json:"progress_indicators"`
}

// Analyze sends the whole batch in one call and validates each
// response entry independently. Entries missing required fields are
// collected in Rejected; the rest come back as ProcessedRecords.
func (c *AnalysisClient) Analyze(ctx context.Context, records []RawRecord) (*AnalysisResult, error) {
	if len(records) == 0 {
		return nil, validationErrorf("analyze: empty records")
	}

	input, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("analyze: marshal records: %w", err)
	}

	resp, err := c.complete(ctx, fmt.Sprintf(analysisPrompt, string(input)))
	if err != nil {
		return nil, fmt.Errorf("analyze: %w", err)
	}

	var decoded struct {
		Results []analysisEntry `json:"results"`
	}
	if err := json.Unmarshal([]byte(resp), &decoded); err != nil {
		return nil, fmt.Errorf("analyze: parse response: %w", err)
	}

	byID := make(map[string]RawRecord, len(records))
	for _, rec := range records {
		byID[rec.ID] = rec
	}

	result := &AnalysisResult{}
	seen := make(map[string]bool, len(records))
	for _, entry := range decoded.Results {
		raw, ok := byID[entry.ID]
		if !ok || seen[entry.ID] {
			result.Rejected = append(result.Rejected, &SchemaMismatchError{
				RecordID: entry.ID, Field: "id", Reason: "unknown or duplicated record id",
			})
			continue
		}
		seen[entry.ID] = true

		if reject := validateAnalysisEntry(entry); reject != nil {
			result.Rejected = append(result.Rejected, reject)
			continue
		}

		result.Records = append(result.Records, ProcessedRecord{
			RawRecord:          raw,
			StructuredContent:  strings.TrimSpace(entry.StructuredContent),
			MemoryType:         MemoryType(entry.MemoryType),
			Entities:           entry.Entities,
			ImportanceScore:    *entry.ImportanceScore,
			ProgressIndicators: entry.ProgressIndicators,
		})
	}

	for _, rec := range records {
		if !seen[rec.ID] {
			result.Rejected = append(result.Rejected, &SchemaMismatchError{
				RecordID: rec.ID, Field: "id", Reason: "record missing from analysis response",
			})
		}
	}

	return result, nil
}

func validateAnalysisEntry(entry analysisEntry) *SchemaMismatchError {
	if strings.TrimSpace(entry.StructuredContent) == "" {
		return &SchemaMismatchError{RecordID: entry.ID, Field: "structured_content", Reason: "empty"}
	}
	if !MemoryType(entry.MemoryType).Valid() {
		return &SchemaMismatchError{RecordID: entry.ID, Field: "memory_type", Reason: fmt.Sprintf("unknown value %q", entry.MemoryType)}
	}
	if entry.ImportanceScore == nil {
		return &SchemaMismatchError{RecordID: entry.ID, Field: "importance_score", Reason: "missing"}
	}
	if *entry.ImportanceScore < 0 || *entry.ImportanceScore > 1 {
		return &SchemaMismatchError{RecordID: entry.ID, Field: "importance_score", Reason: fmt.Sprintf("%.3f outside [0,1]", *entry.ImportanceScore)}
	}
	for i, ent := range entry.Entities {
		if strings.TrimSpace(ent.Name) == "" {
			return &SchemaMismatchError{RecordID: entry.ID, Field: "entities", Reason: fmt.Sprintf("entity %d has empty name", i)}
		}
	}
	return nil
}

// Differential compares the day's surviving records against the prior
// snapshot. A nil prev means no prior state exists; everything today
// is new.
func (c *AnalysisClient) Differential(ctx context.Context, records []ProcessedRecord, prev *ProgressSnapshot, date time.Time) (*ProgressDifferential, error) {
	if len(records) == 0 {
		return nil, validationErrorf("differential: empty records")
	}

	prevJSON := []byte(`{}`)
	if prev != nil {
		var err error
		prevJSON, err = json.Marshal(prev)
		if err != nil {
			return nil, fmt.Errorf("differential: marshal snapshot: %w", err)
		}
	}
	recordsJSON, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("differential: marshal records: %w", err)
	}

	resp, err := c.complete(ctx, fmt.Sprintf(differentialPrompt, string(prevJSON), string(recordsJSON)))
	if err != nil {
		return nil, fmt.Errorf("differential: %w", err)
	}

	var diff ProgressDifferential
	if err := json.Unmarshal([]byte(resp), &diff); err != nil {
		return nil, fmt.Errorf("differential: parse response: %w", err)
	}
	diff.Date = date.UTC()
	return &diff, nil
}

func (c *AnalysisClient) complete(ctx context.Context, prompt string) (string, error) {
	if strings.TrimSpace(c.opts.APIKey) == "" {
		return "", validationErrorf("missing analysis api key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.opts.BaseURL), "/")
	if baseURL == "" {
		return "", validationErrorf("missing analysis base url")
	}
	if c.opts.Model == "" {
		return "", validationErrorf("missing analysis model")
	}

	body := map[string]any{
		"model": c.opts.Model,
		"messages": []map[string]string{{
			"role":    "user",
			"content": prompt,
		}},
		"max_tokens":  c.opts.MaxTokens,
		"temperature": 0.3,
		"response_format": map[string]string{
			"type": "json_object",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, func() (string, error) {
		if c.limiter != nil {
			if err := c.limiter.Acquire(ctx); err != nil {
				return "", backoff.Permanent(err)
			}
		}

		content, err := c.sendChatCompletion(ctx, baseURL, payload)
		if err == nil {
			return content, nil
		}
		if ctx.Err() != nil || IsQuotaExceeded(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(c.opts.MaxAttempts)))
}

func (c *AnalysisClient) sendChatCompletion(ctx context.Context, baseURL string, payload []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(c.opts.APIKey))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if quotaStatus(resp.StatusCode, respBody) {
		return "", &QuotaExceededError{
			Scope: "analysis",
			Err:   fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))),
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("analysis http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var decoded struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	content := strings.TrimSpace(decoded.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("empty content in response")
	}
	return content, nil
}
