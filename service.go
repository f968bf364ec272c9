package memtier

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options aggregates every component's configuration for the facade
// constructor. Zero-value fields fall back to package defaults.
type Options struct {
	Hot      HotStoreOptions
	Cold     ColdStoreOptions
	Dedup    DedupOptions
	Embedder EmbedderOptions
	Analyzer AnalyzerOptions
	Pipeline PipelineOptions

	// CallInterval spaces every outbound model call (analysis and
	// embedding share one budget), default 4s.
	CallInterval time.Duration
}

// Service wires the hot store, cold store, model clients, and
// consolidation pipeline behind one constructor. Scheduling stays with
// the caller: nothing here runs on a timer.
type Service struct {
	hot       *HotStore
	cold      *ColdStore
	embedder  Embedder
	analyzer  Analyzer
	dedupOpts DedupOptions
	quota     *QuotaTracker
	pipeline  *Pipeline
}

// NewService builds the full stack from a redis client and a cold
// store handle. Both model clients share one rate limiter.
func NewService(rdb redis.UniversalClient, db ColdDB, opts Options) *Service {
	interval := opts.CallInterval
	if interval <= 0 {
		interval = DefaultCallInterval
	}
	limiter := NewRateLimiter(interval)

	hot := NewHotStore(rdb, opts.Hot)
	cold := NewColdStore(db, opts.Cold)
	embedder := NewEmbeddingClient(opts.Embedder, limiter)
	analyzer := NewAnalysisClient(opts.Analyzer, limiter)
	quota := NewQuotaTracker(opts.Pipeline.DailyQuota)

	return &Service{
		hot:       hot,
		cold:      cold,
		embedder:  embedder,
		analyzer:  analyzer,
		dedupOpts: opts.Dedup.withDefaults(),
		quota:     quota,
		pipeline:  NewPipeline(hot, cold, analyzer, embedder, opts.Dedup, quota, opts.Pipeline),
	}
}

// Init prepares the cold store schema. Call once at startup.
func (s *Service) Init(ctx context.Context) error {
	return s.cold.Init(ctx)
}

// Remember appends one turn to the channel's hot memory.
func (s *Service) Remember(ctx context.Context, channel, userID, content string) (RawRecord, error) {
	rec := NewRawRecord(channel, userID, content)
	if err := s.hot.Append(ctx, channel, rec); err != nil {
		return RawRecord{}, err
	}
	return rec, nil
}

// AppendHot appends an already-built record, for callers that manage
// their own ids and timestamps.
func (s *Service) AppendHot(ctx context.Context, rec RawRecord) error {
	return s.hot.Append(ctx, rec.Channel, rec)
}

// ListHot returns the channel's newest hot records, newest first.
func (s *Service) ListHot(ctx context.Context, channel string, limit int) ([]RawRecord, error) {
	return s.hot.List(ctx, channel, limit)
}

// TrimHot drops the channel's hot records older than the cutoff.
func (s *Service) TrimHot(ctx context.Context, channel string, before time.Time) error {
	return s.hot.TrimBefore(ctx, channel, before)
}

// Consolidate runs the daily pipeline for date. See Pipeline.Consolidate.
func (s *Service) Consolidate(ctx context.Context, date time.Time) (*ConsolidationResult, error) {
	return s.pipeline.Consolidate(ctx, date)
}

// TrimConsolidated drops hot entries covered by a completed
// consolidation of date.
func (s *Service) TrimConsolidated(ctx context.Context, date time.Time) error {
	return s.pipeline.TrimConsolidated(ctx, date)
}

// QuotaRemaining reports how many consolidation runs date has left.
func (s *Service) QuotaRemaining(date time.Time) int {
	return s.quota.Remaining(date)
}

// Dedupe runs batch deduplication over records on a fresh index,
// returning the first-seen survivors and the removed count. Each call
// indexes independently, so concurrent calls cannot contaminate each
// other's batches.
func (s *Service) Dedupe(records []ProcessedRecord) (unique []ProcessedRecord, removed int) {
	return NewDeduplicator(s.dedupOpts).BatchDedup(records)
}

// Embed vectorizes one text through the shared rate limiter.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.embedder.Embed(ctx, text)
}

// EmbedBatch vectorizes texts positionally; see Embedder.EmbedBatch.
func (s *Service) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return s.embedder.EmbedBatch(ctx, texts)
}

// Search embeds the query text and returns the closest cold-store
// records, optionally restricted to one channel.
func (s *Service) Search(ctx context.Context, query, channel string, topK int) ([]SearchResult, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}
	return s.cold.SimilaritySearch(ctx, vector, channel, topK)
}

// SimilaritySearch queries the cold store with a caller-supplied
// vector, skipping the embedding call.
func (s *Service) SimilaritySearch(ctx context.Context, query []float32, channel string, topK int) ([]SearchResult, error) {
	return s.cold.SimilaritySearch(ctx, query, channel, topK)
}

// Snapshot returns the persisted progress snapshot for date, or nil if
// none exists.
func (s *Service) Snapshot(ctx context.Context, date time.Time) (*ProgressSnapshot, error) {
	return s.cold.LoadSnapshot(ctx, date)
}
