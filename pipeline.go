package memtier

import (
	"context"
	"fmt"
	"log"
	"time"
)

// Pipeline runs the daily consolidation: fetch the date's hot records,
// analyze them, drop low-importance and duplicate entries, track
// progress against the prior day, embed, and persist to cold storage.
// One successful run consumes one unit of the date's quota; a run that
// finds no records consumes nothing.
type Pipeline struct {
	hot       *HotStore
	cold      *ColdStore
	analyzer  Analyzer
	embedder  Embedder
	dedupOpts DedupOptions
	quota     *QuotaTracker
	opts      PipelineOptions
}

func NewPipeline(hot *HotStore, cold *ColdStore, analyzer Analyzer, embedder Embedder, dedupOpts DedupOptions, quota *QuotaTracker, opts PipelineOptions) *Pipeline {
	return &Pipeline{
		hot:       hot,
		cold:      cold,
		analyzer:  analyzer,
		embedder:  embedder,
		dedupOpts: dedupOpts.withDefaults(),
		quota:     quota,
		opts:      opts.withDefaults(),
	}
}

// Consolidate processes every hot record whose timestamp falls on
// date's UTC calendar day. The quota gate runs before anything else,
// so a call over budget makes zero store or model calls. Hot records
// are left in place; call TrimConsolidated once the result has been
// accepted.
func (p *Pipeline) Consolidate(ctx context.Context, date time.Time) (*ConsolidationResult, error) {
	if err := p.quota.Allow(date); err != nil {
		return nil, err
	}

	result := &ConsolidationResult{}

	records, err := p.hot.FetchDate(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}
	result.Stats.Fetched = len(records)
	if len(records) == 0 {
		log.Printf("[memtier] consolidate %s: no hot records, skipping", DateKey(date))
		return result, nil
	}

	analyzed, err := p.analyzer.Analyze(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("consolidate: %w", err)
	}
	p.quota.Commit(date)
	result.Stats.Analyzed = len(analyzed.Records)
	result.Stats.SchemaRejected = len(analyzed.Rejected)
	for _, reject := range analyzed.Rejected {
		log.Printf("[memtier] consolidate %s: dropping record: %v", DateKey(date), reject)
	}

	kept := make([]ProcessedRecord, 0, len(analyzed.Records))
	for _, rec := range analyzed.Records {
		if rec.ImportanceScore < p.opts.MinImportance {
			result.Stats.LowImportance++
			continue
		}
		kept = append(kept, rec)
	}

	// Each run deduplicates on a fresh index so concurrent runs and
	// Service.Dedupe calls share no state.
	unique, removed := NewDeduplicator(p.dedupOpts).BatchDedup(kept)
	result.Stats.Duplicates = removed
	if len(kept) > 0 {
		result.Stats.DuplicateRatio = float64(removed) / float64(len(kept))
	}

	if len(unique) == 0 {
		log.Printf("[memtier] consolidate %s: nothing survived filtering (%d analyzed, %d low importance, %d duplicates)",
			DateKey(date), result.Stats.Analyzed, result.Stats.LowImportance, removed)
		return result, nil
	}

	diff, err := p.trackProgress(ctx, unique, date, &result.Stats)
	if err != nil {
		return result, fmt.Errorf("consolidate: %w", err)
	}
	result.Differential = diff

	persisted, embedFailures, err := p.embedAndPersist(ctx, unique)
	result.Records = persisted
	result.Stats.EmbedFailures = embedFailures
	result.Stats.Persisted = len(persisted)
	if err != nil {
		return result, fmt.Errorf("consolidate: %w", err)
	}

	log.Printf("[memtier] consolidate %s: %d fetched, %d persisted (%d rejected, %d low importance, %d duplicates, %d embed failures)",
		DateKey(date), result.Stats.Fetched, result.Stats.Persisted,
		result.Stats.SchemaRejected, result.Stats.LowImportance,
		result.Stats.Duplicates, result.Stats.EmbedFailures)
	return result, nil
}

// trackProgress runs the day-over-day differential and replaces the
// date's snapshot. Quota and store-connectivity failures abort the
// run. A differential response the client could not use (malformed
// JSON, model drop) is recorded in stats and skipped: the records
// still get persisted, and the next day's differential simply compares
// against an older snapshot.
func (p *Pipeline) trackProgress(ctx context.Context, records []ProcessedRecord, date time.Time, stats *ConsolidationStats) (*ProgressDifferential, error) {
	prev, err := p.cold.LoadSnapshot(ctx, date.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("load prior snapshot: %w", err)
	}

	diff, err := p.analyzer.Differential(ctx, records, prev, date)
	if err != nil {
		if IsQuotaExceeded(err) || IsConnectivity(err) || ctx.Err() != nil {
			return nil, fmt.Errorf("differential: %w", err)
		}
		log.Printf("[memtier] consolidate %s: differential unusable, continuing without it: %v", DateKey(date), err)
		stats.DifferentialFailed = true
		diff = nil
	}

	snap := SnapshotFrom(date, records, diff)
	if err := p.cold.SaveSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	return diff, nil
}

// embedAndPersist embeds the surviving records in one batch and
// upserts each row. Per-item embedding failures exclude exactly those
// records; quota and connectivity errors abort with whatever has been
// persisted so far.
func (p *Pipeline) embedAndPersist(ctx context.Context, records []ProcessedRecord) (persisted []ProcessedRecord, embedFailures int, err error) {
	texts := make([]string, len(records))
	for i, rec := range records {
		texts[i] = rec.StructuredContent
	}

	vectors, embedErr := p.embedder.EmbedBatch(ctx, texts)
	if embedErr != nil {
		if batchErr, ok := embedErr.(*BatchEmbedError); ok {
			embedFailures = len(batchErr.Items)
			for _, item := range batchErr.Items {
				log.Printf("[memtier] consolidate: %v", item)
			}
		} else {
			return nil, 0, embedErr
		}
	}

	for i, rec := range records {
		if vectors[i] == nil {
			continue
		}
		rec.Embedding = vectors[i]
		if upsertErr := p.cold.Upsert(ctx, rec); upsertErr != nil {
			return persisted, embedFailures, upsertErr
		}
		persisted = append(persisted, rec)
	}
	return persisted, embedFailures, nil
}

// TrimConsolidated drops hot entries on or before date's UTC day from
// every channel. It is a separate step so a failed consolidation never
// loses unprocessed records.
func (p *Pipeline) TrimConsolidated(ctx context.Context, date time.Time) error {
	cutoff := date.UTC().Truncate(24*time.Hour).AddDate(0, 0, 1)

	channels, err := p.hot.Channels(ctx)
	if err != nil {
		return fmt.Errorf("trim consolidated: %w", err)
	}
	for _, channel := range channels {
		if err := p.hot.TrimBefore(ctx, channel, cutoff); err != nil {
			return fmt.Errorf("trim consolidated: channel %s: %w", channel, err)
		}
	}
	return nil
}
