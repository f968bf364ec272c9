// Package memtier implements a tiered memory and deduplication engine
// for conversational agents: a bounded per-channel recency store backed
// by redis ("hot memory") feeding a quota-gated daily consolidation job
// that analyzes, deduplicates, embeds, and persists records into a
// pgvector-backed long-term store ("cold memory").
//
// The package has no CLI or network surface of its own. An external
// scheduler drives it through Service: AppendHot on every
// conversational turn, Consolidate once per day, TrimConsolidated after
// confirming cold persistence.
package memtier
