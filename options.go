package memtier

import "time"

// Defaults for every tunable knob. Each is overridable through the
// corresponding options struct; zero values mean "use the default".
const (
	DefaultHotCapacity    = 20
	DefaultHotTTL         = 24 * time.Hour
	DefaultStoreAttempts  = 3
	DefaultEmbeddingDim   = 768
	DefaultMaxBatchSize   = 250
	DefaultMaxInputChars  = 8192 // ~2048 tokens at 4 chars/token
	DefaultCallInterval   = 4 * time.Second
	DefaultCallAttempts   = 3
	DefaultHTTPTimeout    = 30 * time.Second
	DefaultNumPerm        = 128
	DefaultDedupThreshold = 0.8
	DefaultCharShingle    = 3
	DefaultWordShingle    = 2
	DefaultMinImportance  = 0.4
	DefaultDailyQuota     = 3
)

// HotStoreOptions tunes the redis-backed recency store.
type HotStoreOptions struct {
	Capacity    int           // per-channel list bound, default 20
	TTL         time.Duration // list expiry refreshed on append, default 24h
	MaxAttempts int           // connectivity retries per operation, default 3
}

func (o HotStoreOptions) withDefaults() HotStoreOptions {
	if o.Capacity <= 0 {
		o.Capacity = DefaultHotCapacity
	}
	if o.TTL <= 0 {
		o.TTL = DefaultHotTTL
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultStoreAttempts
	}
	return o
}

// ColdStoreOptions tunes the pgvector-backed durable store.
type ColdStoreOptions struct {
	Dimension   int // vector column width, default 768
	MaxAttempts int // connectivity retries per operation, default 3
}

func (o ColdStoreOptions) withDefaults() ColdStoreOptions {
	if o.Dimension <= 0 {
		o.Dimension = DefaultEmbeddingDim
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultStoreAttempts
	}
	return o
}

// DedupOptions tunes the MinHash/LSH deduplicator. Threshold and
// NumPerm are fixed at construction; changing either requires a new
// index.
type DedupOptions struct {
	NumPerm     int     // MinHash permutations, default 128
	Threshold   float64 // Jaccard duplicate threshold in (0,1], default 0.8
	CharShingle int     // character shingle size, default 3
	WordShingle int     // word shingle size, default 2
}

func (o DedupOptions) withDefaults() DedupOptions {
	if o.NumPerm <= 0 {
		o.NumPerm = DefaultNumPerm
	}
	if o.Threshold <= 0 || o.Threshold > 1 {
		o.Threshold = DefaultDedupThreshold
	}
	if o.CharShingle <= 0 {
		o.CharShingle = DefaultCharShingle
	}
	if o.WordShingle <= 0 {
		o.WordShingle = DefaultWordShingle
	}
	return o
}

// EmbedderOptions tunes the embedding service client.
type EmbedderOptions struct {
	BaseURL       string
	APIKey        string
	Model         string
	Dimension     int           // expected vector width, default 768
	MaxBatchSize  int           // fail-fast batch cap, default 250
	MaxInputChars int           // truncation bound, default 8192
	MaxAttempts   int           // retry attempts per call, default 3
	Timeout       time.Duration // per-request timeout, default 30s
}

func (o EmbedderOptions) withDefaults() EmbedderOptions {
	if o.Dimension <= 0 {
		o.Dimension = DefaultEmbeddingDim
	}
	if o.MaxBatchSize <= 0 {
		o.MaxBatchSize = DefaultMaxBatchSize
	}
	if o.MaxInputChars <= 0 {
		o.MaxInputChars = DefaultMaxInputChars
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultCallAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultHTTPTimeout
	}
	return o
}

// AnalyzerOptions tunes the analysis/differential service client.
type AnalyzerOptions struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	MaxAttempts int           // retry attempts per call, default 3
	Timeout     time.Duration // per-request timeout, default 30s
}

func (o AnalyzerOptions) withDefaults() AnalyzerOptions {
	if o.MaxTokens <= 0 {
		o.MaxTokens = 8192
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultCallAttempts
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultHTTPTimeout
	}
	return o
}

// PipelineOptions tunes the consolidation pipeline itself.
type PipelineOptions struct {
	MinImportance float64 // analysis survival threshold, default 0.4
	DailyQuota    int     // successful runs per UTC date, default 3
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.MinImportance <= 0 {
		o.MinImportance = DefaultMinImportance
	}
	if o.DailyQuota <= 0 {
		o.DailyQuota = DefaultDailyQuota
	}
	return o
}
