package memtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvector "github.com/pgvector/pgvector-go/pgx"
)

// ColdDB is the slice of pgx the cold store needs; *pgxpool.Pool
// satisfies it.
type ColdDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ColdStore is the durable, vector-indexed long-term record store.
// Rows are immutable once persisted; only the daily progress snapshot
// is replaced wholesale.
type ColdStore struct {
	db   ColdDB
	opts ColdStoreOptions

	retryBase time.Duration
}

func NewColdStore(db ColdDB, opts ColdStoreOptions) *ColdStore {
	return &ColdStore{
		db:        db,
		opts:      opts.withDefaults(),
		retryBase: 200 * time.Millisecond,
	}
}

// NewColdStorePool opens a pgx pool with the pgvector codec registered
// on every connection.
func NewColdStorePool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse cold store dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvector.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open cold store pool: %w", err)
	}
	return pool, nil
}

// Dimension returns the deployment's fixed vector column width.
func (s *ColdStore) Dimension() int { return s.opts.Dimension }

// Init creates the extension, tables, and similarity index. The vector
// column width is fixed per deployment at construction time.
func (s *ColdStore) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			structured_content TEXT NOT NULL,
			memory_type TEXT NOT NULL,
			metadata JSONB NOT NULL DEFAULT '{}',
			entities JSONB NOT NULL DEFAULT '[]',
			progress_indicators JSONB NOT NULL DEFAULT '{}',
			importance_score REAL NOT NULL,
			minhash_signature BYTEA,
			embedding vector(%d) NOT NULL,
			memory_timestamp TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.opts.Dimension),
		`CREATE INDEX IF NOT EXISTS idx_memories_channel ON memories(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_memories_embedding ON memories
			USING hnsw (embedding vector_cosine_ops)`,
		`CREATE TABLE IF NOT EXISTS progress_snapshots (
			snapshot_date DATE PRIMARY KEY,
			entities JSONB NOT NULL DEFAULT '[]',
			tasks JSONB NOT NULL DEFAULT '[]',
			skills JSONB NOT NULL DEFAULT '[]',
			summary TEXT NOT NULL DEFAULT '',
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
	}
	return s.withRetry(ctx, "init", func() error {
		for _, stmt := range stmts {
			if _, err := s.db.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("init schema: %w", err)
			}
		}
		return nil
	})
}

// Upsert inserts rec keyed by id; a duplicate id is a no-op, not an
// error. Validation runs before any network call.
func (s *ColdStore) Upsert(ctx context.Context, rec ProcessedRecord) error {
	if err := s.validateRecord(rec); err != nil {
		return err
	}

	metadata, err := json.Marshal(nonNilMap(rec.Metadata))
	if err != nil {
		return validationErrorf("upsert %s: marshal metadata: %v", rec.ID, err)
	}
	entities, err := json.Marshal(nonNilEntities(rec.Entities))
	if err != nil {
		return validationErrorf("upsert %s: marshal entities: %v", rec.ID, err)
	}
	indicators, err := json.Marshal(nonNilMap(rec.ProgressIndicators))
	if err != nil {
		return validationErrorf("upsert %s: marshal progress indicators: %v", rec.ID, err)
	}

	return s.withRetry(ctx, "upsert", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO memories (
				id, channel_id, user_id, content, structured_content,
				memory_type, metadata, entities, progress_indicators,
				importance_score, minhash_signature, embedding, memory_timestamp
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (id) DO NOTHING
		`,
			rec.ID, rec.Channel, rec.UserID, rec.Content, rec.StructuredContent,
			string(rec.MemoryType), metadata, entities, indicators,
			rec.ImportanceScore, rec.Signature, pgvector.NewVector(rec.Embedding),
			rec.Timestamp.UTC(),
		)
		return err
	})
}

// SimilaritySearch returns up to topK records ordered by descending
// cosine similarity to query, optionally restricted to one channel
// (empty channel means no filter).
func (s *ColdStore) SimilaritySearch(ctx context.Context, query []float32, channel string, topK int) ([]SearchResult, error) {
	if len(query) != s.opts.Dimension {
		return nil, validationErrorf("similarity search: query dimension %d, want %d", len(query), s.opts.Dimension)
	}
	if topK <= 0 {
		topK = 10
	}

	var results []SearchResult
	err := s.withRetry(ctx, "similarity search", func() error {
		rows, err := s.db.Query(ctx, `
			SELECT id, channel_id, user_id, content, structured_content,
			       memory_type, metadata, entities, progress_indicators,
			       importance_score, minhash_signature, embedding, memory_timestamp,
			       1 - (embedding <=> $1) AS similarity
			FROM memories
			WHERE ($2 = '' OR channel_id = $2)
			ORDER BY embedding <=> $1
			LIMIT $3
		`, pgvector.NewVector(query), channel, topK)
		if err != nil {
			return err
		}
		defer rows.Close()

		results = results[:0]
		for rows.Next() {
			res, err := scanSearchResult(rows)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// SaveSnapshot replaces the date's progress snapshot wholesale.
func (s *ColdStore) SaveSnapshot(ctx context.Context, snap ProgressSnapshot) error {
	entities, err := json.Marshal(nonNilStrings(snap.Entities))
	if err != nil {
		return validationErrorf("save snapshot: marshal entities: %v", err)
	}
	tasks, err := json.Marshal(nonNilStrings(snap.Tasks))
	if err != nil {
		return validationErrorf("save snapshot: marshal tasks: %v", err)
	}
	skills, err := json.Marshal(nonNilStrings(snap.Skills))
	if err != nil {
		return validationErrorf("save snapshot: marshal skills: %v", err)
	}

	return s.withRetry(ctx, "save snapshot", func() error {
		_, err := s.db.Exec(ctx, `
			INSERT INTO progress_snapshots (snapshot_date, entities, tasks, skills, summary, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (snapshot_date) DO UPDATE SET
				entities = EXCLUDED.entities,
				tasks = EXCLUDED.tasks,
				skills = EXCLUDED.skills,
				summary = EXCLUDED.summary,
				updated_at = now()
		`, snap.Date.UTC().Truncate(24*time.Hour), entities, tasks, skills, snap.Summary)
		return err
	})
}

// LoadSnapshot reads the date's snapshot; a missing date returns
// (nil, nil).
func (s *ColdStore) LoadSnapshot(ctx context.Context, date time.Time) (*ProgressSnapshot, error) {
	var snap *ProgressSnapshot
	err := s.withRetry(ctx, "load snapshot", func() error {
		var (
			day                     time.Time
			entities, tasks, skills []byte
			summary                 string
		)
		err := s.db.QueryRow(ctx, `
			SELECT snapshot_date, entities, tasks, skills, summary
			FROM progress_snapshots
			WHERE snapshot_date = $1
		`, date.UTC().Truncate(24*time.Hour)).Scan(&day, &entities, &tasks, &skills, &summary)
		if errors.Is(err, pgx.ErrNoRows) {
			snap = nil
			return nil
		}
		if err != nil {
			return err
		}

		loaded := ProgressSnapshot{Date: day, Summary: summary}
		if err := json.Unmarshal(entities, &loaded.Entities); err != nil {
			return fmt.Errorf("decode snapshot entities: %w", err)
		}
		if err := json.Unmarshal(tasks, &loaded.Tasks); err != nil {
			return fmt.Errorf("decode snapshot tasks: %w", err)
		}
		if err := json.Unmarshal(skills, &loaded.Skills); err != nil {
			return fmt.Errorf("decode snapshot skills: %w", err)
		}
		snap = &loaded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *ColdStore) validateRecord(rec ProcessedRecord) error {
	if strings.TrimSpace(rec.ID) == "" {
		return validationErrorf("upsert: record has no id")
	}
	if strings.TrimSpace(rec.Channel) == "" {
		return validationErrorf("upsert %s: record has no channel", rec.ID)
	}
	if !rec.MemoryType.Valid() {
		return validationErrorf("upsert %s: invalid memory type %q", rec.ID, rec.MemoryType)
	}
	if rec.ImportanceScore < 0 || rec.ImportanceScore > 1 {
		return validationErrorf("upsert %s: importance %.3f outside [0,1]", rec.ID, rec.ImportanceScore)
	}
	if len(rec.Embedding) != s.opts.Dimension {
		return validationErrorf("upsert %s: embedding dimension %d, want %d", rec.ID, len(rec.Embedding), s.opts.Dimension)
	}
	return nil
}

func scanSearchResult(rows pgx.Rows) (SearchResult, error) {
	var (
		res        SearchResult
		memoryType string
		metadata   []byte
		entities   []byte
		indicators []byte
		embedding  pgvector.Vector
	)
	err := rows.Scan(
		&res.Record.ID, &res.Record.Channel, &res.Record.UserID,
		&res.Record.Content, &res.Record.StructuredContent,
		&memoryType, &metadata, &entities, &indicators,
		&res.Record.ImportanceScore, &res.Record.Signature,
		&embedding, &res.Record.Timestamp, &res.Similarity,
	)
	if err != nil {
		return SearchResult{}, fmt.Errorf("scan search result: %w", err)
	}
	res.Record.MemoryType = MemoryType(memoryType)
	res.Record.Embedding = embedding.Slice()
	if err := json.Unmarshal(metadata, &res.Record.Metadata); err != nil {
		return SearchResult{}, fmt.Errorf("decode metadata: %w", err)
	}
	if err := json.Unmarshal(entities, &res.Record.Entities); err != nil {
		return SearchResult{}, fmt.Errorf("decode entities: %w", err)
	}
	if err := json.Unmarshal(indicators, &res.Record.ProgressIndicators); err != nil {
		return SearchResult{}, fmt.Errorf("decode progress indicators: %w", err)
	}
	return res, nil
}

func (s *ColdStore) withRetry(ctx context.Context, name string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBase

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || IsValidation(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(s.opts.MaxAttempts)))

	if err != nil {
		if IsValidation(err) {
			return err
		}
		return &ConnectivityError{Store: "cold", Err: fmt.Errorf("%s: %w", name, err)}
	}
	return nil
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nonNilEntities(e []Entity) []Entity {
	if e == nil {
		return []Entity{}
	}
	return e
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
