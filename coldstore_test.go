package memtier

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

type execCall struct {
	sql  string
	args []any
}

// fakeColdDB records statements and serves canned rows, standing in
// for a pgx pool.
type fakeColdDB struct {
	execs    []execCall
	execErrs []error // consumed per call; nil entries succeed

	queryRows *fakeRows
	queryErr  error

	rowScan func(dest ...any) error
}

func (f *fakeColdDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, execCall{sql: sql, args: args})
	if len(f.execErrs) > 0 {
		err := f.execErrs[0]
		f.execErrs = f.execErrs[1:]
		if err != nil {
			return pgconn.CommandTag{}, err
		}
	}
	return pgconn.CommandTag{}, nil
}

func (f *fakeColdDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.queryRows, nil
}

func (f *fakeColdDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeRow{scan: f.rowScan}
}

type fakeRow struct {
	scan func(dest ...any) error
}

func (r fakeRow) Scan(dest ...any) error { return r.scan(dest...) }

type fakeRows struct {
	scans []func(dest ...any) error
	pos   int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Next() bool                                   { r.pos++; return r.pos <= len(r.scans) }
func (r *fakeRows) Scan(dest ...any) error                       { return r.scans[r.pos-1](dest...) }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func newTestColdStore(db ColdDB, dim int) *ColdStore {
	s := NewColdStore(db, ColdStoreOptions{Dimension: dim, MaxAttempts: 2})
	s.retryBase = time.Millisecond
	return s
}

func coldRecord(id string, dim int) ProcessedRecord {
	rec := testRecord(id, "Persisted structured content for "+id)
	rec.Embedding = make([]float32, dim)
	rec.Signature = EncodeSignature([]uint64{1, 2, 3})
	return rec
}

func TestColdStoreInitCreatesSchema(t *testing.T) {
	db := &fakeColdDB{}
	s := newTestColdStore(db, 768)

	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	joined := ""
	for _, call := range db.execs {
		joined += call.sql + "\n"
	}
	for _, want := range []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		"vector(768)",
		"hnsw (embedding vector_cosine_ops)",
		"progress_snapshots",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("schema statements missing %q", want)
		}
	}
}

func TestColdStoreUpsertValidatesBeforeIO(t *testing.T) {
	db := &fakeColdDB{}
	s := newTestColdStore(db, 4)
	ctx := context.Background()

	cases := []ProcessedRecord{
		func() ProcessedRecord { r := coldRecord("", 4); return r }(),
		func() ProcessedRecord { r := coldRecord("r1", 3); return r }(),
		func() ProcessedRecord { r := coldRecord("r1", 4); r.ImportanceScore = 1.5; return r }(),
		func() ProcessedRecord { r := coldRecord("r1", 4); r.MemoryType = "gossip"; return r }(),
		func() ProcessedRecord { r := coldRecord("r1", 4); r.Channel = ""; return r }(),
	}
	for i, rec := range cases {
		if err := s.Upsert(ctx, rec); !IsValidation(err) {
			t.Fatalf("case %d: error = %v, want validation", i, err)
		}
	}
	if len(db.execs) != 0 {
		t.Fatalf("made %d Exec calls, want 0", len(db.execs))
	}
}

func TestColdStoreUpsertIdempotentStatement(t *testing.T) {
	db := &fakeColdDB{}
	s := newTestColdStore(db, 4)
	ctx := context.Background()

	rec := coldRecord("r1", 4)
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("first Upsert: %v", err)
	}
	if err := s.Upsert(ctx, rec); err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	if len(db.execs) != 2 {
		t.Fatalf("exec calls = %d, want 2", len(db.execs))
	}
	for _, call := range db.execs {
		if !strings.Contains(call.sql, "ON CONFLICT (id) DO NOTHING") {
			t.Fatalf("upsert statement lacks conflict clause: %s", call.sql)
		}
		if call.args[0] != "r1" {
			t.Fatalf("id arg = %v, want r1", call.args[0])
		}
	}
}

func TestColdStoreUpsertRetriesTransientFailure(t *testing.T) {
	db := &fakeColdDB{execErrs: []error{errors.New("connection reset"), nil}}
	s := newTestColdStore(db, 4)

	if err := s.Upsert(context.Background(), coldRecord("r1", 4)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if len(db.execs) != 2 {
		t.Fatalf("exec calls = %d, want 2", len(db.execs))
	}
}

func TestColdStoreUpsertConnectivityError(t *testing.T) {
	db := &fakeColdDB{execErrs: []error{errors.New("down"), errors.New("down")}}
	s := newTestColdStore(db, 4)

	err := s.Upsert(context.Background(), coldRecord("r1", 4))
	var ce *ConnectivityError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %v, want *ConnectivityError", err)
	}
	if ce.Store != "cold" {
		t.Fatalf("store = %s, want cold", ce.Store)
	}
}

func TestColdStoreSimilaritySearchValidatesDimension(t *testing.T) {
	s := newTestColdStore(&fakeColdDB{}, 4)
	if _, err := s.SimilaritySearch(context.Background(), make([]float32, 3), "", 5); !IsValidation(err) {
		t.Fatalf("error = %v, want validation", err)
	}
}

func TestColdStoreSimilaritySearchScansRows(t *testing.T) {
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	rows := &fakeRows{scans: []func(dest ...any) error{
		func(dest ...any) error {
			*dest[0].(*string) = "r1"
			*dest[1].(*string) = "general"
			*dest[2].(*string) = "u1"
			*dest[3].(*string) = "raw content"
			*dest[4].(*string) = "structured content"
			*dest[5].(*string) = "learning"
			*dest[6].(*[]byte) = []byte(`{"source":"chat"}`)
			*dest[7].(*[]byte) = []byte(`[{"name":"Go","type":"technology"}]`)
			*dest[8].(*[]byte) = []byte(`{"Go":"improving"}`)
			*dest[9].(*float64) = 0.9
			*dest[10].(*[]byte) = EncodeSignature([]uint64{1, 2})
			*dest[11].(*pgvector.Vector) = pgvector.NewVector([]float32{1, 0, 0, 0})
			*dest[12].(*time.Time) = ts
			*dest[13].(*float64) = 0.87
			return nil
		},
	}}
	s := newTestColdStore(&fakeColdDB{queryRows: rows}, 4)

	results, err := s.SimilaritySearch(context.Background(), []float32{1, 0, 0, 0}, "general", 5)
	if err != nil {
		t.Fatalf("SimilaritySearch: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	got := results[0]
	if got.Similarity != 0.87 {
		t.Fatalf("similarity = %f", got.Similarity)
	}
	if got.Record.MemoryType != MemoryLearning || got.Record.Entities[0].Name != "Go" {
		t.Fatalf("record = %+v", got.Record)
	}
	if len(got.Record.Embedding) != 4 {
		t.Fatalf("embedding = %v", got.Record.Embedding)
	}
}

func TestColdStoreSaveSnapshotReplacesWholesale(t *testing.T) {
	db := &fakeColdDB{}
	s := newTestColdStore(db, 4)

	snap := ProgressSnapshot{
		Date:     time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		Entities: []string{"TypeScript"},
		Summary:  "Studied generics.",
	}
	if err := s.SaveSnapshot(context.Background(), snap); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	if len(db.execs) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(db.execs))
	}
	if !strings.Contains(db.execs[0].sql, "ON CONFLICT (snapshot_date) DO UPDATE") {
		t.Fatalf("snapshot statement lacks replace clause: %s", db.execs[0].sql)
	}
}

func TestColdStoreLoadSnapshotMissing(t *testing.T) {
	db := &fakeColdDB{rowScan: func(dest ...any) error { return pgx.ErrNoRows }}
	s := newTestColdStore(db, 4)

	snap, err := s.LoadSnapshot(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap != nil {
		t.Fatalf("snapshot = %+v, want nil", snap)
	}
}

func TestColdStoreLoadSnapshotDecodes(t *testing.T) {
	day := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	db := &fakeColdDB{rowScan: func(dest ...any) error {
		*dest[0].(*time.Time) = day
		*dest[1].(*[]byte), _ = json.Marshal([]string{"TypeScript", "Docker"})
		*dest[2].(*[]byte), _ = json.Marshal([]string{"finish chapter"})
		*dest[3].(*[]byte), _ = json.Marshal([]string{"generics"})
		*dest[4].(*string) = "A productive day."
		return nil
	}}
	s := newTestColdStore(db, 4)

	snap, err := s.LoadSnapshot(context.Background(), day)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("snapshot = nil")
	}
	if len(snap.Entities) != 2 || snap.Entities[0] != "TypeScript" {
		t.Fatalf("entities = %v", snap.Entities)
	}
	if snap.Summary != "A productive day." {
		t.Fatalf("summary = %q", snap.Summary)
	}
}
