package memtier

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// MemoryType classifies a processed record.
type MemoryType string

const (
	MemoryConversation MemoryType = "conversation"
	MemoryTask         MemoryType = "task"
	MemoryProgress     MemoryType = "progress"
	MemoryLearning     MemoryType = "learning"
	MemoryDecision     MemoryType = "decision"
)

// Valid reports whether t is one of the known memory types.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryConversation, MemoryTask, MemoryProgress, MemoryLearning, MemoryDecision:
		return true
	}
	return false
}

// RawRecord is one conversational turn as appended to hot memory.
type RawRecord struct {
	ID        string            `json:"id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Channel   string            `json:"channel_id"`
	UserID    string            `json:"user_id"`
	Kind      string            `json:"kind,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewRawRecord builds a record with a fresh id and the current UTC time.
func NewRawRecord(channel, userID, content string) RawRecord {
	return RawRecord{
		ID:        uuid.NewString(),
		Content:   content,
		Timestamp: time.Now().UTC(),
		Channel:   channel,
		UserID:    userID,
	}
}

// Entity is one extracted (name, type) pair, e.g. ("TypeScript", "technology").
type Entity struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// ProcessedRecord is a raw record that survived analysis, carrying the
// structured form produced by the analysis service plus the artifacts
// added during consolidation.
type ProcessedRecord struct {
	RawRecord

	StructuredContent  string            `json:"structured_content"`
	MemoryType         MemoryType        `json:"memory_type"`
	Entities           []Entity          `json:"entities,omitempty"`
	ImportanceScore    float64           `json:"importance_score"`
	ProgressIndicators map[string]string `json:"progress_indicators,omitempty"`

	// Signature is the MinHash signature blob attached during dedup.
	Signature []byte `json:"-"`
	// Embedding has the model's fixed dimension once step 5 succeeds.
	Embedding []float32 `json:"-"`
}

// ProgressDifferential is the day-over-day comparison produced once per
// consolidation run.
type ProgressDifferential struct {
	Date               time.Time `json:"date"`
	NewEntities        []string  `json:"new_entities"`
	ProgressedEntities []string  `json:"progressed_entities"`
	StagnantEntities   []string  `json:"stagnant_entities"`
	CompletedTasks     []string  `json:"completed_tasks"`
	NewSkills          []string  `json:"new_skills"`
	Summary            string    `json:"summary"`
}

// ProgressSnapshot is the persisted per-date entity/task state the next
// day's differential compares against. It is replaced wholesale each day.
type ProgressSnapshot struct {
	Date     time.Time `json:"date"`
	Entities []string  `json:"entities"`
	Tasks    []string  `json:"tasks"`
	Skills   []string  `json:"skills"`
	Summary  string    `json:"summary"`
}

// SnapshotFrom derives the persisted snapshot for a run from its
// surviving records and differential.
func SnapshotFrom(date time.Time, records []ProcessedRecord, diff *ProgressDifferential) ProgressSnapshot {
	snap := ProgressSnapshot{Date: date}
	seen := make(map[string]bool)
	for _, rec := range records {
		for _, ent := range rec.Entities {
			name := strings.TrimSpace(ent.Name)
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			snap.Entities = append(snap.Entities, name)
		}
		if rec.MemoryType == MemoryTask {
			if task := strings.TrimSpace(rec.StructuredContent); task != "" {
				snap.Tasks = append(snap.Tasks, task)
			}
		}
	}
	if diff != nil {
		snap.Skills = append(snap.Skills, diff.NewSkills...)
		snap.Summary = diff.Summary
	}
	return snap
}

// SearchResult is one cold-store similarity hit.
type SearchResult struct {
	Record     ProcessedRecord
	Similarity float64
}

// ConsolidationStats summarizes one consolidation run for diagnostics.
type ConsolidationStats struct {
	Fetched        int
	Analyzed       int
	SchemaRejected int
	LowImportance  int
	Duplicates     int
	DuplicateRatio float64
	// DifferentialFailed marks a run whose differential response could
	// not be used; the records were still persisted.
	DifferentialFailed bool
	EmbedFailures      int
	Persisted          int
}

// ConsolidationResult is what Consolidate returns for a date.
type ConsolidationResult struct {
	Records      []ProcessedRecord
	Differential *ProgressDifferential
	Stats        ConsolidationStats
}

// DateKey formats t as the canonical UTC calendar-date key.
func DateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// SameDate reports whether both instants fall on the same UTC calendar date.
func SameDate(a, b time.Time) bool {
	return DateKey(a) == DateKey(b)
}
