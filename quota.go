package memtier

import (
	"sync"
	"time"
)

// QuotaTracker caps successful consolidation runs per UTC calendar
// date. Construct it once at process start; state rolls over lazily
// when a call arrives for a new date.
type QuotaTracker struct {
	mu    sync.Mutex
	limit int
	date  string
	count int
}

func NewQuotaTracker(dailyLimit int) *QuotaTracker {
	if dailyLimit <= 0 {
		dailyLimit = DefaultDailyQuota
	}
	return &QuotaTracker{limit: dailyLimit}
}

// Allow reports whether another run may start for date, rolling the
// counter over if the date changed. It does not consume quota; callers
// Commit only after the run's analysis step succeeds.
func (q *QuotaTracker) Allow(date time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover(date)
	if q.count >= q.limit {
		return &QuotaExceededError{Scope: "consolidation", Limit: q.limit}
	}
	return nil
}

// Commit consumes one unit of the date's quota.
func (q *QuotaTracker) Commit(date time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover(date)
	q.count++
}

// Remaining returns the unconsumed quota for date.
func (q *QuotaTracker) Remaining(date time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.rollover(date)
	if left := q.limit - q.count; left > 0 {
		return left
	}
	return 0
}

// rollover resets the counter when the tracked date changes. Callers
// hold q.mu.
func (q *QuotaTracker) rollover(date time.Time) {
	key := DateKey(date)
	if q.date != key {
		q.date = key
		q.count = 0
	}
}
