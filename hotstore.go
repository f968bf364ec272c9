package memtier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
)

const (
	hotKeyPrefix = "hot:"
	hotKeySuffix = ":records"
)

// HotStore is the bounded, recency-ordered per-channel record list over
// redis. Appends push to the front and trim to capacity; the whole list
// carries a TTL refreshed on every append. Channels share no state, so
// operations on different channels are safe concurrently.
type HotStore struct {
	client redis.UniversalClient
	opts   HotStoreOptions

	// retryBase shortens backoff in tests.
	retryBase time.Duration
}

func NewHotStore(client redis.UniversalClient, opts HotStoreOptions) *HotStore {
	return &HotStore{
		client:    client,
		opts:      opts.withDefaults(),
		retryBase: 200 * time.Millisecond,
	}
}

func hotKey(channel string) string {
	return hotKeyPrefix + channel + hotKeySuffix
}

func channelFromKey(key string) string {
	return strings.TrimSuffix(strings.TrimPrefix(key, hotKeyPrefix), hotKeySuffix)
}

// Append pushes rec to the front of the channel's list, trims to
// capacity (oldest evicted first), and refreshes the list TTL.
func (s *HotStore) Append(ctx context.Context, channel string, rec RawRecord) error {
	if strings.TrimSpace(channel) == "" {
		return validationErrorf("append: empty channel")
	}
	if strings.TrimSpace(rec.ID) == "" {
		return validationErrorf("append: record has no id")
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return validationErrorf("append: marshal record %s: %v", rec.ID, err)
	}

	key := hotKey(channel)
	return s.withRetry(ctx, "append", func() error {
		pipe := s.client.TxPipeline()
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(s.opts.Capacity)-1)
		pipe.Expire(ctx, key, s.opts.TTL)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// List returns up to limit most-recent-first records for the channel.
// Corrupted stored entries are skipped with a warning, never fatal.
func (s *HotStore) List(ctx context.Context, channel string, limit int) ([]RawRecord, error) {
	if limit <= 0 || limit > s.opts.Capacity {
		limit = s.opts.Capacity
	}

	var raw []string
	err := s.withRetry(ctx, "list", func() error {
		var err error
		raw, err = s.client.LRange(ctx, hotKey(channel), 0, int64(limit)-1).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.decodeEntries(channel, raw), nil
}

// Channels returns every channel currently holding hot records.
func (s *HotStore) Channels(ctx context.Context) ([]string, error) {
	var channels []string
	err := s.withRetry(ctx, "channels", func() error {
		channels = channels[:0]
		iter := s.client.Scan(ctx, 0, hotKeyPrefix+"*"+hotKeySuffix, 100).Iterator()
		for iter.Next(ctx) {
			channels = append(channels, channelFromKey(iter.Val()))
		}
		return iter.Err()
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(channels)
	return channels, nil
}

// FetchDate reads every hot record across channels whose timestamp
// falls on the given UTC calendar date, oldest first.
func (s *HotStore) FetchDate(ctx context.Context, date time.Time) ([]RawRecord, error) {
	channels, err := s.Channels(ctx)
	if err != nil {
		return nil, err
	}

	var out []RawRecord
	for _, channel := range channels {
		records, err := s.List(ctx, channel, s.opts.Capacity)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			if SameDate(rec.Timestamp, date) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out, nil
}

// TrimBefore drops the channel's records older than the cutoff. Callers
// invoke it only after confirming cold-store persistence; the
// consolidation pipeline itself never deletes hot data. The read and
// rewrite run under WATCH so a concurrent append invalidates the
// transaction instead of being lost; the invalidated attempt is
// retried.
func (s *HotStore) TrimBefore(ctx context.Context, channel string, before time.Time) error {
	if strings.TrimSpace(channel) == "" {
		return validationErrorf("trim: empty channel")
	}
	key := hotKey(channel)

	return s.withRetry(ctx, "trim", func() error {
		return s.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.LRange(ctx, key, 0, -1).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}

			// Newest-first order: keep entries at or after the cutoff,
			// dropping unparseable ones along the way.
			keep := make([]any, 0, len(raw))
			for _, entry := range raw {
				var rec RawRecord
				if err := json.Unmarshal([]byte(entry), &rec); err != nil {
					continue
				}
				if !rec.Timestamp.Before(before) {
					keep = append(keep, entry)
				}
			}
			if len(keep) == len(raw) {
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				if len(keep) > 0 {
					pipe.RPush(ctx, key, keep...)
					pipe.Expire(ctx, key, s.opts.TTL)
				}
				return nil
			})
			return err
		}, key)
	})
}

func (s *HotStore) decodeEntries(channel string, raw []string) []RawRecord {
	records := make([]RawRecord, 0, len(raw))
	for _, entry := range raw {
		var rec RawRecord
		if err := json.Unmarshal([]byte(entry), &rec); err != nil {
			log.Printf("[memtier] hot store: skipping corrupt entry in channel %s: %v", channel, err)
			continue
		}
		records = append(records, rec)
	}
	return records
}

// withRetry runs op with bounded exponential backoff on transport
// errors and wraps exhaustion in a ConnectivityError.
func (s *HotStore) withRetry(ctx context.Context, name string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.retryBase

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := op()
		if err == nil || errors.Is(err, redis.Nil) {
			return struct{}{}, nil
		}
		if ctx.Err() != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(uint(s.opts.MaxAttempts)))

	if err != nil {
		return &ConnectivityError{Store: "hot", Err: fmt.Errorf("%s: %w", name, err)}
	}
	return nil
}
