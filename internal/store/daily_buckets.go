package store

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const dateLayout = "2006-01-02"

// DailyBucket is one calendar day of signup/install totals. Buckets are
// created lazily by the first event of a day and only ever grow; a day's
// totals are best effort as of query time, never hard-closed.
type DailyBucket struct {
	Date      string    `json:"date"`
	Signups   int64     `json:"signups"`
	Installs  int64     `json:"installs"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DailyBuckets accumulates per-day counters on top of the CounterStore,
// keyed by UTC calendar date.
type DailyBuckets struct {
	rdb      *redis.Client
	counters *CounterStore
}

func NewDailyBuckets(rdb *redis.Client, counters *CounterStore) *DailyBuckets {
	return &DailyBuckets{rdb: rdb, counters: counters}
}

// BucketKey maps a point in time to its UTC day bucket.
func BucketKey(t time.Time) string {
	return DailyPrefix + t.UTC().Format(dateLayout)
}

// Bump adds one event to the given day's field. The updatedAt stamp is a
// separate best-effort write, uncoordinated with the increment.
func (d *DailyBuckets) Bump(ctx context.Context, day time.Time, field string) error {
	key := BucketKey(day)

	if _, err := d.counters.Increment(ctx, key, field, 1); err != nil {
		return err
	}

	if err := d.rdb.HSet(ctx, key, FieldUpdatedAt, time.Now().Unix()).Err(); err != nil {
		log.Printf("Failed to stamp bucket %s: %v", key, err)
	}
	return nil
}

// ListLastN returns up to the n most recent buckets, ascending by date.
// Days with no recorded events have no bucket and are skipped.
func (d *DailyBuckets) ListLastN(ctx context.Context, n int) ([]DailyBucket, error) {
	out := make([]DailyBucket, 0, n)
	today := time.Now().UTC()

	for i := n - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i)

		vals, err := d.rdb.HGetAll(ctx, BucketKey(day)).Result()
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 {
			continue
		}

		out = append(out, parseBucket(day.Format(dateLayout), vals))
	}

	return out, nil
}

func parseBucket(date string, vals map[string]string) DailyBucket {
	bucket := DailyBucket{Date: date}
	if n, err := strconv.ParseInt(vals[FieldSignups], 10, 64); err == nil {
		bucket.Signups = n
	}
	if n, err := strconv.ParseInt(vals[FieldInstalls], 10, 64); err == nil {
		bucket.Installs = n
	}
	if ts, err := strconv.ParseInt(vals[FieldUpdatedAt], 10, 64); err == nil {
		bucket.UpdatedAt = time.Unix(ts, 0).UTC()
	}
	return bucket
}
