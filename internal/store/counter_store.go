package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// Keyspace shared with the dashboard consumers.
const (
	MetricsKey     = "dashboard:metrics"
	DailyPrefix    = "analytics:daily:"
	PresencePrefix = "presence:online:"

	UpdatesChannel = "metrics_updates"
)

// Metric and bucket hash fields.
const (
	FieldUserCount    = "userCount"
	FieldInstallCount = "installCount"
	FieldMonthlyUsers = "monthlyActiveUsers"
	FieldLastUpdated  = "lastUpdated"
	FieldSignups      = "signups"
	FieldInstalls     = "installs"
	FieldUpdatedAt    = "updatedAt"
)

const (
	maxTxRetries = 32
	opTimeout    = 5 * time.Second
)

// ErrTooMuchContention is returned when an increment could not commit within
// the retry budget. The caller must not assume the increment applied.
var ErrTooMuchContention = errors.New("store: increment retry budget exhausted")

// CounterStore is a keyed map of numeric hash fields with transactional
// increments. Any number of uncoordinated processes may call Increment on
// the same key; interleaved writes never lose updates.
type CounterStore struct {
	rdb *redis.Client

	// retries bounds the optimistic-commit loop. Tests lower it to force
	// the exhaustion path; everyone else gets maxTxRetries.
	retries int
}

func NewCounterStore(rdb *redis.Client) *CounterStore {
	return &CounterStore{rdb: rdb, retries: maxTxRetries}
}

// NewRedisClient connects to Redis, accepting either a redis:// URL or a
// bare host:port address.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		opts = &redis.Options{
			Addr:     redisURL,
			Password: "", // no password set
			DB:       0,  // use default DB
		}
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return rdb, nil
}

// Increment applies delta to key.field as an optimistic read-modify-write:
// WATCH the key, read the current value, write current+delta inside
// MULTI/EXEC, and retry from the top if another writer commits in between.
// A missing key is seeded atomically with the first caller's delta. Returns
// the committed new value.
func (s *CounterStore) Increment(ctx context.Context, key, field string, delta int64) (int64, error) {
	var newValue int64

	for attempt := 0; attempt < s.retries; attempt++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			current, err := tx.HGet(ctx, key, field).Int64()
			if err == redis.Nil {
				current = 0
			} else if err != nil {
				return err
			}

			next := current + delta
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, field, next)
				return nil
			})
			if err != nil {
				return err
			}

			newValue = next
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue // interleaved writer, re-read and retry
		}
		if err != nil {
			return 0, err
		}

		s.publish(ctx, "increment", key, field, newValue)
		return newValue, nil
	}

	return 0, fmt.Errorf("%w: %s.%s", ErrTooMuchContention, key, field)
}

// IncrementMetric bumps a field on the dashboard metrics record and
// refreshes its lastUpdated stamp. The stamp write is best effort and not
// coupled to the increment.
func (s *CounterStore) IncrementMetric(ctx context.Context, field string, delta int64) (int64, error) {
	v, err := s.Increment(ctx, MetricsKey, field, delta)
	if err != nil {
		return 0, err
	}
	if err := s.rdb.HSet(ctx, MetricsKey, FieldLastUpdated, time.Now().Unix()).Err(); err != nil {
		log.Printf("Failed to stamp %s: %v", MetricsKey, err)
	}
	return v, nil
}

// Overwrite unconditionally replaces the given fields of key. Used by
// reconciliation, which derives the values from ground truth and does not
// need read-modify-write protection.
func (s *CounterStore) Overwrite(ctx context.Context, key string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}

	args := make([]interface{}, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}

	if err := s.rdb.HSet(ctx, key, args...).Err(); err != nil {
		return err
	}

	s.publish(ctx, "overwrite", key, "", 0)
	return nil
}

// Read returns the numeric fields of key. Non-numeric fields are skipped.
// A missing key yields an empty snapshot, not an error.
func (s *CounterStore) Read(ctx context.Context, key string) (map[string]int64, error) {
	vals, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	snapshot := make(map[string]int64, len(vals))
	for f, raw := range vals {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		snapshot[f] = n
	}
	return snapshot, nil
}

func (s *CounterStore) publish(ctx context.Context, action, key, field string, value int64) {
	update := map[string]interface{}{
		"action":    action,
		"key":       key,
		"field":     field,
		"value":     value,
		"timestamp": time.Now().Unix(),
	}

	data, _ := json.Marshal(update)
	if err := s.rdb.Publish(ctx, UpdatesChannel, data).Err(); err != nil {
		log.Printf("Failed to publish update for %s: %v", key, err)
	}
}
