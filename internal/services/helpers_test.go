package services

import (
	"context"
	"testing"

	"media-usage-tracker/internal/database"
	"media-usage-tracker/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testEnv struct {
	db       *gorm.DB
	rdb      *redis.Client
	counters *store.CounterStore
	daily    *store.DailyBuckets
	presence *PresenceService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps every query on the same in-memory database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	counters := store.NewCounterStore(rdb)
	return &testEnv{
		db:       db,
		rdb:      rdb,
		counters: counters,
		daily:    store.NewDailyBuckets(rdb, counters),
		presence: NewPresenceService(rdb),
	}
}

func (e *testEnv) metricField(t *testing.T, field string) int64 {
	t.Helper()

	snapshot, err := e.counters.Read(context.Background(), store.MetricsKey)
	require.NoError(t, err)
	return snapshot[field]
}
