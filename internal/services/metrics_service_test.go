package services

import (
	"context"
	"testing"
	"time"

	"media-usage-tracker/internal/models"
	"media-usage-tracker/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedInstall(t *testing.T, env *testEnv, installID string, installedAt, lastActive time.Time) {
	t.Helper()
	require.NoError(t, env.db.Create(&models.Install{
		InstallID:   installID,
		InstalledAt: installedAt,
		LastActive:  lastActive,
		Version:     "1.0.0",
	}).Error)
}

func seedUser(t *testing.T, env *testEnv, uid string, lastLogin time.Time) {
	t.Helper()
	require.NoError(t, env.db.Create(&models.User{
		UID:       uid,
		Email:     uid + "@example.com",
		LastLogin: lastLogin,
	}).Error)
}

func TestRecomputeMatchesGroundTruth(t *testing.T) {
	env := newTestEnv(t)
	svc := NewMetricsService(env.db, env.counters, env.presence)
	ctx := context.Background()
	now := time.Now()

	seedInstall(t, env, "i1", now, now)
	seedInstall(t, env, "i2", now, now)
	seedUser(t, env, "u1", now)
	seedUser(t, env, "u2", now)
	seedUser(t, env, "u3", now)

	// Drifted advisory values get overwritten wholesale.
	require.NoError(t, env.counters.Overwrite(ctx, store.MetricsKey, map[string]interface{}{
		store.FieldUserCount:    int64(99),
		store.FieldInstallCount: int64(99),
	}))

	totals, err := svc.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, Totals{UserCount: 3, InstallCount: 2}, totals)

	assert.Equal(t, int64(3), env.metricField(t, store.FieldUserCount))
	assert.Equal(t, int64(2), env.metricField(t, store.FieldInstallCount))
}

func TestRecomputeIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	svc := NewMetricsService(env.db, env.counters, env.presence)
	ctx := context.Background()
	now := time.Now()

	seedInstall(t, env, "i1", now, now)
	seedUser(t, env, "u1", now)

	first, err := svc.Recompute(ctx)
	require.NoError(t, err)
	second, err := svc.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPruneStaleInstalls(t *testing.T) {
	env := newTestEnv(t)
	svc := NewMetricsService(env.db, env.counters, env.presence)
	ctx := context.Background()
	now := time.Now()
	stale := now.Add(-61 * 24 * time.Hour)

	seedInstall(t, env, "i1", stale, stale)
	seedInstall(t, env, "i2", stale, stale)
	// Installed long ago but recently active: the freshest timestamp wins.
	seedInstall(t, env, "i3", now.Add(-100*24*time.Hour), now)
	// Recently installed.
	seedInstall(t, env, "i4", now, now)

	deleted, err := svc.PruneStaleInstalls(ctx, 60*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	var remaining []models.Install
	require.NoError(t, env.db.Order("install_id").Find(&remaining).Error)
	require.Len(t, remaining, 2)
	assert.Equal(t, "i3", remaining[0].InstallID)
	assert.Equal(t, "i4", remaining[1].InstallID)

	// Pruning reconciles afterwards.
	assert.Equal(t, int64(2), env.metricField(t, store.FieldInstallCount))
}

func TestPruneRefusesNonPositiveWindow(t *testing.T) {
	env := newTestEnv(t)
	svc := NewMetricsService(env.db, env.counters, env.presence)
	ctx := context.Background()
	now := time.Now()

	seedInstall(t, env, "i1", now, now)

	// A zero window would put the cutoff at "now" and match everything.
	_, err := svc.PruneStaleInstalls(ctx, 0)
	require.Error(t, err)
	_, err = svc.PruneStaleInstalls(ctx, -time.Hour)
	require.Error(t, err)

	var count int64
	require.NoError(t, env.db.Model(&models.Install{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestRegisterThenPruneEndToEnd(t *testing.T) {
	env := newTestEnv(t)
	installs := NewInstallService(env.db, env.counters, env.daily)
	svc := NewMetricsService(env.db, env.counters, env.presence)
	ctx := context.Background()

	created, err := installs.Register(ctx, "i1", "1.0.0", "linux", "agent")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = installs.Register(ctx, "i2", "1.0.0", "linux", "agent")
	require.NoError(t, err)
	assert.True(t, created)

	assert.Equal(t, int64(2), env.metricField(t, store.FieldInstallCount))
	buckets, err := env.daily.ListLastN(ctx, 1)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(2), buckets[0].Installs)

	totals, err := svc.Recompute(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), totals.InstallCount)

	// 61 days pass with no activity.
	stale := time.Now().Add(-61 * 24 * time.Hour)
	require.NoError(t, env.db.Model(&models.Install{}).
		Where("install_id IN ?", []string{"i1", "i2"}).
		Updates(map[string]interface{}{"installed_at": stale, "last_active": stale}).Error)

	deleted, err := svc.PruneStaleInstalls(ctx, 60*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)
	assert.Equal(t, int64(0), env.metricField(t, store.FieldInstallCount))
}

func TestRecomputeMonthlyActive(t *testing.T) {
	env := newTestEnv(t)
	svc := NewMetricsService(env.db, env.counters, env.presence)
	ctx := context.Background()
	now := time.Now()

	seedUser(t, env, "active-1", now.Add(-24*time.Hour))
	seedUser(t, env, "active-2", now.Add(-29*24*time.Hour))
	seedUser(t, env, "dormant", now.Add(-40*24*time.Hour))

	active, err := svc.RecomputeMonthlyActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)
	assert.Equal(t, int64(2), env.metricField(t, store.FieldMonthlyUsers))
}

func TestSnapshotIncludesLivePresence(t *testing.T) {
	env := newTestEnv(t)
	svc := NewMetricsService(env.db, env.counters, env.presence)
	ctx := context.Background()
	now := time.Now()

	seedUser(t, env, "u1", now)
	seedInstall(t, env, "i1", now, now)
	_, err := svc.Recompute(ctx)
	require.NoError(t, err)

	_, err = env.presence.Connect(ctx, "u1", "tab-1")
	require.NoError(t, err)
	_, err = env.presence.Connect(ctx, "u1", "tab-2")
	require.NoError(t, err)

	snapshot, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.UserCount)
	assert.Equal(t, int64(1), snapshot.InstallCount)
	assert.Equal(t, int64(2), snapshot.LiveUsers)
	assert.False(t, snapshot.LastUpdated.IsZero())
}
