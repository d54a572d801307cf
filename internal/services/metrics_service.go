package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"media-usage-tracker/internal/models"
	"media-usage-tracker/internal/store"

	"gorm.io/gorm"
)

const (
	monthlyActiveWindow = 30 * 24 * time.Hour
	pruneBatchSize      = 500
)

// Totals are the ground-truth cardinalities a reconciliation run computed.
type Totals struct {
	UserCount    int64 `json:"user_count"`
	InstallCount int64 `json:"install_count"`
}

// MetricsSnapshot is the dashboard's read model of the metrics record. The
// counter fields are advisory and may lag ground truth between
// reconciliations; LiveUsers is recomputed from the presence record set on
// every read and never drifts.
type MetricsSnapshot struct {
	UserCount          int64     `json:"user_count"`
	InstallCount       int64     `json:"install_count"`
	MonthlyActiveUsers int64     `json:"monthly_active_users"`
	LiveUsers          int64     `json:"live_users"`
	LastUpdated        time.Time `json:"last_updated"`
}

// MetricsService owns reconciliation and pruning: the only operations that
// force the advisory counters back into agreement with the install and user
// registries.
type MetricsService struct {
	db       *gorm.DB
	counters *store.CounterStore
	presence *PresenceService
}

func NewMetricsService(db *gorm.DB, counters *store.CounterStore, presence *PresenceService) *MetricsService {
	return &MetricsService{db: db, counters: counters, presence: presence}
}

// Recompute counts the registries in full and overwrites the advisory
// counters. Idempotent: a second run with no intervening writes lands on
// the same values. Reads happen first; an aborted run has written nothing.
func (m *MetricsService) Recompute(ctx context.Context) (Totals, error) {
	var totals Totals

	if err := m.db.WithContext(ctx).Model(&models.User{}).Count(&totals.UserCount).Error; err != nil {
		return Totals{}, err
	}
	if err := m.db.WithContext(ctx).Model(&models.Install{}).Count(&totals.InstallCount).Error; err != nil {
		return Totals{}, err
	}

	err := m.counters.Overwrite(ctx, store.MetricsKey, map[string]interface{}{
		store.FieldUserCount:    totals.UserCount,
		store.FieldInstallCount: totals.InstallCount,
		store.FieldLastUpdated:  time.Now().Unix(),
	})
	if err != nil {
		return Totals{}, err
	}

	return totals, nil
}

// RecomputeMonthlyActive counts users who logged in within the last 30 days
// and overwrites the monthlyActiveUsers metric. Runs from the daily cron
// and on demand from the admin API.
func (m *MetricsService) RecomputeMonthlyActive(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-monthlyActiveWindow)

	var active int64
	err := m.db.WithContext(ctx).
		Model(&models.User{}).
		Where("last_login >= ?", cutoff).
		Count(&active).Error
	if err != nil {
		return 0, err
	}

	err = m.counters.Overwrite(ctx, store.MetricsKey, map[string]interface{}{
		store.FieldMonthlyUsers: active,
		store.FieldLastUpdated:  time.Now().Unix(),
	})
	if err != nil {
		return 0, err
	}

	return active, nil
}

// PruneStaleInstalls deletes installs whose freshest activity timestamp is
// strictly older than maxAge, in batches, then reconciles the counters. A
// batch that fails is logged and skipped; the deletions that did land are a
// correct subset, and the returned error from the final Recompute (if any)
// is surfaced so the administrator never sees partial success reported as
// success.
func (m *MetricsService) PruneStaleInstalls(ctx context.Context, maxAge time.Duration) (int64, error) {
	// A zero or negative window puts the cutoff at or past "now" and would
	// match the entire registry. Refuse rather than delete everything.
	if maxAge <= 0 {
		return 0, fmt.Errorf("prune: retention window must be positive, got %s", maxAge)
	}

	cutoff := time.Now().Add(-maxAge)

	// A record is stale only when every timestamp we have for it is past
	// the cutoff, so a fresh lastActive always protects it.
	var ids []string
	err := m.db.WithContext(ctx).
		Model(&models.Install{}).
		Where("last_active < ? AND installed_at < ?", cutoff, cutoff).
		Pluck("install_id", &ids).Error
	if err != nil {
		return 0, err
	}

	var deleted int64
	for start := 0; start < len(ids); start += pruneBatchSize {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		end := start + pruneBatchSize
		if end > len(ids) {
			end = len(ids)
		}

		res := m.db.WithContext(ctx).
			Where("install_id IN ?", ids[start:end]).
			Delete(&models.Install{})
		if res.Error != nil {
			log.Printf("Prune batch %d-%d failed: %v", start, end, res.Error)
			continue
		}
		deleted += res.RowsAffected
	}

	if _, err := m.Recompute(ctx); err != nil {
		return deleted, err
	}

	return deleted, nil
}

// Snapshot assembles the dashboard read model: the advisory counters plus a
// live recount of the presence records.
func (m *MetricsService) Snapshot(ctx context.Context) (MetricsSnapshot, error) {
	fields, err := m.counters.Read(ctx, store.MetricsKey)
	if err != nil {
		return MetricsSnapshot{}, err
	}

	live, err := m.presence.LiveUsers(ctx)
	if err != nil {
		return MetricsSnapshot{}, err
	}

	snapshot := MetricsSnapshot{
		UserCount:          fields[store.FieldUserCount],
		InstallCount:       fields[store.FieldInstallCount],
		MonthlyActiveUsers: fields[store.FieldMonthlyUsers],
		LiveUsers:          live,
	}
	if ts := fields[store.FieldLastUpdated]; ts > 0 {
		snapshot.LastUpdated = time.Unix(ts, 0).UTC()
	}
	return snapshot, nil
}
