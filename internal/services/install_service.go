package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"media-usage-tracker/internal/models"
	"media-usage-tracker/internal/store"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// InstallService is the durable registry of app installations. Register is
// the only operation with side effects beyond its own row: a first-time
// registration also bumps the global install counter and today's installs
// bucket. The three writes are deliberately uncoordinated; reconciliation
// repairs any gap a partial failure leaves behind.
type InstallService struct {
	db       *gorm.DB
	counters *store.CounterStore
	daily    *store.DailyBuckets
}

func NewInstallService(db *gorm.DB, counters *store.CounterStore, daily *store.DailyBuckets) *InstallService {
	return &InstallService{db: db, counters: counters, daily: daily}
}

// NewInstallID mints an id for clients that have not stored one yet.
func NewInstallID() string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:9]
	return fmt.Sprintf("install_%d_%s", time.Now().UnixMilli(), suffix)
}

// Register creates the install row on first call and reports created=true.
// A repeat call for a known id leaves the durable fields alone, refreshes
// lastActive and reports created=false.
func (s *InstallService) Register(ctx context.Context, installID, version, platform, deviceInfo string) (bool, error) {
	var existing models.Install
	err := s.db.WithContext(ctx).Where("install_id = ?", installID).First(&existing).Error
	if err == nil {
		return false, s.Touch(ctx, installID)
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	now := time.Now()
	install := models.Install{
		InstallID:   installID,
		InstalledAt: now,
		LastActive:  now,
		Platform:    platform,
		DeviceInfo:  deviceInfo,
		Version:     version,
	}

	if err := s.db.WithContext(ctx).Create(&install).Error; err != nil {
		// Concurrent first-run of the same install id: someone else won
		// the insert, fall back to the repeat-call path.
		var raced models.Install
		if s.db.WithContext(ctx).Where("install_id = ?", installID).First(&raced).Error == nil {
			return false, s.Touch(ctx, installID)
		}
		return false, err
	}

	// Best effort: a missed bump degrades dashboard accuracy until the next
	// reconciliation, it does not fail the registration.
	if _, err := s.counters.IncrementMetric(ctx, store.FieldInstallCount, 1); err != nil {
		log.Printf("Failed to bump install count for %s: %v", installID, err)
	}
	if err := s.daily.Bump(ctx, now, store.FieldInstalls); err != nil {
		log.Printf("Failed to bump daily installs for %s: %v", installID, err)
	}

	return true, nil
}

// Touch refreshes lastActive. Touching an unknown install is a no-op.
func (s *InstallService) Touch(ctx context.Context, installID string) error {
	return s.db.WithContext(ctx).
		Model(&models.Install{}).
		Where("install_id = ?", installID).
		Update("last_active", time.Now()).Error
}

// Link associates an anonymous install with an authenticated principal.
// Re-linking to the same principal changes nothing; linking to a different
// principal overwrites. Linking an unknown install is a no-op.
func (s *InstallService) Link(ctx context.Context, installID, principalID string) error {
	now := time.Now()
	return s.db.WithContext(ctx).
		Model(&models.Install{}).
		Where("install_id = ? AND linked_principal_id <> ?", installID, principalID).
		Updates(map[string]interface{}{
			"linked_principal_id": principalID,
			"linked_at":           now,
		}).Error
}

// Get loads one install row by its public id.
func (s *InstallService) Get(ctx context.Context, installID string) (*models.Install, error) {
	var install models.Install
	err := s.db.WithContext(ctx).Where("install_id = ?", installID).First(&install).Error
	if err != nil {
		return nil, err
	}
	return &install, nil
}

// List returns all install rows, oldest first. Used by the CSV export.
func (s *InstallService) List(ctx context.Context) ([]models.Install, error) {
	var installs []models.Install
	err := s.db.WithContext(ctx).Order("installed_at ASC").Find(&installs).Error
	return installs, err
}
