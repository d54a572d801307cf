package services

import (
	"context"
	"errors"
	"log"
	"time"

	"media-usage-tracker/internal/models"
	"media-usage-tracker/internal/store"

	"gorm.io/gorm"
)

// ErrUserNotFound is returned by the admin mutations when the target uid
// has no row.
var ErrUserNotFound = errors.New("user not found")

// UserService applies user-lifecycle events posted by the external identity
// provider and serves the admin user-management surface. Like installs, the
// row write and the counter bumps are uncoordinated best-effort writes.
type UserService struct {
	db       *gorm.DB
	counters *store.CounterStore
	daily    *store.DailyBuckets
}

func NewUserService(db *gorm.DB, counters *store.CounterStore, daily *store.DailyBuckets) *UserService {
	return &UserService{db: db, counters: counters, daily: daily}
}

// RecordSignup creates the user row and bumps userCount plus today's
// signups bucket. A redelivered event for a known uid is a no-op, so the
// webhook may be retried safely.
func (s *UserService) RecordSignup(ctx context.Context, uid, email, displayName string) (bool, error) {
	var existing models.User
	err := s.db.WithContext(ctx).Where("uid = ?", uid).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}

	user := models.User{
		UID:         uid,
		Email:       email,
		DisplayName: displayName,
		LastLogin:   time.Now(),
	}

	if err := s.db.WithContext(ctx).Create(&user).Error; err != nil {
		var raced models.User
		if s.db.WithContext(ctx).Where("uid = ?", uid).First(&raced).Error == nil {
			return false, nil
		}
		return false, err
	}

	if _, err := s.counters.IncrementMetric(ctx, store.FieldUserCount, 1); err != nil {
		log.Printf("Failed to bump user count for %s: %v", uid, err)
	}
	if err := s.daily.Bump(ctx, time.Now(), store.FieldSignups); err != nil {
		log.Printf("Failed to bump daily signups for %s: %v", uid, err)
	}

	return true, nil
}

// RecordLogin refreshes lastLogin. Unknown uids are a no-op.
func (s *UserService) RecordLogin(ctx context.Context, uid string) error {
	return s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("uid = ?", uid).
		Update("last_login", time.Now()).Error
}

// RecordDeletion removes the user row and decrements userCount when a row
// was actually removed.
func (s *UserService) RecordDeletion(ctx context.Context, uid string) error {
	res := s.db.WithContext(ctx).Where("uid = ?", uid).Delete(&models.User{})
	if res.Error != nil {
		return res.Error
	}

	if res.RowsAffected > 0 {
		if _, err := s.counters.IncrementMetric(ctx, store.FieldUserCount, -1); err != nil {
			log.Printf("Failed to decrement user count for %s: %v", uid, err)
		}
	}
	return nil
}

// SetBlocked toggles the admin block flag on a user.
func (s *UserService) SetBlocked(ctx context.Context, uid string, blocked bool) error {
	return s.setFlag(ctx, uid, "is_blocked", blocked)
}

// SetAdmin grants or revokes the admin role.
func (s *UserService) SetAdmin(ctx context.Context, uid string, isAdmin bool) error {
	return s.setFlag(ctx, uid, "is_admin", isAdmin)
}

func (s *UserService) setFlag(ctx context.Context, uid, column string, value bool) error {
	res := s.db.WithContext(ctx).
		Model(&models.User{}).
		Where("uid = ?", uid).
		Update(column, value)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		var existing models.User
		if err := s.db.WithContext(ctx).Where("uid = ?", uid).First(&existing).Error; err != nil {
			return ErrUserNotFound
		}
	}
	return nil
}

// List returns all user rows, oldest first. Used by the admin table and the
// CSV export.
func (s *UserService) List(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := s.db.WithContext(ctx).Order("created_at ASC").Find(&users).Error
	return users, err
}
