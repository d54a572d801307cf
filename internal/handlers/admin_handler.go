package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"media-usage-tracker/configs"
	"media-usage-tracker/internal/models"
	"media-usage-tracker/internal/services"
	"media-usage-tracker/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
)

const (
	snapshotCacheKey = "admin:metrics"
	dailyCacheKey    = "admin:daily:%d"

	defaultRetentionDays = 60
)

// AdminHandler serves the dashboard read model and the operator actions
// (reconcile, prune, MAU recompute, user management, CSV export). Snapshot
// and chart reads are memoized briefly in a local cache so a dashboard
// refresh storm does not hammer Redis.
type AdminHandler struct {
	metrics    *services.MetricsService
	users      *services.UserService
	installs   *services.InstallService
	daily      *store.DailyBuckets
	localCache *cache.Cache
}

func NewAdminHandler(metrics *services.MetricsService, users *services.UserService, installs *services.InstallService, daily *store.DailyBuckets) *AdminHandler {
	return &AdminHandler{
		metrics:    metrics,
		users:      users,
		installs:   installs,
		daily:      daily,
		localCache: cache.New(configs.AppConfig.CacheTTL, time.Minute),
	}
}

// GetMetrics returns the dashboard snapshot: advisory counters plus the
// live presence count.
// @Summary Dashboard metrics snapshot
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} services.MetricsSnapshot
// @Failure 500 {object} ErrorResponse
// @Router /api/admin/metrics [get]
func (h *AdminHandler) GetMetrics(c *gin.Context) {
	if cached, found := h.localCache.Get(snapshotCacheKey); found {
		c.JSON(http.StatusOK, cached)
		return
	}

	snapshot, err := h.metrics.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read metrics"})
		return
	}

	h.localCache.Set(snapshotCacheKey, snapshot, cache.DefaultExpiration)
	c.JSON(http.StatusOK, snapshot)
}

// GetDailyAnalytics returns the rolling per-day signup/install buckets for
// the chart.
// @Summary Daily analytics buckets
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param days query int false "Number of days (default 30, max 90)"
// @Success 200 {object} DailyAnalyticsResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/admin/analytics/daily [get]
func (h *AdminHandler) GetDailyAnalytics(c *gin.Context) {
	days := configs.AppConfig.ChartDays
	if v, err := strconv.Atoi(c.Query("days")); err == nil && v > 0 {
		days = v
	}
	if days > 90 {
		days = 90
	}

	key := fmt.Sprintf(dailyCacheKey, days)
	if cached, found := h.localCache.Get(key); found {
		c.JSON(http.StatusOK, cached)
		return
	}

	buckets, err := h.daily.ListLastN(c.Request.Context(), days)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to read analytics"})
		return
	}

	response := DailyAnalyticsResponse{Days: days, Buckets: buckets}
	h.localCache.Set(key, response, cache.DefaultExpiration)
	c.JSON(http.StatusOK, response)
}

// Reconcile recomputes the advisory counters from the registries. Errors
// surface verbatim to the operator; there is no silent partial success.
// @Summary Reconcile counters against ground truth
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} ReconcileResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/admin/reconcile [post]
func (h *AdminHandler) Reconcile(c *gin.Context) {
	totals, err := h.metrics.Recompute(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	h.localCache.Delete(snapshotCacheKey)
	c.JSON(http.StatusOK, ReconcileResponse{
		Totals:      totals,
		GeneratedAt: time.Now(),
	})
}

// Prune deletes installs idle past the retention window, then reconciles.
// @Summary Prune stale installs
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param max_age_days query int false "Retention window in days (default from config)"
// @Success 200 {object} PruneResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/admin/prune [post]
func (h *AdminHandler) Prune(c *gin.Context) {
	days := configs.AppConfig.RetentionDays
	if days <= 0 {
		days = defaultRetentionDays
	}
	if v, err := strconv.Atoi(c.Query("max_age_days")); err == nil && v > 0 {
		days = v
	}
	maxAge := time.Duration(days) * 24 * time.Hour

	deleted, err := h.metrics.PruneStaleInstalls(c.Request.Context(), maxAge)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	h.localCache.Delete(snapshotCacheKey)
	c.JSON(http.StatusOK, PruneResponse{
		Deleted:    deleted,
		MaxAgeDays: days,
	})
}

// RecomputeMonthlyActive refreshes the monthlyActiveUsers metric outside
// the nightly schedule.
// @Summary Recompute monthly active users
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} SuccessResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/admin/mau [post]
func (h *AdminHandler) RecomputeMonthlyActive(c *gin.Context) {
	active, err := h.metrics.RecomputeMonthlyActive(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	h.localCache.Delete(snapshotCacheKey)
	c.JSON(http.StatusOK, SuccessResponse{
		Message: "Monthly active users recomputed",
		Data:    map[string]interface{}{"monthly_active_users": active},
	})
}

// ListUsers returns the user registry for the admin table.
// @Summary List users
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} UsersResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/admin/users [get]
func (h *AdminHandler) ListUsers(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list users"})
		return
	}
	c.JSON(http.StatusOK, UsersResponse{Users: users, Total: len(users)})
}

// SetUserBlocked toggles the block flag on a user.
// @Summary Block or unblock a user
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body FlagRequest true "Flag value"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/admin/users/{uid}/blocked [put]
func (h *AdminHandler) SetUserBlocked(c *gin.Context) {
	h.setUserFlag(c, h.users.SetBlocked)
}

// SetUserAdmin grants or revokes the admin role.
// @Summary Grant or revoke admin
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body FlagRequest true "Flag value"
// @Success 200 {object} SuccessResponse
// @Failure 404 {object} ErrorResponse
// @Router /api/admin/users/{uid}/admin [put]
func (h *AdminHandler) SetUserAdmin(c *gin.Context) {
	h.setUserFlag(c, h.users.SetAdmin)
}

func (h *AdminHandler) setUserFlag(c *gin.Context, apply func(ctx context.Context, uid string, v bool) error) {
	var req FlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body"})
		return
	}

	err := apply(c.Request.Context(), c.Param("uid"), *req.Value)
	if errors.Is(err, services.ErrUserNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "User not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to update user"})
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "User updated"})
}

// ExportUsersCSV streams the user registry as CSV.
// @Summary Export users as CSV
// @Tags admin
// @Produce text/csv
// @Security BearerAuth
// @Success 200
// @Failure 500 {object} ErrorResponse
// @Router /api/admin/export/users.csv [get]
func (h *AdminHandler) ExportUsersCSV(c *gin.Context) {
	users, err := h.users.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list users"})
		return
	}

	beginCSV(c, fmt.Sprintf("users_%d.csv", time.Now().UnixMilli()))
	w := csv.NewWriter(c.Writer)
	w.Write([]string{"uid", "email", "display_name", "created_at", "last_login", "is_blocked", "watched_count"})
	for _, u := range users {
		w.Write([]string{
			u.UID,
			u.Email,
			u.DisplayName,
			u.CreatedAt.UTC().Format(time.RFC3339),
			u.LastLogin.UTC().Format(time.RFC3339),
			strconv.FormatBool(u.IsBlocked),
			strconv.FormatInt(u.WatchedCount, 10),
		})
	}
	w.Flush()
}

// ExportInstallsCSV streams the install registry as CSV.
// @Summary Export installs as CSV
// @Tags admin
// @Produce text/csv
// @Security BearerAuth
// @Success 200
// @Failure 500 {object} ErrorResponse
// @Router /api/admin/export/installs.csv [get]
func (h *AdminHandler) ExportInstallsCSV(c *gin.Context) {
	installs, err := h.installs.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to list installs"})
		return
	}

	beginCSV(c, fmt.Sprintf("installs_%d.csv", time.Now().UnixMilli()))
	w := csv.NewWriter(c.Writer)
	w.Write([]string{"install_id", "installed_at", "last_active", "platform", "version", "linked_principal_id"})
	for _, i := range installs {
		w.Write([]string{
			i.InstallID,
			i.InstalledAt.UTC().Format(time.RFC3339),
			i.LastActive.UTC().Format(time.RFC3339),
			i.Platform,
			i.Version,
			i.LinkedPrincipalID,
		})
	}
	w.Flush()
}

func beginCSV(c *gin.Context, filename string) {
	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Status(http.StatusOK)
}

// Request/Response structures
type DailyAnalyticsResponse struct {
	Days    int                 `json:"days"`
	Buckets []store.DailyBucket `json:"buckets"`
}

type ReconcileResponse struct {
	Totals      services.Totals `json:"totals"`
	GeneratedAt time.Time       `json:"generated_at"`
}

type PruneResponse struct {
	Deleted    int64 `json:"deleted"`
	MaxAgeDays int   `json:"max_age_days"`
}

type UsersResponse struct {
	Users []models.User `json:"users"`
	Total int           `json:"total"`
}

type FlagRequest struct {
	Value *bool `json:"value" binding:"required"`
}
