package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"media-usage-tracker/configs"
	"media-usage-tracker/internal/database"
	"media-usage-tracker/internal/middleware"
	"media-usage-tracker/internal/models"
	"media-usage-tracker/internal/services"
	"media-usage-tracker/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testEventKey = "shared-event-key"

type apiTestEnv struct {
	router   *gin.Engine
	db       *gorm.DB
	counters *store.CounterStore
	daily    *store.DailyBuckets
	installs *services.InstallService
	users    *services.UserService
	metrics  *services.MetricsService
	auth     *services.AuthService
}

func newAPITestEnv(t *testing.T) *apiTestEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	require.NoError(t, configs.LoadConfig())

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	counters := store.NewCounterStore(rdb)
	daily := store.NewDailyBuckets(rdb, counters)
	presence := services.NewPresenceService(rdb)

	keyHash, err := services.HashEventKey(testEventKey)
	require.NoError(t, err)
	auth := services.NewAuthService("test-secret", keyHash)

	installs := services.NewInstallService(db, counters, daily)
	users := services.NewUserService(db, counters, daily)
	metrics := services.NewMetricsService(db, counters, presence)

	installHandler := NewInstallHandler(installs)
	eventsHandler := NewEventsHandler(users)
	adminHandler := NewAdminHandler(metrics, users, installs, daily)

	router := gin.New()
	router.Use(middleware.ValidationMiddleware())

	router.POST("/api/installs", installHandler.RegisterInstall)
	router.POST("/api/installs/:id/activity", installHandler.TouchInstall)

	linked := router.Group("/api")
	linked.Use(middleware.AuthMiddleware(auth))
	linked.POST("/installs/:id/link", installHandler.LinkInstall)

	events := router.Group("/api/events")
	events.Use(middleware.EventKeyMiddleware(auth))
	events.POST("/user-created", eventsHandler.UserCreated)
	events.POST("/user-deleted", eventsHandler.UserDeleted)
	events.POST("/user-login", eventsHandler.UserLogin)

	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(auth))
	admin.Use(middleware.AdminMiddleware())
	admin.GET("/metrics", adminHandler.GetMetrics)
	admin.GET("/analytics/daily", adminHandler.GetDailyAnalytics)
	admin.POST("/reconcile", adminHandler.Reconcile)
	admin.POST("/prune", adminHandler.Prune)
	admin.POST("/mau", adminHandler.RecomputeMonthlyActive)
	admin.GET("/users", adminHandler.ListUsers)
	admin.PUT("/users/:uid/blocked", adminHandler.SetUserBlocked)
	admin.PUT("/users/:uid/admin", adminHandler.SetUserAdmin)
	admin.GET("/export/users.csv", adminHandler.ExportUsersCSV)
	admin.GET("/export/installs.csv", adminHandler.ExportInstallsCSV)

	return &apiTestEnv{
		router:   router,
		db:       db,
		counters: counters,
		daily:    daily,
		installs: installs,
		users:    users,
		metrics:  metrics,
		auth:     auth,
	}
}

func (e *apiTestEnv) adminToken(t *testing.T) string {
	t.Helper()
	token, err := e.auth.GenerateToken("admin-1", true, time.Hour)
	require.NoError(t, err)
	return token
}

func (e *apiTestEnv) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *apiTestEnv) eventRequest(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Service-Key", testEventKey)

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestAdminSurfaceRequiresAdminToken(t *testing.T) {
	env := newAPITestEnv(t)

	w := env.request(t, http.MethodGet, "/api/admin/metrics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	userToken, err := env.auth.GenerateToken("user-1", false, time.Hour)
	require.NoError(t, err)
	w = env.request(t, http.MethodGet, "/api/admin/metrics", userToken, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestRegisterInstallEndpoint(t *testing.T) {
	env := newAPITestEnv(t)

	w := env.request(t, http.MethodPost, "/api/installs", "", InstallRequest{
		InstallID: "i1",
		Version:   "1.0.0",
		Platform:  "linux",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var resp InstallResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "i1", resp.InstallID)
	assert.True(t, resp.Created)

	// Repeat registration reports the existing record.
	w = env.request(t, http.MethodPost, "/api/installs", "", InstallRequest{InstallID: "i1"})
	require.Equal(t, http.StatusOK, w.Code)

	// Omitting the id mints one.
	w = env.request(t, http.MethodPost, "/api/installs", "", InstallRequest{Version: "1.0.0"})
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp.InstallID, "install_")
}

func TestLinkInstallEndpoint(t *testing.T) {
	env := newAPITestEnv(t)

	w := env.request(t, http.MethodPost, "/api/installs", "", InstallRequest{InstallID: "i1"})
	require.Equal(t, http.StatusCreated, w.Code)

	// Linking requires a principal.
	w = env.request(t, http.MethodPost, "/api/installs/i1/link", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := env.auth.GenerateToken("user-7", false, time.Hour)
	require.NoError(t, err)
	w = env.request(t, http.MethodPost, "/api/installs/i1/link", token, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	install, err := env.installs.Get(context.Background(), "i1")
	require.NoError(t, err)
	assert.Equal(t, "user-7", install.LinkedPrincipalID)
}

func TestUserEventEndpoints(t *testing.T) {
	env := newAPITestEnv(t)

	// The webhook surface rejects callers without the shared key.
	req := httptest.NewRequest(http.MethodPost, "/api/events/user-created", strings.NewReader(`{"uid":"u1"}`))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.eventRequest(t, "/api/events/user-created", UserCreatedRequest{
		UID:         "u1",
		Email:       "a@example.com",
		DisplayName: "Alice",
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	// Redelivery is idempotent.
	w = env.eventRequest(t, "/api/events/user-created", UserCreatedRequest{UID: "u1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.eventRequest(t, "/api/events/user-login", UserRefRequest{UID: "u1"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.eventRequest(t, "/api/events/user-deleted", UserRefRequest{UID: "u1"})
	assert.Equal(t, http.StatusOK, w.Code)

	var count int64
	require.NoError(t, env.db.Model(&models.User{}).Count(&count).Error)
	assert.Equal(t, int64(0), count)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newAPITestEnv(t)
	ctx := context.Background()

	w := env.eventRequest(t, "/api/events/user-created", UserCreatedRequest{UID: "u1"})
	require.Equal(t, http.StatusCreated, w.Code)
	created, err := env.installs.Register(ctx, "i1", "1.0.0", "linux", "agent")
	require.NoError(t, err)
	require.True(t, created)

	w = env.request(t, http.MethodGet, "/api/admin/metrics", env.adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var snapshot services.MetricsSnapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snapshot))
	assert.Equal(t, int64(1), snapshot.UserCount)
	assert.Equal(t, int64(1), snapshot.InstallCount)
	assert.Equal(t, int64(0), snapshot.LiveUsers)
}

func TestDailyAnalyticsEndpoint(t *testing.T) {
	env := newAPITestEnv(t)

	w := env.eventRequest(t, "/api/events/user-created", UserCreatedRequest{UID: "u1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.request(t, http.MethodGet, "/api/admin/analytics/daily?days=7", env.adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp DailyAnalyticsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Days)
	require.Len(t, resp.Buckets, 1)
	assert.Equal(t, int64(1), resp.Buckets[0].Signups)
}

func TestReconcileAndPruneEndpoints(t *testing.T) {
	env := newAPITestEnv(t)

	stale := time.Now().Add(-61 * 24 * time.Hour)
	require.NoError(t, env.db.Create(&models.Install{
		InstallID: "old", InstalledAt: stale, LastActive: stale,
	}).Error)
	require.NoError(t, env.db.Create(&models.Install{
		InstallID: "fresh", InstalledAt: time.Now(), LastActive: time.Now(),
	}).Error)

	w := env.request(t, http.MethodPost, "/api/admin/reconcile", env.adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var reconcile ReconcileResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reconcile))
	assert.Equal(t, int64(2), reconcile.Totals.InstallCount)

	w = env.request(t, http.MethodPost, "/api/admin/prune?max_age_days=60", env.adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var prune PruneResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prune))
	assert.Equal(t, int64(1), prune.Deleted)
	assert.Equal(t, 60, prune.MaxAgeDays)
}

func TestPruneFallsBackOnMisconfiguredRetention(t *testing.T) {
	env := newAPITestEnv(t)

	// A retention window of zero must never reach the service: the cutoff
	// would be "now" and the whole registry would match.
	configs.AppConfig.RetentionDays = 0
	t.Cleanup(func() { configs.AppConfig.RetentionDays = 60 })

	require.NoError(t, env.db.Create(&models.Install{
		InstallID: "fresh", InstalledAt: time.Now(), LastActive: time.Now(),
	}).Error)

	w := env.request(t, http.MethodPost, "/api/admin/prune", env.adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var prune PruneResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prune))
	assert.Equal(t, 60, prune.MaxAgeDays)
	assert.Equal(t, int64(0), prune.Deleted)

	var count int64
	require.NoError(t, env.db.Model(&models.Install{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestSetUserBlockedEndpoint(t *testing.T) {
	env := newAPITestEnv(t)

	w := env.eventRequest(t, "/api/events/user-created", UserCreatedRequest{UID: "u1"})
	require.Equal(t, http.StatusCreated, w.Code)

	blocked := true
	w = env.request(t, http.MethodPut, "/api/admin/users/u1/blocked", env.adminToken(t), FlagRequest{Value: &blocked})
	require.Equal(t, http.StatusOK, w.Code)

	var user models.User
	require.NoError(t, env.db.Where("uid = ?", "u1").First(&user).Error)
	assert.True(t, user.IsBlocked)

	w = env.request(t, http.MethodPut, "/api/admin/users/nobody/blocked", env.adminToken(t), FlagRequest{Value: &blocked})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExportInstallsCSV(t *testing.T) {
	env := newAPITestEnv(t)

	created, err := env.installs.Register(context.Background(), "i1", "2.3.4", "linux", "agent")
	require.NoError(t, err)
	require.True(t, created)

	w := env.request(t, http.MethodGet, "/api/admin/export/installs.csv", env.adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/csv")
	assert.Contains(t, w.Header().Get("Content-Disposition"), "installs_")

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "install_id,installed_at,last_active,platform,version,linked_principal_id", lines[0])
	assert.Contains(t, lines[1], "i1")
	assert.Contains(t, lines[1], "2.3.4")
}

func TestExportUsersCSV(t *testing.T) {
	env := newAPITestEnv(t)

	w := env.eventRequest(t, "/api/events/user-created", UserCreatedRequest{
		UID:   "u1",
		Email: "a@example.com",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.request(t, http.MethodGet, "/api/admin/export/users.csv", env.adminToken(t), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Disposition"), "users_")

	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "u1")
	assert.Contains(t, lines[1], "a@example.com")
}
