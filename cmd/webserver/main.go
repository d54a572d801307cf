package main

import (
	"context"
	"log"
	"os"
	"time"

	"media-usage-tracker/configs"
	"media-usage-tracker/internal/database"
	"media-usage-tracker/internal/handlers"
	"media-usage-tracker/internal/middleware"
	"media-usage-tracker/internal/services"
	"media-usage-tracker/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// @title Media Usage Tracker API
// @version 1.0
// @description Usage-metrics and presence-tracking core for the media tracker
// @termsOfService http://swagger.io/terms/

// @host localhost:8080
// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token.

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using default configuration")
	}

	// Load configuration
	if err := configs.LoadConfig(); err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Initialize database
	db, err := database.Connect(configs.AppConfig.DatabaseURL)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}
	log.Println("Database connection established successfully")

	// Initialize Redis-backed stores
	rdb, err := store.NewRedisClient(configs.AppConfig.RedisURL)
	if err != nil {
		log.Fatal("Failed to connect to Redis:", err)
	}
	log.Println("Redis connection established successfully")

	counters := store.NewCounterStore(rdb)
	daily := store.NewDailyBuckets(rdb, counters)

	// Initialize services
	authService := services.NewAuthService(configs.AppConfig.JWTSecret, configs.AppConfig.EventKeyHash)
	presence := services.NewPresenceService(rdb)
	installs := services.NewInstallService(db, counters, daily)
	users := services.NewUserService(db, counters, daily)
	metrics := services.NewMetricsService(db, counters, presence)

	// Initialize the dashboard hub and its Redis relay
	hub := handlers.NewDashboardHub()
	go hub.RunHub()
	go hub.Relay(rdb.Subscribe(context.Background(), store.UpdatesChannel))

	// Initialize handlers
	installHandler := handlers.NewInstallHandler(installs)
	eventsHandler := handlers.NewEventsHandler(users)
	adminHandler := handlers.NewAdminHandler(metrics, users, installs, daily)
	presenceHandler := handlers.NewPresenceHandler(presence, authService, hub)

	// Nightly monthly-active-users recomputation (midnight UTC)
	scheduler := cron.New(cron.WithLocation(time.UTC))
	scheduler.AddFunc("0 0 * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if active, err := metrics.RecomputeMonthlyActive(ctx); err != nil {
			log.Printf("Scheduled MAU recompute failed: %v", err)
		} else {
			log.Printf("Monthly active users recomputed: %d", active)
		}
	})
	scheduler.Start()

	// Setup Gin router
	if os.Getenv("GIN_MODE") != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global middleware
	router.Use(middleware.ValidationMiddleware())
	router.Use(gin.Recovery())

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Service-Key")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Install lifecycle (public: installs are anonymous by nature)
	router.POST("/api/installs", installHandler.RegisterInstall)
	router.POST("/api/installs/:id/activity", installHandler.TouchInstall)

	// Linking requires a signed-in principal
	linked := router.Group("/api")
	linked.Use(middleware.AuthMiddleware(authService))
	linked.POST("/installs/:id/link", installHandler.LinkInstall)

	// Identity provider webhooks
	events := router.Group("/api/events")
	events.Use(middleware.EventKeyMiddleware(authService))
	events.POST("/user-created", eventsHandler.UserCreated)
	events.POST("/user-deleted", eventsHandler.UserDeleted)
	events.POST("/user-login", eventsHandler.UserLogin)

	// Admin surface
	admin := router.Group("/api/admin")
	admin.Use(middleware.AuthMiddleware(authService))
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

	// WebSocket routes. Browsers cannot set headers on WebSocket upgrades,
	// so the dashboard socket authenticates with a token query parameter.
	if configs.AppConfig.EnableWebSocket {
		router.GET("/ws/presence", presenceHandler.HandleConnection)
		router.GET("/ws/dashboard", func(c *gin.Context) {
			claims, err := authService.ValidateToken(c.Query("token"))
			if err != nil || !claims.Admin {
				c.JSON(401, gin.H{"error": "Administrator token required"})
				return
			}
			hub.HandleConnection(c)
		})
	}

	// Health check
	router.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		redisStatus := "connected"
		if err := rdb.Ping(ctx).Err(); err != nil {
			redisStatus = "unavailable"
		}

		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().Unix(),
			"services": map[string]string{
				"database": "connected",
				"redis":    redisStatus,
			},
		})
	})

	// Start server
	port := ":" + configs.AppConfig.ServerPort
	log.Printf("Server starting on port %s", port)

	if err := router.Run(port); err != nil {
		log.Fatal("Failed to start server:", err)
	}
}
