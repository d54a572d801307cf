package configs

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort      string
	DatabaseURL     string
	RedisURL        string
	JWTSecret       string
	EventKeyHash    string
	RetentionDays   int
	ChartDays       int
	CacheTTL        time.Duration
	EnableWebSocket bool
}

var AppConfig *Config

func LoadConfig() error {

	godotenv.Load()

	AppConfig = &Config{
		ServerPort:      getEnv("SERVER_PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", "root:password@tcp(localhost:3306)/media_tracker?charset=utf8mb4&parseTime=True&loc=Local"),
		RedisURL:        getEnv("REDIS_URL", "localhost:6379"),
		JWTSecret:       getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
		EventKeyHash:    getEnv("EVENT_KEY_HASH", ""),
		RetentionDays:   parsePositiveInt(getEnv("RETENTION_DAYS", "60"), 60),
		ChartDays:       parsePositiveInt(getEnv("CHART_DAYS", "30"), 30),
		CacheTTL:        parseDuration(getEnv("CACHE_TTL", "5s")),
		EnableWebSocket: parseBool(getEnv("ENABLE_WEBSOCKET", "true")),
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parsePositiveInt falls back for malformed or non-positive values. These
// settings size retention and chart windows, where zero would make the
// pruning cutoff "now" and delete every record.
func parsePositiveInt(s string, fallback int) int {
	i, err := strconv.Atoi(s)
	if err != nil || i <= 0 {
		return fallback
	}
	return i
}

func parseBool(s string) bool {
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false
	}
	return b
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return time.Hour
	}
	return d
}
