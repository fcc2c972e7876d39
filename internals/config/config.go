package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the application
type Config struct {
	// Server settings
	Port            string
	Environment     string
	Debug           bool
	AllowBots       bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// Redis number pool store
	RedisHost     string
	RedisPort     string
	RedisPassword string

	// Postgres (catalog + event persistence)
	DatabaseURL string

	// Number pool behavior
	PoolEnabled       bool
	PoolKey           string
	CacheExpiration   time.Duration
	MaxRenewalAge     time.Duration
	RouteCacheTTL     time.Duration
	UserContextTTL    time.Duration
	LockWaitTimeout   time.Duration
	LockHoldTimeout   time.Duration
	InitLockWait      time.Duration
	ConnectTries      int
	SessionResetParam string

	// Area code targeting
	CriteriaFile     string
	GeoFile          string
	SourceParam      string
	BingSources      []string
	IgnoredCallerIDs []string

	// Rate limiting
	RequestsPerMinute int
	BurstSize         int

	// Alerting
	TelegramBotToken string
	TelegramChatID   int64
}

// Load returns configuration from environment variables with defaults
func Load() *Config {
	return &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("ENVIRONMENT", "production"),
		Debug:           getEnvAsBool("DEBUG", false),
		AllowBots:       getEnvAsBool("ALLOW_BOTS", false),
		ReadTimeout:     getEnvAsDuration("READ_TIMEOUT", "30s"),
		WriteTimeout:    getEnvAsDuration("WRITE_TIMEOUT", "30s"),
		ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", "10s"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		DatabaseURL: getEnv("DATABASE_URL", ""),

		PoolEnabled:       getEnvAsBool("NUMBER_POOL_ENABLED", true),
		PoolKey:           getEnv("NUMBER_POOL_KEY", ""),
		CacheExpiration:   getEnvAsDuration("NUMBER_POOL_CACHE_EXPIRATION", "6m"),
		MaxRenewalAge:     getEnvAsDuration("NUMBER_POOL_MAX_RENEWAL_AGE", "168h"),
		RouteCacheTTL:     getEnvAsDuration("NUMBER_POOL_ROUTE_CACHE_TTL", "720h"),
		UserContextTTL:    getEnvAsDuration("USER_CONTEXT_TTL", "336h"),
		LockWaitTimeout:   getEnvAsDuration("POOL_LOCK_WAIT_TIMEOUT", "5s"),
		LockHoldTimeout:   getEnvAsDuration("POOL_LOCK_HOLD_TIMEOUT", "5s"),
		InitLockWait:      getEnvAsDuration("POOL_INIT_LOCK_WAIT", "2s"),
		ConnectTries:      getEnvAsInt("NUMBER_POOL_CONNECT_TRIES", 5),
		SessionResetParam: getEnv("SESSION_RESET_PARAM", "zar_reset"),

		CriteriaFile:     getEnv("AREA_CODE_CRITERIA_FILE", "data/criteria.json"),
		GeoFile:          getEnv("GEO_DATA_FILE", "data/geo.json"),
		SourceParam:      getEnv("POOL_SOURCE_PARAM", "utm_source"),
		BingSources:      getEnvAsSlice("POOL_BING_SOURCES", "bing,msn"),
		IgnoredCallerIDs: getEnvAsSlice("IGNORED_CALLER_IDS", "266696687,anonymous"),

		RequestsPerMinute: getEnvAsInt("REQUESTS_PER_MINUTE", 300),
		BurstSize:         getEnvAsInt("BURST_SIZE", 50),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnvAsInt64("TELEGRAM_CHAT_ID", 0),
	}
}

// RedisAddr returns the host:port address of the number pool store
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseInt(valueStr, 10, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	return valueStr == "true" || valueStr == "1"
}

func getEnvAsDuration(key string, defaultValue string) time.Duration {
	valueStr := getEnv(key, defaultValue)
	if duration, err := time.ParseDuration(valueStr); err == nil {
		return duration
	}
	// Return default if parsing fails
	duration, _ := time.ParseDuration(defaultValue)
	return duration
}

func getEnvAsSlice(key string, defaultValue string) []string {
	valueStr := getEnv(key, defaultValue)
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
