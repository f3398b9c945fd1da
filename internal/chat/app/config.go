package app

import (
	"os"
	"strconv"
	"time"

	"github.com/aussiebroadwan/simplechat/internal/chat/hub"
	"github.com/aussiebroadwan/simplechat/internal/chat/service"
	"github.com/aussiebroadwan/simplechat/pkg/jwtx"
)

type Config struct {
	Issuer string // Optional: issuer claim for tokens (default: simplechat)

	// Exactly one of these is normally set. With neither, a random secret is
	// generated and every token dies with the process.
	JWTSecret     string // Optional: base64 HMAC secret
	JWTSecretFile string // Optional: path to a file holding the base64 HMAC secret

	AccessTTL         time.Duration // Optional: access token lifetime (default: 15m)
	RefreshMultiplier int           // Optional: refresh lifetime as a multiple of AccessTTL (default: 10)
	SweepInterval     time.Duration // Optional: expired token sweep interval (default: 5m)

	SendTimeout time.Duration // Optional: per packet websocket write timeout (default: 5s)
	SendQueue   int           // Optional: per connection outbound queue length (default: 64)

	DatabaseFile        string        // Optional: path to SQLite database file (default: ./chat.db)
	PepperFile          string        // Optional: path to file containing pepper for password hashing (default: ./pepper)
	Env                 string        // Environment (dev, staging, prod) (default: dev)
	LogLevel            string        // Log level (debug, info, warn, error) (default: info)
	LogFormat           string        // Log format (json, text) (default: json)
	Port                int           // HTTP server port (default: 8080)
	TrustProxyHeaders   bool          // Take the client address from X-Forwarded-For / X-Real-IP (default: false)
	ShutdownGracePeriod time.Duration // Graceful shutdown timeout (default: 10s)
}

func LoadConfig() Config {
	return Config{
		Issuer:              getEnvOrDefault("CHAT_ISSUER", "simplechat"),
		JWTSecret:           os.Getenv("CHAT_JWT_SECRET"),
		JWTSecretFile:       os.Getenv("CHAT_JWT_SECRET_FILE"),
		AccessTTL:           getEnvDurationOrDefault("CHAT_ACCESS_TTL", jwtx.DefaultAccessTokenTTL),
		RefreshMultiplier:   getEnvIntOrDefault("CHAT_REFRESH_MULTIPLIER", jwtx.DefaultRefreshMultiplier),
		SweepInterval:       getEnvDurationOrDefault("CHAT_SWEEP_INTERVAL", service.DefaultSweepInterval),
		SendTimeout:         getEnvDurationOrDefault("CHAT_SEND_TIMEOUT", hub.DefaultSendTimeout),
		SendQueue:           getEnvIntOrDefault("CHAT_SEND_QUEUE", hub.DefaultQueueSize),
		DatabaseFile:        getEnvOrDefault("CHAT_DATABASE_FILE", "chat.db"),
		PepperFile:          getEnvOrDefault("CHAT_PEPPER_FILE", "pepper"),
		Env:                 getEnvOrDefault("ENV", "dev"),
		LogLevel:            getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:           getEnvOrDefault("LOG_FORMAT", "json"),
		Port:                getEnvIntOrDefault("PORT", 8080),
		TrustProxyHeaders:   getEnvBoolOrDefault("TRUST_PROXY_HEADERS", false),
		ShutdownGracePeriod: getEnvDurationOrDefault("SHUTDOWN_GRACE_PERIOD", 10*time.Second),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault ignores values that are not positive integers.
func getEnvIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil && intValue > 0 {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if b, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return b
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "1h", "30m", "90s")
	if duration, err := time.ParseDuration(value); err == nil && duration > 0 {
		return duration
	}

	// Bare integers are minutes
	if minutes, err := strconv.Atoi(value); err == nil && minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}

	return defaultValue
}
