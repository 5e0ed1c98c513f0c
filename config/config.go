package config

import (
	"os"
	"strconv"
	"time"
)

// Config carries every tunable the server reads from the environment.
// Retention and capacity numbers are deliberately configuration, not
// constants.
type Config struct {
	Port      string
	DBFile    string
	JWTSecret string
	RedisAddr string // empty means single-instance, in-process bus
	Env       string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	MaxContentLength  int
	DefaultMaxMembers int
	ReplayWindow      int // messages retained per room for reconnect replay
	SendQueueSize     int // outbound frames buffered per connection
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return def
	}
	return v
}

func Load() Config {
	return Config{
		Port:      getenv("PORT", "8080"),
		DBFile:    getenv("DB_FILE", "chatserver.sqlite"),
		JWTSecret: getenv("JWT_SECRET", ""),
		RedisAddr: getenv("REDIS_ADDR", ""),
		Env:       getenv("APP_ENV", "dev"),

		AccessTokenTTL:  time.Duration(getenvInt("ACCESS_TOKEN_TTL_MINUTES", 15)) * time.Minute,
		RefreshTokenTTL: time.Duration(getenvInt("REFRESH_TOKEN_TTL_DAYS", 7)) * 24 * time.Hour,

		MaxContentLength:  getenvInt("MAX_CONTENT_LENGTH", 5000),
		DefaultMaxMembers: getenvInt("DEFAULT_MAX_MEMBERS", 100),
		ReplayWindow:      getenvInt("REPLAY_WINDOW", 256),
		SendQueueSize:     getenvInt("SEND_QUEUE_SIZE", 64),
	}
}
