package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                   string
	Env                    string
	LogLevel               string
	LogFormat              string
	AllowedOrigin          string
	DatabaseURL            string
	MigrateOnStart         bool
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	InsightCacheTTLSeconds int
	InsightCacheSize       int
	LockTimeoutMS          int
	ExpiryWindowDays       int
	AuthSecret             string
	AccessTokenTTLMinutes  int
}

var defaults = map[string]any{
	"port":                      "8080",
	"app_env":                   "development",
	"log_level":                 "",
	"log_format":                "",
	"allowed_origin":            "http://127.0.0.1:3000",
	"database_url":              "",
	"migrate_on_start":          true,
	"redis_addr":                "",
	"redis_password":            "",
	"redis_db":                  0,
	"insight_cache_ttl_seconds": 60,
	"insight_cache_size":        4096,
	"lock_timeout_ms":           2000,
	"expiry_window_days":        7,
	"auth_secret":               "",
	"access_token_ttl_minutes":  480,
}

// Load reads configuration from the environment. Keys map one to one onto
// upper-case variables, e.g. lock_timeout_ms is LOCK_TIMEOUT_MS.
func Load() Config {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.AutomaticEnv()

	return Config{
		Port:                   v.GetString("port"),
		Env:                    strings.ToLower(v.GetString("app_env")),
		LogLevel:               v.GetString("log_level"),
		LogFormat:              v.GetString("log_format"),
		AllowedOrigin:          v.GetString("allowed_origin"),
		DatabaseURL:            strings.TrimSpace(v.GetString("database_url")),
		MigrateOnStart:         v.GetBool("migrate_on_start"),
		RedisAddr:              strings.TrimSpace(v.GetString("redis_addr")),
		RedisPassword:          v.GetString("redis_password"),
		RedisDB:                v.GetInt("redis_db"),
		InsightCacheTTLSeconds: positive(v.GetInt("insight_cache_ttl_seconds"), 60),
		InsightCacheSize:       positive(v.GetInt("insight_cache_size"), 4096),
		LockTimeoutMS:          positive(v.GetInt("lock_timeout_ms"), 2000),
		ExpiryWindowDays:       positive(v.GetInt("expiry_window_days"), 7),
		AuthSecret:             strings.TrimSpace(v.GetString("auth_secret")),
		AccessTokenTTLMinutes:  positive(v.GetInt("access_token_ttl_minutes"), 480),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) LockTimeout() time.Duration {
	return time.Duration(c.LockTimeoutMS) * time.Millisecond
}

func (c Config) InsightCacheTTL() time.Duration {
	return time.Duration(c.InsightCacheTTLSeconds) * time.Second
}

func positive(v int, fallback int) int {
	if v < 1 {
		return fallback
	}
	return v
}
