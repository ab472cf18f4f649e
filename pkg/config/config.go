package config

import (
	"errors"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Push backends supported by the notification dispatcher.
const (
	PushBackendLocal = "local"
	PushBackendRedis = "redis"
)

type Config struct {
	Env             string
	Port            int
	APIPrefix       string
	ShutdownTimeout time.Duration

	Database      DatabaseConfig
	Redis         RedisConfig
	JWT           JWTConfig
	CORS          CORSConfig
	Log           LogConfig
	Notifications NotificationsConfig
	Inventory     InventoryConfig
	Visits        VisitsConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Name         string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type JWTConfig struct {
	Secret string
	Issuer string
}

type CORSConfig struct {
	AllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// NotificationsConfig tunes the dispatcher's push pipeline and unread cache.
type NotificationsConfig struct {
	PushBackend       string
	PushTimeout       time.Duration
	PushWorkers       int
	PushBuffer        int
	PushRetries       int
	UnreadCacheEnable bool
	UnreadCacheTTL    time.Duration
}

// InventoryConfig holds ledger query defaults.
type InventoryConfig struct {
	ExpiringDays               int
	RecentAdministrationsLimit int
}

// VisitsConfig holds visit query defaults.
type VisitsConfig struct {
	RecentDays int
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	return fromViper(v), nil
}

func fromViper(v *viper.Viper) *Config {
	cfg := &Config{}

	cfg.Env = v.GetString("ENV")
	cfg.Port = v.GetInt("PORT")
	cfg.APIPrefix = v.GetString("API_PREFIX")
	cfg.ShutdownTimeout = parseDuration(v.GetString("SHUTDOWN_TIMEOUT"), 10*time.Second)

	cfg.Database = DatabaseConfig{
		Host:         v.GetString("DB_HOST"),
		Port:         v.GetInt("DB_PORT"),
		User:         v.GetString("DB_USER"),
		Password:     v.GetString("DB_PASSWORD"),
		Name:         v.GetString("DB_NAME"),
		SSLMode:      v.GetString("DB_SSL_MODE"),
		MaxOpenConns: v.GetInt("DB_MAX_OPEN_CONNS"),
		MaxIdleConns: v.GetInt("DB_MAX_IDLE_CONNS"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("ENABLE_REDIS"),
		Host:     v.GetString("REDIS_HOST"),
		Port:     v.GetInt("REDIS_PORT"),
		Password: v.GetString("REDIS_PASSWORD"),
		DB:       v.GetInt("REDIS_DB"),
	}

	cfg.JWT = JWTConfig{
		Secret: v.GetString("JWT_SECRET"),
		Issuer: v.GetString("JWT_ISSUER"),
	}

	cfg.CORS = CORSConfig{AllowedOrigins: splitAndTrim(v.GetString("ALLOWED_ORIGINS"))}

	cfg.Log = LogConfig{
		Level:  v.GetString("LOG_LEVEL"),
		Format: v.GetString("LOG_FORMAT"),
	}

	backend := strings.ToLower(strings.TrimSpace(v.GetString("NOTIFICATIONS_PUSH_BACKEND")))
	if backend != PushBackendRedis {
		backend = PushBackendLocal
	}
	cfg.Notifications = NotificationsConfig{
		PushBackend:       backend,
		PushTimeout:       parseDuration(v.GetString("NOTIFICATIONS_PUSH_TIMEOUT"), 250*time.Millisecond),
		PushWorkers:       v.GetInt("NOTIFICATIONS_PUSH_WORKERS"),
		PushBuffer:        v.GetInt("NOTIFICATIONS_PUSH_BUFFER"),
		PushRetries:       v.GetInt("NOTIFICATIONS_PUSH_RETRIES"),
		UnreadCacheEnable: v.GetBool("ENABLE_UNREAD_CACHE"),
		UnreadCacheTTL:    parseDuration(v.GetString("NOTIFICATIONS_UNREAD_CACHE_TTL"), time.Minute),
	}

	cfg.Inventory = InventoryConfig{
		ExpiringDays:               v.GetInt("INVENTORY_EXPIRING_DAYS"),
		RecentAdministrationsLimit: v.GetInt("ADMINISTRATIONS_RECENT_LIMIT"),
	}

	cfg.Visits = VisitsConfig{
		RecentDays: v.GetInt("VISITS_RECENT_DAYS"),
	}

	return cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ENV", EnvDevelopment)
	v.SetDefault("PORT", 8080)
	v.SetDefault("API_PREFIX", "/api/v1")
	v.SetDefault("SHUTDOWN_TIMEOUT", "10s")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "sims_infirmary")
	v.SetDefault("DB_SSL_MODE", "disable")
	v.SetDefault("DB_MAX_OPEN_CONNS", 10)
	v.SetDefault("DB_MAX_IDLE_CONNS", 5)

	v.SetDefault("ENABLE_REDIS", false)
	v.SetDefault("REDIS_HOST", "localhost")
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("JWT_SECRET", "dev_secret")
	v.SetDefault("JWT_ISSUER", "sims-identity")

	v.SetDefault("ALLOWED_ORIGINS", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	v.SetDefault("NOTIFICATIONS_PUSH_BACKEND", PushBackendLocal)
	v.SetDefault("NOTIFICATIONS_PUSH_TIMEOUT", "250ms")
	v.SetDefault("NOTIFICATIONS_PUSH_WORKERS", 2)
	v.SetDefault("NOTIFICATIONS_PUSH_BUFFER", 256)
	v.SetDefault("NOTIFICATIONS_PUSH_RETRIES", 1)
	v.SetDefault("ENABLE_UNREAD_CACHE", false)
	v.SetDefault("NOTIFICATIONS_UNREAD_CACHE_TTL", "1m")

	v.SetDefault("INVENTORY_EXPIRING_DAYS", 30)
	v.SetDefault("ADMINISTRATIONS_RECENT_LIMIT", 10)
	v.SetDefault("VISITS_RECENT_DAYS", 7)
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}

	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}

	return d
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
