package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	LLM      LLMConfig
	Pipeline PipelineConfig
	Cache    CacheConfig
	RabbitMQ RabbitMQConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
	SessionIdleMinutes    int
}

// PostgresConfig holds DB connection values. An empty DSN selects the
// in-memory store. NotifyChannel must match the channel the migration
// triggers publish on.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
	NotifyChannel  string
}

// RedisConfig holds Redis connection values. An empty Addr selects the
// in-memory cache backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines token parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
}

// LLMConfig configures the completion service.
type LLMConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
}

// PipelineConfig tunes the triage pipeline.
type PipelineConfig struct {
	TimeoutSeconds  int
	FallbackSize    int
	SimilarityLimit int
}

// CacheConfig tunes the dashboard cache.
type CacheConfig struct {
	TTLSeconds         int
	StaleWindowSeconds int
}

// RabbitMQConfig configures the triage outcome publisher. An empty URL
// disables publishing.
type RabbitMQConfig struct {
	URL      string
	Exchange string
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "dispatch-desk"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 90),
			SessionIdleMinutes:    getEnvAsInt("SESSION_IDLE_MINUTES", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
			NotifyChannel:  getEnv("POSTGRES_NOTIFY_CHANNEL", "dispatch_changes"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
		},
		LLM: LLMConfig{
			APIKey:    os.Getenv("ANTHROPIC_API_KEY"),
			Model:     os.Getenv("ANTHROPIC_MODEL"),
			MaxTokens: int64(getEnvAsInt("ANTHROPIC_MAX_TOKENS", 2048)),
		},
		Pipeline: PipelineConfig{
			TimeoutSeconds:  getEnvAsInt("TRIAGE_TIMEOUT_SECONDS", 60),
			FallbackSize:    getEnvAsInt("TRIAGE_FALLBACK_SIZE", 5),
			SimilarityLimit: getEnvAsInt("TRIAGE_SIMILARITY_LIMIT", 20),
		},
		Cache: CacheConfig{
			TTLSeconds:         getEnvAsInt("DASHBOARD_CACHE_TTL_SECONDS", 30),
			StaleWindowSeconds: getEnvAsInt("DASHBOARD_CACHE_STALE_SECONDS", 120),
		},
		RabbitMQ: RabbitMQConfig{
			URL:      os.Getenv("RABBITMQ_URL"),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "dispatch.events"),
		},
	}

	if cfg.Pipeline.FallbackSize <= 0 {
		return nil, fmt.Errorf("invalid TRIAGE_FALLBACK_SIZE: %d", cfg.Pipeline.FallbackSize)
	}
	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// SessionIdle is how long an unused session is kept open.
func (a AppConfig) SessionIdle() time.Duration {
	return time.Duration(a.SessionIdleMinutes) * time.Minute
}

// AccessTokenTTL returns the token lifetime.
func (a AuthConfig) AccessTokenTTL() time.Duration {
	return time.Duration(a.AccessTokenTTLMinutes) * time.Minute
}

// Timeout returns the overall pipeline deadline.
func (p PipelineConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// TTL returns how long a dashboard entry is fresh.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// StaleWindow returns how long past TTL a stale entry may be served.
func (c CacheConfig) StaleWindow() time.Duration {
	return time.Duration(c.StaleWindowSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
