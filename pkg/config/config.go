package config

import (
	"fmt"
	"time"

	"corpmsg-backend/pkg/env"
)

// Config holds all configuration for the call service
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	JWT        JWTConfig
	Log        LogConfig
	Call       CallConfig
	Membership MembershipConfig
	RateLimit  RateLimitConfig
	Tracing    TracingConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port        int
	Environment string // development, staging, production
	ServiceName string
	// Store selects the call repository: memory or cockroach.
	// Only development defaults to memory.
	Store string
	// DirectoryFile seeds the chats and users of the memory store
	DirectoryFile string
	// AllowedOrigins are the browser origins accepted by CORS and the event stream
	AllowedOrigins   []string
	RequestTimeout   time.Duration
	WSMaxConnections int
}

// DatabaseConfig holds CockroachDB configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

// KafkaConfig holds the call event log configuration. An empty broker list
// disables the Kafka publisher.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret   string
	Audience string
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level    string // debug, info, warn, error
	Format   string // json, text
	Output   string // stdout, file
	FilePath string
}

// CallConfig holds call lifecycle policy
type CallConfig struct {
	// InviteTTL bounds invite token lifetime; zero means tokens never expire
	InviteTTL time.Duration
	// InviteBaseURL prefixes invite links, e.g. https://chat.example.com/calls/join
	InviteBaseURL   string
	HistoryMaxLimit int
	// GroupIdleGrace ends ongoing group calls that stayed empty this long; zero disables it
	GroupIdleGrace time.Duration
	ReaperInterval time.Duration
}

// MembershipConfig holds chat membership lookup settings
type MembershipConfig struct {
	CacheTTL     time.Duration
	CacheMaxSize int
}

// RateLimitConfig bounds call creation and invite redemption per user.
// Limits apply only when Redis is enabled.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// TracingConfig holds OpenTelemetry export settings. An empty endpoint
// disables export.
type TracingConfig struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	environment := env.GetString("ENV", "development")
	defaultStore := "cockroach"
	if environment == "development" {
		defaultStore = "memory"
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:             env.GetInt("PORT", 8083),
			Environment:      environment,
			ServiceName:      env.GetString("SERVICE_NAME", "call-service"),
			Store:            env.GetString("CALL_STORE", defaultStore),
			DirectoryFile:    env.GetString("CALL_DIRECTORY_FILE", ""),
			AllowedOrigins:   env.GetSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			RequestTimeout:   env.GetDuration("REQUEST_TIMEOUT", 30*time.Second),
			WSMaxConnections: env.GetInt("WS_MAX_CONNECTIONS", 1000),
		},
		Database: DatabaseConfig{
			Host:     env.GetString("DB_HOST", "localhost"),
			Port:     env.GetInt("DB_PORT", 26257),
			User:     env.GetString("DB_USER", "root"),
			Password: env.GetStringFromFile("DB_PASSWORD", ""),
			Database: env.GetString("DB_NAME", "corpmsg"),
			SSLMode:  env.GetString("DB_SSL_MODE", "disable"),
			MaxConns: env.GetInt("DB_MAX_CONNS", 25),
			MinConns: env.GetInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Enabled:  env.GetBool("REDIS_ENABLED", true),
			Host:     env.GetString("REDIS_HOST", "localhost"),
			Port:     env.GetInt("REDIS_PORT", 6379),
			Password: env.GetStringFromFile("REDIS_PASSWORD", ""),
			DB:       env.GetInt("REDIS_DB", 0),
			PoolSize: env.GetInt("REDIS_POOL_SIZE", 10),
			Timeout:  env.GetDuration("REDIS_TIMEOUT", 5*time.Second),
		},
		Kafka: KafkaConfig{
			Brokers: env.GetSlice("KAFKA_BROKERS", nil),
			Topic:   env.GetString("KAFKA_CALL_EVENTS_TOPIC", "call-events"),
		},
		JWT: JWTConfig{
			Secret:   env.GetStringFromFile("JWT_SECRET", ""),
			Audience: env.GetString("JWT_AUDIENCE", "corpmsg-api"),
		},
		Log: LogConfig{
			Level:    env.GetString("LOG_LEVEL", "info"),
			Format:   env.GetString("LOG_FORMAT", "json"),
			Output:   env.GetString("LOG_OUTPUT", "stdout"),
			FilePath: env.GetString("LOG_FILE_PATH", "/logs/app.log"),
		},
		Call: CallConfig{
			InviteTTL:       env.GetDuration("CALL_INVITE_TTL", 24*time.Hour),
			InviteBaseURL:   env.GetString("CALL_INVITE_BASE_URL", "http://localhost:3000/calls/join"),
			HistoryMaxLimit: env.GetInt("CALL_HISTORY_MAX_LIMIT", 100),
			GroupIdleGrace:  env.GetDuration("CALL_GROUP_IDLE_GRACE", 0),
			ReaperInterval:  env.GetDuration("CALL_REAPER_INTERVAL", time.Minute),
		},
		Membership: MembershipConfig{
			CacheTTL:     env.GetDuration("MEMBERSHIP_CACHE_TTL", 30*time.Second),
			CacheMaxSize: env.GetInt("MEMBERSHIP_CACHE_MAX_SIZE", 10000),
		},
		RateLimit: RateLimitConfig{
			Requests: env.GetInt("RATE_LIMIT_REQUESTS", 30),
			Window:   env.GetDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Tracing: TracingConfig{
			Endpoint:    env.GetString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Insecure:    env.GetBool("OTEL_EXPORTER_OTLP_INSECURE", true),
			SampleRatio: env.GetFloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Environment == "production" {
		if c.JWT.Secret == "" {
			return fmt.Errorf("JWT_SECRET must be set in production")
		}
		if len(c.JWT.Secret) < 32 {
			return fmt.Errorf("JWT_SECRET must be at least 32 characters in production")
		}
		if c.Server.Store == "memory" {
			return fmt.Errorf("CALL_STORE=memory is not allowed in production")
		}
	}

	switch c.Server.Store {
	case "memory", "cockroach":
	default:
		return fmt.Errorf("unknown CALL_STORE %q", c.Server.Store)
	}
	if c.Server.DirectoryFile != "" && c.Server.Store != "memory" {
		return fmt.Errorf("CALL_DIRECTORY_FILE is only used with CALL_STORE=memory")
	}

	if c.Call.InviteTTL < 0 {
		return fmt.Errorf("CALL_INVITE_TTL must not be negative")
	}
	if c.Call.GroupIdleGrace < 0 {
		return fmt.Errorf("CALL_GROUP_IDLE_GRACE must not be negative")
	}
	if c.Call.GroupIdleGrace > 0 && c.Call.ReaperInterval <= 0 {
		return fmt.Errorf("CALL_REAPER_INTERVAL must be positive when the idle reaper is enabled")
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}
	if c.Call.HistoryMaxLimit < 1 {
		return fmt.Errorf("CALL_HISTORY_MAX_LIMIT must be at least 1")
	}

	return nil
}

// RedisAddr returns the host:port address of Redis
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}
