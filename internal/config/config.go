package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName     string `env:"DB_NAME" envDefault:"studio_collab"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`

	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	ServerHost string `env:"SERVER_HOST" envDefault:"localhost"`

	// Authentication
	JWTSecret         string   `env:"JWT_SECRET"`
	JWTIssuer         string   `env:"JWT_ISSUER"`
	SessionCookieName string   `env:"SESSION_COOKIE_NAME" envDefault:"sid"`
	TokenQueryParam   string   `env:"TOKEN_QUERY_PARAM" envDefault:"token"`
	AllowedOrigins    []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// Collaboration engine
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	RosterInterval    time.Duration `env:"ROSTER_INTERVAL" envDefault:"5s"`
	DrainGracePeriod  time.Duration `env:"DRAIN_GRACE_PERIOD" envDefault:"60s"`
	SnapshotInterval  time.Duration `env:"SNAPSHOT_INTERVAL" envDefault:"5m"`
	SendQueueSize     int           `env:"SEND_QUEUE_SIZE" envDefault:"256"`
	MaxMessageBytes   int64         `env:"MAX_MESSAGE_BYTES" envDefault:"1048576"`
	PresenceRateLimit float64       `env:"PRESENCE_RATE_LIMIT" envDefault:"30"`
	PresenceRateBurst int           `env:"PRESENCE_RATE_BURST" envDefault:"60"`
	PersistUpdates    bool          `env:"PERSIST_UPDATES" envDefault:"true"`

	// Observability
	JaegerEndpoint   string  `env:"JAEGER_ENDPOINT" envDefault:"http://localhost:14268/api/traces"`
	TraceSampleRatio float64 `env:"TRACE_SAMPLE_RATIO" envDefault:"1"`
	LogLevel         string  `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string  `env:"LOG_FORMAT" envDefault:"text"`
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if strings.TrimSpace(cfg.JWTSecret) == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.HeartbeatInterval <= 0 || cfg.RosterInterval <= 0 || cfg.DrainGracePeriod <= 0 {
		return nil, fmt.Errorf("HEARTBEAT_INTERVAL, ROSTER_INTERVAL and DRAIN_GRACE_PERIOD must be positive")
	}
	if cfg.SendQueueSize <= 0 {
		return nil, fmt.Errorf("SEND_QUEUE_SIZE must be positive")
	}

	return cfg, nil
}

func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode)
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%s", c.ServerHost, c.ServerPort)
}
