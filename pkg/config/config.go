package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	StoreScylla = "scylla"
	StoreSQLite = "sqlite"

	FanoutRedis = "redis"
	FanoutKafka = "kafka"
	FanoutLocal = "local"
)

// DefaultJWTSecret is the JWT_SECRET used when none is configured. It is
// only fit for local development.
const DefaultJWTSecret = "my_secret_key"

type Store struct {
	Driver         string   `env:"STORE_DRIVER" envDefault:"scylla"`
	ScyllaHosts    []string `env:"SCYLLA_HOSTS" envDefault:"localhost:9042" envSeparator:","`
	ScyllaKeyspace string   `env:"SCYLLA_KEYSPACE" envDefault:"chat"`
	SQLitePath     string   `env:"SQLITE_PATH" envDefault:"chat.db"`
}

type Fanout struct {
	Backend      string   `env:"FANOUT_BACKEND" envDefault:"redis"`
	RedisChannel string   `env:"REDIS_CHANNEL" envDefault:"messages"`
	KafkaBrokers []string `env:"KAFKA_BROKERS" envDefault:"localhost:19092" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC" envDefault:"chat-messages"`
}

// Common holds the settings shared by the gateway and the api process.
type Common struct {
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	NodeID          int64         `env:"NODE_ID" envDefault:"1"`
	JWTSecret       string        `env:"JWT_SECRET" envDefault:"my_secret_key"`
	TokenTTL        time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	RedisAddr       string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	PresenceEnabled bool          `env:"PRESENCE_ENABLED" envDefault:"true"`
	Store           Store
	Fanout          Fanout
}

// DefaultSecret reports whether tokens are signed with DefaultJWTSecret.
func (c Common) DefaultSecret() bool {
	return c.JWTSecret == DefaultJWTSecret
}

type Gateway struct {
	Common
	Addr           string   `env:"GATEWAY_ADDR" envDefault:":8080"`
	FrameRate      float64  `env:"FRAME_RATE" envDefault:"20"`
	FrameBurst     int      `env:"FRAME_BURST" envDefault:"40"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
}

type API struct {
	Common
	Addr        string   `env:"API_ADDR" envDefault:":8081"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"*" envSeparator:","`
}

// LoadGateway reads an optional .env file and then the process environment.
func LoadGateway() (*Gateway, error) {
	var cfg Gateway
	if err := load(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Common.validate(); err != nil {
		return nil, err
	}
	if cfg.FrameRate <= 0 || cfg.FrameBurst <= 0 {
		return nil, fmt.Errorf("config: FRAME_RATE and FRAME_BURST must be positive")
	}
	return &cfg, nil
}

func LoadAPI() (*API, error) {
	var cfg API
	if err := load(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Common.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func load(target any) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return ParseEnv(target)
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c Common) validate() error {
	switch c.Store.Driver {
	case StoreScylla:
		if len(c.Store.ScyllaHosts) == 0 {
			return fmt.Errorf("config: SCYLLA_HOSTS is empty")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is empty")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Store.Driver)
	}
	switch c.Fanout.Backend {
	case FanoutRedis, FanoutKafka, FanoutLocal:
	default:
		return fmt.Errorf("config: unknown FANOUT_BACKEND %q", c.Fanout.Backend)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is empty")
	}
	return nil
}
