package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"skillswap/pkg/webrtc/ice"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config represents the application configuration
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Log       LogConfig       `yaml:"log"`
	Signaling SignalingConfig `yaml:"signaling"`
	ICE       ice.Settings    `yaml:"ice"`
}

// HTTPConfig represents HTTP server configuration
type HTTPConfig struct {
	Address         string        `yaml:"address"`
	PublicWSURL     string        `yaml:"public_ws_url"`
	StaticDir       string        `yaml:"static_dir"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects where call records live.
type StoreConfig struct {
	Backend string `yaml:"backend"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SignalingConfig tunes the signaling hub.
type SignalingConfig struct {
	RingTimeout    time.Duration `yaml:"ring_timeout"`
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	SendBuffer     int           `yaml:"send_buffer"`
	ReadLimit      int64         `yaml:"read_limit"`
	RateLimit      float64       `yaml:"rate_limit"`
	RateBurst      int           `yaml:"rate_burst"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Address:         ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{Backend: BackendRedis},
		Redis: RedisConfig{
			Address: "localhost:6379",
			Prefix:  "skillswap",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Signaling: SignalingConfig{
			RingTimeout:    45 * time.Second,
			PersistTimeout: 5 * time.Second,
			SendBuffer:     64,
			ReadLimit:      64 * 1024,
			RateLimit:      50,
			RateBurst:      100,
		},
		ICE: ice.Settings{Mode: ice.ModeSTUNTURN},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path,
// the given .env files and finally the process environment.
func Load(path string, envFiles ...string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	for _, f := range envFiles {
		// godotenv never overrides variables already set in the environment.
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := applyEnvironmentOverrides(config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvironmentOverrides applies environment overrides
func applyEnvironmentOverrides(config *Config) error {
	if v := os.Getenv("ADDR"); v != "" {
		config.HTTP.Address = v
	}
	if v := os.Getenv("PUBLIC_WS_URL"); v != "" {
		config.HTTP.PublicWSURL = v
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		config.HTTP.StaticDir = v
	}
	if v := os.Getenv("STORE_BACKEND"); v != "" {
		config.Store.Backend = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		config.Redis.Address = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		config.Redis.Password = v
	}
	if v := os.Getenv("REDIS_PREFIX"); v != "" {
		config.Redis.Prefix = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		config.Postgres.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		config.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		config.Log.Format = v
	}
	if v := os.Getenv("RING_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid RING_TIMEOUT %q: %w", v, err)
		}
		config.Signaling.RingTimeout = d
	}
	if v := os.Getenv("RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid RATE_LIMIT %q: %w", v, err)
		}
		config.Signaling.RateLimit = f
	}
	if v := os.Getenv("ICE_MODE"); v != "" {
		config.ICE.Mode = v
	}
	if v := os.Getenv("STUN_URLS"); v != "" {
		config.ICE.STUNURLs = ice.SplitCSV(v)
	}
	if v := os.Getenv("TURN_URLS"); v != "" {
		config.ICE.TURNURLs = ice.SplitCSV(v)
	}
	if v := os.Getenv("TURN_USERNAME"); v != "" {
		config.ICE.TURNUsername = v
	}
	if v := os.Getenv("TURN_PASSWORD"); v != "" {
		config.ICE.TURNPassword = v
	}
	return nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Address) == "" {
		return errors.New("http address is required")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.Address == "" {
			return errors.New("redis address is required for the redis store")
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return errors.New("POSTGRES_DSN is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.Log.Format)
	}
	if c.Signaling.RingTimeout < 0 {
		return errors.New("ring timeout must not be negative")
	}
	if c.Signaling.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if c.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
