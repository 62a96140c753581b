package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "CRYSTAL_"

// Config holds all crystal configuration.
type Config struct {
	Server   ServerConfig   `envPrefix:"SERVER_"`
	Database DatabaseConfig `envPrefix:"DB_"`
	Log      LogConfig      `envPrefix:"LOG_"`
	Auth     AuthConfig     `envPrefix:"AUTH_"`
	Presence PresenceConfig `envPrefix:"PRESENCE_"`
	Decay    DecayConfig    `envPrefix:"DECAY_"`
	Media    MediaConfig    `envPrefix:"MEDIA_"`
	Client   ClientConfig   `envPrefix:"CLIENT_"`
}

type ServerConfig struct {
	Bind            string        `env:"BIND"`
	Port            int           `env:"PORT"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"`
}

type DatabaseConfig struct {
	Path string `env:"PATH"`
}

type LogConfig struct {
	Level  string `env:"LEVEL"`  // zerolog level name
	Format string `env:"FORMAT"` // "json" or "console"
}

type AuthConfig struct {
	JWTSecret   string `env:"JWT_SECRET"`
	AllowHeader bool   `env:"ALLOW_HEADER"` // trust X-User-ID, for local development
}

type PresenceConfig struct {
	Window            time.Duration `env:"WINDOW"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL"`
}

type DecayConfig struct {
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`
	Timezone      string        `env:"TIMEZONE"` // IANA name used for streak calendar days
}

type MediaConfig struct {
	Backend        string `env:"BACKEND"` // "local" or "s3"
	MaxBytes       int64  `env:"MAX_BYTES"`
	LocalPath      string `env:"LOCAL_PATH"`
	BaseURL        string `env:"BASE_URL"`
	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3Region       string `env:"S3_REGION"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3AccessKeyID  string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey    string `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE"`
}

type ClientConfig struct {
	ServerURL string `env:"URL"`
	Token     string `env:"TOKEN"`
	UserID    string `env:"USER"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind:            "127.0.0.1",
			Port:            37780,
			ShutdownTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "", // resolved at runtime via store.DefaultDBPath()
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Auth: AuthConfig{
			AllowHeader: true,
		},
		Presence: PresenceConfig{
			Window:            10 * time.Minute,
			HeartbeatInterval: 5 * time.Minute,
		},
		Decay: DecayConfig{
			SweepInterval: time.Hour,
			Timezone:      "UTC",
		},
		Media: MediaConfig{
			Backend:        "local",
			MaxBytes:       20 * 1024 * 1024,
			S3Region:       "us-east-1",
			S3UsePathStyle: true,
		},
		Client: ClientConfig{
			ServerURL: "http://127.0.0.1:37780",
		},
	}
}

// Load returns Default() overlaid with an optional .env file and CRYSTAL_*
// environment variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Presence.Window <= 0 {
		return fmt.Errorf("presence window must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("decay timezone %q: %w", c.Decay.Timezone, err)
	}
	switch strings.ToLower(c.Media.Backend) {
	case "local", "s3", "":
	default:
		return fmt.Errorf("unknown media backend: %q", c.Media.Backend)
	}
	if c.Auth.JWTSecret == "" && !c.Auth.AllowHeader {
		return fmt.Errorf("no authentication configured: set %sAUTH_JWT_SECRET or %sAUTH_ALLOW_HEADER", EnvPrefix, EnvPrefix)
	}
	return nil
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// Location resolves the decay timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Decay.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Decay.Timezone)
}
