// Package config provides configuration management for the convergence
// engine.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/convergence/internal/api/gateway"
	"github.com/lvonguyen/convergence/internal/extract"
	"github.com/lvonguyen/convergence/internal/observability"
	"github.com/lvonguyen/convergence/internal/ontology"
	"github.com/lvonguyen/convergence/internal/pipeline"
	"github.com/lvonguyen/convergence/internal/scoring"
	"github.com/lvonguyen/convergence/internal/similarity"
	"github.com/lvonguyen/convergence/internal/snapshot"
)

// Config holds all engine configuration.
type Config struct {
	Server       ServerConfig            `yaml:"server"`
	Redis        RedisConfig             `yaml:"redis"`
	Extractor    extract.Config          `yaml:"extractor"`
	Consolidator ontology.Config         `yaml:"consolidator"`
	Scorer       scoring.Config          `yaml:"scorer"`
	Similarity   similarity.Config       `yaml:"similarity"`
	Pipeline     pipeline.Config         `yaml:"pipeline"`
	Snapshot     snapshot.Config         `yaml:"snapshot"`
	RateLimit    gateway.RateLimitConfig `yaml:"rate_limit"`
	Logging      observability.Config    `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings. Redis backs the snapshot
// store and the rate limiter; with no address configured both degrade
// gracefully (no persistence, no limiting).
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// Load reads configuration from a YAML file, layered over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PasswordEnv: "REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
		},
		Extractor:    extract.DefaultConfig(),
		Consolidator: ontology.DefaultConfig(),
		Scorer:       scoring.DefaultConfig(),
		Similarity:   similarity.DefaultConfig(),
		Pipeline:     pipeline.DefaultConfig(),
		Snapshot:     snapshot.DefaultConfig(),
		RateLimit: gateway.RateLimitConfig{
			Enabled:           false,
			RequestsPerMinute: 120,
			IncludeHeaders:    true,
		},
		Logging: observability.Config{
			LogLevel:  "info",
			LogFormat: "json",
		},
	}
}

// RedisPassword resolves the redis password from the configured env var.
func (c *Config) RedisPassword() string {
	if c.Redis.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Redis.PasswordEnv)
}
