// Package config loads and validates daemon configuration from YAML and
// constructs the process logger.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Zero values are replaced by defaults
// before validation, so a partial file (or no file at all) is valid.
type Config struct {
	API     APIConfig     `yaml:"api"`
	Mesh    MeshConfig    `yaml:"mesh"`
	Storage StorageConfig `yaml:"storage"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the HTTP API.
type APIConfig struct {
	Port int `yaml:"port" validate:"min=1,max=65535"`
	// RateLimit is requests allowed per client per minute.
	RateLimit int `yaml:"rate_limit" validate:"min=1"`
}

// MeshConfig configures node-to-node transport.
type MeshConfig struct {
	// Port 0 listens on a random free port.
	Port int `yaml:"port" validate:"min=0,max=65535"`
	// Seed is an optional address of an existing mesh node to join.
	Seed string `yaml:"seed"`
}

// StorageConfig tunes the tiered storage engine.
type StorageConfig struct {
	// DataDir holds the cold-tier database. ":memory:" keeps it in RAM.
	DataDir          string        `yaml:"data_dir" validate:"required"`
	HotLimit         int           `yaml:"hot_limit" validate:"min=1"`
	HotWindow        time.Duration `yaml:"hot_window" validate:"min=1s"`
	WarmWindow       time.Duration `yaml:"warm_window" validate:"min=1s"`
	CriticalReplicas int           `yaml:"critical_replicas" validate:"min=1"`
	ArchiveThreshold int           `yaml:"archive_threshold" validate:"min=0"`
	// AgeInterval is how often the background aging pass runs.
	AgeInterval time.Duration `yaml:"age_interval" validate:"min=1s"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			Port:      4000,
			RateLimit: 600,
		},
		Mesh: MeshConfig{
			Port: 0,
		},
		Storage: StorageConfig{
			DataDir:          "kudzu.db",
			HotLimit:         100,
			HotWindow:        5 * time.Minute,
			WarmWindow:       30 * time.Minute,
			CriticalReplicas: 3,
			ArchiveThreshold: 4096,
			AgeInterval:      time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file, fills defaults for unset fields, and
// validates the result. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.fillDefaults()

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// fillDefaults replaces zero values with defaults so a partial file
// validates.
func (c *Config) fillDefaults() {
	def := Default()
	if c.API.Port == 0 {
		c.API.Port = def.API.Port
	}
	if c.API.RateLimit == 0 {
		c.API.RateLimit = def.API.RateLimit
	}
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = def.Storage.DataDir
	}
	if c.Storage.HotLimit == 0 {
		c.Storage.HotLimit = def.Storage.HotLimit
	}
	if c.Storage.HotWindow == 0 {
		c.Storage.HotWindow = def.Storage.HotWindow
	}
	if c.Storage.WarmWindow == 0 {
		c.Storage.WarmWindow = def.Storage.WarmWindow
	}
	if c.Storage.CriticalReplicas == 0 {
		c.Storage.CriticalReplicas = def.Storage.CriticalReplicas
	}
	if c.Storage.ArchiveThreshold == 0 {
		c.Storage.ArchiveThreshold = def.Storage.ArchiveThreshold
	}
	if c.Storage.AgeInterval == 0 {
		c.Storage.AgeInterval = def.Storage.AgeInterval
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
}

// NewLogger builds the process logger from the logging section.
func NewLogger(cfg LoggingConfig) (*zap.Logger, error) {
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	zc.Level = level
	log, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return log, nil
}
