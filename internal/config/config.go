// Package config loads the bridge configuration from file, environment and
// an optional .env overlay.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/vjranagit/tsdv/pkg/api"
	"github.com/vjranagit/tsdv/pkg/bridge"
	"github.com/vjranagit/tsdv/pkg/engine/sqlstore"
	"github.com/vjranagit/tsdv/pkg/perflog"
	"github.com/vjranagit/tsdv/pkg/schema"
)

// EnvPrefix is prepended to every environment override, e.g. TSDV_SERVER_LISTEN_ADDR
const EnvPrefix = "TSDV"

// CronParser accepts the six-field schedules used for log pruning
var CronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Config holds the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Bridge  BridgeConfig  `mapstructure:"bridge"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// StaticDir serves the chart surface's assets; empty disables it
	StaticDir string `mapstructure:"static_dir"`
}

// EngineConfig holds data engine configuration
type EngineConfig struct {
	DatabasePath     string        `mapstructure:"database_path"`
	Clean            bool          `mapstructure:"clean"`
	CacheConfigFile  string        `mapstructure:"cache_config_file"`
	SchemaFile       string        `mapstructure:"schema_file"`
	CacheCapacity    int           `mapstructure:"cache_capacity"`
	CacheTTL         time.Duration `mapstructure:"cache_ttl"`
	CompressionLevel int           `mapstructure:"compression_level"`
}

// BridgeConfig holds dispatcher configuration
type BridgeConfig struct {
	MaxInFlight int64 `mapstructure:"max_in_flight"`
	QueueSize   int   `mapstructure:"queue_size"`
}

// LoggingConfig holds process logging and performance log configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	PerfLogDir string `mapstructure:"perf_log_dir"`
	// PrefsDir holds the persisted logging flag; empty keeps it in memory
	PrefsDir string `mapstructure:"prefs_dir"`
	// PruneSchedule is a six-field cron spec; empty disables scheduled pruning
	PruneSchedule string `mapstructure:"prune_schedule"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Engine: EngineConfig{
			DatabasePath:     "./data/tsdv.db",
			CacheConfigFile:  "./cache.json",
			SchemaFile:       "./schema.json",
			CacheCapacity:    256,
			CacheTTL:         10 * time.Minute,
			CompressionLevel: 2,
		},
		Bridge: BridgeConfig{
			MaxInFlight: 8,
			QueueSize:   64,
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			PerfLogDir:    "./logs",
			PrefsDir:      "./data/prefs",
			PruneSchedule: "0 0 3 * * *",
		},
		Metrics: MetricsConfig{
			Namespace: "tsdv",
		},
	}
}

// Load reads configuration from configPath (optional), a .env file in the
// working directory (optional) and TSDV_* environment variables.
func Load(configPath string) (*Config, error) {
	// .env is optional; real environment variables take precedence
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("error reading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v, DefaultConfig())

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("tsdv")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("server.listen_addr", d.Server.ListenAddr)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", d.Server.WriteTimeout)
	v.SetDefault("server.static_dir", d.Server.StaticDir)
	v.SetDefault("engine.database_path", d.Engine.DatabasePath)
	v.SetDefault("engine.clean", d.Engine.Clean)
	v.SetDefault("engine.cache_config_file", d.Engine.CacheConfigFile)
	v.SetDefault("engine.schema_file", d.Engine.SchemaFile)
	v.SetDefault("engine.cache_capacity", d.Engine.CacheCapacity)
	v.SetDefault("engine.cache_ttl", d.Engine.CacheTTL)
	v.SetDefault("engine.compression_level", d.Engine.CompressionLevel)
	v.SetDefault("bridge.max_in_flight", d.Bridge.MaxInFlight)
	v.SetDefault("bridge.queue_size", d.Bridge.QueueSize)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.perf_log_dir", d.Logging.PerfLogDir)
	v.SetDefault("logging.prefs_dir", d.Logging.PrefsDir)
	v.SetDefault("logging.prune_schedule", d.Logging.PruneSchedule)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address is required")
	}

	if c.Engine.DatabasePath == "" {
		return fmt.Errorf("engine database path is required")
	}

	if c.Engine.CacheConfigFile == "" {
		return fmt.Errorf("engine cache config file is required")
	}

	if c.Engine.SchemaFile == "" {
		return fmt.Errorf("engine schema file is required")
	}

	if c.Engine.CompressionLevel < 1 || c.Engine.CompressionLevel > 4 {
		return fmt.Errorf("compression level must be between 1 and 4")
	}

	if c.Bridge.MaxInFlight < 1 {
		return fmt.Errorf("bridge max in-flight must be at least 1")
	}

	if c.Logging.PerfLogDir == "" {
		return fmt.Errorf("performance log directory is required")
	}

	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}

	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log format must be json or text, got %q", c.Logging.Format)
	}

	if c.Logging.PruneSchedule != "" {
		if _, err := CronParser.Parse(c.Logging.PruneSchedule); err != nil {
			return fmt.Errorf("invalid prune schedule: %w", err)
		}
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}

// NewLogger builds the process logger writing to w
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Logging.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	if c.Logging.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// LoadCacheConfig reads and validates the cache setup file
func (c *Config) LoadCacheConfig() (*schema.CacheConfig, error) {
	data, err := os.ReadFile(c.Engine.CacheConfigFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read cache config: %w", err)
	}
	return schema.ParseCacheConfig(data)
}

// LoadDataSchema reads and validates the data schema file
func (c *Config) LoadDataSchema() (*schema.DataSchema, error) {
	data, err := os.ReadFile(c.Engine.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read data schema: %w", err)
	}
	return schema.ParseDataSchema(data)
}

// ToStoreOptions converts to sqlstore.Options
func (c *Config) ToStoreOptions(logger *slog.Logger) sqlstore.Options {
	return sqlstore.Options{
		CacheCapacity:    c.Engine.CacheCapacity,
		CacheTTL:         c.Engine.CacheTTL,
		CompressionLevel: c.Engine.CompressionLevel,
		Logger:           logger,
	}
}

// ToBridgeOptions converts to bridge options
func (c *Config) ToBridgeOptions() []bridge.Option {
	return []bridge.Option{
		bridge.WithMaxInFlight(c.Bridge.MaxInFlight),
		bridge.WithQueueSize(c.Bridge.QueueSize),
	}
}

// ToRecorderOptions converts to perflog.Options
func (c *Config) ToRecorderOptions(logger *slog.Logger) perflog.Options {
	return perflog.Options{
		Dir:    c.Logging.PerfLogDir,
		Logger: logger,
	}
}

// ToServerOptions converts to api.Options
func (c *Config) ToServerOptions(logger *slog.Logger) api.Options {
	return api.Options{
		Addr:         c.Server.ListenAddr,
		StaticDir:    c.Server.StaticDir,
		ReadTimeout:  c.Server.ReadTimeout,
		WriteTimeout: c.Server.WriteTimeout,
		Logger:       logger,
	}
}
