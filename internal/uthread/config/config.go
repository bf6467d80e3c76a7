// Package config loads runtime settings from defaults, an optional TOML file
// and GREENTHREADS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds runtime configuration.
type Config struct {
	Sched  SchedConfig  `mapstructure:"sched"`
	Sync   SyncConfig   `mapstructure:"sync"`
	Log    LogConfig    `mapstructure:"log"`
	Report ReportConfig `mapstructure:"report"`
}

// SchedConfig holds scheduler settings.
type SchedConfig struct {
	Timeslice  time.Duration `mapstructure:"timeslice"`
	MaxThreads int           `mapstructure:"max_threads"`
	StackSize  int           `mapstructure:"stack_size"`
	Strict     bool          `mapstructure:"strict"`
}

// SyncConfig holds synchronization settings.
type SyncConfig struct {
	MaxSemaphores int `mapstructure:"max_semaphores"`
}

// LogConfig selects the trace logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

// ReportConfig selects where violation and deadlock reports go.
type ReportConfig struct {
	Output string `mapstructure:"output"` // stderr, stdout or a file path
}

// EnvPrefix is the prefix of environment overrides, e.g.
// GREENTHREADS_SCHED_TIMESLICE=10ms.
const EnvPrefix = "GREENTHREADS"

// Path returns the config file location: $GREENTHREADS_CONFIG if set,
// otherwise ~/.config/greenthreads/config.toml.
func Path() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(os.Getenv("HOME"), ".config", "greenthreads", "config.toml")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sched.timeslice", 50*time.Millisecond)
	v.SetDefault("sched.max_threads", 128)
	v.SetDefault("sched.stack_size", 32*1024)
	v.SetDefault("sched.strict", false)
	v.SetDefault("sync.max_semaphores", 128)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")
	v.SetDefault("report.output", "stderr")
}

// Load reads configuration from file and env. A missing config file is not
// an error; a malformed one is.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	if p := os.Getenv(EnvPrefix + "_CONFIG"); p != "" {
		v.SetConfigFile(p)
	} else {
		v.AddConfigPath(filepath.Join(os.Getenv("HOME"), ".config", "greenthreads"))
		v.SetConfigName("config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Default returns the built-in configuration.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return c
}

// Validate rejects settings the runtime cannot start with.
func (c Config) Validate() error {
	if c.Sched.MaxThreads < 1 {
		return fmt.Errorf("sched.max_threads must be positive, got %d", c.Sched.MaxThreads)
	}
	if c.Sched.StackSize < 1 {
		return fmt.Errorf("sched.stack_size must be positive, got %d", c.Sched.StackSize)
	}
	if c.Sync.MaxSemaphores < 1 {
		return fmt.Errorf("sync.max_semaphores must be positive, got %d", c.Sync.MaxSemaphores)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// Logger builds the trace logger described by c.Log, writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ReportWriter opens the report destination. The returned close function
// is a no-op for stderr and stdout.
func (c Config) ReportWriter() (io.Writer, func() error, error) {
	switch c.Report.Output {
	case "", "stderr":
		return os.Stderr, func() error { return nil }, nil
	case "stdout":
		return os.Stdout, func() error { return nil }, nil
	}
	f, err := os.OpenFile(c.Report.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open report output: %w", err)
	}
	return f, f.Close, nil
}

// Save writes cfg to path as TOML, creating the directory if needed.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigType("toml")
	v.Set("sched.timeslice", cfg.Sched.Timeslice.String())
	v.Set("sched.max_threads", cfg.Sched.MaxThreads)
	v.Set("sched.stack_size", cfg.Sched.StackSize)
	v.Set("sched.strict", cfg.Sched.Strict)
	v.Set("sync.max_semaphores", cfg.Sync.MaxSemaphores)
	v.Set("log.level", cfg.Log.Level)
	v.Set("log.format", cfg.Log.Format)
	v.Set("report.output", cfg.Report.Output)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
