// Package config loads crashguard settings from defaults, an optional YAML
// file and CRASHGUARD_* environment variables, in increasing priority.
//
// The guarded instance inherits the supervisor's arguments and environment,
// so both processes resolve the same configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/crashguard/internal/logging"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "CRASHGUARD"

// Config holds all supervisor and guarded settings
type Config struct {
	// Identity overrides the executable-derived instance key
	Identity string `mapstructure:"identity"`

	// RunDir holds lock files and the crash channel socket
	RunDir string `mapstructure:"run_dir"`

	RestartOnCrash bool          `mapstructure:"restart_on_crash"`
	MaxRestarts    int           `mapstructure:"max_restarts"`
	RestartDelay   time.Duration `mapstructure:"restart_delay"`
	RestartBurst   int           `mapstructure:"restart_burst"`

	PollInterval time.Duration `mapstructure:"poll_interval"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`

	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Log      LogConfig      `mapstructure:"log"`

	// MetricsAddr enables the read-only HTTP endpoint when set
	MetricsAddr string `mapstructure:"metrics_addr"`

	// StatePath enables crash history persistence when set
	StatePath string `mapstructure:"state_path"`
}

type SnapshotConfig struct {
	Provider string `mapstructure:"provider"`
	Dir      string `mapstructure:"dir"`
	Keep     bool   `mapstructure:"keep"`

	// MaxKept bounds kept artefacts, oldest removed first; 0 keeps all
	MaxKept int `mapstructure:"max_kept"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Defaults returns the built-in configuration
func Defaults() Config {
	return Config{
		RestartOnCrash: false,
		MaxRestarts:    0,
		RestartDelay:   time.Second,
		RestartBurst:   3,
		PollInterval:   200 * time.Millisecond,
		ReadyTimeout:   10 * time.Second,
		StopTimeout:    10 * time.Second,
		Snapshot: SnapshotConfig{
			Provider: "process",
			MaxKept:  20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// New returns a viper instance with defaults and environment binding applied
func New() *viper.Viper {
	v := viper.New()
	d := Defaults()

	v.SetDefault("identity", d.Identity)
	v.SetDefault("run_dir", d.RunDir)
	v.SetDefault("restart_on_crash", d.RestartOnCrash)
	v.SetDefault("max_restarts", d.MaxRestarts)
	v.SetDefault("restart_delay", d.RestartDelay)
	v.SetDefault("restart_burst", d.RestartBurst)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("ready_timeout", d.ReadyTimeout)
	v.SetDefault("stop_timeout", d.StopTimeout)
	v.SetDefault("snapshot.provider", d.Snapshot.Provider)
	v.SetDefault("snapshot.dir", d.Snapshot.Dir)
	v.SetDefault("snapshot.keep", d.Snapshot.Keep)
	v.SetDefault("snapshot.max_kept", d.Snapshot.MaxKept)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file", d.Log.File)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("state_path", d.StatePath)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

// Load reads configuration. file may be empty, in which case
// $HOME/.crashguard/config.yaml is used if it exists.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".crashguard"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the supervisor cannot run with
func (c Config) Validate() error {
	var errs []error
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval))
	}
	if c.ReadyTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ready_timeout must be positive, got %s", c.ReadyTimeout))
	}
	if c.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("stop_timeout must be positive, got %s", c.StopTimeout))
	}
	if c.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("max_restarts must be >= 0, got %d", c.MaxRestarts))
	}
	if c.RestartDelay < 0 {
		errs = append(errs, fmt.Errorf("restart_delay must be >= 0, got %s", c.RestartDelay))
	}
	if c.RestartBurst < 1 {
		errs = append(errs, fmt.Errorf("restart_burst must be >= 1, got %d", c.RestartBurst))
	}
	if c.Snapshot.MaxKept < 0 {
		errs = append(errs, fmt.Errorf("snapshot.max_kept must be >= 0, got %d", c.Snapshot.MaxKept))
	}
	switch c.Snapshot.Provider {
	case "", "process", "gcore", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown snapshot.provider %q", c.Snapshot.Provider))
	}
	switch c.Log.Format {
	case "", "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Logging converts the log section for logging.Init
func (c Config) Logging() logging.Config {
	lc := logging.DefaultConfig()
	if c.Log.Level != "" {
		lc.Level = c.Log.Level
	}
	if c.Log.Format != "" {
		lc.Format = c.Log.Format
	}
	lc.File = c.Log.File
	return lc
}
