// Package config provides TOML configuration file loading for the harness.
// The configuration file lives at ~/.lotab/harness.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the harness configuration file structure.
// Millisecond fields left at zero fall back to the defaults in defaults.go.
type Config struct {
	// DaemonBin is the daemon executable. If empty, resolved via
	// ResolveDaemonBinary (DAEMON_BIN, then the build output candidates).
	DaemonBin string `toml:"daemon_bin"`

	// AppName is the GUI process name the daemon spawns. Default: Lotab
	AppName string `toml:"app_name"`

	// ExtensionPath is the unpacked extension directory. Default: ./extension
	ExtensionPath string `toml:"extension_path"`

	// BrowserBin is the Chromium executable. If empty, the launcher looks one up.
	BrowserBin string `toml:"browser_bin"`

	// Headless launches the browser without a window. Synthetic input scenarios
	// need a real window, so this is only useful for the protocol check.
	Headless bool `toml:"headless"`

	// ChannelAddr is where the protocol checker listens in place of the daemon.
	// Default: 127.0.0.1:9001
	ChannelAddr string `toml:"channel_addr"`

	StartupGraceMs    int `toml:"startup_grace_ms"`
	StopTimeoutMs     int `toml:"stop_timeout_ms"`
	SettleMs          int `toml:"settle_ms"`
	SweepPauseMs      int `toml:"sweep_pause_ms"`
	AttachAttempts    int `toml:"attach_attempts"`
	AttachIntervalMs  int `toml:"attach_interval_ms"`
	ConvergeTimeoutMs int `toml:"converge_timeout_ms"`
	PollIntervalMs    int `toml:"poll_interval_ms"`
	ConnectTimeoutMs  int `toml:"connect_timeout_ms"`
	ResponseTimeoutMs int `toml:"response_timeout_ms"`
	KeystrokeDelayMs  int `toml:"keystroke_delay_ms"`

	// HistoryDB is the SQLite file holding run reports.
	// Default: ~/.lotab/harness.db
	HistoryDB string `toml:"history_db"`

	// HistoryLimit caps how many runs are retained. Default: 200
	HistoryLimit int `toml:"history_limit"`

	// AllowSleep skips the display sleep assertion held during suite runs.
	AllowSleep bool `toml:"allow_sleep"`

	// PipeOutput captures daemon output through plain pipes instead of a
	// pseudo-terminal.
	PipeOutput bool `toml:"pipe_output"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	// LogFile redirects the harness log. Empty means stderr.
	LogFile string `toml:"log_file"`
}

// DefaultConfigPath returns the default config file location: ~/.lotab/harness.toml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".lotab", "harness.toml"), nil
}

// Load reads a TOML config file from the given path and returns a Config with
// defaults applied.
//
// Behavior:
//   - If path is empty, attempts the default location. A missing default file
//     is not an error.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed or holds
//     invalid values.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg.WithDefaults(), nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg.WithDefaults(), nil
		}
		path = defaultPath
	} else if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file not found: %s", path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg.WithDefaults(), nil
}

// Validate rejects negative timings and unknown log levels.
func (c *Config) Validate() error {
	ints := map[string]int{
		"startup_grace_ms":    c.StartupGraceMs,
		"stop_timeout_ms":     c.StopTimeoutMs,
		"settle_ms":           c.SettleMs,
		"sweep_pause_ms":      c.SweepPauseMs,
		"attach_attempts":     c.AttachAttempts,
		"attach_interval_ms":  c.AttachIntervalMs,
		"converge_timeout_ms": c.ConvergeTimeoutMs,
		"poll_interval_ms":    c.PollIntervalMs,
		"connect_timeout_ms":  c.ConnectTimeoutMs,
		"response_timeout_ms": c.ResponseTimeoutMs,
		"keystroke_delay_ms":  c.KeystrokeDelayMs,
		"history_limit":       c.HistoryLimit,
	}
	for name, v := range ints {
		if v < 0 {
			return fmt.Errorf("%s must not be negative (got %d)", name, v)
		}
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	return nil
}

// WithDefaults returns a copy of c with zero values replaced by defaults.
func (c *Config) WithDefaults() *Config {
	out := *c
	setString(&out.AppName, DefaultAppName)
	setString(&out.ExtensionPath, DefaultExtensionPath)
	setString(&out.ChannelAddr, DefaultChannelAddr)
	setString(&out.LogLevel, "info")
	setInt(&out.StartupGraceMs, DefaultStartupGraceMs)
	setInt(&out.StopTimeoutMs, DefaultStopTimeoutMs)
	setInt(&out.SettleMs, DefaultSettleMs)
	setInt(&out.SweepPauseMs, DefaultSweepPauseMs)
	setInt(&out.AttachAttempts, DefaultAttachAttempts)
	setInt(&out.AttachIntervalMs, DefaultAttachIntervalMs)
	setInt(&out.ConvergeTimeoutMs, DefaultConvergeTimeoutMs)
	setInt(&out.PollIntervalMs, DefaultPollIntervalMs)
	setInt(&out.ConnectTimeoutMs, DefaultConnectTimeoutMs)
	setInt(&out.ResponseTimeoutMs, DefaultResponseTimeoutMs)
	setInt(&out.KeystrokeDelayMs, DefaultKeystrokeDelayMs)
	setInt(&out.HistoryLimit, DefaultHistoryLimit)
	if out.HistoryDB == "" {
		if home, err := os.UserHomeDir(); err == nil {
			out.HistoryDB = filepath.Join(home, ".lotab", "harness.db")
		}
	}
	return &out
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

// Ms converts a millisecond config value to a duration.
func Ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
