package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/lotab/harness/internal/config"
	apperrors "github.com/lotab/harness/internal/errors"
)

// harnessFlags are the options shared by every command that talks to the
// daemon, the browser or the history database.
type harnessFlags struct {
	Config            string
	DaemonBin         string
	AppName           string
	ExtensionPath     string
	BrowserBin        string
	Headless          bool
	ChannelAddr       string
	ConvergeTimeoutMs int
	KeystrokeDelayMs  int
	HistoryDB         string
	AllowSleep        bool
	PipeOutput        bool
	LogLevel          string
	LogFile           string
}

func (h *harnessFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&h.Config, "config", "", "Path to config file (default: ~/.lotab/harness.toml)")
	fs.StringVar(&h.DaemonBin, "daemon-bin", "", "Daemon executable (default: $DAEMON_BIN, then ./build/debug/lotab_daemon)")
	fs.StringVar(&h.AppName, "app-name", "", "GUI process name the daemon spawns (default: Lotab)")
	fs.StringVar(&h.ExtensionPath, "extension", "", "Unpacked extension directory (default: ./extension)")
	fs.StringVar(&h.BrowserBin, "browser-bin", "", "Chromium executable (default: looked up or downloaded)")
	fs.BoolVar(&h.Headless, "headless", false, "Run the browser without a window (protocol check only)")
	fs.StringVar(&h.ChannelAddr, "channel-addr", "", "Address the extension dials for the daemon (default: 127.0.0.1:9001)")
	fs.IntVar(&h.ConvergeTimeoutMs, "converge-timeout-ms", 0, "How long an expectation may take to hold (default: 10000)")
	fs.IntVar(&h.KeystrokeDelayMs, "keystroke-delay-ms", 0, "Pause between typed characters (default: 100)")
	fs.StringVar(&h.HistoryDB, "history-db", "", "Run history database (default: ~/.lotab/harness.db)")
	fs.BoolVar(&h.AllowSleep, "allow-sleep", false, "Do not hold a display sleep assertion during runs")
	fs.BoolVar(&h.PipeOutput, "pipe-output", false, "Capture daemon output through pipes instead of a pseudo-terminal")
	fs.StringVar(&h.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	fs.StringVar(&h.LogFile, "log-file", "", "Write the harness log to this file instead of stderr")
}

// load reads the config file and applies the flags on top of it. String and
// numeric flags win when non-zero; booleans only when set on the command line
// so --headless=false can override the file.
func (h *harnessFlags) load(fs *flag.FlagSet) (*config.Config, error) {
	explicitFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		explicitFlags[f.Name] = true
	})

	cfg, err := config.Load(h.Config)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "load config", err)
	}

	if h.DaemonBin != "" {
		cfg.DaemonBin = h.DaemonBin
	}
	if h.AppName != "" {
		cfg.AppName = h.AppName
	}
	if h.ExtensionPath != "" {
		cfg.ExtensionPath = h.ExtensionPath
	}
	if h.BrowserBin != "" {
		cfg.BrowserBin = h.BrowserBin
	}
	if h.ChannelAddr != "" {
		cfg.ChannelAddr = h.ChannelAddr
	}
	if h.ConvergeTimeoutMs != 0 {
		cfg.ConvergeTimeoutMs = h.ConvergeTimeoutMs
	}
	if h.KeystrokeDelayMs != 0 {
		cfg.KeystrokeDelayMs = h.KeystrokeDelayMs
	}
	if h.HistoryDB != "" {
		cfg.HistoryDB = h.HistoryDB
	}
	if h.LogLevel != "" {
		cfg.LogLevel = h.LogLevel
	}
	if h.LogFile != "" {
		cfg.LogFile = h.LogFile
	}
	if explicitFlags["headless"] {
		cfg.Headless = h.Headless
	}
	if explicitFlags["allow-sleep"] {
		cfg.AllowSleep = h.AllowSleep
	}
	if explicitFlags["pipe-output"] {
		cfg.PipeOutput = h.PipeOutput
	}

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfigInvalid, "invalid flags", err)
	}
	return cfg.WithDefaults(), nil
}

var logLevels = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// currentLogLevel gates logf. Internal packages log unconditionally.
var currentLogLevel = logLevels["info"]

// logf logs only when level is at or above the configured level.
func logf(level, format string, args ...any) {
	if logLevels[level] < currentLogLevel {
		return
	}
	log.Printf(format, args...)
}

// setupLogging points the standard logger at the configured file, or at
// stderr. The returned func restores stderr and closes the file.
func setupLogging(cfg *config.Config, stderr io.Writer) (func(), error) {
	if lvl, ok := logLevels[cfg.LogLevel]; ok {
		currentLogLevel = lvl
	}
	if cfg.LogFile == "" {
		log.SetOutput(stderr)
		return func() { log.SetOutput(os.Stderr) }, nil
	}

	path, err := resolveLogFilePath(cfg.LogFile)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	log.SetOutput(f)
	return func() {
		log.SetOutput(os.Stderr)
		f.Close()
	}, nil
}

// resolveLogFilePath expands a leading ~/ to the home directory.
func resolveLogFilePath(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// parseFlags runs fs.Parse and reports whether the command should stop, and
// with which exit code.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, true
		}
		return 1, true
	}
	return 0, false
}
