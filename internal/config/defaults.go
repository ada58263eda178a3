package config

import (
	"fmt"
	"os"
	"strings"

	apperrors "github.com/lotab/harness/internal/errors"
)

const (
	// DefaultAppName is the GUI process the daemon spawns.
	DefaultAppName = "Lotab"

	// DefaultExtensionPath is the unpacked extension relative to the repo root.
	DefaultExtensionPath = "./extension"

	// DefaultChannelAddr is the address the extension dials for the daemon.
	DefaultChannelAddr = "127.0.0.1:9001"

	DefaultStartupGraceMs    = 5000
	DefaultStopTimeoutMs     = 5000
	DefaultSettleMs          = 2000
	DefaultSweepPauseMs      = 1000
	DefaultAttachAttempts    = 20
	DefaultAttachIntervalMs  = 500
	DefaultConvergeTimeoutMs = 10000
	DefaultPollIntervalMs    = 250
	DefaultConnectTimeoutMs  = 10000
	DefaultResponseTimeoutMs = 5000
	DefaultKeystrokeDelayMs  = 100
	DefaultHistoryLimit      = 200
)

// DaemonBinEnv overrides the daemon binary location.
const DaemonBinEnv = "DAEMON_BIN"

// DaemonBinCandidates are tried in order when neither the config nor the
// environment names a binary. The second is the instrumented build.
var DaemonBinCandidates = []string{
	"./build/debug/lotab_daemon",
	"./build/debug/lotab_daemon_asan",
}

// ResolveDaemonBinary picks the daemon executable: explicit, then DAEMON_BIN,
// then each build candidate. An explicit or environment path that does not
// exist is an error rather than a silent fallthrough.
func ResolveDaemonBinary(explicit string, getenv func(string) string, exists func(string) bool) (string, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if exists == nil {
		exists = fileExists
	}

	if explicit != "" {
		if !exists(explicit) {
			return "", apperrors.New(apperrors.CodeConfigDaemonNotFound,
				fmt.Sprintf("daemon binary not found at %s", explicit))
		}
		return explicit, nil
	}
	if env := getenv(DaemonBinEnv); env != "" {
		if !exists(env) {
			return "", apperrors.New(apperrors.CodeConfigDaemonNotFound,
				fmt.Sprintf("daemon binary from %s not found at %s", DaemonBinEnv, env))
		}
		return env, nil
	}
	for _, candidate := range DaemonBinCandidates {
		if exists(candidate) {
			return candidate, nil
		}
	}
	return "", apperrors.New(apperrors.CodeConfigDaemonNotFound,
		fmt.Sprintf("daemon binary not found (tried %s); build the project or set %s",
			strings.Join(DaemonBinCandidates, ", "), DaemonBinEnv))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
