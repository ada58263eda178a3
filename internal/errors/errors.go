// Package errors provides standardized error codes for the harness.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (startup, input, protocol, ...)
//   - error: The specific error type within that domain
//
// Codes are stable and are persisted with every run report, so history
// queries can group failures by code.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
const (
	// Failure taxonomy. Every code here except CodeManifestCorrupt aborts
	// the current scenario.
	CodeStartupFailed        = "startup.failed"         // Daemon never reached running state
	CodeInputInjectionFailed = "input.injection_failed" // OS automation refused or failed
	CodeExtensionNotReady    = "extension.not_ready"    // Background context never appeared
	CodeNoResponse           = "protocol.no_response"   // Peer sent nothing in time
	CodeProtocolViolation    = "protocol.violation"     // Malformed envelope or payload
	CodeManifestCorrupt      = "manifest.corrupt"       // Persisted state not parseable (warning)
	CodeConvergenceTimeout   = "convergence.timeout"    // Predicate never became true

	// Config domain
	CodeConfigInvalid        = "config.invalid"          // Bad value in file or flags
	CodeConfigDaemonNotFound = "config.daemon_not_found" // No daemon binary at any candidate path

	// Process domain
	CodeProcessListFailed   = "process.list_failed"   // ps invocation failed
	CodeProcessSignalFailed = "process.signal_failed" // Could not deliver a signal

	// Bridge domain
	CodeBridgeLaunchFailed = "bridge.launch_failed" // Browser could not be launched
	CodeBridgeQueryFailed  = "bridge.query_failed"  // Query against the extension failed

	// Storage domain
	CodeStorageOpenFailed  = "storage.open_failed"  // Database open failed
	CodeStorageQueryFailed = "storage.query_failed" // Database query failed
	CodeStorageSaveFailed  = "storage.save_failed"  // Failed to save data
	CodeStorageNotFound    = "storage.not_found"    // Run not found

	// Scenario domain
	CodeAssertionFailed = "scenario.assertion_failed" // Observed state contradicts expectation
	CodeScenarioUnknown = "scenario.unknown"          // Name not in catalog
	CodeScenarioPanic   = "scenario.panic"            // Scenario body panicked
	CodeScenarioTimeout = "scenario.timeout"          // Scenario exceeded its overall timeout
	CodeTeardownUnclean = "teardown.unclean"          // Daemon or GUI survived teardown

	// Keep-awake domain
	CodeKeepAwakeUnsupported = "keepawake.unsupported" // No sleep assertion mechanism on this host
	CodeKeepAwakeFailed      = "keepawake.failed"      // caffeinate could not be started or stopped

	// Install domain
	CodeInstallFailed = "install.failed" // Installer or service registration check failed

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal harness error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "startup.failed")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// Falls back to CodeUnknown for errors that carry no code.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// Reports use it to fill their error columns.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// IsFatal reports whether err aborts a scenario. Manifest corruption is the
// only warning-grade condition; a nil error is not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return GetCode(err) != CodeManifestCorrupt
}

// Constructors for the failure taxonomy.

// StartupFailure creates a "startup.failed" error.
// output is the tail of the daemon's captured output and may be empty.
func StartupFailure(binary, status, output string) *CodedError {
	msg := fmt.Sprintf("daemon %s exited during startup (%s)", binary, status)
	if output != "" {
		msg = fmt.Sprintf("%s; last output:\n%s", msg, output)
	}
	return New(CodeStartupFailed, msg)
}

// InputInjectionFailure creates an "input.injection_failed" error.
func InputInjectionFailure(command string, cause error) *CodedError {
	return Wrap(CodeInputInjectionFailed, fmt.Sprintf("could not inject %s", command), cause)
}

// ExtensionNotReady creates an "extension.not_ready" error.
func ExtensionNotReady(attempts int, cause error) *CodedError {
	msg := fmt.Sprintf("extension background context not found after %d attempts", attempts)
	return Wrap(CodeExtensionNotReady, msg, cause)
}

// NoResponse creates a "protocol.no_response" error.
func NoResponse(waitingFor string) *CodedError {
	return New(CodeNoResponse, fmt.Sprintf("no %s received before timeout", waitingFor))
}

// ProtocolViolation creates a "protocol.violation" error.
func ProtocolViolation(reason string) *CodedError {
	return New(CodeProtocolViolation, reason)
}

// ManifestCorrupt creates a "manifest.corrupt" error.
func ManifestCorrupt(path string, cause error) *CodedError {
	return Wrap(CodeManifestCorrupt, fmt.Sprintf("manifest %s is not valid JSON", path), cause)
}

// ConvergenceTimeout creates a "convergence.timeout" error.
func ConvergenceTimeout(what string, attempts int, cause error) *CodedError {
	msg := fmt.Sprintf("%s did not converge after %d polls", what, attempts)
	return Wrap(CodeConvergenceTimeout, msg, cause)
}

// AssertionFailed creates a "scenario.assertion_failed" error.
func AssertionFailed(message string) *CodedError {
	return New(CodeAssertionFailed, message)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}

// nextActions maps failure codes to the operator step most likely to fix them.
var nextActions = map[string]string{
	CodeStartupFailed:        "Rebuild the daemon and run it by hand to see why it exits.",
	CodeInputInjectionFailed: "Grant Accessibility and Automation permission to the terminal running the harness.",
	CodeExtensionNotReady:    "Check extension_path points at the unpacked extension and that it loads in chrome://extensions.",
	CodeNoResponse:           "Confirm the extension is configured to dial the channel address and that nothing else holds the port.",
	CodeProtocolViolation:    "Compare the extension's message handler with the daemon's wire format.",
	CodeManifestCorrupt:      "Inspect the manifest file; the daemon or GUI may have been killed mid-write.",
	CodeConvergenceTimeout:   "Inspect the last observed state in the report; raise converge_timeout_ms if the machine is slow.",
	CodeConfigDaemonNotFound: "Build the daemon or set DAEMON_BIN.",
	CodeProcessListFailed:    "Ensure ps is on PATH.",
	CodeBridgeLaunchFailed:   "Install Chromium or set browser_bin.",
	CodeStorageOpenFailed:    "Check permissions on the history database directory.",
	CodeScenarioTimeout:      "Raise the scenario timeout or look for an action that never settles.",
	CodeTeardownUnclean:      "Run `lotab-harness sweep` and check for a Lotab instance started outside the harness.",
}

// GetNextAction returns a short remediation hint for err's code, or "" when
// none is known.
func GetNextAction(code string) string {
	return nextActions[code]
}
