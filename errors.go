package mcpmux

import "github.com/mcpmux/mcpmux/internal/errors"

// Re-export error types from internal package

// MuxError is the base interface for all errors produced by this module.
type MuxError = errors.MuxError

// ConfigError indicates a server declaration is invalid.
type ConfigError = errors.ConfigError

// BuildError indicates a server's build command failed.
type BuildError = errors.BuildError

// LaunchError indicates a server binary could not be started.
type LaunchError = errors.LaunchError

// ProtocolError indicates a child wrote something that is not a valid
// protocol message.
type ProtocolError = errors.ProtocolError

// ProcessError indicates a child process exited.
type ProcessError = errors.ProcessError

// RPCError indicates a child answered a call with a protocol-level error.
type RPCError = errors.RPCError

// Re-export sentinel errors from internal package.
var (
	// ErrUnknownTool indicates a call named a tool absent from the catalog.
	ErrUnknownTool = errors.ErrUnknownTool

	// ErrCallTimeout indicates a tool call exceeded its deadline.
	ErrCallTimeout = errors.ErrCallTimeout

	// ErrDiscoveryTimeout indicates a server did not report its tools in time.
	ErrDiscoveryTimeout = errors.ErrDiscoveryTimeout

	// ErrProcessExited indicates the child process exited mid-session.
	ErrProcessExited = errors.ErrProcessExited

	// ErrSessionClosed indicates the session was shut down.
	ErrSessionClosed = errors.ErrSessionClosed

	// ErrNotServing indicates the proxy has not been started.
	ErrNotServing = errors.ErrNotServing
)
