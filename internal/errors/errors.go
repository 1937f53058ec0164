package errors

import (
	"errors"
	"fmt"
	"strings"
)

// MuxError is the base interface for all proxy errors.
type MuxError interface {
	error
	IsMuxError() bool
}

// Compile-time verification that all error types implement MuxError.
var (
	_ MuxError = (*ConfigError)(nil)
	_ MuxError = (*BuildError)(nil)
	_ MuxError = (*LaunchError)(nil)
	_ MuxError = (*ProtocolError)(nil)
	_ MuxError = (*ProcessError)(nil)
	_ MuxError = (*TransportError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrUnknownTool indicates the qualified tool name is not in the current catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrCallTimeout indicates a tool call timed out waiting for the child's response.
	ErrCallTimeout = errors.New("tool call timeout")

	// ErrDiscoveryTimeout indicates a tools/list request timed out.
	ErrDiscoveryTimeout = errors.New("discovery timeout")

	// ErrProcessExited indicates the child process exited while a call was pending.
	ErrProcessExited = errors.New("child process exited")

	// ErrSessionClosed indicates the session has been shut down and cannot accept calls.
	ErrSessionClosed = errors.New("session closed")

	// ErrTransportNotConnected indicates the transport is not connected.
	ErrTransportNotConnected = errors.New("transport not connected")

	// ErrStdinClosed indicates stdin was closed due to shutdown or context cancellation.
	ErrStdinClosed = errors.New("stdin closed")

	// ErrNotServing indicates the proxy has not been started.
	ErrNotServing = errors.New("proxy not started")
)

// ConfigError indicates a malformed or duplicate server spec. It is fatal for
// that entry only; other entries keep loading.
type ConfigError struct {
	Server string
	Field  string
	Msg    string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("server %q: invalid %s: %s", e.Server, e.Field, e.Msg)
	}

	return fmt.Sprintf("server %q: %s", e.Server, e.Msg)
}

// IsMuxError implements MuxError.
func (e *ConfigError) IsMuxError() bool { return true }

// BuildError indicates a build command exited non-zero. The server stays
// NotBuilt until an explicit rebuild.
type BuildError struct {
	Server   string
	Command  string
	ExitCode int
	Output   string
	Err      error
}

func (e *BuildError) Error() string {
	out := strings.TrimSpace(e.Output)
	if len(out) > 512 {
		out = out[:512] + "..."
	}

	return fmt.Sprintf("build %q failed (exit %d): %s", e.Server, e.ExitCode, out)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// IsMuxError implements MuxError.
func (e *BuildError) IsMuxError() bool { return true }

// LaunchError indicates the child binary is missing, non-executable, or
// exited immediately after start.
type LaunchError struct {
	Server string
	Binary string
	Err    error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %q (%s): %v", e.Server, e.Binary, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// IsMuxError implements MuxError.
func (e *LaunchError) IsMuxError() bool { return true }

// ProtocolError indicates a malformed response from a child server.
// The raw line that failed to parse is preserved for logging.
type ProtocolError struct {
	Server  string
	RawData string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("malformed response from %q: %v", e.Server, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsMuxError implements MuxError.
func (e *ProtocolError) IsMuxError() bool { return true }

// ProcessError indicates the child process terminated with a failure.
type ProcessError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ProcessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("child process failed (exit %d): %v", e.ExitCode, e.Err)
	}

	return fmt.Sprintf("child process failed (exit %d): %s", e.ExitCode, e.Stderr)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}

// IsMuxError implements MuxError.
func (e *ProcessError) IsMuxError() bool { return true }

// TransportError indicates a pipe read or write failure.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsMuxError implements MuxError.
func (e *TransportError) IsMuxError() bool { return true }

// RPCError is a JSON-RPC error object returned by a child server. It is
// propagated to the caller verbatim rather than folded into a string.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsMuxError implements MuxError.
func (e *RPCError) IsMuxError() bool { return true }
